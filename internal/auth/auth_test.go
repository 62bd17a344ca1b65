package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/seatwatch/internal/db"
)

func newStore() *Store {
	return NewStore(NewMemoryUsers(), []byte("0123456789abcdef0123456789abcdef"), []byte("abcdef0123456789abcdef0123456789"))
}

func TestCreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	id, err := s.CreateUser(ctx, " alice ", "hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	_, err = s.CreateUser(ctx, "alice", "other")
	assert.True(t, errors.Is(err, ErrUserExists))

	got, err := s.Authenticate(ctx, "alice", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, err = s.Authenticate(ctx, "nobody", "x")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	name, err := s.Username(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
	_, err = s.Username(ctx, uuid.New())
	assert.True(t, db.IsNotFound(err))
}

func TestSessionCookieRoundTrip(t *testing.T) {
	s := newStore()
	id := uuid.New()

	rec := httptest.NewRecorder()
	require.NoError(t, s.SetSession(rec, httptest.NewRequest(http.MethodPost, "/login", nil), id))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.AddCookie(cookies[0])
	sess, ok := s.GetSession(req)
	require.True(t, ok)
	assert.Equal(t, id, sess.UserID)

	tampered := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	tampered.AddCookie(&http.Cookie{Name: cookieName, Value: cookies[0].Value + "x"})
	_, ok = s.GetSession(tampered)
	assert.False(t, ok)
}

func TestRequireAuth(t *testing.T) {
	s := newStore()
	id := uuid.New()
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := UserIDFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, id, uid)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	login := httptest.NewRecorder()
	require.NoError(t, s.SetSession(login, httptest.NewRequest(http.MethodPost, "/login", nil), id))
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.AddCookie(login.Result().Cookies()[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
