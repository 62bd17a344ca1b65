package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/seatwatch/internal/db"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
)

const (
	cookieName = "seatwatch_session"
	sessionTTL = 14 * 24 * time.Hour
)

// Users is where accounts live.
type Users interface {
	CreateUser(ctx context.Context, username, passwordHash string) (uuid.UUID, error)
	FindUser(ctx context.Context, username string) (id uuid.UUID, passwordHash string, err error)
	Username(ctx context.Context, id uuid.UUID) (string, error)
}

type Store struct {
	sc    *securecookie.SecureCookie
	users Users
}

type ctxKey string

const userIDKey ctxKey = "userID"

func NewStore(users Users, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, users: users}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (s *Store) CreateUser(ctx context.Context, username, password string) (uuid.UUID, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return uuid.Nil, errors.New("username and password required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return uuid.Nil, err
	}
	return s.users.CreateUser(ctx, username, hash)
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (uuid.UUID, error) {
	id, hash, err := s.users.FindUser(ctx, strings.TrimSpace(username))
	if err != nil {
		if db.IsNotFound(err) {
			return uuid.Nil, ErrInvalidCredentials
		}
		return uuid.Nil, err
	}
	if !CheckPassword(hash, password) {
		return uuid.Nil, ErrInvalidCredentials
	}
	return id, nil
}

// Username returns the account name for id, or db.ErrNotFound.
func (s *Store) Username(ctx context.Context, id uuid.UUID) (string, error) {
	return s.users.Username(ctx, id)
}

type Session struct {
	UserID uuid.UUID
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, userID uuid.UUID) error {
	encoded, err := s.sc.Encode(cookieName, map[string]string{"uid": userID.String(), "v": "1"})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	val := map[string]string{}
	if err := s.sc.Decode(cookieName, c.Value, &val); err != nil {
		return Session{}, false
	}
	uid, err := uuid.Parse(val["uid"])
	if err != nil || uid == uuid.Nil {
		return Session{}, false
	}
	return Session{UserID: uid}, true
}

// RequireAuth rejects requests without a valid session cookie with 401.
func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"login required"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), sess.UserID)))
	})
}

func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	uid, ok := ctx.Value(userIDKey).(uuid.UUID)
	return uid, ok
}

// PGUsers keeps accounts in the users table.
type PGUsers struct{ db *db.DB }

func NewPGUsers(d *db.DB) *PGUsers { return &PGUsers{db: d} }

func (u *PGUsers) CreateUser(ctx context.Context, username, hash string) (uuid.UUID, error) {
	id := uuid.New()
	n, err := u.db.ExecAffected(ctx,
		`INSERT INTO users(id, username, password_bcrypt) VALUES ($1,$2,$3) ON CONFLICT (username) DO NOTHING`,
		id, username, hash)
	if err != nil {
		return uuid.Nil, db.WrapNotFound(err)
	}
	if n == 0 {
		return uuid.Nil, ErrUserExists
	}
	return id, nil
}

func (u *PGUsers) FindUser(ctx context.Context, username string) (uuid.UUID, string, error) {
	var (
		id   uuid.UUID
		hash string
	)
	err := u.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM users WHERE username=$1`, username).Scan(&id, &hash)
	if err != nil {
		return uuid.Nil, "", db.WrapNotFound(err)
	}
	return id, hash, nil
}

func (u *PGUsers) Username(ctx context.Context, id uuid.UUID) (string, error) {
	var name string
	if err := u.db.QueryRow(ctx, `SELECT username FROM users WHERE id=$1`, id).Scan(&name); err != nil {
		return "", db.WrapNotFound(err)
	}
	return name, nil
}

// MemoryUsers is the in-process account table used with STORE=memory.
type MemoryUsers struct {
	mu     sync.RWMutex
	byName map[string]memoryUser
}

type memoryUser struct {
	id   uuid.UUID
	hash string
}

func NewMemoryUsers() *MemoryUsers { return &MemoryUsers{byName: map[string]memoryUser{}} }

func (u *MemoryUsers) CreateUser(_ context.Context, username, hash string) (uuid.UUID, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byName[username]; ok {
		return uuid.Nil, ErrUserExists
	}
	id := uuid.New()
	u.byName[username] = memoryUser{id: id, hash: hash}
	return id, nil
}

func (u *MemoryUsers) FindUser(_ context.Context, username string) (uuid.UUID, string, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	m, ok := u.byName[username]
	if !ok {
		return uuid.Nil, "", db.ErrNotFound
	}
	return m.id, m.hash, nil
}

func (u *MemoryUsers) Username(_ context.Context, id uuid.UUID) (string, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for name, m := range u.byName {
		if m.id == id {
			return name, nil
		}
	}
	return "", db.ErrNotFound
}
