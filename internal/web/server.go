package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/example/seatwatch/internal/auth"
	"github.com/example/seatwatch/internal/db"
	"github.com/example/seatwatch/internal/jobs"
	"github.com/example/seatwatch/internal/logger"
	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/scheduler"
	"github.com/example/seatwatch/internal/stats"
)

// JobService is the part of the scheduler the API exposes.
type JobService interface {
	Create(ctx context.Context, userID uuid.UUID, cfg scheduler.JobConfig) (uuid.UUID, error)
	Get(ctx context.Context, userID, id uuid.UUID) (scheduler.View, error)
	List(ctx context.Context, userID uuid.UUID) ([]scheduler.View, error)
	Update(ctx context.Context, userID, id uuid.UUID, cfg scheduler.JobConfig) error
	Start(ctx context.Context, userID, id uuid.UUID) error
	Stop(ctx context.Context, userID, id uuid.UUID) error
	Delete(ctx context.Context, userID, id uuid.UUID) error
	NotificationSettings(ctx context.Context, userID uuid.UUID) (notify.Settings, error)
	UpdateNotificationSettings(ctx context.Context, userID uuid.UUID, in notify.Input) (notify.Settings, error)
}

type Server struct {
	Auth *auth.Store
	Jobs JobService
	Log  *logger.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	protected := func(h http.HandlerFunc) http.Handler { return s.Auth.RequireAuth(h) }
	mux.Handle("GET /api/user", protected(s.handleCurrentUser))
	mux.Handle("GET /api/jobs", protected(s.handleListJobs))
	mux.Handle("POST /api/jobs", protected(s.handleCreateJob))
	mux.Handle("GET /api/jobs/{id}", protected(s.handleGetJob))
	mux.Handle("PUT /api/jobs/{id}", protected(s.handleUpdateJob))
	mux.Handle("DELETE /api/jobs/{id}", protected(s.handleDeleteJob))
	mux.Handle("POST /api/jobs/{id}/start", protected(s.handleStartJob))
	mux.Handle("POST /api/jobs/{id}/stop", protected(s.handleStopJob))
	mux.Handle("GET /api/notifications", protected(s.handleGetNotifications))
	mux.Handle("POST /api/notifications", protected(s.handleUpdateNotifications))

	return s.logRequests(mux)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decode(w, r, &in) {
		return
	}
	uid, err := s.Auth.Authenticate(r.Context(), strings.TrimSpace(in.Username), in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.fail(w, r, err)
		return
	}
	if err := s.Auth.SetSession(w, r, uid); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": uid.String()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

type userResponse struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	name, err := s.Auth.Username(r.Context(), uid)
	if err != nil {
		if db.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: uid, Username: name})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	views, err := s.Jobs.List(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var cfg scheduler.JobConfig
	if !decode(w, r, &cfg) {
		return
	}
	id, err := s.Jobs.Create(r.Context(), uid, cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.Jobs.Get(r.Context(), uid, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(v))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	v, err := s.Jobs.Get(r.Context(), uid, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(v))
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	var cfg scheduler.JobConfig
	if !decode(w, r, &cfg) {
		return
	}
	if err := s.Jobs.Update(r.Context(), uid, id, cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.Jobs.Get(r.Context(), uid, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(v))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.Jobs.Delete, http.StatusNoContent)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.Jobs.Start, http.StatusOK)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.Jobs.Stop, http.StatusOK)
}

// jobAction runs a state-changing call and answers with the job's new view,
// or with no body when status is 204.
func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, act func(context.Context, uuid.UUID, uuid.UUID) error, status int) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := act(r.Context(), uid, id); err != nil {
		s.fail(w, r, err)
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	v, err := s.Jobs.Get(r.Context(), uid, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, toResponse(v))
}

func (s *Server) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	set, err := s.Jobs.NotificationSettings(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleUpdateNotifications(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var in notify.Input
	if !decode(w, r, &in) {
		return
	}
	set, err := s.Jobs.UpdateNotificationSettings(r.Context(), uid, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

type jobResponse struct {
	ID               uuid.UUID        `json:"id"`
	Term             string           `json:"term"`
	IntervalSec      int              `json:"interval_sec"`
	Threshold        int              `json:"threshold"`
	Courses          []jobs.Course    `json:"courses"`
	State            jobs.State       `json:"state"`
	Connected        bool             `json:"connected"`
	LastCheckAt      *time.Time       `json:"last_check_at,omitempty"`
	LastError        *string          `json:"last_error,omitempty"`
	TokenRefreshedAt time.Time        `json:"token_refreshed_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Stats            stats.Snapshot   `json:"stats"`
	Health           scheduler.Health `json:"health"`
}

func toResponse(v scheduler.View) jobResponse {
	j := v.Job
	return jobResponse{
		ID:               j.ID,
		Term:             j.Term,
		IntervalSec:      j.IntervalSec,
		Threshold:        j.Threshold,
		Courses:          j.Courses,
		State:            v.State,
		Connected:        j.Connected,
		LastCheckAt:      j.LastCheckAt,
		LastError:        j.LastError,
		TokenRefreshedAt: j.TokenRefreshedAt,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		Stats:            v.Stats,
		Health:           v.Health,
	}
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrInvalidConfig), errors.Is(err, notify.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Log.WithFields(logger.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return uuid.Nil, false
	}
	return id, true
}

const maxBody = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start serves h on addr until ctx is cancelled, then drains in-flight
// requests for up to five seconds.
func Start(ctx context.Context, addr string, h http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
