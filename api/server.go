// Package api is the HTTP surface of the sync service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/Seann-Moser/usersync/metrics"
	"github.com/Seann-Moser/usersync/reconcile"
	"github.com/Seann-Moser/usersync/user"
)

// APIKeyHeader carries the admin key on admin routes.
const APIKeyHeader = "api-key"

// LoginRefresher refreshes one user at login.
type LoginRefresher interface {
	RefreshOnLogin(ctx context.Context, harpID string) (*user.Record, error)
}

// SyncRunner runs reconciliations synchronously or in the background.
type SyncRunner interface {
	Run(ctx context.Context, harpIDs []string) reconcile.Result
	Trigger(ctx context.Context, harpIDs []string) string
}

var (
	_ LoginRefresher = &reconcile.Reconciler{}
	_ SyncRunner     = &reconcile.Driver{}
)

// Server serves the user and admin endpoints.
type Server struct {
	Store  user.Store
	Logins LoginRefresher
	Runs   SyncRunner

	adminKeyHash    []byte
	principalHeader string
	testOverrideID  string
	healthCheck     func(ctx context.Context) error
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAdminKeyHash sets the bcrypt hash admin requests are checked against.
func WithAdminKeyHash(hash string) ServerOption {
	return func(s *Server) {
		s.adminKeyHash = []byte(hash)
	}
}

// WithPrincipalHeader sets the header the upstream gateway puts the caller's HARP id in.
func WithPrincipalHeader(name string) ServerOption {
	return func(s *Server) {
		if name != "" {
			s.principalHeader = name
		}
	}
}

// WithTestOverrideID makes every login refresh act on id.
func WithTestOverrideID(id string) ServerOption {
	return func(s *Server) {
		s.testOverrideID = id
	}
}

// WithHealthCheck sets the dependency check behind /healthz.
func WithHealthCheck(check func(ctx context.Context) error) ServerOption {
	return func(s *Server) {
		s.healthCheck = check
	}
}

// NewServer creates a Server.
func NewServer(store user.Store, logins LoginRefresher, runs SyncRunner, opts ...ServerOption) *Server {
	s := &Server{
		Store:           store,
		Logins:          logins,
		Runs:            runs,
		principalHeader: "X-Forwarded-User",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Instrument)

	r.Get("/healthz", s.HealthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.With(s.AdminMiddleware).Put("/admin/users/refresh", s.RefreshUsersHandler)

	r.Route("/users", func(r chi.Router) {
		r.Get("/activity", s.ActivityHandler)
		r.Post("/details", s.BulkDetailsHandler)
		r.Get("/{harpId}", s.GetUserHandler)
		r.Put("/{harpId}", s.LoginRefreshHandler)
		r.Get("/{harpId}/details", s.GetDetailsHandler)
	})
	return r
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// =============================================================================
// Middleware
// =============================================================================

// AdminMiddleware rejects requests whose api-key header does not match the admin key hash.
func (s *Server) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" || len(s.adminKeyHash) == 0 {
			writeError(w, http.StatusUnauthorized, "Admin API key required")
			return
		}
		if err := bcrypt.CompareHashAndPassword(s.adminKeyHash, []byte(key)); err != nil {
			slog.Warn("rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "Invalid admin API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
