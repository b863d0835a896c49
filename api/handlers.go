package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Seann-Moser/usersync/user"
)

const defaultActivityDays = 30

// HealthHandler reports whether the store is reachable.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			slog.Error("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RefreshUsersHandler starts a reconciliation of the posted ids, or of every
// user when the body is empty. With ?wait=true it answers with the result.
func (s *Server) RefreshUsersHandler(w http.ResponseWriter, r *http.Request) {
	var harpIDs []string
	if err := json.NewDecoder(r.Body).Decode(&harpIDs); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Request body must be a list of HARP ids")
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		writeJSON(w, http.StatusOK, s.Runs.Run(r.Context(), harpIDs))
		return
	}
	runID := s.Runs.Trigger(r.Context(), harpIDs)
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

// GetUserHandler returns the stored record.
func (s *Server) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.findUser(w, r, chi.URLParam(r, "harpId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// LoginRefreshHandler refreshes the caller's own record at login.
func (s *Server) LoginRefreshHandler(w http.ResponseWriter, r *http.Request) {
	harpID := chi.URLParam(r, "harpId")
	principal := r.Header.Get(s.principalHeader)

	target := harpID
	if s.testOverrideID != "" {
		target = s.testOverrideID
	} else if principal == "" || !strings.EqualFold(principal, harpID) {
		slog.Warn("user attempted to refresh another user", "principal", principal, "harpId", harpID)
		writeError(w, http.StatusForbidden, "Not allowed to update another user")
		return
	}

	rec, err := s.Logins.RefreshOnLogin(r.Context(), target)
	if err != nil {
		slog.Error("login refresh failed", "harpId", target, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to refresh user")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetDetailsHandler returns the identity subset of one user.
func (s *Server) GetDetailsHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.findUser(w, r, chi.URLParam(r, "harpId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec.Details())
}

// DetailsRequest is the body of the bulk details call.
type DetailsRequest struct {
	HarpIDs []string `json:"harpIds"`
}

// BulkDetailsHandler returns details keyed by the requested ids. Unknown users
// are answered with just their id.
func (s *Server) BulkDetailsHandler(w http.ResponseWriter, r *http.Request) {
	var req DetailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	out := make(map[string]user.Details, len(req.HarpIDs))
	for _, id := range req.HarpIDs {
		rec, err := s.Store.FindByHarpID(r.Context(), id)
		switch {
		case errors.Is(err, user.ErrNotFound):
			out[id] = user.Details{HarpID: id}
		case err != nil:
			slog.Error("failed to load user details", "harpId", id, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to load user details")
			return
		default:
			out[id] = rec.Details()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ActivityHandler lists users that logged in or gained access in the last ?days days.
func (s *Server) ActivityHandler(w http.ResponseWriter, r *http.Request) {
	days := defaultActivityDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive number")
			return
		}
		days = n
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	recs, err := s.Store.ListActivity(r.Context(), since)
	if err != nil {
		slog.Error("failed to build activity report", "days", days, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to build activity report")
		return
	}
	out := make([]user.Activity, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].Activity())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) findUser(w http.ResponseWriter, r *http.Request, harpID string) (*user.Record, bool) {
	rec, err := s.Store.FindByHarpID(r.Context(), harpID)
	if errors.Is(err, user.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return nil, false
	}
	if err != nil {
		slog.Error("failed to load user", "harpId", harpID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load user")
		return nil, false
	}
	return rec, true
}
