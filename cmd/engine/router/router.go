// Package router configures the engine's HTTP API.
//
// Routes:
//   - GET /decision/current?session=<name>: latest pump command of the session
//   - GET /decision/history?session=<name>&limit=<n>: recent decisions, newest first
//   - GET /healthz
//   - GET /metrics
//
// A command older than the stale threshold is still served, with the
// X-Microdose-Stale header set, so the pump driver can decide to fall back to
// its scheduled basal.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/microdose/pkg/audit"
	"github.com/HatiCode/microdose/pkg/httpx"
	"github.com/HatiCode/microdose/pkg/storage"
)

// StaleHeader marks a command older than the stale threshold.
const StaleHeader = "X-Microdose-Stale"

// MaxHistory caps the limit parameter of /decision/history.
const MaxHistory = 500

// Routes holds what the handlers read. History may be nil when no queryable
// audit sink is configured.
type Routes struct {
	Store      storage.Store
	History    audit.History
	StaleAfter time.Duration
	Health     func() error
	Logger     *slog.Logger
	// Now is the clock used for staleness. Nil means time.Now.
	Now func() time.Time
}

// SetupRoutes returns the engine mux wrapped in the request id, logging and
// recovery middleware.
func SetupRoutes(r Routes) http.Handler {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.Now == nil {
		r.Now = time.Now
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", httpx.HealthHandler(r.Health))
	mux.HandleFunc("/decision/current", r.handleCurrent)
	mux.HandleFunc("/decision/history", r.handleHistory)
	mux.Handle("/metrics", promhttp.Handler())

	return httpx.Chain(mux,
		httpx.RequestIDMiddleware,
		httpx.RecoveryMiddleware(r.Logger),
		httpx.LoggingMiddleware(r.Logger),
	)
}

func sessionParam(w http.ResponseWriter, req *http.Request) (string, bool) {
	if req.Method != http.MethodGet {
		httpx.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return "", false
	}
	session := req.URL.Query().Get("session")
	if session == "" {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "session parameter required")
		return "", false
	}
	if err := storage.ValidateSession(session); err != nil {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid session name format")
		return "", false
	}
	return session, true
}

func (r Routes) handleCurrent(w http.ResponseWriter, req *http.Request) {
	session, ok := sessionParam(w, req)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	rec, found, err := r.Store.GetLatest(ctx, session)
	if err != nil {
		r.Logger.Error("failed to get latest command", "session", session, "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !found {
		httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("no decision for session %q", session))
		return
	}

	if rec.Age(r.Now()) > r.StaleAfter {
		w.Header().Set(StaleHeader, "true")
	}
	if err := httpx.WriteJSON(w, http.StatusOK, rec); err != nil {
		r.Logger.Error("failed to write JSON response", "error", err)
	}
}

func (r Routes) handleHistory(w http.ResponseWriter, req *http.Request) {
	session, ok := sessionParam(w, req)
	if !ok {
		return
	}
	if r.History == nil {
		httpx.WriteErrorMessage(w, http.StatusNotFound, "decision history is not enabled")
		return
	}

	limit := 20
	if s := req.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > MaxHistory {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", MaxHistory))
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	decisions, err := r.History.Recent(ctx, session, limit)
	if err != nil {
		r.Logger.Error("failed to read decision history", "session", session, "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	for i := range decisions {
		decisions[i] = decisions[i].Finite()
	}

	resp := map[string]any{
		"session":   session,
		"decisions": decisions,
	}
	if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
		r.Logger.Error("failed to write JSON response", "error", err)
	}
}
