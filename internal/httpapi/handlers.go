// Package httpapi serves the agent's operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"warden.org/internal/obs"
	"warden.org/internal/stream"
)

// ErrDisconnected is reported by readiness while no platform session is up.
var ErrDisconnected = errors.New("platform session not connected")

// Pinger checks the authorization database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Session reports the supervisor's platform connection.
type Session interface {
	Connected() bool
	Since() time.Time
	Restarts() int
}

// ReadyProbe combines the database ping with the session state.
type ReadyProbe struct {
	DB      Pinger
	Session Session
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		timeout := rp.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := rp.DB.Ping(pctx); err != nil {
			return err
		}
	}
	if rp.Session != nil && !rp.Session.Connected() {
		return ErrDisconnected
	}
	return nil
}

// API is the ops HTTP layer.
type API struct {
	router     chi.Router
	readyProbe ReadyProbe
	version    string
	started    time.Time
	log        *zap.Logger
	events     *stream.Stream

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string) *API {
	a := &API{
		router:     chi.NewRouter(),
		readyProbe: rp,
		version:    version,
		started:    time.Now().UTC(),
		log:        obs.Named("http"),
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.Recoverer)
	a.router.Use(func(next http.Handler) http.Handler { return Logging(a.log, next) })
	a.router.Use(SecurityHeaders)
	a.router.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })

	a.router.Get("/healthz", a.Healthz)
	a.router.Get("/readyz", a.Ready)
	a.router.Get("/v1/info", a.Info)
	a.router.Handle("/metrics", obs.Handler())

	return a
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

// Server wraps the handler with the timeouts used in production.
func (a *API) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "warden",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"name":    "warden",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"started": a.started.Format(time.RFC3339),
		"version": a.version,
	}
	if s := a.readyProbe.Session; s != nil {
		body["connected"] = s.Connected()
		body["restarts"] = s.Restarts()
		if since := s.Since(); !since.IsZero() {
			body["connected_since"] = since.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
