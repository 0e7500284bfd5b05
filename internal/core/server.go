package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/e7canasta/beatlamp/internal/audio"
	"github.com/e7canasta/beatlamp/internal/dispatch"
	"github.com/e7canasta/beatlamp/internal/eventstore"
	"github.com/e7canasta/beatlamp/internal/session"
	"github.com/e7canasta/beatlamp/internal/types"
)

// defaultMessageLimit caps /api/messages when no limit is given.
const defaultMessageLimit = 100

// Handler returns the HTTP routes: health, control API and the event feed.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.LivenessHandler)
	mux.HandleFunc("GET /readiness", a.ReadinessHandler)
	mux.HandleFunc("GET /ws", a.handleWS)

	mux.HandleFunc("POST /api/load", a.handleLoad)
	mux.HandleFunc("POST /api/play", a.command((*session.Controller).Play))
	mux.HandleFunc("POST /api/toggle", a.command((*session.Controller).Toggle))
	mux.HandleFunc("POST /api/stop", a.command((*session.Controller).Stop))
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/messages", a.handleMessages)

	return mux
}

// StartServer binds addr and serves the HTTP routes in the background.
// A bind failure is returned; serve errors after that are logged.
func (a *App) StartServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	a.logger.Info("starting http server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/ws", "/api/*"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

type loadRequest struct {
	Path string `json:"path"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path is required"})
		return
	}
	a.respond(w, r.Context(), func(c *session.Controller) error { return c.Load(req.Path) })
}

// command adapts a no-argument controller method into a handler that
// replies with the resulting status.
func (a *App) command(fn func(*session.Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.respond(w, r.Context(), fn)
	}
}

func (a *App) respond(w http.ResponseWriter, ctx context.Context, fn func(*session.Controller) error) {
	var st session.Status
	err := a.Call(ctx, func(c *session.Controller) error {
		if err := fn(c); err != nil {
			return err
		}
		st = c.Status()
		return nil
	})
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r.Context(), func(*session.Controller) error { return nil })
}

func (a *App) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := eventstore.ListOptions{Limit: defaultMessageLimit, Filter: q.Get("filter")}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		opts.Limit = n
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "after must be a message id"})
			return
		}
		opts.AfterID = n
	}

	recs, err := a.store.List(opts)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	if recs == nil {
		recs = []types.StoredMessageRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var loadErr *audio.LoadError
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNoSong):
		return http.StatusConflict
	case errors.Is(err, session.ErrBrokerNotConnected), errors.Is(err, dispatch.ErrStopped),
		errors.Is(err, eventstore.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, eventstore.ErrBadFilter):
		return http.StatusBadRequest
	case errors.As(err, &loadErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, session.ErrStopTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
