// Package server exposes the relay over HTTP: the Synology webhook, health
// and diagnostics, session administration and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/synochat-relay/server/internal/bot"
	"github.com/synochat-relay/server/internal/metrics"
	"github.com/synochat-relay/server/internal/model"
	logx "github.com/synochat-relay/server/pkg/logger"
)

const (
	serviceName = "synochat-relay"
	Version     = "1.0.0"
)

// Info is static service metadata reported by / and /health.
type Info struct {
	Environment string
	Debug       bool
	Model       string
}

// Server is the relay HTTP server.
type Server struct {
	manager   *bot.ChatManager
	metrics   *metrics.Metrics
	info      Info
	mux       *http.ServeMux
	server    *http.Server
	startTime time.Time

	// probes collapses concurrent /api-test calls into one upstream probe.
	probes singleflight.Group
}

func New(manager *bot.ChatManager, m *metrics.Metrics, info Info) *Server {
	s := &Server{
		manager:   manager,
		metrics:   m,
		info:      info,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api-test", s.handleAPITest)
	mux.HandleFunc("DELETE /sessions/{user_id}", s.handleResetSession)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.mux = mux
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	logx.Info().Str("addr", ln.Addr().String()).Str("provider", s.manager.Provider().Name()).Msg("relay server starting")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleWebhook runs the event to completion before answering. The chat
// platform only needs the 200; replies go out through the incoming webhook.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		logx.Warn().Err(err).Msg("malformed webhook form")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	ev := make(model.Event, len(r.PostForm))
	for k := range r.PostForm {
		ev[k] = r.PostForm.Get(k)
	}

	defer func() {
		if rec := recover(); rec != nil {
			logx.Error().Interface("panic", rec).Msg("Error processing webhook")
			http.Error(w, "Error", http.StatusInternalServerError)
		}
	}()

	// the exchange outlives a caller that hangs up early
	s.manager.HandleEvent(context.WithoutCancel(r.Context()), ev)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"service":       serviceName,
		"environment":   s.info.Environment,
		"debug_mode":    s.info.Debug,
		"version":       Version,
		"api_model":     s.info.Model,
		"provider":      s.manager.Provider().Name(),
		"conversations": s.manager.Conversations(),
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Synology Chat relay is running",
		"status":      "ok",
		"environment": s.info.Environment,
		"api_model":   s.info.Model,
	})
}

func (s *Server) handleAPITest(w http.ResponseWriter, r *http.Request) {
	v, _, shared := s.probes.Do("api-test", func() (any, error) {
		return s.manager.Provider().TestConnection(r.Context()), nil
	})
	if shared {
		logx.Debug().Msg("api-test answered from an in-flight probe")
	}
	writeJSON(w, http.StatusOK, v)
}

// handleResetSession clears a user's local history and backend session.
// It is guarded by the same shared secret as the webhook.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if !s.manager.Authenticate(r.URL.Query().Get("token")) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid token")
		return
	}
	userID := r.PathValue("user_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"cleared": s.manager.Reset(userID),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
