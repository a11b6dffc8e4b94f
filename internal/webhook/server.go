// Package webhook exposes a small local HTTP surface: a trigger
// endpoint so CI and scripts can push a prompt into a user's chat, a
// health check, and a websocket feed of query lifecycle events.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
)

// Runner executes one triggered prompt on behalf of a user. The
// Telegram channel implements it; results land in the user's chat.
type Runner interface {
	RunPrompt(ctx context.Context, userID int64, prompt string) error
}

// Server is the webhook HTTP server.
type Server struct {
	cfg     config.WebhookConfig
	allowed func(userID int64) bool
	runner  Runner
	hub     *Hub
	limiter *RateLimiter

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer wires the webhook server. allowed mirrors the Telegram
// allowlist so the webhook cannot reach users the bot would reject.
func NewServer(cfg config.WebhookConfig, allowed func(int64) bool, runner Runner, hub *Hub) *Server {
	return &Server{
		cfg:     cfg,
		allowed: allowed,
		runner:  runner,
		hub:     hub,
		limiter: NewRateLimiter(cfg.RateLimitRPM),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local-only server; non-browser clients send no Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("webhook server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// authorize checks the bearer token in constant time.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

type triggerRequest struct {
	UserID int64  `json:"user_id"`
	Prompt string `json:"prompt"`
}

type triggerResponse struct {
	RunID string `json:"run_id"`
}

// handleTrigger enqueues a prompt for an allowed user and returns a
// run id immediately; the query itself runs in the background and its
// output goes to the user's chat.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.limiter.Allow(clientKey(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 || strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "user_id and prompt are required", http.StatusBadRequest)
		return
	}
	if !s.allowed(req.UserID) {
		http.Error(w, "user not in allowlist", http.StatusForbidden)
		return
	}

	runID := uuid.NewString()
	slog.Info("webhook trigger accepted", "run_id", runID, "user_id", req.UserID)
	s.hub.Publish("trigger.accepted", map[string]any{"run_id": runID, "user_id": req.UserID})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.runner.RunPrompt(ctx, req.UserID, req.Prompt); err != nil {
			slog.Warn("webhook trigger failed", "run_id", runID, "error", err)
			s.hub.Publish("trigger.failed", map[string]any{"run_id": runID, "error": err.Error()})
			return
		}
		s.hub.Publish("trigger.completed", map[string]any{"run_id": runID})
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(triggerResponse{RunID: runID})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleEvents upgrades to websocket and streams hub events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := s.hub.subscribe()
	defer s.hub.unsubscribe(events)

	// Drain client frames so pings and closes are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
