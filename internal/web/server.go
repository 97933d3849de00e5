// Package web implements the browser-facing HTTP API: login, chat,
// history, dashboard, and WhatsApp webhook ingestion.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rfarias/mentoria/internal/assistant"
	"github.com/rfarias/mentoria/internal/buildinfo"
	"github.com/rfarias/mentoria/internal/config"
	"github.com/rfarias/mentoria/internal/persona"
	"github.com/rfarias/mentoria/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP server.
type Server struct {
	cfg       *config.Config
	registry  *persona.Registry
	store     *store.SQLiteStore
	completer assistant.Completer
	sessions  *sessionStore
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates the web server.
func NewServer(cfg *config.Config, registry *persona.Registry, st *store.SQLiteStore, completer assistant.Completer, logger *slog.Logger) *Server {
	ttl := cfg.Web.SessionTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Server{
		cfg:       cfg,
		registry:  registry,
		store:     st,
		completer: completer,
		sessions:  newSessionStore(ttl),
		logger:    logger,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Account endpoints
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/me", s.requireAuth(s.handleMe))

	// Chat
	mux.HandleFunc("GET /api/personas", s.handlePersonas)
	mux.HandleFunc("POST /api/chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("POST /api/conversations", s.requireAuth(s.handleNewConversation))
	mux.HandleFunc("GET /api/history/{persona}", s.requireAuth(s.handleHistory))
	mux.HandleFunc("GET /ws/chat", s.requireAuth(s.handleChatSocket))

	// Dashboard and WhatsApp analytics
	mux.HandleFunc("GET /api/dashboard", s.requireAuth(s.handleDashboard))
	mux.HandleFunc("GET /api/whatsapp/summary", s.requireAuth(s.handleWhatsAppSummary))

	// Webhook ingestion (token-authenticated, no cookie session)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /webhook/qr.png", s.requireAuth(s.handleWebhookQR))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // sends block for the whole run
	}

	addr := s.cfg.Listen.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting web server", "address", addr, "port", s.cfg.Listen.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	type personaSummary struct {
		Name        string `json:"name"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}

	var out []personaSummary
	for _, p := range s.registry.Available() {
		out = append(out, personaSummary{Name: p.Name, Title: p.Title, Description: p.Description})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"personas": out, "count": len(out)}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
