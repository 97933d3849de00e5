package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/rfarias/mentoria/internal/store"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, _ string) {
	stats := s.store.Stats()

	var personas []string
	for _, p := range s.registry.Available() {
		personas = append(personas, p.Name)
	}
	stats["personas"] = personas
	stats["generated_at"] = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

const summarySystemPrompt = `Você é um analista de conversas. Resuma as mensagens de WhatsApp a seguir
em português, em markdown: um parágrafo de visão geral e uma lista dos
temas principais com os remetentes envolvidos. Seja conciso.`

// handleWhatsAppSummary summarizes the recent WhatsApp history with a
// one-shot completion and returns both the markdown and rendered HTML.
func (s *Server) handleWhatsAppSummary(w http.ResponseWriter, r *http.Request, _ string) {
	if s.completer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "summaries not configured")
		return
	}

	days := parseIntParam(r, "days", 7)
	msgs, err := s.store.QueryWhatsAppMessages(store.WhatsAppFilter{
		Start: time.Now().AddDate(0, 0, -days),
		Limit: 50,
	})
	if err != nil {
		s.logger.Error("summary query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "summary unavailable")
		return
	}
	if len(msgs) == 0 {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{
			"summary": "Nenhuma mensagem no período.",
			"count":   0,
		}, s.logger)
		return
	}

	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.SenderName, m.Content)
	}

	markdown, err := s.completer.Complete(r.Context(), summarySystemPrompt, b.String(), 500)
	if err != nil {
		s.logger.Error("summary completion failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "summary unavailable")
		return
	}

	var rendered bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &rendered); err != nil {
		s.logger.Warn("markdown render failed", "error", err)
		rendered.Reset()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"summary":      markdown,
		"summary_html": rendered.String(),
		"count":        len(msgs),
		"days":         days,
	}, s.logger)
}
