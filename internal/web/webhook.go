package web

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/net/html"

	"github.com/rfarias/mentoria/internal/store"
)

// maxWebhookContent bounds stored message content in runes. WhatsApp
// forwards can carry entire pasted articles.
const maxWebhookContent = 10000

type webhookMessage struct {
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
}

// handleWebhook ingests one WhatsApp message. Authentication is a
// shared token header; an empty configured token disables ingestion.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Webhook.Token == "" {
		s.errorResponse(w, http.StatusServiceUnavailable, "webhook ingestion disabled")
		return
	}
	if r.Header.Get("X-Webhook-Token") != s.cfg.Webhook.Token {
		s.errorResponse(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	var msg webhookMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg.SenderName == "" || msg.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "sender_name and content are required")
		return
	}

	content := truncateRunes(stripHTML(msg.Content), maxWebhookContent)

	timestamp := time.Now()
	if msg.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, msg.Timestamp)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid timestamp: use RFC 3339")
			return
		}
		timestamp = t
	}

	record := &store.WhatsAppMessage{
		SenderName: strings.TrimSpace(msg.SenderName),
		Content:    content,
		Timestamp:  timestamp,
	}
	if err := s.store.AppendWhatsAppMessage(record); err != nil {
		s.logger.Error("webhook store failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "could not store message")
		return
	}

	s.logger.Debug("webhook message stored", "sender", record.SenderName, "id", record.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"status": "stored", "id": record.ID}, s.logger)
}

// handleWebhookQR renders the webhook registration QR code, used to
// point the forwarding app at this instance.
func (s *Server) handleWebhookQR(w http.ResponseWriter, r *http.Request, _ string) {
	if s.cfg.Webhook.PublicURL == "" {
		s.errorResponse(w, http.StatusServiceUnavailable, "webhook public URL not configured")
		return
	}

	// The forwarding app reads both the endpoint and the shared token
	// from the code.
	target := s.cfg.Webhook.PublicURL + "?token=" + url.QueryEscape(s.cfg.Webhook.Token)

	png, err := qrcode.Encode(target, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "could not render QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// stripHTML reduces forwarded HTML to its text content. Plain text
// passes through untouched.
func stripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(strings.Fields(b.String()), " ")
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
