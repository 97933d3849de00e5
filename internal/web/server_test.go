package web

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/rfarias/mentoria/internal/assistant"
	"github.com/rfarias/mentoria/internal/config"
	"github.com/rfarias/mentoria/internal/names"
	"github.com/rfarias/mentoria/internal/persona"
	"github.com/rfarias/mentoria/internal/store"
)

// fakeAssistant completes every run immediately with a fixed reply.
type fakeAssistant struct {
	mu      sync.Mutex
	threads int
	reply   string
}

func (f *fakeAssistant) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return "thread_fake", nil
}

func (f *fakeAssistant) PostMessage(context.Context, string, string, string) (string, error) {
	return "msg_fake", nil
}

func (f *fakeAssistant) StartRun(context.Context, string, string) (string, error) {
	return "run_fake", nil
}

func (f *fakeAssistant) GetRun(context.Context, string, string) (*assistant.Run, error) {
	return &assistant.Run{ID: "run_fake", Status: assistant.StatusCompleted}, nil
}

func (f *fakeAssistant) SubmitToolOutputs(context.Context, string, string, []assistant.ToolOutput) error {
	return nil
}

func (f *fakeAssistant) ListMessages(context.Context, string) ([]assistant.ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []assistant.ThreadMessage{
		{ID: "m1", Role: "assistant", Content: f.reply, CreatedAt: time.Now()},
	}, nil
}

type fakeCompleter struct {
	answer string
}

func (f *fakeCompleter) Complete(context.Context, string, string, int) (string, error) {
	return f.answer, nil
}

func setupServer(t *testing.T) (*httptest.Server, *Server, *fakeAssistant) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	cfg := config.Default()
	cfg.OpenAI.Assistants = map[string]string{"vendas": "asst_v", "whatsapp": "asst_w"}
	cfg.Webhook.Token = "hook-secret"
	cfg.Webhook.PublicURL = "https://mentoria.example.com/webhook"
	cfg.Runs.PollInterval = time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &fakeAssistant{reply: "Olá! Vamos falar de vendas."}
	registry := persona.NewRegistry(cfg, client, st, names.NewExtractor(nil, logger), logger)
	srv := NewServer(cfg, registry, st, &fakeCompleter{answer: "## Temas\n- follow-up com João"}, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv, client
}

func postJSON(t *testing.T, url string, body any, cookies []*http.Cookie) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func getJSON(t *testing.T, url string, cookies []*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

// register creates an account and returns the session cookies.
func register(t *testing.T, ts *httptest.Server, email string) []*http.Cookie {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/register", map[string]string{
		"email":    email,
		"password": "segredo-forte",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	return resp.Cookies()
}

func TestRegisterLoginFlow(t *testing.T) {
	ts, _, _ := setupServer(t)

	cookies := register(t, ts, "carlos@example.com")
	if len(cookies) == 0 {
		t.Fatal("register set no session cookie")
	}

	// The session works.
	resp := getJSON(t, ts.URL+"/api/me", cookies)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["email"] != "carlos@example.com" {
		t.Fatalf("me = %d %v", resp.StatusCode, body)
	}

	// Duplicate email is rejected.
	resp = postJSON(t, ts.URL+"/api/register", map[string]string{
		"email": "carlos@example.com", "password": "segredo-forte",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d", resp.StatusCode)
	}

	// Wrong password fails, right password logs in.
	resp = postJSON(t, ts.URL+"/api/login", map[string]string{
		"email": "carlos@example.com", "password": "errada",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/login", map[string]string{
		"email": "carlos@example.com", "password": "segredo-forte",
	}, nil)
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	if body["login_count"] != float64(1) {
		t.Errorf("login_count = %v", body["login_count"])
	}
	// The hash never leaves the server.
	if _, ok := body["password_hash"]; ok {
		t.Error("response leaked password_hash")
	}
}

func TestSessionStoreSweepsExpired(t *testing.T) {
	ss := newSessionStore(10 * time.Millisecond)

	abandoned := ss.create("acct-1")
	time.Sleep(20 * time.Millisecond)

	// A new login reclaims the expired entry without it ever being
	// touched again.
	ss.create("acct-2")

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if len(ss.sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(ss.sessions))
	}
	if _, ok := ss.sessions[abandoned]; ok {
		t.Error("expired session still present")
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _, _ := setupServer(t)

	for _, path := range []string{"/api/me", "/api/dashboard", "/api/whatsapp/summary"} {
		resp := getJSON(t, ts.URL+path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, resp.StatusCode)
		}
	}

	resp := postJSON(t, ts.URL+"/api/chat", map[string]string{"message": "oi"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("chat status = %d, want 401", resp.StatusCode)
	}
}

func TestChat(t *testing.T) {
	ts, _, client := setupServer(t)
	cookies := register(t, ts, "ana@example.com")

	resp := postJSON(t, ts.URL+"/api/chat", map[string]string{
		"persona": "vendas", "message": "como fechar essa venda?",
	}, cookies)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d %v", resp.StatusCode, body)
	}
	if body["response"] != "Olá! Vamos falar de vendas." {
		t.Errorf("response = %v", body["response"])
	}
	if body["conversation_id"] != "thread_fake" {
		t.Errorf("conversation_id = %v", body["conversation_id"])
	}

	// A second chat reuses the account's conversation.
	resp = postJSON(t, ts.URL+"/api/chat", map[string]string{
		"persona": "vendas", "message": "e o follow-up?",
	}, cookies)
	resp.Body.Close()
	if client.threads != 1 {
		t.Errorf("threads created = %d, want 1", client.threads)
	}

	// Unknown persona is a validation error.
	resp = postJSON(t, ts.URL+"/api/chat", map[string]string{
		"persona": "advogado", "message": "oi",
	}, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown persona status = %d", resp.StatusCode)
	}
}

func TestNewConversationResetsThread(t *testing.T) {
	ts, srv, client := setupServer(t)
	cookies := register(t, ts, "ana@example.com")

	resp := postJSON(t, ts.URL+"/api/conversations", map[string]string{"persona": "vendas"}, cookies)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["conversation_id"] != "thread_fake" {
		t.Errorf("conversation_id = %v", body["conversation_id"])
	}
	if client.threads != 1 {
		t.Errorf("threads = %d", client.threads)
	}

	acct, err := srv.store.GetAccountByEmail("ana@example.com")
	if err != nil || acct == nil {
		t.Fatalf("account lookup: %v", err)
	}
	stored, err := srv.store.GetThread(acct.ID, "vendas")
	if err != nil || stored != "thread_fake" {
		t.Errorf("stored thread = %q, %v", stored, err)
	}
}

func TestHistory(t *testing.T) {
	ts, _, _ := setupServer(t)
	cookies := register(t, ts, "ana@example.com")

	// Empty before any chat.
	resp := getJSON(t, ts.URL+"/api/history/vendas", cookies)
	body := decodeBody(t, resp)
	if body["count"] != float64(0) {
		t.Errorf("count = %v, want 0", body["count"])
	}

	postJSON(t, ts.URL+"/api/chat", map[string]string{
		"persona": "vendas", "message": "bom dia",
	}, cookies).Body.Close()

	resp = getJSON(t, ts.URL+"/api/history/vendas", cookies)
	body = decodeBody(t, resp)
	if body["count"] != float64(2) {
		t.Fatalf("count = %v, want user and assistant turns", body["count"])
	}
	turns := body["turns"].([]any)
	first := turns[0].(map[string]any)
	if first["role"] != "user" || first["content"] != "bom dia" {
		t.Errorf("first turn = %v", first)
	}
}

func TestPersonasPublic(t *testing.T) {
	ts, _, _ := setupServer(t)

	resp := getJSON(t, ts.URL+"/api/personas", nil)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2 configured personas", body["count"])
	}
}

func TestWebhook(t *testing.T) {
	ts, srv, _ := setupServer(t)

	// Missing token.
	resp := postJSON(t, ts.URL+"/webhook", webhookMessage{
		SenderName: "João", Content: "oi",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}

	send := func(msg webhookMessage) *http.Response {
		data, _ := json.Marshal(msg)
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhook", bytes.NewReader(data))
		req.Header.Set("X-Webhook-Token", "hook-secret")
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return r
	}

	// HTML content is reduced to text.
	resp = send(webhookMessage{
		SenderName: "João Silva",
		Content:    "<p>segue a <b>proposta</b></p><script>alert(1)</script>",
		Timestamp:  "2025-03-10T12:00:00Z",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	msgs, err := srv.store.QueryWhatsAppMessages(store.WhatsAppFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].Content != "segue a proposta" {
		t.Errorf("content = %q", msgs[0].Content)
	}

	// Long content is truncated.
	resp = send(webhookMessage{
		SenderName: "Maria",
		Content:    strings.Repeat("a", maxWebhookContent+500),
	})
	resp.Body.Close()
	msgs, _ = srv.store.QueryWhatsAppMessages(store.WhatsAppFilter{SenderName: "Maria"})
	if got := len([]rune(msgs[0].Content)); got != maxWebhookContent {
		t.Errorf("content length = %d, want %d", got, maxWebhookContent)
	}

	// Bad timestamp.
	resp = send(webhookMessage{SenderName: "x", Content: "y", Timestamp: "ontem"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad timestamp status = %d", resp.StatusCode)
	}
}

func TestDashboardAndSummary(t *testing.T) {
	ts, srv, _ := setupServer(t)
	cookies := register(t, ts, "gestor@example.com")

	srv.store.AppendWhatsAppMessage(&store.WhatsAppMessage{
		SenderName: "João", Content: "precisamos conversar sobre o contrato",
	})

	resp := getJSON(t, ts.URL+"/api/dashboard", cookies)
	body := decodeBody(t, resp)
	if body["accounts"] != float64(1) || body["whatsapp_messages"] != float64(1) {
		t.Errorf("dashboard = %v", body)
	}

	resp = getJSON(t, ts.URL+"/api/whatsapp/summary", cookies)
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d", resp.StatusCode)
	}
	if !strings.Contains(body["summary"].(string), "Temas") {
		t.Errorf("summary = %v", body["summary"])
	}
	if !strings.Contains(body["summary_html"].(string), "<h2") {
		t.Errorf("summary_html = %v", body["summary_html"])
	}
}

func TestWebhookQR(t *testing.T) {
	ts, _, _ := setupServer(t)
	cookies := register(t, ts, "gestor@example.com")

	resp := getJSON(t, ts.URL+"/webhook/qr.png", cookies)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	png, _ := io.ReadAll(resp.Body)
	if len(png) == 0 || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Errorf("body is not a PNG (%d bytes)", len(png))
	}
}

func TestChatSocket(t *testing.T) {
	ts, _, _ := setupServer(t)
	cookies := register(t, ts, "ana@example.com")

	header := http.Header{}
	for _, c := range cookies {
		header.Add("Cookie", c.Name+"="+c.Value)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(chatRequest{Persona: "vendas", Message: "oi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// First frame is the processing ack, second the reply.
	var ack map[string]string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["status"] != "processing" {
		t.Errorf("ack = %v", ack)
	}

	var resp chatResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Response != "Olá! Vamos falar de vendas." {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.Error != nil {
		t.Errorf("error = %+v", resp.Error)
	}
}
