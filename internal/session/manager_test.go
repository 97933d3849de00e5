package session

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rfarias/mentoria/internal/assistant"
	"github.com/rfarias/mentoria/internal/names"
	"github.com/rfarias/mentoria/internal/store"
	"github.com/rfarias/mentoria/internal/tooling"
)

// mockClient scripts GetRun responses: one script entry per poll, the
// last entry repeating once the script runs out.
type mockClient struct {
	mu          sync.Mutex
	threadSeq   int
	posted      []string
	runsStarted int
	polls       int
	script      []assistant.Run
	messages    []assistant.ThreadMessage
	submitted   [][]assistant.ToolOutput
	postErr     error
	startErr    error
	submitFails int // initial SubmitToolOutputs calls that fail
}

func (c *mockClient) CreateThread(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadSeq++
	return "thread_mock", nil
}

func (c *mockClient) PostMessage(_ context.Context, _, _, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postErr != nil {
		return "", c.postErr
	}
	c.posted = append(c.posted, text)
	return "msg_mock", nil
}

func (c *mockClient) StartRun(context.Context, string, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return "", c.startErr
	}
	c.runsStarted++
	return "run_mock", nil
}

func (c *mockClient) GetRun(context.Context, string, string) (*assistant.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		return nil, errors.New("no scripted run states")
	}
	i := c.polls
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	c.polls++
	run := c.script[i]
	return &run, nil
}

func (c *mockClient) SubmitToolOutputs(_ context.Context, _, _ string, outputs []assistant.ToolOutput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitFails > 0 {
		c.submitFails--
		return errors.New("connection reset")
	}
	c.submitted = append(c.submitted, outputs)
	return nil
}

func (c *mockClient) ListMessages(context.Context, string) ([]assistant.ThreadMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]assistant.ThreadMessage(nil), c.messages...), nil
}

func (c *mockClient) setScript(script ...assistant.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = script
	c.polls = 0
}

type countingCompleter struct {
	mu    sync.Mutex
	calls int
}

func (m *countingCompleter) Complete(context.Context, string, string, int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return names.NotFound, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T) *store.SQLiteStore {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

// testManager wires a manager over the mock client with fast timings.
func testManager(t *testing.T, client *mockClient, completer assistant.Completer, dispatcher *tooling.Dispatcher, maxAttempts int) (*Manager, *store.SQLiteStore) {
	t.Helper()
	st := setupTestStore(t)
	if dispatcher == nil {
		dispatcher = tooling.NewDispatcher(testLogger())
	}
	orch := NewOrchestrator(client, dispatcher, testLogger(), time.Millisecond, maxAttempts, Policy{Attempts: 3})
	mgr := NewManager(ManagerConfig{
		Persona:      "vendas",
		AssistantID:  "asst_test",
		Client:       client,
		Store:        st,
		Orchestrator: orch,
		Extractor:    names.NewExtractor(completer, testLogger()),
		Retry:        Policy{Attempts: 3, BaseDelay: 0},
		WaitActive:   50 * time.Millisecond,
		Logger:       testLogger(),
	})
	mgr.waitInterval = 5 * time.Millisecond
	return mgr, st
}

func completedReply(content string) []assistant.ThreadMessage {
	base := time.Now()
	// Index 0 is deliberately not the newest message.
	return []assistant.ThreadMessage{
		{ID: "m1", Role: "assistant", Content: "resposta antiga", CreatedAt: base.Add(-2 * time.Minute)},
		{ID: "m2", Role: "user", Content: "pergunta", CreatedAt: base.Add(-time.Minute)},
		{ID: "m3", Role: "assistant", Content: content, CreatedAt: base},
	}
}

func TestSendHappyPath(t *testing.T) {
	client := &mockClient{messages: completedReply("Olá! Como posso ajudar?")}
	client.setScript(
		assistant.Run{ID: "run_mock", Status: assistant.StatusQueued},
		assistant.Run{ID: "run_mock", Status: assistant.StatusInProgress},
		assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted},
	)

	mgr, st := testManager(t, client, nil, nil, 30)
	env := mgr.Send(context.Background(), "conv", "bom dia")

	if env.Error != nil {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.Content != "Olá! Como posso ajudar?" {
		t.Errorf("content = %q", env.Content)
	}
	if env.UserName != store.AnonymousName {
		t.Errorf("user name = %q", env.UserName)
	}

	turns, err := st.QueryTurns("conv", store.TurnFilter{})
	if err != nil {
		t.Fatalf("query turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", turns[0].Role, turns[1].Role)
	}
	if turns[1].Content != "Olá! Como posso ajudar?" {
		t.Errorf("assistant turn = %q", turns[1].Content)
	}
}

func TestSendPicksNewestAssistantMessage(t *testing.T) {
	client := &mockClient{messages: completedReply("a resposta mais nova")}
	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted})

	mgr, _ := testManager(t, client, nil, nil, 30)
	env := mgr.Send(context.Background(), "conv", "oi")

	if env.Content != "a resposta mais nova" {
		t.Errorf("content = %q, want newest assistant message, not list index 0", env.Content)
	}
}

func TestSendToolRound(t *testing.T) {
	calls := []assistant.ToolCall{
		{ID: "call_1", Name: "echo", Arguments: map[string]any{"v": "a"}},
		{ID: "call_2", Name: "boom", Arguments: map[string]any{}},
	}
	client := &mockClient{messages: completedReply("consultei o histórico")}
	client.setScript(
		assistant.Run{ID: "run_mock", Status: assistant.StatusQueued},
		assistant.Run{ID: "run_mock", Status: assistant.StatusRequiresAction, PendingToolCalls: calls},
		assistant.Run{ID: "run_mock", Status: assistant.StatusInProgress},
		assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted},
	)

	var echoCalls, boomCalls int
	dispatcher := tooling.NewDispatcher(testLogger())
	dispatcher.Register(&tooling.Tool{
		Name: "echo",
		Handler: func(_ context.Context, _ string, args map[string]any) (any, error) {
			echoCalls++
			return args, nil
		},
	})
	dispatcher.Register(&tooling.Tool{
		Name: "boom",
		Handler: func(context.Context, string, map[string]any) (any, error) {
			boomCalls++
			return nil, errors.New("handler exploded")
		},
	})

	mgr, _ := testManager(t, client, nil, dispatcher, 60)
	env := mgr.Send(context.Background(), "conv", "o que o João disse?")

	if env.Error != nil {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.Content != "consultei o histórico" {
		t.Errorf("content = %q", env.Content)
	}

	// One dispatch per tool call, and the batch is complete even
	// though one handler failed.
	if echoCalls != 1 || boomCalls != 1 {
		t.Errorf("handler calls = %d, %d, want 1 each", echoCalls, boomCalls)
	}
	if len(client.submitted) != 1 {
		t.Fatalf("submissions = %d, want 1", len(client.submitted))
	}
	if len(client.submitted[0]) != len(calls) {
		t.Errorf("batch size = %d, want %d", len(client.submitted[0]), len(calls))
	}
}

func TestSendToolHandlerPanic(t *testing.T) {
	calls := []assistant.ToolCall{
		{ID: "call_1", Name: "corrupt", Arguments: map[string]any{}},
	}
	client := &mockClient{messages: completedReply("tudo certo")}
	client.setScript(
		assistant.Run{ID: "run_mock", Status: assistant.StatusRequiresAction, PendingToolCalls: calls},
		assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted},
	)

	dispatcher := tooling.NewDispatcher(testLogger())
	dispatcher.Register(&tooling.Tool{
		Name: "corrupt",
		Handler: func(context.Context, string, map[string]any) (any, error) {
			var m map[string]int
			m["x"] = 1 // nil-map write
			return m, nil
		},
	})

	mgr, _ := testManager(t, client, nil, dispatcher, 60)
	env := mgr.Send(context.Background(), "conv", "oi")

	// The panic stays inside the dispatcher: the run still completes
	// and the batch carries an error payload for the broken call.
	if env.Error != nil {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.Content != "tudo certo" {
		t.Errorf("content = %q", env.Content)
	}
	if len(client.submitted) != 1 || len(client.submitted[0]) != 1 {
		t.Fatalf("submitted = %+v", client.submitted)
	}
	out := client.submitted[0][0].Output
	if !strings.Contains(out, `"status":"error"`) || !strings.Contains(out, "panicked") {
		t.Errorf("output = %q", out)
	}
}

func TestSendToolSubmitRetried(t *testing.T) {
	calls := []assistant.ToolCall{
		{ID: "call_1", Name: "echo", Arguments: map[string]any{"v": "a"}},
	}
	client := &mockClient{messages: completedReply("ok"), submitFails: 1}
	client.setScript(
		assistant.Run{ID: "run_mock", Status: assistant.StatusRequiresAction, PendingToolCalls: calls},
		assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted},
	)

	dispatcher := tooling.NewDispatcher(testLogger())
	dispatcher.Register(&tooling.Tool{
		Name: "echo",
		Handler: func(_ context.Context, _ string, args map[string]any) (any, error) {
			return args, nil
		},
	})

	mgr, _ := testManager(t, client, nil, dispatcher, 60)
	env := mgr.Send(context.Background(), "conv", "oi")

	// One submit blip is absorbed by the retry policy; the batch
	// still lands exactly once.
	if env.Error != nil {
		t.Fatalf("error = %+v", env.Error)
	}
	if len(client.submitted) != 1 {
		t.Errorf("submissions = %d, want 1", len(client.submitted))
	}
}

func TestSendRunFailed(t *testing.T) {
	client := &mockClient{}
	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusFailed, ErrorDetail: "rate limit exceeded"})

	mgr, _ := testManager(t, client, nil, nil, 30)
	env := mgr.Send(context.Background(), "conv", "oi")

	if env.Error == nil || env.Error.Kind != ErrRunFailure {
		t.Fatalf("error = %+v, want run failure", env.Error)
	}
	if env.Error.Detail != "rate limit exceeded" {
		t.Errorf("detail = %q", env.Error.Detail)
	}
	// The user sees a polite message, not the raw detail.
	if env.Content == "" || env.Content == env.Error.Detail {
		t.Errorf("content = %q", env.Content)
	}
}

func TestSendTimeoutThenClear(t *testing.T) {
	client := &mockClient{}
	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusInProgress})

	mgr, st := testManager(t, client, nil, nil, 3)
	env := mgr.Send(context.Background(), "conv", "oi")
	if env.Error == nil || env.Error.Kind != ErrTimeout {
		t.Fatalf("error = %+v, want timeout", env.Error)
	}

	// The user turn made the audit trail before the run stalled.
	turns, _ := st.QueryTurns("conv", store.TurnFilter{})
	if len(turns) != 1 || turns[0].Role != "user" {
		t.Fatalf("turns = %+v", turns)
	}

	// The timed-out run is terminal locally: a second send on the same
	// conversation is accepted and starts a fresh run.
	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted})
	client.mu.Lock()
	client.messages = completedReply("agora foi")
	client.mu.Unlock()

	env = mgr.Send(context.Background(), "conv", "e agora?")
	if env.Error != nil {
		t.Fatalf("second send error = %+v", env.Error)
	}
	if client.runsStarted != 2 {
		t.Errorf("runs started = %d, want 2", client.runsStarted)
	}
}

func TestSendPostFailureStillLogsUserTurn(t *testing.T) {
	client := &mockClient{postErr: errors.New("connection refused")}

	mgr, st := testManager(t, client, nil, nil, 30)
	env := mgr.Send(context.Background(), "conv", "oi")

	if env.Error == nil || env.Error.Kind != ErrTransient {
		t.Fatalf("error = %+v, want transient", env.Error)
	}
	turns, _ := st.QueryTurns("conv", store.TurnFilter{})
	if len(turns) != 1 || turns[0].Role != "user" {
		t.Fatalf("turns = %+v, want the user turn persisted", turns)
	}
	if client.runsStarted != 0 {
		t.Errorf("runs started = %d, want 0", client.runsStarted)
	}
}

func TestSendSingleActiveRun(t *testing.T) {
	// The first send's run stays in_progress until we flip the script,
	// so a concurrent second send must not start a second run.
	client := &mockClient{messages: completedReply("pronto")}
	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusInProgress})

	mgr, _ := testManager(t, client, nil, nil, 1000)

	done := make(chan Envelope, 1)
	go func() {
		done <- mgr.Send(context.Background(), "conv", "primeira")
	}()

	// Wait until the first send holds the conversation.
	deadline := time.Now().Add(time.Second)
	for {
		mgr.mu.Lock()
		held := mgr.active["conv"]
		mgr.mu.Unlock()
		if held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first send never acquired the conversation")
		}
		time.Sleep(time.Millisecond)
	}

	env := mgr.Send(context.Background(), "conv", "segunda")
	if env.Error == nil || env.Error.Kind != ErrBusy {
		t.Fatalf("concurrent send error = %+v, want busy", env.Error)
	}
	if client.runsStarted != 1 {
		t.Errorf("runs started = %d, want 1 while first run is active", client.runsStarted)
	}

	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted})
	first := <-done
	if first.Error != nil {
		t.Fatalf("first send error = %+v", first.Error)
	}

	// With the conversation idle again, sends are accepted.
	env = mgr.Send(context.Background(), "conv", "terceira")
	if env.Error != nil {
		t.Fatalf("third send error = %+v", env.Error)
	}
	if client.runsStarted != 2 {
		t.Errorf("runs started = %d, want 2", client.runsStarted)
	}
}

func TestSendNameExtractionScenario(t *testing.T) {
	client := &mockClient{messages: completedReply("Prazer, Carlos!")}
	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted})
	completer := &countingCompleter{}

	mgr, st := testManager(t, client, completer, nil, 30)

	env := mgr.Send(context.Background(), "conv", "Oi, meu nome é Carlos")
	if env.Error != nil {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.UserName != "Carlos" {
		t.Errorf("user name = %q, want Carlos", env.UserName)
	}
	if st.GetUserName("conv") != "Carlos" {
		t.Errorf("stored name = %q", st.GetUserName("conv"))
	}
	// The pattern tier matched, so the model tier never ran.
	if completer.calls != 0 {
		t.Errorf("completer calls = %d, want 0", completer.calls)
	}

	// Earlier user turns got the name backfilled.
	turns, _ := st.QueryTurns("conv", store.TurnFilter{Role: "user"})
	for _, turn := range turns {
		if turn.UserName != "Carlos" {
			t.Errorf("turn user name = %q", turn.UserName)
		}
	}

	// A follow-up does not re-trigger extraction: the name is known.
	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted})
	env = mgr.Send(context.Background(), "conv", "tudo bem?")
	if env.Error != nil {
		t.Fatalf("second send error = %+v", env.Error)
	}
	if env.UserName != "Carlos" {
		t.Errorf("second user name = %q", env.UserName)
	}
	if completer.calls != 0 {
		t.Errorf("completer calls = %d after follow-up, want 0", completer.calls)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := Policy{Attempts: 3, BaseDelay: 0}

	var calls int
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	calls = 0
	err = p.Do(context.Background(), func() error {
		calls++
		return errors.New("permanent")
	})
	if err == nil || err.Error() != "permanent" {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want exactly 3", calls)
	}
}

func TestRetryPolicyContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{Attempts: 3, BaseDelay: time.Hour}
	var calls int
	err := p.Do(ctx, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOrchestratorTimeout(t *testing.T) {
	client := &mockClient{}
	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusInProgress})

	orch := NewOrchestrator(client, tooling.NewDispatcher(testLogger()), testLogger(), time.Millisecond, 5, Policy{Attempts: 3})
	outcome := orch.Advance(context.Background(), "conv", "run_mock")

	if outcome.Err == nil || outcome.Err.Kind != ErrTimeout {
		t.Fatalf("outcome = %+v, want timeout", outcome)
	}
	if client.polls != 5 {
		t.Errorf("polls = %d, want 5", client.polls)
	}
}

func TestOrchestratorCancelledRunFails(t *testing.T) {
	client := &mockClient{}
	client.setScript(assistant.Run{ID: "run_mock", Status: assistant.StatusCancelled})

	orch := NewOrchestrator(client, tooling.NewDispatcher(testLogger()), testLogger(), time.Millisecond, 10, Policy{Attempts: 3})
	outcome := orch.Advance(context.Background(), "conv", "run_mock")

	// Cancelled is terminal on the remote side: no point polling to
	// the ceiling.
	if outcome.Err == nil || outcome.Err.Kind != ErrRunFailure {
		t.Fatalf("outcome = %+v, want run failure", outcome)
	}
	if client.polls != 1 {
		t.Errorf("polls = %d, want 1", client.polls)
	}
}

func TestOrchestratorUnknownStatusIsTransient(t *testing.T) {
	client := &mockClient{messages: completedReply("ok")}
	client.setScript(
		assistant.Run{ID: "run_mock", Status: "cancelling"},
		assistant.Run{ID: "run_mock", Status: assistant.StatusCompleted},
	)

	orch := NewOrchestrator(client, tooling.NewDispatcher(testLogger()), testLogger(), time.Millisecond, 10, Policy{Attempts: 3})
	outcome := orch.Advance(context.Background(), "conv", "run_mock")

	if outcome.Err != nil {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Content != "ok" {
		t.Errorf("content = %q", outcome.Content)
	}
}
