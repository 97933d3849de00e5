package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rfarias/mentoria/internal/assistant"
	"github.com/rfarias/mentoria/internal/names"
	"github.com/rfarias/mentoria/internal/store"
)

const (
	defaultWaitActive   = 10 * time.Second
	defaultWaitInterval = 200 * time.Millisecond
)

// Manager is the caller-facing surface of the orchestration engine.
// It owns the invariant that a conversation has at most one active run
// at any instant: a new send waits for the in-flight run, bounded, and
// backs off with a "still processing" reply instead of posting.
type Manager struct {
	persona      string
	assistantID  string
	client       assistant.Client
	store        *store.SQLiteStore
	orchestrator *Orchestrator
	extractor    *names.Extractor
	retry        Policy
	logger       *slog.Logger
	waitActive   time.Duration
	waitInterval time.Duration

	mu     sync.Mutex
	active map[string]bool // conversation id -> run in flight
}

// ManagerConfig wires a Manager. Client, Store, and Orchestrator are
// required; the rest defaults.
type ManagerConfig struct {
	Persona      string
	AssistantID  string
	Client       assistant.Client
	Store        *store.SQLiteStore
	Orchestrator *Orchestrator
	Extractor    *names.Extractor
	Retry        Policy
	WaitActive   time.Duration
	Logger       *slog.Logger
}

// NewManager creates a session manager for one persona.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultPolicy()
	}
	if cfg.WaitActive <= 0 {
		cfg.WaitActive = defaultWaitActive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		persona:      cfg.Persona,
		assistantID:  cfg.AssistantID,
		client:       cfg.Client,
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		extractor:    cfg.Extractor,
		retry:        cfg.Retry,
		logger:       cfg.Logger,
		waitActive:   cfg.WaitActive,
		waitInterval: defaultWaitInterval,
		active:       make(map[string]bool),
	}
}

// Persona returns the persona this manager serves.
func (m *Manager) Persona() string {
	return m.persona
}

// CreateConversation creates a fresh remote thread.
func (m *Manager) CreateConversation(ctx context.Context) (string, error) {
	var conversationID string
	err := m.retry.Do(ctx, func() error {
		var err error
		conversationID, err = m.client.CreateThread(ctx)
		return err
	})
	return conversationID, err
}

// Send posts text on a conversation, drives the resulting run to a
// terminal state, and returns the assistant's reply. Send never
// returns an error and never panics: every failure comes back as an
// envelope with a user-safe Content and a populated Error.
func (m *Manager) Send(ctx context.Context, conversationID, text string) (env Envelope) {
	userName := m.store.GetUserName(conversationID)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("send panicked", "conversation", conversationID, "panic", r)
			env = m.failure(conversationID, userName, ErrRunFailure, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if !m.acquire(conversationID) {
		m.logger.Warn("conversation busy", "conversation", conversationID, "persona", m.persona)
		return Envelope{
			Content:  userMessageFor(ErrBusy),
			UserName: userName,
			Error:    &ErrorInfo{Kind: ErrBusy, Detail: "previous run still active after bounded wait"},
		}
	}
	defer m.release(conversationID)

	// The local audit trail records the user turn even when the
	// remote calls below fail.
	if err := m.store.AppendTurn(&store.Turn{
		ConversationID: conversationID,
		Role:           "user",
		Content:        text,
		UserName:       userName,
		Persona:        m.persona,
	}); err != nil {
		m.logger.Error("append user turn failed", "conversation", conversationID, "error", err)
	}

	if err := m.retry.Do(ctx, func() error {
		_, err := m.client.PostMessage(ctx, conversationID, "user", text)
		return err
	}); err != nil {
		return m.failure(conversationID, userName, ErrTransient, "post message: "+err.Error())
	}

	var runID string
	if err := m.retry.Do(ctx, func() error {
		var err error
		runID, err = m.client.StartRun(ctx, conversationID, m.assistantID)
		return err
	}); err != nil {
		return m.failure(conversationID, userName, ErrTransient, "start run: "+err.Error())
	}

	outcome := m.orchestrator.Advance(ctx, conversationID, runID)
	if outcome.Err != nil {
		return m.failure(conversationID, userName, outcome.Err.Kind, outcome.Err.Detail)
	}

	if err := m.store.AppendTurn(&store.Turn{
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        outcome.Content,
		UserName:       userName,
		Persona:        m.persona,
	}); err != nil {
		m.logger.Error("append assistant turn failed", "conversation", conversationID, "error", err)
	}

	userName = m.refreshUserName(ctx, conversationID, userName, text)

	return Envelope{Content: outcome.Content, UserName: userName}
}

// refreshUserName runs extraction opportunistically on the inbound
// text. Once a real name is stored the extractor is not consulted
// again for this conversation.
func (m *Manager) refreshUserName(ctx context.Context, conversationID, current, text string) string {
	if m.extractor == nil || !store.IsAnonymous(current) {
		return current
	}

	name := m.extractor.Extract(ctx, text)
	if name == "" || name == current {
		return current
	}

	if err := m.store.SetUserName(conversationID, name); err != nil {
		m.logger.Error("save user name failed", "conversation", conversationID, "error", err)
		return current
	}
	if err := m.store.UpdateTurnUserName(conversationID, name); err != nil {
		m.logger.Error("backfill user name failed", "conversation", conversationID, "error", err)
	}
	m.logger.Info("user name updated", "conversation", conversationID, "name", name)
	return name
}

func (m *Manager) failure(conversationID, userName string, kind ErrorKind, detail string) Envelope {
	m.logger.Warn("send failed",
		"conversation", conversationID,
		"persona", m.persona,
		"kind", kind,
		"detail", detail)
	return Envelope{
		Content:  userMessageFor(kind),
		UserName: userName,
		Error:    &ErrorInfo{Kind: kind, Detail: detail},
	}
}

// acquire claims the conversation's single-run slot, waiting up to
// waitActive for an in-flight run to clear.
func (m *Manager) acquire(conversationID string) bool {
	deadline := time.Now().Add(m.waitActive)
	for {
		m.mu.Lock()
		if !m.active[conversationID] {
			m.active[conversationID] = true
			m.mu.Unlock()
			return true
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(m.waitInterval)
	}
}

// release marks the conversation idle. Timed-out runs release too, so
// a conversation is never permanently locked by an orphaned remote
// run.
func (m *Manager) release(conversationID string) {
	m.mu.Lock()
	delete(m.active, conversationID)
	m.mu.Unlock()
}

// userMessageFor maps failure kinds to the polite reply shown to the
// end user. Raw detail travels separately in the Error field.
func userMessageFor(kind ErrorKind) string {
	switch kind {
	case ErrBusy:
		return "Ainda estou processando sua mensagem anterior. Aguarde um instante e tente novamente."
	case ErrTimeout:
		return "Sua mensagem está demorando mais que o esperado. Tente novamente em alguns instantes."
	default:
		return "Desculpe, ocorreu um erro ao processar sua mensagem. Tente novamente."
	}
}
