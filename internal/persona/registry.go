package persona

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rfarias/mentoria/internal/assistant"
	"github.com/rfarias/mentoria/internal/config"
	"github.com/rfarias/mentoria/internal/names"
	"github.com/rfarias/mentoria/internal/session"
	"github.com/rfarias/mentoria/internal/store"
	"github.com/rfarias/mentoria/internal/tooling"
)

// Registry builds and caches one session manager per persona. Managers
// are built lazily on first use and reused for the process lifetime so
// every caller shares the same per-conversation serialization state.
type Registry struct {
	cfg       *config.Config
	client    assistant.Client
	store     *store.SQLiteStore
	extractor *names.Extractor
	logger    *slog.Logger

	mu       sync.Mutex
	managers map[string]*session.Manager
}

// NewRegistry creates a registry. The extractor is shared across
// personas so the name memo is process-global.
func NewRegistry(cfg *config.Config, client assistant.Client, st *store.SQLiteStore, extractor *names.Extractor, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		client:    client,
		store:     st,
		extractor: extractor,
		logger:    logger,
		managers:  make(map[string]*session.Manager),
	}
}

// Manager returns the session manager for a persona, building it on
// first use. Unknown personas and personas without a configured
// assistant ID are errors.
func (r *Registry) Manager(name string) (*session.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mgr, ok := r.managers[name]; ok {
		return mgr, nil
	}

	p, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown persona: %s", name)
	}
	assistantID, ok := r.cfg.OpenAI.Assistants[name]
	if !ok || assistantID == "" {
		return nil, fmt.Errorf("persona %s has no configured assistant", name)
	}

	dispatcher := tooling.NewDispatcher(r.logger.With("persona", name))
	if p.BuildTools != nil {
		for _, tool := range p.BuildTools(r.store) {
			dispatcher.Register(tool)
		}
	}

	runs := r.cfg.Runs
	pollInterval := runs.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	maxAttempts := runs.MaxPollAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.PollCeiling
	}
	waitBound := runs.WaitActiveBound
	if waitBound <= 0 {
		waitBound = 10
	}

	retry := session.Policy{
		Attempts:  runs.RetryAttempts,
		BaseDelay: runs.RetryBaseDelay,
	}
	orch := session.NewOrchestrator(r.client, dispatcher, r.logger.With("persona", name), pollInterval, maxAttempts, retry)
	mgr := session.NewManager(session.ManagerConfig{
		Persona:      name,
		AssistantID:  assistantID,
		Client:       r.client,
		Store:        r.store,
		Orchestrator: orch,
		Extractor:    r.extractor,
		Retry:        retry,
		WaitActive: time.Duration(waitBound) * pollInterval,
		Logger:     r.logger.With("persona", name),
	})

	r.managers[name] = mgr
	r.logger.Info("persona manager ready",
		"persona", name,
		"assistant", assistantID,
		"tools", len(dispatcher.Defs()),
		"poll_ceiling", maxAttempts)
	return mgr, nil
}

// Available returns the personas that have a configured assistant.
func (r *Registry) Available() []Persona {
	var out []Persona
	for _, p := range All() {
		if id := r.cfg.OpenAI.Assistants[p.Name]; id != "" {
			out = append(out, p)
		}
	}
	return out
}
