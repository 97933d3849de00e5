package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rfarias/mentoria/internal/assistant"
	"github.com/rfarias/mentoria/internal/tooling"
)

const defaultPollInterval = time.Second

// Orchestrator drives one remote run from creation to a terminal
// state: it polls on a fixed cadence, resolves requested tool calls
// through the dispatcher, and enforces a hard attempt ceiling.
type Orchestrator struct {
	client       assistant.Client
	dispatcher   *tooling.Dispatcher
	logger       *slog.Logger
	pollInterval time.Duration
	maxAttempts  int
	retry        Policy
}

// NewOrchestrator creates an orchestrator. maxAttempts bounds the poll
// loop; tool-bearing personas should pass a higher ceiling because each
// required action consumes attempts without advancing the run. retry
// covers the tool-output submission, the one network write this loop
// performs.
func NewOrchestrator(client assistant.Client, dispatcher *tooling.Dispatcher, logger *slog.Logger, pollInterval time.Duration, maxAttempts int, retry Policy) *Orchestrator {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = 30
	}
	if retry.Attempts == 0 {
		retry = DefaultPolicy()
	}
	return &Orchestrator{
		client:       client,
		dispatcher:   dispatcher,
		logger:       logger,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		retry:        retry,
	}
}

// Advance polls the run until it reaches a terminal state or the
// attempt ceiling. There is no remote cancellation: on timeout the run
// is only marked terminal locally and may still resolve on the remote
// side.
func (o *Orchestrator) Advance(ctx context.Context, conversationID, runID string) Outcome {
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		run, err := o.client.GetRun(ctx, conversationID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return timeoutOutcome(ctx.Err().Error())
			}
			o.logger.Warn("run poll failed", "run", runID, "attempt", attempt, "error", err)
			if !o.sleep(ctx) {
				return timeoutOutcome(ctx.Err().Error())
			}
			continue
		}

		switch run.Status {
		case assistant.StatusCompleted:
			return o.collect(ctx, conversationID)

		case assistant.StatusFailed:
			o.logger.Warn("run failed", "run", runID, "detail", run.ErrorDetail)
			return Outcome{Err: &ErrorInfo{Kind: ErrRunFailure, Detail: run.ErrorDetail}}

		case assistant.StatusRequiresAction:
			outputs := o.dispatcher.Dispatch(ctx, conversationID, run.PendingToolCalls)
			o.logger.Debug("submitting tool outputs", "run", runID, "count", len(outputs))
			if err := o.retry.Do(ctx, func() error {
				return o.client.SubmitToolOutputs(ctx, conversationID, runID, outputs)
			}); err != nil {
				return Outcome{Err: &ErrorInfo{Kind: ErrTransient, Detail: fmt.Sprintf("submit tool outputs: %v", err)}}
			}

		case assistant.StatusQueued, assistant.StatusInProgress:
			if !o.sleep(ctx) {
				return timeoutOutcome(ctx.Err().Error())
			}

		default:
			// Terminal states other than completed (cancelled,
			// expired) end the run; anything unknown is treated as
			// transient and polled again.
			if run.Status.Terminal() {
				o.logger.Warn("run ended", "run", runID, "status", run.Status)
				return Outcome{Err: &ErrorInfo{Kind: ErrRunFailure, Detail: fmt.Sprintf("run ended with status %s", run.Status)}}
			}
			o.logger.Debug("unexpected run status", "run", runID, "status", run.Status)
			if !o.sleep(ctx) {
				return timeoutOutcome(ctx.Err().Error())
			}
		}
	}

	return timeoutOutcome(fmt.Sprintf("run %s not terminal after %d attempts", runID, o.maxAttempts))
}

// collect fetches the thread and returns the newest assistant message.
// The remote listing order is not trusted; messages are re-sorted by
// creation time before picking.
func (o *Orchestrator) collect(ctx context.Context, conversationID string) Outcome {
	msgs, err := o.client.ListMessages(ctx, conversationID)
	if err != nil {
		return Outcome{Err: &ErrorInfo{Kind: ErrTransient, Detail: fmt.Sprintf("list messages: %v", err)}}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	for _, m := range msgs {
		if m.Role == "assistant" {
			return Outcome{Content: m.Content}
		}
	}
	return Outcome{Err: &ErrorInfo{Kind: ErrRunFailure, Detail: "completed run produced no assistant message"}}
}

func (o *Orchestrator) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.pollInterval):
		return true
	}
}

func timeoutOutcome(detail string) Outcome {
	return Outcome{Err: &ErrorInfo{Kind: ErrTimeout, Detail: detail}}
}
