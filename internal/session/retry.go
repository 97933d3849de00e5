package session

import (
	"context"
	"math"
	"time"
)

// Policy is the retry policy applied to remote calls: up to Attempts
// tries with exponential backoff, delay = BaseDelay^attempt. One
// policy value is shared by the manager and the orchestrator so both
// back off the same way.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultPolicy matches the remote service's rate-limit guidance.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 2 * time.Second}
}

// Do runs fn until it succeeds, attempts run out, or ctx is done. The
// last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(p.BaseDelay, attempt)):
		}
	}
	return err
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(math.Pow(base.Seconds(), float64(attempt)) * float64(time.Second))
}
