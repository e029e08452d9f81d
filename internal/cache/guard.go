package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Guard outcomes recorded against an incident's execution key.
const (
	OutcomeClaimed   = "claimed"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// ExecutionGuard ensures an approved action is dispatched at most once per incident,
// including across replicas that share the same Provider.
type ExecutionGuard struct {
	provider Provider
	ttl      time.Duration
	prefix   string
}

// NewExecutionGuard wraps provider. ttl bounds how long claims and outcomes are retained.
func NewExecutionGuard(provider Provider, ttl time.Duration) *ExecutionGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ExecutionGuard{provider: provider, ttl: ttl, prefix: "remediation:exec:"}
}

// Claim reserves the right to execute incidentID. It returns false when another caller holds it.
func (g *ExecutionGuard) Claim(ctx context.Context, incidentID string) (bool, error) {
	ok, err := g.provider.SetNX(ctx, g.prefix+incidentID, []byte(OutcomeClaimed), g.ttl)
	if err != nil {
		return false, fmt.Errorf("claim execution %s: %w", incidentID, err)
	}
	return ok, nil
}

// Record stores the final outcome of the execution. detail is kept for failures.
func (g *ExecutionGuard) Record(ctx context.Context, incidentID string, succeeded bool, detail string) error {
	value := OutcomeSucceeded
	if !succeeded {
		value = OutcomeFailed
	}
	if detail != "" {
		value += ":" + detail
	}
	if err := g.provider.Set(ctx, g.prefix+incidentID, []byte(value), g.ttl); err != nil {
		return fmt.Errorf("record execution %s: %w", incidentID, err)
	}
	return nil
}

// Outcome reads back what is known about incidentID's execution. found is false when no
// claim was ever made.
func (g *ExecutionGuard) Outcome(ctx context.Context, incidentID string) (outcome, detail string, found bool, err error) {
	raw, err := g.provider.Get(ctx, g.prefix+incidentID)
	if errors.Is(err, ErrCacheMiss) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("read execution %s: %w", incidentID, err)
	}
	outcome, detail, _ = strings.Cut(string(raw), ":")
	return outcome, detail, true, nil
}
