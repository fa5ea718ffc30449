// Package reliability carries the delivery-hardening pieces the dispatcher
// composes: the idempotency guard, the fan-in checker, the hard-stopper,
// and the retry policy.
package reliability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/tempoworks/tempo/pkg/storage"
)

// Guard decisions.
const (
	DecisionProceed = "proceed"
	DecisionSkip    = "skip"
	DecisionRunning = "running"
)

// Guard gates step execution on the idempotency log. Each (session, step,
// attempt) runs at most once; a prior success for the step short-circuits
// every later attempt.
type Guard struct {
	store  *storage.IdempotencyStore
	logger *slog.Logger
}

// NewGuard creates a guard over the idempotency store.
func NewGuard(store *storage.IdempotencyStore, logger *slog.Logger) *Guard {
	return &Guard{store: store, logger: logger.With("component", "idempotency_guard")}
}

// Before decides whether the caller may execute (session, step, attempt):
//   - DecisionProceed — this caller claimed the attempt
//   - DecisionSkip    — a prior attempt already succeeded, or this exact
//     attempt already finished
//   - DecisionRunning — the attempt is claimed by a live dispatch
func (g *Guard) Before(ctx context.Context, sessionID, step string, attempt int) (string, error) {
	done, err := g.store.HasSuccess(ctx, sessionID, step)
	if err != nil {
		return "", err
	}
	if done {
		g.logger.Info("Skipping step with recorded success", "session_id", sessionID, "step", step)
		return DecisionSkip, nil
	}

	claimed, existing, err := g.store.TryStart(ctx, sessionID, step, attempt)
	if err != nil {
		return "", err
	}
	if claimed {
		return DecisionProceed, nil
	}

	switch existing {
	case storage.IdempotencyStarted:
		return DecisionRunning, nil
	default:
		// success or error already recorded for this attempt.
		return DecisionSkip, nil
	}
}

// After records the attempt's terminal status and result digest.
func (g *Guard) After(ctx context.Context, sessionID, step string, attempt int, status, digest string) error {
	return g.store.Finish(ctx, sessionID, step, attempt, status, digest)
}

// Digest derives the stable fingerprint recorded alongside a result:
// sha256 over canonical JSON, first 16 hex characters.
func Digest(result any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
