package reliability

import (
	"context"

	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/storage"
)

// Checker answers fan-in questions from the audit log: a join state may
// only execute once every prerequisite step's latest event is STEP_DONE.
type Checker struct {
	store *storage.EventStore
}

// NewChecker creates a fan-in checker over the event store.
func NewChecker(store *storage.EventStore) *Checker {
	return &Checker{store: store}
}

// Ready reports whether all prerequisite steps completed. The second
// return lists the steps still outstanding.
func (c *Checker) Ready(ctx context.Context, sessionID string, steps []string) (bool, []string, error) {
	var missing []string
	for _, step := range steps {
		last, err := c.store.LastEventForStep(ctx, sessionID, step)
		if err != nil {
			return false, nil, err
		}
		if last == nil || last.Type != events.TypeStepDone {
			missing = append(missing, step)
		}
	}
	return len(missing) == 0, missing, nil
}
