package fsm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/redis"
)

// advanceScript performs compare-and-set on the FSM state field in one
// server-side step. An unset field counts as the expected state when the
// caller passes the initial state (fresh sessions).
//
// KEYS[1] session hash; ARGV: field, expected, new.
var advanceScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current == false then
  current = ARGV[2]
end
if current ~= ARGV[2] then
  return 'CONFLICT:' .. current
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 'OK'
`)

// ConflictError reports that the CAS lost the race; Current carries the
// state observed by the script so the caller can re-read and retry.
type ConflictError struct {
	Current string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fsm advance conflict, current state is %s", e.Current)
}

// Advancer executes atomic state transitions against the fast store.
type Advancer struct {
	client *goredis.Client
	keys   redis.Keys
}

// NewAdvancer creates an advancer over the shared Redis client.
func NewAdvancer(client *goredis.Client, keys redis.Keys) *Advancer {
	return &Advancer{client: client, keys: keys}
}

// Current reads the session's state, falling back to fallback when unset.
func (a *Advancer) Current(ctx context.Context, tenantID, sessionID, fallback string) (string, error) {
	state, err := a.client.HGet(ctx, a.keys.SessionHash(tenantID, sessionID), blackboard.StateField).Result()
	if errors.Is(err, goredis.Nil) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read fsm state: %w", err)
	}
	return state, nil
}

// Set force-writes the state (session creation and RESET only; everything
// else goes through CAS).
func (a *Advancer) Set(ctx context.Context, tenantID, sessionID, state string) error {
	err := a.client.HSet(ctx, a.keys.SessionHash(tenantID, sessionID), blackboard.StateField, state).Err()
	if err != nil {
		return fmt.Errorf("failed to set fsm state: %w", err)
	}
	return nil
}

// CAS transitions expected → next atomically. On a lost race it returns
// *ConflictError carrying the observed state.
func (a *Advancer) CAS(ctx context.Context, tenantID, sessionID, expected, next string) error {
	res, err := advanceScript.Run(ctx, a.client,
		[]string{a.keys.SessionHash(tenantID, sessionID)},
		blackboard.StateField, expected, next,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to run fsm advance script: %w", err)
	}
	if strings.HasPrefix(res, "CONFLICT:") {
		return &ConflictError{Current: strings.TrimPrefix(res, "CONFLICT:")}
	}
	return nil
}

// Advance resolves the transition for event against the machine and
// applies it with CAS. It returns the new state.
func (a *Advancer) Advance(ctx context.Context, tenantID, sessionID string, machine *Machine, event string) (string, error) {
	current, err := a.Current(ctx, tenantID, sessionID, machine.Initial())
	if err != nil {
		return "", err
	}
	target, err := machine.Next(current, event)
	if err != nil {
		return "", err
	}
	if err := a.CAS(ctx, tenantID, sessionID, current, target.To); err != nil {
		return "", err
	}
	return target.To, nil
}
