// Package nodes defines the execution contract for builtin nodes and the
// builtin implementations shipped with the kernel.
package nodes

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/models"
)

// ExecutionInput carries everything a node may touch during one step.
type ExecutionInput struct {
	SessionID  string
	TenantID   string
	TraceID    string
	Step       string
	Params     map[string]any
	Blackboard *blackboard.Blackboard
}

// Node is a builtin unit of work. Params returns a zero value of the node's
// parameter struct; its shape is the node's registration schema.
type Node interface {
	ID() string
	Params() any
	Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error)
}

// AbortSignal is the blackboard signal checked at await points.
const AbortSignal = "abort"

// DecodeParams fills a typed params struct from the untyped bag a
// dispatch carries. Unknown keys are ignored; type mismatches error.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build params decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid node params: %w", err)
	}
	return nil
}

// Aborted reports whether the session's abort signal is set. Errors reading
// the signal are treated as not aborted so a Redis blip cannot kill a step.
func Aborted(ctx context.Context, input ExecutionInput) bool {
	if input.Blackboard == nil {
		return false
	}
	aborted, err := input.Blackboard.GetSignal(ctx, input.TenantID, input.SessionID, AbortSignal)
	if err != nil {
		return false
	}
	return aborted
}
