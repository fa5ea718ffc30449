// Package dispatch turns accepted events into state transitions and step
// executions. The dispatcher is the only component that advances the FSM,
// runs nodes, and writes their results back into the event log.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/fsm"
	"github.com/tempoworks/tempo/pkg/metrics"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/nodes"
	"github.com/tempoworks/tempo/pkg/registry"
	"github.com/tempoworks/tempo/pkg/reliability"
	"github.com/tempoworks/tempo/pkg/storage"
)

// ErrAborted refuses events pushed into a hard-stopped session.
var ErrAborted = errors.New("session is aborted")

// casRetries bounds re-reads after a lost FSM advance race.
const casRetries = 3

// execTimeout bounds one builtin execution.
const execTimeout = 5 * time.Minute

// pendingStepKey marks a step awaiting a webhook callback. The value is
// the attempt number the callback finalizes.
const pendingStepKey = "_pending_step"

// Dispatcher advances sessions. One instance serves all tenants.
type Dispatcher struct {
	sessions   *storage.SessionStore
	flows      *storage.FlowStore
	advancer   *fsm.Advancer
	registry   *registry.Registry
	publisher  *events.Publisher
	blackboard *blackboard.Blackboard
	guard      *reliability.Guard
	fanin      *reliability.Checker
	stopper    *reliability.HardStopper
	retry      *reliability.Policy
	webhook    *WebhookInvoker
	pool       *Pool
	logger     *slog.Logger
}

// Deps carries the dispatcher's collaborators.
type Deps struct {
	Sessions   *storage.SessionStore
	Flows      *storage.FlowStore
	Advancer   *fsm.Advancer
	Registry   *registry.Registry
	Publisher  *events.Publisher
	Blackboard *blackboard.Blackboard
	Guard      *reliability.Guard
	FanIn      *reliability.Checker
	Stopper    *reliability.HardStopper
	Retry      *reliability.Policy
	Webhook    *WebhookInvoker
	Logger     *slog.Logger
}

// New wires a dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		sessions:   deps.Sessions,
		flows:      deps.Flows,
		advancer:   deps.Advancer,
		registry:   deps.Registry,
		publisher:  deps.Publisher,
		blackboard: deps.Blackboard,
		guard:      deps.Guard,
		fanin:      deps.FanIn,
		stopper:    deps.Stopper,
		retry:      deps.Retry,
		webhook:    deps.Webhook,
		pool:       NewPool(),
		logger:     deps.Logger.With("component", "dispatcher"),
	}
}

// Pool exposes the active-dispatch pool for hard-stop and shutdown.
func (d *Dispatcher) Pool() *Pool { return d.pool }

// Cancel aborts the session's in-flight executions.
func (d *Dispatcher) Cancel(sessionID string) { d.pool.Cancel(sessionID) }

// Shutdown cancels in-flight executions and drains the pool.
func (d *Dispatcher) Shutdown() { d.pool.Shutdown() }

// Dispatch applies one event to a session: abort check, atomic FSM advance,
// then asynchronous step execution when the new state maps to a node. It
// returns once the transition is durable; execution continues on the pool.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, event models.Event) error {
	session, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	event.TenantID = session.TenantID
	event.SessionID = session.ID

	// Step 1: refuse events into a hard-stopped session.
	aborted, err := d.stopper.IsAborted(ctx, session.TenantID, session.ID)
	if err != nil {
		return err
	}
	if aborted && event.Type != events.TypeReset {
		if pubErr := d.publisher.PublishAborted(ctx, session.TenantID, session.ID, event.TraceID, event.Type, "session is aborted"); pubErr != nil {
			d.logger.Warn("Failed to record refused event", "session_id", session.ID, "error", pubErr)
		}
		return ErrAborted
	}

	machine, err := d.machineFor(ctx, session)
	if err != nil {
		return err
	}

	// Step 2: atomic advance with bounded conflict retries; fan-in gates
	// the CAS so an unmet join leaves the state untouched.
	newState, fromState, err := d.advance(ctx, session, machine, event)
	if err != nil {
		if errors.Is(err, errFanInPending) {
			return nil
		}
		metrics.StateTransitions.WithLabelValues("rejected").Inc()
		return err
	}
	metrics.StateTransitions.WithLabelValues("applied").Inc()

	if err := d.sessions.UpdateState(ctx, session.ID, newState); err != nil {
		d.logger.Warn("Failed to persist session state", "session_id", session.ID, "error", err)
	}
	if err := d.publisher.PublishStateTransition(ctx, session.TenantID, session.ID, event.TraceID, event.Type, fromState, newState); err != nil {
		d.logger.Warn("Failed to record state transition", "session_id", session.ID, "error", err)
	}

	// Step 3: terminal states settle the session; user-input states pause.
	if fsm.IsTerminal(newState) {
		return d.settle(ctx, session, event.TraceID, newState)
	}
	if event.Type == events.TypeReset {
		if err := d.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusRunning); err != nil {
			d.logger.Warn("Failed to mark session running", "session_id", session.ID, "error", err)
		}
	}
	if machine.IsUserInputState(newState) {
		if err := d.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusWaitingUser); err != nil {
			d.logger.Warn("Failed to mark session waiting", "session_id", session.ID, "error", err)
		}
		return d.publisher.PublishNeedUserInput(ctx, session.TenantID, session.ID, event.TraceID, newState, map[string]any{
			"state":          newState,
			"allowed_events": machine.AllowedEvents(newState),
		})
	}

	nodeRef, hasNode := machine.NodeRef(newState)
	if !hasNode {
		// Passive state: wait for the next event.
		return nil
	}

	// Steps 4-8 run asynchronously on the pool, detached from the
	// caller's request lifetime.
	params := stepParams(session, event)
	d.pool.Go(context.WithoutCancel(ctx), session.ID, func(execCtx context.Context) {
		d.executeStep(execCtx, session, machine, newState, nodeRef, params, event.TraceID, 1)
	})
	return nil
}

// Start executes the node mapped to the session's current state without
// advancing. Session kickoff and rehydrated resumes enter here; everything
// else goes through Dispatch.
func (d *Dispatcher) Start(ctx context.Context, sessionID, traceID string) error {
	session, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	machine, err := d.machineFor(ctx, session)
	if err != nil {
		return err
	}
	state, err := d.advancer.Current(ctx, session.TenantID, session.ID, machine.Initial())
	if err != nil {
		return err
	}
	if fsm.IsTerminal(state) {
		return nil
	}

	if machine.IsUserInputState(state) {
		if err := d.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusWaitingUser); err != nil {
			d.logger.Warn("Failed to mark session waiting", "session_id", session.ID, "error", err)
		}
		return d.publisher.PublishNeedUserInput(ctx, session.TenantID, session.ID, traceID, state, map[string]any{
			"state":          state,
			"allowed_events": machine.AllowedEvents(state),
		})
	}

	nodeRef, hasNode := machine.NodeRef(state)
	if !hasNode {
		return nil
	}

	params := make(map[string]any, len(session.Params))
	for k, v := range session.Params {
		params[k] = v
	}
	d.pool.Go(context.WithoutCancel(ctx), session.ID, func(execCtx context.Context) {
		d.executeStep(execCtx, session, machine, state, nodeRef, params, traceID, 1)
	})
	return nil
}

// errFanInPending is internal: the join is not ready, the state stayed.
var errFanInPending = errors.New("fan-in pending")

// advance resolves and applies the transition, retrying lost CAS races
// against the re-read state.
func (d *Dispatcher) advance(ctx context.Context, session *models.Session, machine *fsm.Machine, event models.Event) (newState, fromState string, err error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := d.advancer.Current(ctx, session.TenantID, session.ID, machine.Initial())
		if err != nil {
			return "", "", err
		}
		target, err := machine.Next(current, event.Type)
		if err != nil {
			return "", "", err
		}

		if target.FanIn {
			prereqs := machine.FanInSources(target.To)
			ready, missing, err := d.fanin.Ready(ctx, session.ID, prereqs)
			if err != nil {
				return "", "", err
			}
			if !ready {
				if pubErr := d.publisher.PublishPendingFanIn(ctx, session.TenantID, session.ID, event.TraceID, target.To, missing); pubErr != nil {
					d.logger.Warn("Failed to record pending fan-in", "session_id", session.ID, "error", pubErr)
				}
				return "", "", errFanInPending
			}
		}

		casErr := d.advancer.CAS(ctx, session.TenantID, session.ID, current, target.To)
		if casErr == nil {
			return target.To, current, nil
		}
		var conflict *fsm.ConflictError
		if !errors.As(casErr, &conflict) {
			return "", "", casErr
		}
		err = casErr
		if attempt == casRetries-1 {
			return "", "", err
		}
	}
	return "", "", err
}

// settle finalizes a session that reached a terminal state.
func (d *Dispatcher) settle(ctx context.Context, session *models.Session, traceID, state string) error {
	var status, eventType string
	switch state {
	case fsm.StateEnd:
		status, eventType = models.SessionStatusCompleted, events.TypeSessionComplete
	case fsm.StateAborted:
		status, eventType = models.SessionStatusAborted, ""
	default:
		status, eventType = models.SessionStatusError, ""
	}

	if err := d.sessions.UpdateStatus(ctx, session.ID, status); err != nil {
		return err
	}
	if eventType != "" {
		return d.publisher.PublishSessionLifecycle(ctx, eventType, session.TenantID, session.ID, traceID, map[string]any{
			"final_state": state,
		})
	}
	return nil
}

// executeStep runs steps 4-8 for one attempt: idempotency gate, node
// execution, result recording, follow-up dispatch, retry scheduling.
func (d *Dispatcher) executeStep(ctx context.Context, session *models.Session, machine *fsm.Machine, state, nodeRef string, params map[string]any, traceID string, attempt int) {
	logger := d.logger.With("session_id", session.ID, "step", state, "node", nodeRef, "attempt", attempt)

	// Step 4: idempotency gate.
	decision, err := d.guard.Before(ctx, session.ID, state, attempt)
	if err != nil {
		logger.Error("Idempotency gate failed", "error", err)
		return
	}
	switch decision {
	case reliability.DecisionRunning:
		logger.Info("Step already claimed by a live dispatch")
		return
	case reliability.DecisionSkip:
		logger.Info("Step effect already recorded, cascading")
		d.cascade(ctx, session, traceID, state, events.TypeStepDone)
		return
	}

	resolved, err := d.registry.Resolve(ctx, nodeRef)
	if err != nil {
		d.recordFailure(ctx, session, machine, state, nodeRef, traceID, attempt, params, fmt.Sprintf("unresolvable node %s: %v", nodeRef, err), false)
		return
	}

	// Step 5: webhook steps hand off and finish via callback.
	if resolved.Webhook != nil {
		d.invokeWebhook(ctx, session, machine, state, nodeRef, resolved.Webhook, params, traceID, attempt)
		return
	}

	// Step 6: builtin execution under a deadline.
	result := d.runBuiltin(ctx, session, resolved.Builtin, state, params, traceID)

	// Steps 7-8: record and follow up.
	d.recordResult(ctx, session, machine, state, nodeRef, traceID, attempt, params, result)
}

func (d *Dispatcher) runBuiltin(ctx context.Context, session *models.Session, node nodes.Node, state string, params map[string]any, traceID string) models.NodeResult {
	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	start := time.Now()
	result, err := node.Execute(execCtx, nodes.ExecutionInput{
		SessionID:  session.ID,
		TenantID:   session.TenantID,
		TraceID:    traceID,
		Step:       state,
		Params:     params,
		Blackboard: d.blackboard,
	})
	metrics.NodeExecutionSeconds.WithLabelValues(node.ID()).Observe(time.Since(start).Seconds())
	if err != nil {
		result = models.ErrorResult(err.Error())
	}
	if result.Status == "" {
		result.Status = models.NodeStatusSuccess
	}
	metrics.NodeExecutions.WithLabelValues(node.ID(), result.Status).Inc()
	return result
}

func (d *Dispatcher) invokeWebhook(ctx context.Context, session *models.Session, machine *fsm.Machine, state, nodeRef string, wh *registry.Webhook, params map[string]any, traceID string, attempt int) {
	if wh.ParamSchema != nil {
		if err := validateParams(wh.ParamSchema, params); err != nil {
			d.recordFailure(ctx, session, machine, state, nodeRef, traceID, attempt, params, err.Error(), false)
			return
		}
	}

	// Mark the pending callback so HandleCallback can finalize the right
	// attempt.
	pending := map[string]any{"step": state, "node": nodeRef, "attempt": attempt, "trace_id": traceID}
	if err := d.blackboard.Set(ctx, session.TenantID, session.ID, pendingStepKey, pending); err != nil {
		d.logger.Warn("Failed to record pending webhook step", "session_id", session.ID, "error", err)
	}

	err := d.webhook.Invoke(ctx, wh.URL, WebhookRequest{
		SessionID: session.ID,
		Step:      state,
		Params:    params,
		TenantID:  session.TenantID,
		TraceID:   traceID,
	})
	if err != nil {
		d.recordFailure(ctx, session, machine, state, nodeRef, traceID, attempt, params, err.Error(), true)
		return
	}
	metrics.NodeExecutions.WithLabelValues(nodeRef, "pending").Inc()
}

// HandleCallback finalizes a webhook step with the remote NodeResult.
// Post-abort results are annotated and recorded but change no state.
func (d *Dispatcher) HandleCallback(ctx context.Context, sessionID string, result models.NodeResult) error {
	session, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	pendingVal, ok, err := d.blackboard.Get(ctx, session.TenantID, session.ID, pendingStepKey)
	if err != nil {
		return err
	}
	pending, _ := pendingVal.(map[string]any)
	if !ok || pending == nil {
		return storage.NewValidationError("session_id", "no pending webhook step for session")
	}
	state, _ := pending["step"].(string)
	nodeRef, _ := pending["node"].(string)
	traceID, _ := pending["trace_id"].(string)
	attempt := 1
	if a, isNum := pending["attempt"].(float64); isNum {
		attempt = int(a)
	}

	aborted, err := d.stopper.IsAborted(ctx, session.TenantID, session.ID)
	if err != nil {
		return err
	}
	if aborted {
		event := models.NewEvent(events.TypeEventResult, state, session.TenantID, session.ID, map[string]any{
			"status":     result.Status,
			"post_abort": true,
		})
		event.TraceID = traceID
		_, pubErr := d.publisher.Publish(ctx, event)
		return pubErr
	}

	machine, err := d.machineFor(ctx, session)
	if err != nil {
		return err
	}

	d.recordResult(ctx, session, machine, state, nodeRef, traceID, attempt, nil, result)
	return nil
}

// recordResult implements steps 7-8 for a finished attempt.
func (d *Dispatcher) recordResult(ctx context.Context, session *models.Session, machine *fsm.Machine, state, nodeRef, traceID string, attempt int, params map[string]any, result models.NodeResult) {
	switch result.Status {
	case models.NodeStatusAborted:
		if err := d.guard.After(ctx, session.ID, state, attempt, storage.IdempotencyError, ""); err != nil {
			d.logger.Warn("Failed to finalize aborted attempt", "session_id", session.ID, "error", err)
		}
		if err := d.publisher.PublishAborted(ctx, session.TenantID, session.ID, traceID, state, result.ErrorMessage); err != nil {
			d.logger.Warn("Failed to record aborted step", "session_id", session.ID, "error", err)
		}
		d.forceState(ctx, session, traceID, events.TypeAbort, state, fsm.StateAborted, models.SessionStatusAborted)
		return

	case models.NodeStatusError:
		d.recordFailure(ctx, session, machine, state, nodeRef, traceID, attempt, params, result.ErrorMessage, true)
		return

	case models.NodeStatusNeedUserInput:
		digest := reliability.Digest(result)
		if err := d.guard.After(ctx, session.ID, state, attempt, storage.IdempotencySuccess, digest); err != nil {
			d.logger.Warn("Failed to finalize attempt", "session_id", session.ID, "error", err)
		}
		d.publishResult(ctx, session, state, traceID, result)
		if err := d.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusWaitingUser); err != nil {
			d.logger.Warn("Failed to mark session waiting", "session_id", session.ID, "error", err)
		}
		d.cascade(ctx, session, traceID, state, events.TypeNeedUserInput)
		return
	}

	// Success: persist artifacts, publish, cascade.
	d.writeArtifacts(ctx, session, result.Artifacts)
	digest := reliability.Digest(result)
	if err := d.guard.After(ctx, session.ID, state, attempt, storage.IdempotencySuccess, digest); err != nil {
		d.logger.Warn("Failed to finalize attempt", "session_id", session.ID, "error", err)
	}
	d.publishResult(ctx, session, state, traceID, result)
	if err := d.publisher.PublishStepDone(ctx, session.TenantID, session.ID, traceID, state); err != nil {
		d.logger.Warn("Failed to record step completion", "session_id", session.ID, "error", err)
	}

	next := result.NextEvents
	if len(next) == 0 {
		next = []string{events.TypeStepDone}
	}
	for _, eventType := range next {
		d.cascade(ctx, session, traceID, state, eventType)
	}
}

// recordFailure finalizes a failed attempt and either schedules a retry or
// drives the flow into its error path.
func (d *Dispatcher) recordFailure(ctx context.Context, session *models.Session, machine *fsm.Machine, state, nodeRef, traceID string, attempt int, params map[string]any, message string, retryable bool) {
	if err := d.guard.After(ctx, session.ID, state, attempt, storage.IdempotencyError, ""); err != nil {
		d.logger.Warn("Failed to finalize failed attempt", "session_id", session.ID, "error", err)
	}
	if err := d.publisher.PublishError(ctx, session.TenantID, session.ID, traceID, state, message, attempt); err != nil {
		d.logger.Warn("Failed to record step error", "session_id", session.ID, "error", err)
	}

	nodeID := nodeRef
	if retryable && d.retry.ShouldRetry(nodeID, attempt) {
		delay := d.retry.Delay(nodeID, attempt)
		d.logger.Info("Scheduling retry", "session_id", session.ID, "step", state, "attempt", attempt+1, "delay", delay)
		d.pool.Go(context.WithoutCancel(ctx), session.ID, func(retryCtx context.Context) {
			select {
			case <-retryCtx.Done():
				return
			case <-time.After(delay):
			}
			d.executeStep(retryCtx, session, machine, state, nodeRef, params, traceID, attempt+1)
		})
		return
	}

	// Attempts exhausted: follow the flow's ERROR transition when it has
	// one, otherwise force the error state.
	if _, err := machine.Next(state, events.TypeError); err == nil {
		d.cascade(ctx, session, traceID, state, events.TypeError)
		return
	}
	d.forceState(ctx, session, traceID, events.TypeError, state, fsm.StateError, models.SessionStatusError)
}

// cascade feeds a derived event back through Dispatch.
func (d *Dispatcher) cascade(ctx context.Context, session *models.Session, traceID, source, eventType string) {
	event := models.NewEvent(eventType, source, session.TenantID, session.ID, nil)
	event.TraceID = traceID
	if err := d.Dispatch(ctx, session.ID, event); err != nil {
		var invalid *fsm.InvalidTransitionError
		if errors.As(err, &invalid) {
			// The flow defines no transition for this derived event; the
			// session waits where it is.
			d.logger.Info("Derived event has no transition", "session_id", session.ID, "event", eventType, "state", invalid.State)
			return
		}
		d.logger.Error("Cascade dispatch failed", "session_id", session.ID, "event", eventType, "error", err)
	}
}

// forceState writes a terminal state outside the CAS path (error and abort
// settlement) and records the transition.
func (d *Dispatcher) forceState(ctx context.Context, session *models.Session, traceID, trigger, from, state, status string) {
	if err := d.advancer.Set(ctx, session.TenantID, session.ID, state); err != nil {
		d.logger.Error("Failed to force terminal state", "session_id", session.ID, "state", state, "error", err)
	}
	if err := d.sessions.UpdateState(ctx, session.ID, state); err != nil {
		d.logger.Warn("Failed to persist session state", "session_id", session.ID, "error", err)
	}
	if err := d.sessions.UpdateStatus(ctx, session.ID, status); err != nil {
		d.logger.Warn("Failed to persist session status", "session_id", session.ID, "error", err)
	}
	if err := d.publisher.PublishStateTransition(ctx, session.TenantID, session.ID, traceID, trigger, from, state); err != nil {
		d.logger.Warn("Failed to record forced transition", "session_id", session.ID, "error", err)
	}
}

func (d *Dispatcher) publishResult(ctx context.Context, session *models.Session, state, traceID string, result models.NodeResult) {
	if err := d.publisher.PublishResult(ctx, session.TenantID, session.ID, traceID, state, result); err != nil {
		d.logger.Warn("Failed to record step result", "session_id", session.ID, "error", err)
	}
}

// writeArtifacts persists result artifacts. A duplicate id on a retried
// step is expected and skipped.
func (d *Dispatcher) writeArtifacts(ctx context.Context, session *models.Session, artifacts map[string]any) {
	for id, value := range artifacts {
		err := d.blackboard.WriteArtifact(ctx, session.TenantID, session.ID, id, value)
		if err != nil && !errors.Is(err, blackboard.ErrArtifactExists) {
			d.logger.Warn("Failed to write artifact", "session_id", session.ID, "artifact_id", id, "error", err)
		}
	}
}

// machineFor compiles the session's flow: implicit single-node sessions
// synthesize their two-state machine from the recorded node reference.
func (d *Dispatcher) machineFor(ctx context.Context, session *models.Session) (*fsm.Machine, error) {
	if session.FlowID == models.ImplicitFlowID {
		nodeRef, _ := session.Params["node_id"].(string)
		if nodeRef == "" {
			return nil, fmt.Errorf("implicit session %s has no node reference", session.ID)
		}
		return fsm.CompileImplicit(nodeRef), nil
	}
	flow, err := d.flows.Get(ctx, session.TenantID, session.FlowID)
	if err != nil {
		return nil, err
	}
	return fsm.Compile(flow), nil
}

// stepParams merges session params with event payload; the event wins.
func stepParams(session *models.Session, event models.Event) map[string]any {
	params := make(map[string]any, len(session.Params)+len(event.Payload))
	for k, v := range session.Params {
		params[k] = v
	}
	for k, v := range event.Payload {
		params[k] = v
	}
	return params
}

// validateParams checks a param bag against a webhook's registered schema.
func validateParams(schema map[string]any, params map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", anyJSON(schema)); err != nil {
		return fmt.Errorf("invalid registered param schema: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("invalid registered param schema: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := compiled.Validate(anyJSON(params)); err != nil {
		return fmt.Errorf("params rejected by registered schema: %w", err)
	}
	return nil
}

// anyJSON round-trips a value through JSON so schema validation sees wire
// types.
func anyJSON(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}
