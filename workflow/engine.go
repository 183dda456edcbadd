package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/commercekit/commerce-workflows/events"
	"github.com/commercekit/commerce-workflows/rules"
)

// Run lifecycle states. A run either fully succeeds or is treated as fully
// failed; there is no partial-success terminal state.
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateCompensating = "compensating"
	StateSucceeded    = "succeeded"
	StateFailed       = "failed"
)

// Engine event names.
const (
	EventStateChanged       = "workflow.state_changed"
	EventCompensationFailed = "workflow.compensation_failed"
)

// Response is the final result of a successful run, owned by the caller.
type Response struct {
	RunID  string
	Result interface{}
}

// Engine executes workflow definitions: stages in declared order, outputs
// threaded by name, and a LIFO compensation pass over every committed step
// when any stage fails.
type Engine struct {
	evaluator rules.Evaluator
	bus       *events.EventBus
	logger    *log.Logger

	compensationHandler func(runID string, errs []error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEventBus publishes run state changes on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithEvaluator sets the condition evaluator backing WhenExpr stages.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) { e.evaluator = evaluator }
}

// WithCompensationHandler registers a side-channel callback invoked with
// the errors collected during an incomplete unwind. Compensation failures
// never reach the caller; this is how operators learn rollback was partial.
func WithCompensationHandler(handler func(runID string, errs []error)) Option {
	return func(e *Engine) { e.compensationHandler = handler }
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		evaluator: rules.NewExprEvaluator(),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes def against input. On success the execution record is
// discarded and the declared output is returned. On any stage failure every
// committed step is compensated in reverse order and the original error is
// returned; compensation errors are logged, not propagated.
func (e *Engine) Run(ctx context.Context, def *Definition, input interface{}, scope *Scope) (*Response, error) {
	run, err := e.execute(ctx, def, input, scope)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	run.record = nil
	run.mu.Unlock()

	var result interface{}
	if def.output != nil {
		result = def.output(run)
	}
	return &Response{RunID: run.ID, Result: result}, nil
}

// execute runs def and returns the completed run with its execution record
// intact, so sub-workflow steps can fold it into a parent's record.
func (e *Engine) execute(ctx context.Context, def *Definition, input interface{}, scope *Scope) (*Run, error) {
	if def == nil {
		return nil, NewError(KindValidation, "workflow definition is nil")
	}
	if def.err != nil {
		return nil, def.err
	}
	scope = e.normalizeScope(scope)

	run := &Run{
		ID:      uuid.NewString(),
		Input:   input,
		state:   StatePending,
		outputs: make(map[string]interface{}),
	}

	run.setState(StateRunning)
	e.publishState(ctx, def.Name, run)

	if err := e.runStages(ctx, def.Name, run, def.stages, scope); err != nil {
		run.setState(StateCompensating)
		e.publishState(ctx, def.Name, run)
		e.unwind(ctx, run, scope)
		run.setState(StateFailed)
		e.publishState(ctx, def.Name, run)
		return nil, err
	}

	run.setState(StateSucceeded)
	e.publishState(ctx, def.Name, run)
	return run, nil
}

func (e *Engine) normalizeScope(scope *Scope) *Scope {
	if scope == nil {
		scope = NewScope(nil)
	}
	if scope.Container == nil {
		scope.Container = NewContainer()
	}
	if scope.Engine == nil {
		scope.Engine = e
	}
	if scope.Logger == nil {
		scope.Logger = e.logger
	}
	return scope
}

func (e *Engine) runStages(ctx context.Context, workflowName string, run *Run, stages []stage, scope *Scope) error {
	for _, st := range stages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch st.kind {
		case stageStep:
			if err := e.runInvocation(ctx, run, st.invs[0], scope); err != nil {
				return err
			}

		case stageParallel:
			if err := e.runParallel(ctx, run, st.invs, scope); err != nil {
				return err
			}

		case stageCondition:
			ok, err := e.evaluateCondition(run, st)
			if err != nil {
				return fmt.Errorf("workflow %s: condition: %w", workflowName, err)
			}
			if !ok {
				continue
			}
			if err := e.runStages(ctx, workflowName, run, st.nested, scope); err != nil {
				return err
			}

		case stageTransform:
			output, err := runTransform(st, run)
			if err != nil {
				return fmt.Errorf("transform %s: %w", st.name, err)
			}
			run.storeOutput(st.name, output)
		}
	}
	return nil
}

func (e *Engine) evaluateCondition(run *Run, st stage) (bool, error) {
	if st.pred != nil {
		return st.pred(run)
	}
	return e.evaluator.Evaluate(st.expr, run.env())
}

// runInvocation executes one step's forward function. Successes of default
// steps with a compensate function are appended to the execution record;
// best-effort step failures are logged and swallowed.
func (e *Engine) runInvocation(ctx context.Context, run *Run, inv Invocation, scope *Scope) error {
	resp, err := callForward(ctx, inv, run, scope)
	if err != nil {
		if inv.Step.Kind == StepBestEffort {
			scope.Logger.Warn("best-effort step failed",
				"run_id", run.ID, "step", inv.Step.Name, "err", err)
			return nil
		}
		return fmt.Errorf("step %s: %w", inv.Step.Name, err)
	}

	if resp != nil {
		run.storeOutput(inv.Step.Name, resp.Output)
	}
	if inv.Step.Kind == StepDefault && inv.Step.Compensate != nil {
		var compensateInput interface{}
		if resp != nil {
			compensateInput = resp.CompensateInput
		}
		run.appendRecord(recordEntry{
			name:            inv.Step.Name,
			compensateInput: compensateInput,
			compensate:      inv.Step.Compensate,
		})
	}
	return nil
}

// runParallel dispatches all members concurrently and waits for every one
// to settle. Successes are recorded as they complete, so when one member
// fails, the others that finished are still compensated during unwind.
func (e *Engine) runParallel(ctx context.Context, run *Run, invs []Invocation, scope *Scope) error {
	var g errgroup.Group
	for _, inv := range invs {
		inv := inv
		g.Go(func() error {
			return e.runInvocation(ctx, run, inv, scope)
		})
	}
	return g.Wait()
}

// unwind walks the execution record in reverse, invoking each compensate
// function with its recorded input. A failing compensation is logged and
// does not stop the pass from reaching earlier entries.
func (e *Engine) unwind(ctx context.Context, run *Run, scope *Scope) {
	run.mu.Lock()
	record := run.record
	run.record = nil
	run.mu.Unlock()

	var errs []error
	for i := len(record) - 1; i >= 0; i-- {
		entry := record[i]
		if entry.compensate == nil {
			continue
		}
		if err := callCompensate(ctx, entry, scope); err != nil {
			cerr := WrapError(KindCompensation, err, "compensate step %s", entry.name)
			e.logger.Error("compensation failed",
				"run_id", run.ID, "step", entry.name, "err", err)
			e.publish(ctx, events.Event{
				Name: EventCompensationFailed,
				Payload: map[string]interface{}{
					"run_id": run.ID,
					"step":   entry.name,
					"error":  err.Error(),
				},
			})
			errs = append(errs, cerr)
		}
	}
	if len(errs) > 0 && e.compensationHandler != nil {
		e.compensationHandler(run.ID, errs)
	}
}

// callForward evaluates the input selector and invokes the forward
// function, converting panics into errors so a panicking selector or step
// still triggers a normal unwind.
func callForward(ctx context.Context, inv Invocation, run *Run, scope *Scope) (resp *StepResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", inv.Step.Name, r)
		}
	}()
	if inv.Step.Forward == nil {
		return nil, NewError(KindValidation, "step %q has no forward function", inv.Step.Name)
	}
	input := run.Input
	if inv.Input != nil {
		input = inv.Input(run)
	}
	return inv.Step.Forward(ctx, input, scope)
}

func callCompensate(ctx context.Context, entry recordEntry, scope *Scope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensate %s panicked: %v", entry.name, r)
		}
	}()
	return entry.compensate(ctx, entry.compensateInput, scope)
}

func runTransform(st stage, run *Run) (output interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return st.transform(run)
}

func (e *Engine) publishState(ctx context.Context, workflowName string, run *Run) {
	e.publish(ctx, events.Event{
		Name: EventStateChanged,
		Payload: map[string]interface{}{
			"run_id":   run.ID,
			"workflow": workflowName,
			"state":    run.State(),
		},
	})
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("event publish failed", "event", event.Name, "err", err)
	}
}
