package workflow

import (
	"context"
	"sync"
)

// InputFunc computes a step's input from the run's prior outputs and the
// original workflow input. A nil InputFunc passes the workflow input.
type InputFunc func(r *Run) interface{}

// TransformFunc is a pure derivation over prior outputs. Failures are
// programming errors: they are not compensated themselves but still unwind
// everything committed before them.
type TransformFunc func(r *Run) (interface{}, error)

// PredicateFunc gates a conditional group of stages.
type PredicateFunc func(r *Run) (bool, error)

type stageKind int

const (
	stageStep stageKind = iota
	stageParallel
	stageCondition
	stageTransform
)

// Invocation pairs a step with its input selector inside a parallel group.
type Invocation struct {
	Step  Step
	Input InputFunc
}

// Invoke builds an Invocation for Parallel.
func Invoke(step Step, input InputFunc) Invocation {
	return Invocation{Step: step, Input: input}
}

type stage struct {
	kind      stageKind
	invs      []Invocation
	name      string
	transform TransformFunc
	pred      PredicateFunc
	expr      string
	nested    []stage
}

// Definition is a named, ordered composition of stages. Stages may only
// reference outputs of stages declared before them; the builder enforces
// unique step and transform names.
type Definition struct {
	Name string

	stages []stage
	output func(r *Run) interface{}
	names  map[string]bool
	err    error
}

// NewDefinition starts a workflow definition.
func NewDefinition(name string) *Definition {
	return &Definition{Name: name, names: make(map[string]bool)}
}

func (d *Definition) addName(name string) {
	if name == "" {
		d.fail(NewError(KindValidation, "workflow %q: stage name cannot be empty", d.Name))
		return
	}
	if d.names[name] {
		d.fail(NewError(KindValidation, "workflow %q: duplicate stage name %q", d.Name, name))
		return
	}
	d.names[name] = true
}

func (d *Definition) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// Then appends a sequential step stage.
func (d *Definition) Then(step Step, input InputFunc) *Definition {
	d.addName(step.Name)
	d.stages = append(d.stages, stage{kind: stageStep, invs: []Invocation{{Step: step, Input: input}}})
	return d
}

// Parallel appends a group of steps dispatched concurrently. No ordering
// is guaranteed among members; all members settle before a failure is
// acted on, so every member that succeeded is compensated during unwind.
func (d *Definition) Parallel(invs ...Invocation) *Definition {
	for _, inv := range invs {
		d.addName(inv.Step.Name)
	}
	d.stages = append(d.stages, stage{kind: stageParallel, invs: invs})
	return d
}

// Transform appends a pure derivation whose result is stored under name.
func (d *Definition) Transform(name string, fn TransformFunc) *Definition {
	d.addName(name)
	d.stages = append(d.stages, stage{kind: stageTransform, name: name, transform: fn})
	return d
}

// When appends a conditional group: build populates a nested definition
// that only runs when pred returns true. A skipped group records nothing.
func (d *Definition) When(pred PredicateFunc, build func(n *Definition)) *Definition {
	nested := &Definition{Name: d.Name, names: d.names}
	build(nested)
	if nested.err != nil {
		d.fail(nested.err)
	}
	d.stages = append(d.stages, stage{kind: stageCondition, pred: pred, nested: nested.stages})
	return d
}

// WhenExpr is When with an expr-lang expression evaluated against
// {"input": workflow input, "outputs": outputs by stage name}.
func (d *Definition) WhenExpr(expression string, build func(n *Definition)) *Definition {
	nested := &Definition{Name: d.Name, names: d.names}
	build(nested)
	if nested.err != nil {
		d.fail(nested.err)
	}
	d.stages = append(d.stages, stage{kind: stageCondition, expr: expression, nested: nested.stages})
	return d
}

// Returns declares the workflow's output expression.
func (d *Definition) Returns(fn func(r *Run) interface{}) *Definition {
	d.output = fn
	return d
}

// AsStep wraps the whole definition as a single step for composition into
// a parent workflow. If the nested run fails it unwinds internally before
// the failure propagates; if it succeeds, its execution record becomes the
// parent step's compensation handle, so a later parent failure unwinds the
// nested run's effects too.
func (d *Definition) AsStep(name string) Step {
	return Step{
		Name: name,
		Forward: func(ctx context.Context, input interface{}, scope *Scope) (*StepResponse, error) {
			run, err := scope.Engine.execute(ctx, d, input, scope)
			if err != nil {
				return nil, err
			}
			var result interface{}
			if d.output != nil {
				result = d.output(run)
			}
			return &StepResponse{Output: result, CompensateInput: run}, nil
		},
		Compensate: func(ctx context.Context, input interface{}, scope *Scope) error {
			run, ok := input.(*Run)
			if !ok || run == nil {
				return nil
			}
			scope.Engine.unwind(ctx, run, scope)
			return nil
		},
	}
}

// Run is the engine-internal state of one workflow execution. Input funcs
// and transforms receive it to read prior outputs.
type Run struct {
	ID    string
	Input interface{}

	mu      sync.Mutex
	state   string
	outputs map[string]interface{}
	record  []recordEntry
}

// recordEntry is one succeeded step in the execution record, appended on
// forward success and drained in reverse order during unwind.
type recordEntry struct {
	name            string
	compensateInput interface{}
	compensate      CompensateFunc
}

// Output returns the stored output of a prior step or transform, or nil.
func (r *Run) Output(name string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[name]
}

// State returns the run's lifecycle state.
func (r *Run) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(state string) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Run) storeOutput(name string, output interface{}) {
	r.mu.Lock()
	r.outputs[name] = output
	r.mu.Unlock()
}

func (r *Run) appendRecord(entry recordEntry) {
	r.mu.Lock()
	r.record = append(r.record, entry)
	r.mu.Unlock()
}

// env builds the evaluation environment for WhenExpr conditions.
func (r *Run) env() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	outputs := make(map[string]interface{}, len(r.outputs))
	for k, v := range r.outputs {
		outputs[k] = v
	}
	return map[string]interface{}{
		"input":   r.Input,
		"outputs": outputs,
	}
}
