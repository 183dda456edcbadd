package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// StepKind distinguishes steps whose relationship to the compensation
// chain differs by design, not by accident of a missing undo function.
type StepKind int

const (
	// StepDefault participates in the compensation chain when it declares
	// a compensate function.
	StepDefault StepKind = iota

	// StepNonCompensable has no possible undo once committed (e.g. an
	// emitted event). Its own failure still unwinds prior steps.
	StepNonCompensable

	// StepBestEffort is detached from the run entirely: a failure is
	// logged and swallowed, and the step is never compensated.
	StepBestEffort
)

// StepResponse is what a forward function hands back: the output consumed
// by later stages and the opaque payload returned to the step's compensate
// function during unwind. CompensateInput is never exposed to later steps.
type StepResponse struct {
	Output          interface{}
	CompensateInput interface{}
}

// ForwardFunc performs a step's side effect.
type ForwardFunc func(ctx context.Context, input interface{}, scope *Scope) (*StepResponse, error)

// CompensateFunc undoes a committed step. It receives exactly the
// CompensateInput the forward function returned; a nil input means the
// forward never reached the point of committing anything.
type CompensateFunc func(ctx context.Context, input interface{}, scope *Scope) error

// Step is one unit of work inside a workflow: a forward action paired with
// an optional compensating action. Names must be unique per definition.
type Step struct {
	Name       string
	Kind       StepKind
	Forward    ForwardFunc
	Compensate CompensateFunc
}

// NewStep builds a compensable step.
func NewStep(name string, forward ForwardFunc, compensate CompensateFunc) Step {
	return Step{Name: name, Forward: forward, Compensate: compensate}
}

// NewReadStep builds a read-only step: no side effect, nothing to undo.
func NewReadStep(name string, forward ForwardFunc) Step {
	return Step{Name: name, Forward: forward}
}

// Container is a string-keyed service resolver handed to steps through the
// Scope. It replaces a global registry so tests can substitute fakes per
// run without touching shared state.
type Container struct {
	mu       sync.RWMutex
	services map[string]interface{}
}

// NewContainer creates an empty Container.
func NewContainer() *Container {
	return &Container{services: make(map[string]interface{})}
}

// Register binds a service under a name, replacing any previous binding.
func (c *Container) Register(name string, service interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = service
}

// Resolve returns the service bound under name.
func (c *Container) Resolve(name string) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[name]
	if !ok {
		return nil, NewError(KindNotFound, "service %q is not registered", name)
	}
	return svc, nil
}

// Has reports whether a service is bound under name.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.services[name]
	return ok
}

// Resolve is a typed lookup on a Container.
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	svc, err := c.Resolve(name)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, NewError(KindConflict, "service %q is %T, not %T", name, svc, zero)
	}
	return typed, nil
}

// MustResolve is Resolve for wiring code where a missing binding is a
// programming error.
func MustResolve[T any](c *Container, name string) T {
	svc, err := Resolve[T](c, name)
	if err != nil {
		panic(fmt.Sprintf("workflow: %v", err))
	}
	return svc
}

// Scope is the per-run dependency scope passed to forward and compensate
// functions.
type Scope struct {
	Container *Container
	Engine    *Engine
	Logger    *log.Logger
}

// NewScope creates a Scope over a container. The engine and logger fields
// are filled in by Engine.Run when left nil.
func NewScope(c *Container) *Scope {
	if c == nil {
		c = NewContainer()
	}
	return &Scope{Container: c}
}
