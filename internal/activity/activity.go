// Package activity defines the contract between the runner and the
// application supplied units of work, and the registry resolving an
// activity type name into a constructor.
package activity

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/CZERTAINLY/activity/internal/model"
)

// Activity is a continuously running unit of work. Run must return once ctx
// is done. Returning earlier, with or without an error, makes the runner
// create a new instance and run it again.
type Activity interface {
	Run(ctx context.Context) error
}

// Func adapts a plain function to Activity.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error {
	return f(ctx)
}

// Factory constructs an activity out of the positional and keyword
// arguments of a start command.
type Factory func(args []any, kwargs map[string]any) (Activity, error)

// Registry maps activity type names to factories.
type Registry struct {
	mx        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory, it fails if the name is taken.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("activity name is empty")
	}
	if f == nil {
		return fmt.Errorf("activity %q: factory is nil", name)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// New instantiates the activity registered under name. Returns
// model.ErrUnknownActivity when there is none.
func (r *Registry) New(name string, args []any, kwargs map[string]any) (Activity, error) {
	r.mx.RLock()
	f, ok := r.factories[name]
	r.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownActivity, name)
	}
	return f(args, kwargs)
}

func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Default is the process wide registry populated by packages defining
// activities.
var Default = NewRegistry()

// Register adds a factory to the Default registry and panics on conflict.
func Register(name string, f Factory) {
	Default.MustRegister(name, f)
}
