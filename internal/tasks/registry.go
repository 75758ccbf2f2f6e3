package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fullctl/fullctl-sub000/internal/domain"
)

// Handler runs one operation. The returned value is stored as the task result
// and must be JSON serializable.
type Handler interface {
	Handle(ctx context.Context, p domain.Param) (any, error)
}

type HandlerFunc func(ctx context.Context, p domain.Param) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, p domain.Param) (any, error) { return f(ctx, p) }

// Op describes a registered operation.
type Op struct {
	Name    string
	Handler Handler

	// Limit caps pending+running tasks of this op. Zero means unlimited.
	Limit int
	// LimitKey narrows the limit to a bucket derived from the parameters.
	LimitKey func(domain.Param) string

	Qualifiers []Qualifier

	// Timeout applies to tasks created without one.
	Timeout time.Duration
	// MaxRunTime is how long a claimed task may go without an update before
	// the health check reports it. Zero falls back to the service threshold.
	MaxRunTime time.Duration
}

// Registry maps operation names to their definitions. Lookup order follows
// registration order.
type Registry struct {
	mu    sync.RWMutex
	ops   map[string]Op
	order []string
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Op)}
}

func (r *Registry) Register(op Op) error {
	if op.Name == "" || op.Handler == nil {
		return fmt.Errorf("register op: name and handler are required")
	}
	for _, q := range op.Qualifiers {
		if err := validateQualifier(q); err != nil {
			return fmt.Errorf("register op %q: %w", op.Name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ops[op.Name]; dup {
		return fmt.Errorf("register op %q: already registered", op.Name)
	}
	r.ops[op.Name] = op
	r.order = append(r.order, op.Name)
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(op Op) {
	if err := r.Register(op); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Op, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

func (r *Registry) Ops() []Op {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Op, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.ops[name])
	}
	return out
}
