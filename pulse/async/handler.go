package async

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/teranos/kairos/errors"
)

// JobExecutor runs a job's payload
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// JobHandler executes one kind of job, identified by name.
//
// Handlers decode their own arguments from job.Payload. Execution is
// at-least-once: a job may run again after a crash, so handlers should be
// idempotent. Handlers MUST watch ctx.Done(); cancellation and timeouts are
// delivered through it.
type JobHandler interface {
	Execute(ctx context.Context, job *Job) error
	Name() string
}

// HandlerFunc adapts a function to JobHandler
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, job *Job) error
}

// NewHandlerFunc creates a named handler from a function
func NewHandlerFunc(name string, fn func(ctx context.Context, job *Job) error) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string { return h.name }

func (h *HandlerFunc) Execute(ctx context.Context, job *Job) error {
	return h.fn(ctx, job)
}

// HandlerRegistry manages job handlers by name.
// Safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlerName := handler.Name()
	if _, exists := r.handlers[handlerName]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", handlerName))
	}
	r.handlers[handlerName] = handler
}

// Get retrieves the handler for a handler name, or nil.
func (r *HandlerRegistry) Get(handlerName string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RegistryExecutor routes jobs to registered handlers by HandlerName
type RegistryExecutor struct {
	registry *HandlerRegistry
	fallback JobExecutor // optional, for unregistered handler names
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry, fallback JobExecutor) *RegistryExecutor {
	return &RegistryExecutor{
		registry: registry,
		fallback: fallback,
	}
}

// Execute implements JobExecutor by dispatching to registered handlers.
func (e *RegistryExecutor) Execute(ctx context.Context, job *Job) error {
	if job.HandlerName == "" {
		return errors.Newf("job %s missing handler_name", job.ID)
	}

	if handler := e.registry.Get(job.HandlerName); handler != nil {
		return handler.Execute(ctx, job)
	}

	if e.fallback != nil {
		return e.fallback.Execute(ctx, job)
	}

	err := errors.Newf("no handler registered for handler name: %s", job.HandlerName)
	return errors.WithHintf(err, "registered handlers: %v", e.registry.Names())
}
