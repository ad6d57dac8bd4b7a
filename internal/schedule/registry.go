package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Handler executes one job attempt. It receives the persisted payload JSON
// and returns nil on success. Handlers must be idempotent: the store
// guarantees at-least-once delivery, so a crash between execution and
// completion re-runs the job.
type Handler func(ctx context.Context, payloadJSON string) error

// Registry maps job kind strings to handlers. Registration happens at
// startup; an unknown kind at dispatch time is a configuration error, not a
// retryable condition.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job kind. Registering the same kind twice or
// a nil handler is a programming error and panics.
func (r *Registry) Register(kind string, handler Handler) {
	if kind == "" {
		panic("schedule: cannot register handler for empty job kind")
	}
	if handler == nil {
		panic(fmt.Sprintf("schedule: nil handler for job kind %q", kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("schedule: handler already registered for job kind %q", kind))
	}
	r.handlers[kind] = handler
	slog.Debug("Registry.Register", "kind", kind)
}

// Resolve returns the handler for a job kind.
func (r *Registry) Resolve(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns all registered job kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Validate checks that every required job kind has a registered handler.
// Called once at startup so a missing handler fails the process immediately
// instead of surfacing as runtime job failures.
func (r *Registry) Validate(required ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, kind := range required {
		if _, ok := r.handlers[kind]; !ok {
			return fmt.Errorf("no handler registered for job kind %q", kind)
		}
	}
	return nil
}
