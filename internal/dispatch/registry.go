package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/acadeon/chatops/internal/intent"
)

// HandlerResult is what a handler reports back on success.
type HandlerResult struct {
	// Summary is a one-line human-readable outcome, stored on the run.
	Summary string
	// Payload is the structured result, marshaled into the run's result
	// column and returned to the caller.
	Payload any
	// SuccessCount and FailedCount describe batch outcomes (how many
	// notifications went out, how many rows changed).
	SuccessCount int
	FailedCount  int
}

// Handler executes one intent. Handlers may block on I/O; the dispatcher
// holds no lock while one runs.
type Handler func(ctx context.Context, req Request) (*HandlerResult, error)

// Registry is the immutable intent-to-handler binding table, built once
// at process start.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty binding table.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds one intent key. Rebinding is a programming error.
func (r *Registry) Register(key string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler for %q is nil", key)
	}
	if _, dup := r.handlers[key]; dup {
		return fmt.Errorf("handler for %q already registered", key)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(key string, h Handler) {
	if err := r.Register(key, h); err != nil {
		panic(err)
	}
}

// Get returns the handler bound to key.
func (r *Registry) Get(key string) (Handler, bool) {
	h, ok := r.handlers[key]
	return h, ok
}

// Keys returns all bound intent keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks binding completeness against the intent registry:
// every L0 and L2 intent needs exactly one handler, L1 intents go
// through the task card emitter and must not be bound, and no handler
// may reference an intent that does not exist. A registry that fails
// validation must keep the process from starting.
func (r *Registry) Validate(intents *intent.Registry) error {
	for _, d := range intents.All() {
		_, bound := r.handlers[d.Key]
		switch d.Level {
		case intent.L1:
			if bound {
				return fmt.Errorf("intent %q: L1 intents are emitted, not handled", d.Key)
			}
		default:
			if !bound {
				return fmt.Errorf("intent %q: no handler bound", d.Key)
			}
		}
	}
	for key := range r.handlers {
		if _, known := intents.Get(key); !known {
			return fmt.Errorf("handler bound to unknown intent %q", key)
		}
	}
	return nil
}
