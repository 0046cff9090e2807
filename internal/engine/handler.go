// Package engine implements the durable work-queue processor: claim a
// batch of rows, dispatch each to its kind's side-effect handler under a
// concurrency bound, classify the outcomes, and commit them back —
// coordinating with peer workers only through the store's atomic
// conditional update.
//
// Handlers are registered per kind in a Registry constructed at startup
// and passed by reference; the engine itself is kind-agnostic.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Outcome is the raw result of one side-effect invocation, before
// classification.
type Outcome struct {
	Success bool
	// Retryable distinguishes a transient failure (target temporarily
	// unavailable) from a permanent one (target confirmed gone). Ignored
	// when Success is true.
	Retryable   bool
	ErrorCode   string
	ErrorDetail string
}

// Handler executes the side effect for one work item. Implementations must
// honor ctx cancellation; the broker-driven path enforces a deadline
// through it. A panic is recovered by the dispatcher and treated as a
// transient failure.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) Outcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) Outcome {
	return f(ctx, payload)
}

// KindConfig binds a handler and retry policy to one work-item kind.
type KindConfig struct {
	Handler Handler
	// MaxRetries is the retry budget for transient failures.
	MaxRetries int
	// BackoffBaseSeconds is the base b of the b^attempt retry delay.
	BackoffBaseSeconds int
}

// Registry maps work-item kinds to their handlers and retry policy. It is
// populated before any worker starts and read-only afterwards, so no
// locking is needed.
type Registry struct {
	kinds map[string]KindConfig
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]KindConfig)}
}

// Register binds cfg to kind. Registering a kind twice or with a nil
// handler is a programming error and panics at startup.
func (r *Registry) Register(kind string, cfg KindConfig) {
	if cfg.Handler == nil {
		panic(fmt.Sprintf("engine: nil handler for kind %q", kind))
	}
	if _, dup := r.kinds[kind]; dup {
		panic(fmt.Sprintf("engine: duplicate handler for kind %q", kind))
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseSeconds <= 0 {
		cfg.BackoffBaseSeconds = 2
	}
	r.kinds[kind] = cfg
}

// Lookup returns the config for kind, or ok=false for unknown kinds.
func (r *Registry) Lookup(kind string) (KindConfig, bool) {
	cfg, ok := r.kinds[kind]
	return cfg, ok
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
