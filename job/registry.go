package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/drover-io/drover"
)

// HandlerFunc is a type-erased job handler that accepts the raw serialized
// args. The typed Definition[T] is converted to a HandlerFunc at
// registration time by closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, args []byte) error

// Registry maps job class names to handler functions and their default
// options. It is built once at startup and safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	handler HandlerFunc
	opts    Options
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a handler under the given class name with the supplied
// default options. Registering a name twice returns
// drover.ErrDuplicateWorker; callers treat this as fatal at boot.
func (r *Registry) Register(name string, h HandlerFunc, opts ...Option) error {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %q", drover.ErrDuplicateWorker, name)
	}
	r.entries[name] = entry{handler: h, opts: o}
	return nil
}

// RegisterDefinition registers a typed job definition. The generic handler
// is wrapped in a closure that JSON-unmarshals the args into T before
// calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) error {
	handler := func(ctx context.Context, args []byte) error {
		var t T
		if len(args) > 0 {
			if err := json.Unmarshal(args, &t); err != nil {
				return fmt.Errorf("unmarshal args for job %q: %w", def.Name, err)
			}
		}
		return def.Handler(ctx, t)
	}
	return r.Register(def.Name, handler, def.opts...)
}

// Get returns the handler for the given class name.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.handler, ok
}

// Options returns the default options declared for the given class name.
func (r *Registry) Options(name string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.opts, ok
}

// Names returns all registered class names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Tags returns the union of tags declared by all registered workers.
// A worker process claims jobs whose tags this set covers.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var tags []string
	for _, e := range r.entries {
		for _, tag := range e.opts.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags
}
