package job

import "context"

// Definition is a typed job definition with a handler function.
// T is the args type (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique class name for this job type.
	Name string

	// Handler is the function that performs the unit of work.
	Handler func(ctx context.Context, args T) error

	opts []Option
}

// NewDefinition creates a typed job definition. The options become the
// defaults for every job enqueued under this class name.
func NewDefinition[T any](name string, handler func(ctx context.Context, args T) error, opts ...Option) *Definition[T] {
	return &Definition[T]{
		Name:    name,
		Handler: handler,
		opts:    opts,
	}
}
