package panicerr

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"
)

// SafeContext wraps fn so that a panic inside it is returned as an error
// carrying the recovered value and stack instead of crashing the process.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() {
			err = fn(ctx)
		})
		if err != nil {
			return err
		}
		if r := catcher.Recovered(); r != nil {
			return fmt.Errorf("recovered from panic: %w", r.AsError())
		}
		return nil
	}
}

// Value runs fn and returns its result, or the zero value and an error if fn
// panicked.
func Value[T any](fn func() T) (T, error) {
	var (
		catcher panics.Catcher
		out     T
	)
	catcher.Try(func() {
		out = fn()
	})
	if r := catcher.Recovered(); r != nil {
		var zero T
		return zero, fmt.Errorf("recovered from panic: %w", r.AsError())
	}
	return out, nil
}
