package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig is applied to the breaker of every backend in a group.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered chain of interchangeable backends. Calls go to
// the first backend whose breaker admits them; a failure moves on to the
// next one.
type FallbackGroup[T any] struct {
	backends []backend[T]
	cfg      FallbackConfig
}

// NewFallbackGroup returns a group with primary as its first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend. It must not be called concurrently with
// Execute.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.backends = append(fg.backends, backend[T]{name: name, value: value, breaker: NewCircuitBreaker(cb)})
}

// Names lists the backends in try order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, len(fg.backends))
	for i, b := range fg.backends {
		out[i] = b.name
	}
	return out
}

// Execute runs fn against each backend until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is Execute for calls that return a value. It is a
// function because methods cannot declare type parameters.
//
// Caller cancellation stops the chain immediately and is returned unwrapped.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.backends {
		b := &fg.backends[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var res R
		err := b.breaker.Execute(func() error {
			var ferr error
			res, ferr = fn(b.value)
			return ferr
		})
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", b.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", b.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
