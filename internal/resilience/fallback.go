package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// was skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the template for the breaker created per member.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// MemberState describes one member of a group for health reporting.
type MemberState struct {
	Name  string
	State State
}

// FallbackGroup holds a primary and ordered fallbacks of the same type, each
// behind its own [CircuitBreaker]. Members must be added before the group is
// used concurrently.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a member tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.members = append(fg.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of members.
func (fg *FallbackGroup[T]) Len() int { return len(fg.members) }

// Primary returns the first member.
func (fg *FallbackGroup[T]) Primary() T { return fg.members[0].value }

// States reports each member's breaker state in order.
func (fg *FallbackGroup[T]) States() []MemberState {
	out := make([]MemberState, len(fg.members))
	for i, m := range fg.members {
		out[i] = MemberState{Name: m.name, State: m.breaker.State()}
	}
	return out
}

// Execute calls fn on each member in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for functions that return a
// value. Methods cannot declare type parameters, hence the free function.
// When every member fails the error wraps [ErrAllFailed] and the last
// member's error. A cancelled call stops the walk and returns as is.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.members {
		m := &fg.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) {
			var zero R
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider, circuit open", "provider", m.name)
			continue
		}
		slog.Warn("resilience: provider failed", "provider", m.name, "err", err)
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
