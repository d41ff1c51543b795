// Package mock provides in-memory implementations of [capture.Source] and
// [playback.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := &mock.Output{}
//	sched := playback.New(out)
//	sched.Enqueue(ctx, pcm)
//	out.Advance(time.Second) // fires end callbacks for finished units
package mock

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tampabayelite/taylor/pkg/audio/capture"
	"github.com/tampabayelite/taylor/pkg/audio/playback"
)

// ─── Source ──────────────────────────────────────────────────────────────────

var _ capture.Source = (*Source)(nil)

// Source is a mock microphone. Tests feed buffers with [Source.Push] and
// simulate a device failure with [Source.Fail].
type Source struct {
	mu sync.Mutex

	// OpenErr is returned by [Source.Open].
	OpenErr error

	// StartErr is returned by [Source.Start].
	StartErr error

	// CloseErr is returned by [Source.Close].
	CloseErr error

	// BufferSize is the capacity of the sample channel. Defaults to 64.
	BufferSize int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	ch     chan []float32
	err    error
	closed bool
}

// Open implements [capture.Source].
func (s *Source) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	return s.OpenErr
}

// Start implements [capture.Source]. Each call returns a fresh channel.
func (s *Source) Start() (<-chan []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	size := s.BufferSize
	if size <= 0 {
		size = 64
	}
	s.ch = make(chan []float32, size)
	s.err = nil
	return s.ch, nil
}

// Stop implements [capture.Source]. It closes the current channel.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.closeLocked()
	return nil
}

// Err implements [capture.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [capture.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	s.closeLocked()
	return s.CloseErr
}

// Push delivers one buffer to the running capture. It reports false when
// capture is not running or the channel is full.
func (s *Source) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return false
	}
	select {
	case s.ch <- samples:
		return true
	default:
		return false
	}
}

// Fail records err and closes the channel as an unexpected device stop.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.closeLocked()
}

// Released reports whether Close has been called.
func (s *Source) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Source) closeLocked() {
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

// ─── Output ──────────────────────────────────────────────────────────────────

var _ playback.Output = (*Output)(nil)

// Output is a mock audio sink driven by a manual clock. Scheduled units end
// only when the test advances the clock past their end.
type Output struct {
	mu sync.Mutex

	// ScheduleErr is returned by [Output.Schedule] when non-nil.
	ScheduleErr error

	// Scheduled records every unit passed to Schedule, in order.
	Scheduled []*playback.Unit

	// Cancelled records every unit passed to Cancel, in order.
	Cancelled []*playback.Unit

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now     time.Duration
	pending []pendingUnit
}

type pendingUnit struct {
	unit  *playback.Unit
	onEnd func()
}

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [playback.Output].
func (o *Output) Schedule(u *playback.Unit, onEnd func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return o.ScheduleErr
	}
	o.Scheduled = append(o.Scheduled, u)
	o.pending = append(o.pending, pendingUnit{unit: u, onEnd: onEnd})
	return nil
}

// Cancel implements [playback.Output].
func (o *Output) Cancel(u *playback.Unit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Cancelled = append(o.Cancelled, u)
	o.pending = slices.DeleteFunc(o.pending, func(p pendingUnit) bool { return p.unit == u })
}

// Close records the call. It satisfies io.Closer for device wrappers.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// Advance moves the clock forward by d and fires, in end order, the callbacks
// of every unit that has finished. Callbacks run without the mock's lock.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var due []pendingUnit
	o.pending = slices.DeleteFunc(o.pending, func(p pendingUnit) bool {
		if p.unit.End() <= o.now {
			due = append(due, p)
			return true
		}
		return false
	})
	o.mu.Unlock()

	slices.SortFunc(due, func(a, b pendingUnit) int { return cmp.Compare(a.unit.End(), b.unit.End()) })
	for _, p := range due {
		p.onEnd()
	}
}

// Pending returns the units scheduled and neither finished nor cancelled.
func (o *Output) Pending() []*playback.Unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*playback.Unit, len(o.pending))
	for i, p := range o.pending {
		out[i] = p.unit
	}
	return out
}

// ScheduledCount returns len(Scheduled) under the lock.
func (o *Output) ScheduledCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Scheduled)
}

// Reset clears all recorded calls and pending units. The clock is kept.
func (o *Output) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Scheduled = nil
	o.Cancelled = nil
	o.pending = nil
	o.CallCountClose = 0
}
