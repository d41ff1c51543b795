// Package playback schedules decoded speech on an output clock so that
// consecutive chunks play back to back without gaps or overlap, and so that
// everything queued can be discarded at once when the listener barges in.
//
// The [Scheduler] owns the set of in-flight units. Each [Scheduler.Flush]
// starts a new epoch: end callbacks from units of an earlier epoch are
// ignored, so a late callback can never clear the speaking indicator of the
// next reply.
package playback

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/tampabayelite/taylor/pkg/audio"
)

// DefaultMaxLookahead bounds how far ahead of the output clock audio may be
// scheduled before [Scheduler.Enqueue] blocks.
const DefaultMaxLookahead = 20 * time.Second

// Unit is one decoded chunk placed on the output timeline. The scheduler
// owns a Unit until its end callback fires or it is cancelled.
type Unit struct {
	// ID is unique per scheduler.
	ID uint64

	// Start is the scheduled start on the output clock.
	Start time.Duration

	// Duration is the playback length of Samples.
	Duration time.Duration

	// Samples are mono floats at the scheduler's sample rate.
	Samples []float32

	// Epoch is the flush generation the unit belongs to.
	Epoch uint64
}

// End returns the output-clock time at which the unit finishes.
func (u *Unit) End() time.Duration { return u.Start + u.Duration }

// Output is an audio sink with a monotonic clock.
//
// Schedule and Cancel are called with the scheduler's lock held, so they must
// not invoke onEnd synchronously. onEnd must be called at most once, after
// the unit has finished playing, and never for a cancelled unit.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Schedule queues u to start playing at u.Start.
	Schedule(u *Unit, onEnd func()) error

	// Cancel stops u immediately if it is playing and discards it otherwise.
	Cancel(u *Unit)
}

// Device is an [Output] backed by hardware that must be released.
type Device interface {
	Output
	io.Closer
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithSampleRate sets the rate of PCM passed to Enqueue.
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithMaxLookahead sets the scheduling bound. Zero disables backpressure.
func WithMaxLookahead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.maxLookahead = d
		}
	}
}

// OnSpeaking registers a callback fired when playback goes from idle to
// active (true) and back (false). Notifications are serialised and coalesced
// so the last value delivered always matches the in-flight set. fn must not
// call Enqueue or Flush.
func OnSpeaking(fn func(bool)) Option {
	return func(s *Scheduler) { s.onSpeaking = fn }
}

// Scheduler places PCM chunks gaplessly on an [Output]. All methods are safe
// for concurrent use.
type Scheduler struct {
	out          Output
	rate         int
	maxLookahead time.Duration
	onSpeaking   func(bool)

	mu        sync.Mutex
	nextStart time.Duration
	inflight  map[uint64]*Unit
	epoch     uint64
	seq       uint64
	changed   chan struct{} // closed and replaced whenever the in-flight set shrinks

	notifyMu sync.Mutex
	reported bool
}

// New creates a Scheduler writing to out.
func New(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:          out,
		rate:         audio.OutputSampleRate,
		maxLookahead: DefaultMaxLookahead,
		inflight:     make(map[uint64]*Unit),
		changed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes pcm (16-bit little-endian mono) and schedules it at
// max(now, end of the previously scheduled unit). Malformed PCM returns a
// [*audio.CodecError] and schedules nothing. An empty chunk is ignored.
//
// When the scheduled look-ahead exceeds the configured bound and audio is
// still playing, Enqueue blocks until a unit finishes, the scheduler is
// flushed, or ctx is done.
func (s *Scheduler) Enqueue(ctx context.Context, pcm []byte) (*Unit, error) {
	samples, err := audio.Decode(pcm)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	for s.overLookaheadLocked() {
		wait := s.changed
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
		s.mu.Lock()
	}

	now := s.out.Now()
	start := max(now, s.nextStart)
	s.seq++
	u := &Unit{
		ID:       s.seq,
		Start:    start,
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(s.rate),
		Samples:  samples,
		Epoch:    s.epoch,
	}
	if err := s.out.Schedule(u, func() { s.ended(u) }); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.nextStart = u.End()
	s.inflight[u.ID] = u
	s.mu.Unlock()

	s.notify()
	return u, nil
}

func (s *Scheduler) overLookaheadLocked() bool {
	if s.maxLookahead == 0 || len(s.inflight) == 0 {
		return false
	}
	return s.nextStart-s.out.Now() > s.maxLookahead
}

// Flush cancels every in-flight unit, resets the timeline to the current
// clock, and starts a new epoch. With nothing in flight it does nothing.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	if len(s.inflight) == 0 {
		s.mu.Unlock()
		return
	}
	for id, u := range s.inflight {
		s.out.Cancel(u)
		delete(s.inflight, id)
	}
	s.epoch++
	s.nextStart = s.out.Now()
	s.broadcastLocked()
	s.mu.Unlock()

	s.notify()
}

func (s *Scheduler) ended(u *Unit) {
	s.mu.Lock()
	if u.Epoch != s.epoch || s.inflight[u.ID] != u {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, u.ID)
	s.broadcastLocked()
	s.mu.Unlock()

	s.notify()
}

func (s *Scheduler) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	speaking := len(s.inflight) > 0
	s.mu.Unlock()

	if speaking == s.reported {
		return
	}
	s.reported = speaking
	if s.onSpeaking != nil {
		s.onSpeaking(speaking)
	}
}

// InFlight returns the number of units scheduled and not yet finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Speaking reports whether any unit is in flight.
func (s *Scheduler) Speaking() bool { return s.InFlight() > 0 }

// Lookahead returns how far past the output clock audio is scheduled.
func (s *Scheduler) Lookahead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(0, s.nextStart-s.out.Now())
}

// Epoch returns the current flush generation.
func (s *Scheduler) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}
