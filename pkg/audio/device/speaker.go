package device

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"

	"github.com/tampabayelite/taylor/pkg/audio"
	"github.com/tampabayelite/taylor/pkg/audio/playback"
)

var (
	_ playback.Device = (*Speaker)(nil)
	_ beep.Streamer   = (*Speaker)(nil)
)

// speakerBuffer is the device buffer length. It bounds how late a Cancel can
// take effect.
const speakerBuffer = 100 * time.Millisecond

// Speaker is a [playback.Output] that mixes scheduled units onto the beep
// speaker. Its clock counts samples actually handed to the device, so it
// starts at zero and never runs backwards.
//
// The beep speaker is process-global: only one Speaker may be open at a time.
type Speaker struct {
	rate beep.SampleRate
	hw   bool // registered with the beep speaker

	mu     sync.Mutex
	pos    int // samples streamed so far
	units  []*timelineUnit
	closed bool

	ends chan func()
	done chan struct{}
	wg   sync.WaitGroup
}

type timelineUnit struct {
	unit  *playback.Unit
	start int // first sample on the timeline
	onEnd func()
}

func (t *timelineUnit) end() int { return t.start + len(t.unit.Samples) }

// OpenSpeaker initialises the speaker at rate (0 means
// [audio.OutputSampleRate]) and starts streaming silence.
func OpenSpeaker(rate int) (*Speaker, error) {
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	s := newSpeaker(beep.SampleRate(rate))
	if err := speaker.Init(s.rate, s.rate.N(speakerBuffer)); err != nil {
		return nil, fmt.Errorf("device: init speaker: %w", err)
	}
	s.hw = true
	s.start()
	speaker.Play(s)
	return s, nil
}

func newSpeaker(rate beep.SampleRate) *Speaker {
	return &Speaker{
		rate: rate,
		ends: make(chan func(), 256),
		done: make(chan struct{}),
	}
}

// start runs end callbacks in order, off the audio thread.
func (s *Speaker) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case fn := <-s.ends:
				fn()
			case <-s.done:
				return
			}
		}
	}()
}

// Now implements [playback.Output].
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate.D(s.pos)
}

// Schedule implements [playback.Output].
func (s *Speaker) Schedule(u *playback.Unit, onEnd func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("device: speaker closed")
	}
	s.units = append(s.units, &timelineUnit{
		unit:  u,
		start: max(s.rate.N(u.Start), s.pos),
		onEnd: onEnd,
	})
	return nil
}

// Cancel implements [playback.Output].
func (s *Speaker) Cancel(u *playback.Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = slices.DeleteFunc(s.units, func(t *timelineUnit) bool { return t.unit == u })
}

// Stream implements [beep.Streamer]. It is called by the speaker goroutine.
func (s *Speaker) Stream(samples [][2]float64) (int, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, false
	}
	clear(samples)
	from, to := s.pos, s.pos+len(samples)
	for _, t := range s.units {
		lo, hi := max(t.start, from), min(t.end(), to)
		for p := lo; p < hi; p++ {
			v := float64(t.unit.Samples[p-t.start])
			samples[p-from][0] += v
			samples[p-from][1] += v
		}
	}
	s.pos = to

	var finished []func()
	s.units = slices.DeleteFunc(s.units, func(t *timelineUnit) bool {
		if t.end() <= s.pos {
			finished = append(finished, t.onEnd)
			return true
		}
		return false
	})
	s.mu.Unlock()

	for _, fn := range finished {
		select {
		case s.ends <- fn:
		case <-s.done:
		}
	}
	return len(samples), true
}

// Err implements [beep.Streamer].
func (s *Speaker) Err() error { return nil }

// Close stops playback, discards scheduled units, and shuts the speaker down.
// It is idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.units = nil
	close(s.done)
	s.mu.Unlock()

	if s.hw {
		speaker.Clear()
		speaker.Close()
	}
	s.wg.Wait()
	return nil
}
