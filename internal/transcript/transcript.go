// Package transcript accumulates the incremental transcription fragments of a
// live voice session and turns them into one finalized message per speaker
// per turn.
//
// Fragments arrive interleaved for the local user and the remote assistant.
// Each speaker has its own accumulator; [Aggregator.Finalize] emits at most
// one message per non-empty accumulator and clears both under a single lock,
// so a fragment is never split across turns or counted twice.
package transcript

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced a fragment.
type Speaker int

const (
	// User is the person at the microphone.
	User Speaker = iota

	// Assistant is the remote model.
	Assistant
)

// String returns "user" or "assistant".
func (s Speaker) String() string {
	switch s {
	case User:
		return "user"
	case Assistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// Message is a finalized utterance. It is never mutated after Finalize
// returns it.
type Message struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithHistoryLimit keeps at most n finalized messages in the history. Zero
// keeps everything.
func WithHistoryLimit(n int) Option {
	return func(a *Aggregator) {
		if n >= 0 {
			a.limit = n
		}
	}
}

// Aggregator holds the two per-speaker accumulators and the finalized
// history. It is safe for concurrent use.
type Aggregator struct {
	now   func() time.Time
	limit int

	mu      sync.Mutex
	pending [2]strings.Builder
	history []Message
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append adds text to the speaker's accumulator, preserving order. Fragments
// are concatenated verbatim; providers include their own spacing.
func (a *Aggregator) Append(s Speaker, text string) {
	if text == "" || !s.valid() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[s].WriteString(text)
}

// Pending returns the not yet finalized text for s.
func (a *Aggregator) Pending(s Speaker) string {
	if !s.valid() {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending[s].String()
}

// Finalize closes the current turn. It returns the user message first, then
// the assistant message, skipping speakers whose accumulated text is blank,
// and clears both accumulators.
func (a *Aggregator) Finalize() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := a.now()
	var out []Message
	for _, s := range []Speaker{User, Assistant} {
		text := strings.TrimSpace(a.pending[s].String())
		a.pending[s].Reset()
		if text == "" {
			continue
		}
		out = append(out, Message{Speaker: s, Text: text, Timestamp: ts})
	}

	a.history = append(a.history, out...)
	if a.limit > 0 && len(a.history) > a.limit {
		a.history = slices.Clone(a.history[len(a.history)-a.limit:])
	}
	return out
}

// Discard drops any pending fragments without emitting them.
func (a *Aggregator) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[User].Reset()
	a.pending[Assistant].Reset()
}

// History returns a copy of every finalized message, oldest first.
func (a *Aggregator) History() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// Reset clears the pending fragments and the history.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[User].Reset()
	a.pending[Assistant].Reset()
	a.history = nil
}

func (s Speaker) valid() bool { return s == User || s == Assistant }
