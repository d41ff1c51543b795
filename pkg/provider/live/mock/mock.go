// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to inject server events and inspect what the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, cfg)
//	p.Last().Push(live.Opened{})
//	p.Last().End(nil) // remote hang-up
package mock

import (
	"context"
	"sync"

	"github.com/tampabayelite/taylor/pkg/audio"
	"github.com/tampabayelite/taylor/pkg/provider/live"
)

const defaultEventBuffer = 64

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session, if non-nil, is returned by every Connect. Otherwise each
	// Connect creates a fresh Session and appends it to Sessions.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the
	// context is done.
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions holds the sessions created by Connect in order.
	Sessions []*Session
}

// Connect records the call and returns a session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Last returns the most recently connected session, or Session when set.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Session != nil {
		return p.Session
	}
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.Sessions = nil
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Session is a mock implementation of live.Session. Its event channel is
// buffered; Push and End feed it, Close closes it.
type Session struct {
	mu     sync.Mutex
	events chan live.Event
	closed bool

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendToolResultErr, if non-nil, is returned by every SendToolResult call.
	SendToolResultErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// ErrValue is returned by Err.
	ErrValue error

	// --- Call records ---

	// SentAudio records every chunk passed to SendAudio in order.
	SentAudio []audio.EncodedChunk

	// ToolResults records every result passed to SendToolResult in order.
	ToolResults []live.ToolResult

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, defaultEventBuffer)}
}

// Push delivers ev to the event stream. It reports false when the session is
// closed or the buffer is full.
func (s *Session) Push(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// End simulates the remote side ending the session: it pushes Closed{err}
// and closes the event channel.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.ErrValue == nil {
		s.ErrValue = err
	}
	select {
	case s.events <- live.Closed{Err: err}:
	default:
	}
	s.closed = true
	close(s.events)
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	s.SentAudio = append(s.SentAudio, chunk)
	return s.SendAudioErr
}

// SendToolResult records the call and returns SendToolResultErr.
func (s *Session) SendToolResult(res live.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	s.ToolResults = append(s.ToolResults, res)
	return s.SendToolResultErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan live.Event { return s.events }

// Err returns ErrValue.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// Close records the call, closes the event channel once, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return s.CloseErr
}

// AudioCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// Results returns a copy of the recorded tool results. Thread-safe.
func (s *Session) Results() []live.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.ToolResult(nil), s.ToolResults...)
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentAudio = nil
	s.ToolResults = nil
	s.CloseCallCount = 0
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)
