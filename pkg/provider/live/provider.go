// Package live defines the Provider interface for bidirectional live-media
// backends.
//
// A live provider wraps a hosted model that listens to streamed microphone
// audio and answers with synthesised speech over a single long-lived
// connection. Everything the remote side says arrives as a tagged [Event] on
// one channel, in the order the server sent it, so a consumer can drive a
// state machine from a single select loop.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/tampabayelite/taylor/pkg/audio"
	"github.com/tampabayelite/taylor/pkg/provider/llm"
)

var (
	// ErrTransport wraps every failure of the underlying connection: dial
	// errors, abnormal closes, and server-reported errors.
	ErrTransport = errors.New("live: transport failure")

	// ErrSessionClosed is returned by send methods after Close.
	ErrSessionClosed = errors.New("live: session closed")
)

// ── Events ───────────────────────────────────────────────────────────────────

// Event is one inbound message from the remote session. The concrete types
// are [Opened], [AudioChunk], [ToolCall], [Transcript], [TurnComplete],
// [Interrupted], [Error] and [Closed].
type Event interface {
	isEvent()
}

// Opened is emitted once, when the remote side has accepted the session
// configuration and is ready for audio.
type Opened struct{}

// AudioChunk carries synthesised speech.
type AudioChunk struct {
	// Data is base64 text of 16-bit little-endian mono PCM.
	Data string

	// MIMEType describes Data, e.g. "audio/pcm;rate=24000".
	MIMEType string
}

// ToolCall is a function invocation requested by the model. It must be
// answered with exactly one [ToolResult] carrying the same ID.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// TranscriptSource identifies who produced a transcript fragment.
type TranscriptSource int

const (
	// Input is recognised speech of the local user.
	Input TranscriptSource = iota

	// Output is the text of the model's spoken reply.
	Output
)

// String returns "input" or "output".
func (s TranscriptSource) String() string {
	switch s {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// Transcript is an incremental transcription fragment.
type Transcript struct {
	Source TranscriptSource
	Text   string
}

// TurnComplete marks the end of a model turn.
type TurnComplete struct{}

// Interrupted reports that the user started speaking over the model. Audio
// already delivered for the current turn should be discarded.
type Interrupted struct{}

// Error is a failure reported while the connection was still up. The session
// is unusable afterwards; a [Closed] event follows.
type Error struct {
	Err error
}

// Closed is the final event. Err is nil for a clean close.
type Closed struct {
	Err error
}

func (Opened) isEvent()       {}
func (AudioChunk) isEvent()   {}
func (ToolCall) isEvent()     {}
func (Transcript) isEvent()   {}
func (TurnComplete) isEvent() {}
func (Interrupted) isEvent()  {}
func (Error) isEvent()        {}
func (Closed) isEvent()       {}

// ── Session ──────────────────────────────────────────────────────────────────

// ToolResult answers a [ToolCall].
type ToolResult struct {
	// ID echoes ToolCall.ID.
	ID string

	// Name echoes ToolCall.Name.
	Name string

	// Response is the JSON-serialisable result object.
	Response map[string]any
}

// SessionConfig is the configuration sent when a session is opened.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name.
	Voice string

	// Instructions is the system instruction for the assistant persona.
	Instructions string

	// Tools are the functions the model may call.
	Tools []llm.ToolDefinition

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the rate the provider expects for SendAudio.
	InputSampleRate int

	// OutputSampleRate is the rate of AudioChunk payloads.
	OutputSampleRate int

	// MaxSessionDuration is the provider-imposed session limit, zero if none.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names.
	Voices []string
}

// Session is an open live connection. Callers must call Close when done.
type Session interface {
	// SendAudio streams one encoded microphone frame.
	SendAudio(chunk audio.EncodedChunk) error

	// SendToolResult answers a tool call.
	SendToolResult(res ToolResult) error

	// Events returns the inbound event stream. The channel is closed after
	// the [Closed] event, or after Close.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil.
	Err() error

	// Close terminates the session. It is idempotent.
	Close() error
}

// Provider opens live sessions.
type Provider interface {
	// Connect dials the backend and sends cfg. It returns once the
	// configuration is on the wire; readiness is signalled by [Opened].
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}
