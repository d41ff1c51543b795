// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API expects 24 kHz PCM16 in both directions, so microphone
// frames are resampled before they are appended to the input buffer.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tampabayelite/taylor/pkg/audio"
	"github.com/tampabayelite/taylor/pkg/provider/live"
	"github.com/tampabayelite/taylor/pkg/provider/llm"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeRate is the only PCM16 rate the Realtime API accepts.
	realtimeRate = 24000

	transcriptionModel = "whisper-1"
	eventBuffer        = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:    realtimeRate,
		OutputSampleRate:   realtimeRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session and sends session.update.
// The session emits [live.Opened] on the server's session.created or
// session.updated event, whichever comes first.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", live.ErrTransport, err)
	}
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(buildSessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w: %w", live.ErrTransport, err)
	}

	sess.wg.Add(1)
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Tools                   []oaiTool            `json:"tools,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func buildSessionUpdate(cfg live.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		Tools:             toOAITools(cfg.Tools),
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionConfig{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// toOAITools converts llm.ToolDefinition slice to OpenAI Realtime tool format.
func toOAITools(tools []llm.ToolDefinition) []oaiTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event

	mu     sync.Mutex
	errVal error
	closed bool
	opened bool // owned by receiveLoop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// receiveLoop reads events from the WebSocket and translates them. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		if s.opened {
			return true
		}
		s.opened = true
		return s.emit(live.Opened{})

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(live.AudioChunk{
			Data:     evt.Delta,
			MIMEType: audio.EncodedChunk{SampleRate: realtimeRate}.MIMEType(),
		})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(live.Transcript{Source: live.Output, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.emit(live.Transcript{Source: live.Input, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		return s.emit(live.Interrupted{})

	case "response.done":
		return s.emit(live.TurnComplete{})

	case "response.function_call_arguments.done":
		args := map[string]any{}
		if evt.Arguments != "" {
			// Malformed arguments surface as an empty map; the tool reports
			// the missing fields.
			_ = json.Unmarshal([]byte(evt.Arguments), &args)
		}
		return s.emit(live.ToolCall{ID: evt.CallID, Name: evt.Name, Args: args})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		err := fmt.Errorf("openai: %w: %s", live.ErrTransport, msg)
		s.setErr(err)
		s.emit(live.Error{Err: err})
		s.emit(live.Closed{Err: err})
		s.conn.Close(websocket.StatusNormalClosure, "server error")
		return false
	}
	return true
}

func (s *session) finish(readErr error) {
	if s.ctx.Err() != nil {
		return
	}
	var err error
	if status := websocket.CloseStatus(readErr); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
		err = fmt.Errorf("openai: %w: %w", live.ErrTransport, readErr)
		s.setErr(err)
	}
	s.emit(live.Closed{Err: err})
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── live.Session methods ───────────────────────────────────────────────────────

// SendAudio resamples the frame to 24 kHz and appends it to the input buffer.
func (s *session) SendAudio(chunk audio.EncodedChunk) error {
	if s.isClosed() {
		return fmt.Errorf("openai: %w", live.ErrSessionClosed)
	}
	pcm, err := chunk.Bytes()
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	if chunk.SampleRate > 0 && chunk.SampleRate != realtimeRate {
		pcm = audio.ResampleMono16(pcm, chunk.SampleRate, realtimeRate)
	}
	err = s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return fmt.Errorf("openai: send audio: %w: %w", live.ErrTransport, err)
	}
	return nil
}

// SendToolResult returns the function output and triggers the next response.
func (s *session) SendToolResult(res live.ToolResult) error {
	if s.isClosed() {
		return fmt.Errorf("openai: %w", live.ErrSessionClosed)
	}
	output, err := json.Marshal(res.Response)
	if err != nil {
		return fmt.Errorf("openai: marshal tool result: %w", err)
	}
	err = s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: res.ID,
			Output: string(output),
		},
	})
	if err == nil {
		err = s.writeJSON(map[string]string{"type": "response.create"})
	}
	if err != nil {
		return fmt.Errorf("openai: send tool result: %w: %w", live.ErrTransport, err)
	}
	return nil
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.wg.Wait()
	return nil
}
