// Package chat implements the text concierge: a single conversation with a
// chat model that may call the same tools as the voice assistant.
//
// [Concierge.Send] appends the user's message, asks the model for a reply,
// resolves any tool calls it makes (for a bounded number of rounds), and
// appends the final reply. Backend failures never surface as errors to the
// person chatting; they get a fixed apology instead and the exchange is kept
// out of the model's context so a retry starts clean.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tampabayelite/taylor/internal/observe"
	"github.com/tampabayelite/taylor/internal/transcript"
	"github.com/tampabayelite/taylor/pkg/provider/llm"
)

var (
	// ErrBusy is returned by Send while another Send is in flight.
	ErrBusy = errors.New("chat: a message is already being processed")

	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("chat: message is empty")
)

// Replies used when the model cannot answer.
const (
	EmptyReply   = "I'm sorry, I couldn't process that. Could you try again?"
	FailureReply = "I'm having a bit of trouble connecting to my database."
)

// DefaultMaxToolRounds bounds the number of model turns spent on tool calls
// per Send.
const DefaultMaxToolRounds = 4

// ToolResolver answers tool calls with JSON-encoded arguments.
type ToolResolver interface {
	Definitions() []llm.ToolDefinition
	ResolveJSON(ctx context.Context, name, args string) map[string]any
}

// Option configures a [Concierge].
type Option func(*Concierge)

// WithInstructions sets the system prompt.
func WithInstructions(s string) Option {
	return func(c *Concierge) { c.instructions = s }
}

// WithTools offers the resolver's tools to the model.
func WithTools(t ToolResolver) Option {
	return func(c *Concierge) { c.tools = t }
}

// WithMaxToolRounds overrides [DefaultMaxToolRounds]. Zero disables tools.
func WithMaxToolRounds(n int) Option {
	return func(c *Concierge) {
		if n >= 0 {
			c.maxRounds = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Concierge) { c.temperature = t }
}

// WithMaxTokens caps each reply. The cap is lowered to the model's own
// output limit when that is smaller.
func WithMaxTokens(n int) Option {
	return func(c *Concierge) { c.maxTokens = n }
}

// WithHistoryLimit keeps at most n messages of model context. Older
// exchanges are dropped whole so tool results never lose their call.
func WithHistoryLimit(n int) Option {
	return func(c *Concierge) { c.historyLimit = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Concierge) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Concierge) { c.log = l }
}

// WithClock overrides the transcript timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Concierge) { c.now = now }
}

// Concierge holds one text conversation. It is safe for concurrent use, but
// only one Send runs at a time.
type Concierge struct {
	provider     llm.Provider
	tools        ToolResolver
	maxRounds    int
	temperature  float64
	maxTokens    int
	historyLimit int
	metrics      *observe.Metrics
	log          *slog.Logger
	now          func() time.Time

	sending sync.Mutex // held for the duration of Send

	mu           sync.Mutex
	instructions string
	history      []llm.Message
	messages     []transcript.Message
}

// New creates a Concierge talking to p.
func New(p llm.Provider, opts ...Option) *Concierge {
	c := &Concierge{
		provider:  p,
		maxRounds: DefaultMaxToolRounds,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Send delivers one user message and returns the assistant's reply. Backend
// failures yield [FailureReply] with a nil error; only blank input, a
// concurrent Send, or cancellation of ctx return an error.
func (c *Concierge) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if !c.sending.TryLock() {
		return "", ErrBusy
	}
	defer c.sending.Unlock()

	ctx, span := observe.StartSpan(ctx, "chat.send")
	defer span.End()
	start := time.Now()
	defer func() {
		c.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
	}()

	c.record(transcript.User, text)

	c.mu.Lock()
	turn := append(slices.Clone(c.history), llm.Message{Role: llm.RoleUser, Content: text})
	instructions := c.instructions
	c.mu.Unlock()

	reply, turn, err := c.converse(ctx, instructions, turn)
	switch {
	case err != nil && ctx.Err() != nil:
		return "", ctx.Err()
	case err != nil:
		observe.FailSpan(span, err)
		c.metrics.RecordProviderRequest(ctx, "llm", "chat", "error")
		c.metrics.RecordProviderError(ctx, "llm", "chat")
		observe.WithTrace(ctx, c.log).Error("chat: completion failed", "err", err)
		reply = FailureReply
	default:
		c.metrics.RecordProviderRequest(ctx, "llm", "chat", "ok")
		if reply == "" {
			reply = EmptyReply
		} else {
			c.mu.Lock()
			c.history = c.trim(append(turn, llm.Message{Role: llm.RoleAssistant, Content: reply}))
			c.mu.Unlock()
		}
	}
	c.record(transcript.Assistant, reply)
	return reply, nil
}

// converse runs model rounds until the model answers in text or the tool
// budget is spent. It returns the reply and the turn's messages up to, but
// not including, the final reply.
func (c *Concierge) converse(ctx context.Context, instructions string, turn []llm.Message) (string, []llm.Message, error) {
	caps := c.provider.Capabilities()
	var defs []llm.ToolDefinition
	if c.tools != nil && c.maxRounds > 0 && caps.SupportsToolCalling {
		defs = c.tools.Definitions()
	}
	maxTokens := c.maxTokens
	if caps.MaxOutputTokens > 0 && maxTokens > caps.MaxOutputTokens {
		maxTokens = caps.MaxOutputTokens
	}

	for round := 0; ; round++ {
		req := llm.CompletionRequest{
			Messages:     turn,
			SystemPrompt: instructions,
			Temperature:  c.temperature,
			MaxTokens:    maxTokens,
		}
		if round < c.maxRounds {
			req.Tools = defs
		}
		resp, err := c.provider.Complete(ctx, req)
		if err != nil {
			return "", nil, err
		}
		if len(resp.ToolCalls) == 0 || req.Tools == nil {
			return strings.TrimSpace(resp.Content), turn, nil
		}

		turn = append(turn, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			turn = append(turn, c.resolve(ctx, call))
		}
	}
}

func (c *Concierge) resolve(ctx context.Context, call llm.ToolCall) llm.Message {
	result := c.tools.ResolveJSON(ctx, call.Name, call.Arguments)
	body, err := json.Marshal(result)
	if err != nil {
		body = []byte(`{"error":"tool result could not be encoded"}`)
	}
	c.log.Debug("chat: tool resolved", "tool", call.Name, "id", call.ID)
	return llm.Message{
		Role:       llm.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    string(body),
	}
}

// trim drops the oldest exchanges until h fits the history limit. An
// exchange starts at a user message.
func (c *Concierge) trim(h []llm.Message) []llm.Message {
	if c.historyLimit <= 0 || len(h) <= c.historyLimit {
		return h
	}
	cut := len(h) - c.historyLimit
	for cut < len(h) && h[cut].Role != llm.RoleUser {
		cut++
	}
	return slices.Clone(h[cut:])
}

func (c *Concierge) record(s transcript.Speaker, text string) {
	c.mu.Lock()
	c.messages = append(c.messages, transcript.Message{Speaker: s, Text: text, Timestamp: c.now()})
	c.mu.Unlock()
	c.metrics.RecordTranscriptMessage(context.Background(), s.String())
}

// SetInstructions replaces the system prompt from the next Send on. The
// conversation history is kept.
func (c *Concierge) SetInstructions(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instructions = s
}

// Messages returns the displayed conversation, including apology replies.
func (c *Concierge) Messages() []transcript.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// History returns the model context carried into the next Send.
func (c *Concierge) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Reset forgets the conversation.
func (c *Concierge) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.messages = nil
}
