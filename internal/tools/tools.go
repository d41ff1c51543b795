// Package tools resolves the function calls the assistant model makes during
// a conversation. Every call is answered synchronously from local data and
// always yields a JSON-serialisable result object, so a caller can send
// exactly one reply per invocation without handling errors.
//
// Two tools are registered by [New]:
//   - "get_market_data": neighborhood statistics from the [market.Store].
//   - "book_showing": logs a walkthrough request and returns a request id.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tampabayelite/taylor/internal/market"
	"github.com/tampabayelite/taylor/internal/observe"
	"github.com/tampabayelite/taylor/pkg/provider/llm"
)

// Tool names.
const (
	MarketData  = "get_market_data"
	BookShowing = "book_showing"
)

// Result statuses recorded on the taylor.tool.calls counter.
const (
	statusOK          = "ok"
	statusNotFound    = "not_found"
	statusInvalidArgs = "invalid_args"
	statusUnknown     = "unknown_tool"
)

// BookingConfirmation is the confirmation text returned for a logged showing.
const BookingConfirmation = "Walkthrough request logged with the area manager."

// Handler resolves one call. It returns the result payload and the status
// recorded for metrics.
type Handler func(ctx context.Context, args map[string]any) (result map[string]any, status string)

// Tool pairs a model-facing definition with its handler.
type Tool struct {
	Definition llm.ToolDefinition
	Handler    Handler
}

// Booking is a walkthrough request captured by the book_showing tool.
type Booking struct {
	RequestID       string
	PropertyAddress string
	PreferredTime   string
	Type            string // "Physical" or "Virtual"
	RequestedAt     time.Time
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMetrics records tool calls and latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// OnBooking registers a callback invoked for every accepted showing request.
func OnBooking(fn func(Booking)) Option {
	return func(d *Dispatcher) { d.onBooking = fn }
}

// WithIDGenerator overrides request id generation. Used by tests.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// Dispatcher routes calls to registered tools. It is safe for concurrent use
// once constructed.
type Dispatcher struct {
	tools     map[string]Tool
	order     []string
	store     *market.Store
	metrics   *observe.Metrics
	log       *slog.Logger
	onBooking func(Booking)
	newID     func() string
	now       func() time.Time
}

// New creates a Dispatcher with the market and booking tools registered.
func New(store *market.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools: make(map[string]Tool),
		store: store,
		log:   slog.Default(),
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.Register(Tool{Definition: marketDataDefinition, Handler: d.marketData})
	d.Register(Tool{Definition: bookShowingDefinition, Handler: d.bookShowing})
	return d
}

// Register adds or replaces a tool. It must not be called concurrently with
// Resolve.
func (d *Dispatcher) Register(t Tool) {
	if _, exists := d.tools[t.Definition.Name]; !exists {
		d.order = append(d.order, t.Definition.Name)
	}
	d.tools[t.Definition.Name] = t
}

// Definitions returns the registered tool schemas in registration order.
func (d *Dispatcher) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(d.order))
	for _, name := range d.order {
		defs = append(defs, d.tools[name].Definition)
	}
	return defs
}

// Resolve runs the named tool. Unknown tools and bad arguments produce an
// {"error": ...} payload rather than a Go error.
func (d *Dispatcher) Resolve(ctx context.Context, name string, args map[string]any) map[string]any {
	ctx, span := observe.StartSpan(ctx, "tool."+name)
	defer span.End()
	start := time.Now()

	var (
		result map[string]any
		status string
	)
	if t, ok := d.tools[name]; ok {
		result, status = t.Handler(ctx, args)
	} else {
		result, status = errorResult(fmt.Sprintf("unknown tool %q", name)), statusUnknown
	}

	span.SetAttributes(attribute.String("tool.status", status))
	d.metrics.ToolDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("tool", name)))
	d.metrics.RecordToolCall(ctx, name, status)
	d.log.Debug("tools: resolved", "tool", name, "status", status)
	return result
}

// ResolveJSON adapts Resolve to JSON-encoded arguments, as delivered by text
// chat backends. Malformed JSON is reported as invalid arguments.
func (d *Dispatcher) ResolveJSON(ctx context.Context, name, args string) map[string]any {
	parsed, err := decodeArgs(args)
	if err != nil {
		d.metrics.RecordToolCall(ctx, name, statusInvalidArgs)
		return errorResult("arguments are not a JSON object")
	}
	return d.Resolve(ctx, name, parsed)
}

// ── get_market_data ───────────────────────────────────────────────────────────

var marketDataDefinition = llm.ToolDefinition{
	Name:        MarketData,
	Description: "Get real-time market data for a specific neighborhood in Tampa.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"neighborhood": map[string]any{
				"type":        "string",
				"description": "The name of the neighborhood (e.g., South Tampa, Brandon, Westchase).",
			},
		},
		"required": []string{"neighborhood"},
	},
}

func (d *Dispatcher) marketData(_ context.Context, args map[string]any) (map[string]any, string) {
	query, _ := args["neighborhood"].(string)
	stat, ok := d.store.Lookup(query)
	if !ok {
		return market.NotFound(), statusNotFound
	}
	return stat.Payload(), statusOK
}

// ── book_showing ──────────────────────────────────────────────────────────────

var bookShowingDefinition = llm.ToolDefinition{
	Name:        BookShowing,
	Description: "Coordinate a property walkthrough for the client.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"propertyAddress": map[string]any{
				"type":        "string",
				"description": "The address or description of the property to view.",
			},
			"preferredTime": map[string]any{
				"type":        "string",
				"description": "The client's suggested time/date for the walkthrough.",
			},
			"type": map[string]any{
				"type":        "string",
				"enum":        []string{"Physical", "Virtual"},
				"description": "Whether the walkthrough is in-person or remote.",
			},
		},
		"required": []string{"propertyAddress", "preferredTime", "type"},
	},
}

func (d *Dispatcher) bookShowing(_ context.Context, args map[string]any) (map[string]any, string) {
	address := stringArg(args, "propertyAddress")
	when := stringArg(args, "preferredTime")
	kind := normaliseShowingType(stringArg(args, "type"))

	switch {
	case address == "":
		return errorResult(`missing required argument "propertyAddress"`), statusInvalidArgs
	case when == "":
		return errorResult(`missing required argument "preferredTime"`), statusInvalidArgs
	case kind == "":
		return errorResult(`argument "type" must be "Physical" or "Virtual"`), statusInvalidArgs
	}

	b := Booking{
		RequestID:       d.newID(),
		PropertyAddress: address,
		PreferredTime:   when,
		Type:            kind,
		RequestedAt:     d.now(),
	}
	d.log.Info("tools: showing requested",
		"request_id", b.RequestID, "address", b.PropertyAddress,
		"preferred_time", b.PreferredTime, "type", b.Type)
	if d.onBooking != nil {
		d.onBooking(b)
	}
	return map[string]any{
		"status":       "success",
		"confirmation": BookingConfirmation,
		"requestId":    b.RequestID,
	}, statusOK
}

func normaliseShowingType(s string) string {
	switch strings.ToLower(s) {
	case "physical", "in-person", "in person":
		return "Physical"
	case "virtual", "remote":
		return "Virtual"
	}
	return ""
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func errorResult(msg string) map[string]any {
	return map[string]any{"error": msg}
}
