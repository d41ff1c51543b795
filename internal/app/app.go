// Package app wires the Taylor subsystems into a running process.
//
// New builds the market store, the tool dispatcher, the voice session and
// the text concierge from a [config.Config] and the providers built by
// [BuildProviders]. Run serves the health and metrics endpoints until the
// context ends, ApplyConfig hot-reloads what can change at runtime, and
// Shutdown tears everything down.
//
// Tests inject doubles through functional options (WithDevices, WithMetrics,
// WithMetricsHandler).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tampabayelite/taylor/internal/chat"
	"github.com/tampabayelite/taylor/internal/config"
	"github.com/tampabayelite/taylor/internal/health"
	"github.com/tampabayelite/taylor/internal/market"
	"github.com/tampabayelite/taylor/internal/observe"
	"github.com/tampabayelite/taylor/internal/resilience"
	"github.com/tampabayelite/taylor/internal/tools"
	"github.com/tampabayelite/taylor/internal/transcript"
	"github.com/tampabayelite/taylor/internal/voice"
	"github.com/tampabayelite/taylor/pkg/audio/device"
	"github.com/tampabayelite/taylor/pkg/provider/live"
)

// ListenOff disables the HTTP server when used as server.listen_addr.
const ListenOff = "off"

// App owns every subsystem and its lifetime.
type App struct {
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	log       *slog.Logger

	devices    voice.Devices
	metricsH   http.Handler
	onState    func(voice.State, error)
	onMessage  func(transcript.Message)
	onSpeaking func(bool)

	market *market.Store
	tools  *tools.Dispatcher
	voice  *voice.Session
	chat   *chat.Concierge
	health *health.Handler
	server *http.Server
	ln     net.Listener

	mu  sync.Mutex
	cfg *config.Config

	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithDevices replaces the local sound hardware used by voice mode.
func WithDevices(d voice.Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithMetrics sets the metric instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets ApplyConfig change the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetricsHandler replaces the /metrics handler. The default is
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithVoiceCallbacks registers observers for the voice session.
func WithVoiceCallbacks(onState func(voice.State, error), onSpeaking func(bool), onMessage func(transcript.Message)) Option {
	return func(a *App) {
		a.onState, a.onSpeaking, a.onMessage = onState, onSpeaking, onMessage
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the application. A nil providers.Live skips voice mode and a nil
// providers.LLM skips chat mode.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		providers: providers,
		cfg:       cfg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}

	// ── 1. Market data ───────────────────────────────────────────────────
	stats, err := cfg.MarketStats()
	if err != nil {
		return nil, fmt.Errorf("app: load market data: %w", err)
	}
	a.market = market.NewStore(stats)

	// ── 2. Tools ─────────────────────────────────────────────────────────
	a.tools = tools.New(a.market,
		tools.WithMetrics(a.metrics),
		tools.WithLogger(a.log),
		tools.OnBooking(a.logBooking),
	)

	// ── 3. Voice ─────────────────────────────────────────────────────────
	if providers.Live != nil {
		if err := a.initVoice(cfg); err != nil {
			return nil, fmt.Errorf("app: init voice: %w", err)
		}
	}

	// ── 4. Chat ──────────────────────────────────────────────────────────
	if providers.LLM != nil {
		a.chat = chat.New(providers.LLM,
			chat.WithInstructions(cfg.Assistant.Instructions),
			chat.WithTools(a.tools),
			chat.WithMaxToolRounds(maxToolRounds(cfg)),
			chat.WithMetrics(a.metrics),
			chat.WithLogger(a.log),
		)
	}

	// ── 5. Health + metrics endpoints ────────────────────────────────────
	a.initHealth()
	if addr := cfg.Server.ListenAddr; addr != "" && addr != ListenOff {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("app: listen %s: %w", addr, err)
		}
		a.ln = ln
		a.server = &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

func (a *App) initVoice(cfg *config.Config) error {
	if a.devices == nil {
		a.devices = device.Local{
			InputDevice:      cfg.Audio.InputDevice,
			InputSampleRate:  cfg.Audio.InputSampleRate,
			OutputSampleRate: cfg.Audio.OutputSampleRate,
			Logger:           a.log,
		}
	}
	s, err := voice.New(voice.Config{
		Provider: a.providers.Live,
		Devices:  a.devices,
		Tools:    a.tools,
		Live: live.SessionConfig{
			Voice:               cfg.Assistant.Voice,
			Instructions:        cfg.Assistant.Instructions,
			InputTranscription:  true,
			OutputTranscription: true,
		},
		InputSampleRate: cfg.Audio.InputSampleRate,
		BlockSize:       cfg.Audio.BlockSize,
		MaxLookahead:    cfg.Audio.MaxLookahead,
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "live-connect",
			MaxFailures: 3,
			OnStateChange: func(name string, from, to resilience.State) {
				a.log.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
			},
		}),
		Metrics:       a.metrics,
		Logger:        a.log,
		OnStateChange: a.voiceStateChanged,
		OnSpeaking:    a.onSpeaking,
		OnMessage:     a.onMessage,
	})
	if err != nil {
		return err
	}
	a.voice = s
	return nil
}

func (a *App) logBooking(b tools.Booking) {
	a.log.Info("showing requested",
		"request_id", b.RequestID,
		"address", b.PropertyAddress,
		"preferred_time", b.PreferredTime,
		"type", b.Type,
	)
}

func (a *App) voiceStateChanged(st voice.State, err error) {
	a.log.Info("voice session", "state", st, "status", voice.StatusOf(st, err), "err", err)
	if a.onState != nil {
		a.onState(st, err)
	}
}

func (a *App) initHealth() {
	checkers := []health.Checker{health.Market(a.market)}
	if a.voice != nil {
		checkers = append(checkers, health.Breaker(a.voice.Breaker()))
	}
	if a.providers.LLM != nil {
		checkers = append(checkers, health.Fallback("llm", a.providers.LLM.States))
	}
	a.health = health.New(checkers...)
}

func maxToolRounds(cfg *config.Config) int {
	if cfg.Assistant.MaxToolRounds > 0 {
		return cfg.Assistant.MaxToolRounds
	}
	return chat.DefaultMaxToolRounds
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Voice returns the voice session, or nil without a live provider.
func (a *App) Voice() *voice.Session { return a.voice }

// Chat returns the text concierge, or nil without an LLM provider.
func (a *App) Chat() *chat.Concierge { return a.chat }

// Market returns the published neighborhood dataset.
func (a *App) Market() *market.Store { return a.market }

// Tools returns the tool dispatcher shared by both modes.
func (a *App) Tools() *tools.Dispatcher { return a.tools }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Addr returns the bound HTTP address, or "" when the server is disabled.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Handler returns the instrumented mux serving /healthz, /readyz and
// /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsH)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then shuts the server down. With
// the server disabled it simply waits for ctx.
func (a *App) Run(ctx context.Context) error {
	if a.server == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		a.log.Info("http server listening", "addr", a.Addr())
		if err := a.server.Serve(a.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the runtime-changeable part of next. It is shaped to
// be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AssistantChanged {
		if a.voice != nil {
			a.voice.SetPersona(next.Assistant.Voice, next.Assistant.Instructions)
		}
		if a.chat != nil {
			a.chat.SetInstructions(next.Assistant.Instructions)
		}
		a.log.Info("assistant persona updated", "voice", next.Assistant.Voice)
	}
	if d.MarketChanged {
		stats, err := next.MarketStats()
		if err != nil {
			a.log.Warn("market reload failed, keeping current data", "err", err)
		} else {
			a.market.Replace(stats)
			a.log.Info("market data reloaded", "records", len(stats))
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the voice session and the HTTP server. It is idempotent and
// returns ctx's error if the deadline passes first.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		done := make(chan struct{})
		go func() {
			defer close(done)
			if a.voice != nil {
				a.voice.Stop()
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: stop voice: %w", ctx.Err()))
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
			}
			// Shutdown only closes listeners that Serve is using.
			if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("app: close listener: %w", err))
			}
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
