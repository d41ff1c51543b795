// Package voice runs one live voice conversation: it owns the microphone
// pipeline, the playback scheduler, and the remote live session, and
// arbitrates their lifecycle through a small state machine.
//
//	Idle ──Start──▶ Connecting ──Opened──▶ Open
//	  ▲                 │                   │
//	  └────── Start ────┴──── Stop/error ──▶ Closed
//
// All remote events, capture failures, and tool round trips of a run are
// serialised on a single event-loop goroutine. Device handles are acquired
// once per Start and released exactly once per run, on every exit path.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tampabayelite/taylor/internal/observe"
	"github.com/tampabayelite/taylor/internal/resilience"
	"github.com/tampabayelite/taylor/internal/transcript"
	"github.com/tampabayelite/taylor/pkg/audio"
	"github.com/tampabayelite/taylor/pkg/audio/capture"
	"github.com/tampabayelite/taylor/pkg/audio/playback"
	"github.com/tampabayelite/taylor/pkg/provider/live"
	"github.com/tampabayelite/taylor/pkg/provider/llm"
)

// ErrStartInProgress is returned by [Session.Start] while another Start has
// not yet returned.
var ErrStartInProgress = errors.New("voice: start already in progress")

// ErrStopped is returned by [Session.Start] when Stop interrupted it.
var ErrStopped = errors.New("voice: stopped during start")

// ── State ────────────────────────────────────────────────────────────────────

// State is the lifecycle phase of a [Session].
type State int

const (
	// StateIdle means no run has been started yet.
	StateIdle State = iota

	// StateConnecting means devices are being acquired or the remote side
	// has not acknowledged the session yet.
	StateConnecting

	// StateOpen means audio is flowing in both directions.
	StateOpen

	// StateClosed means the last run ended. [Session.Err] tells whether it
	// ended on a failure.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the connection indicator shown to the user.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusError        Status = "ERROR"
)

// StatusOf maps a state and its recorded error onto the indicator.
func StatusOf(s State, err error) Status {
	switch s {
	case StateConnecting:
		return StatusConnecting
	case StateOpen:
		return StatusConnected
	case StateClosed:
		if err != nil {
			return StatusError
		}
	}
	return StatusDisconnected
}

// ── Dependencies ─────────────────────────────────────────────────────────────

// Devices opens the local sound hardware for one run.
type Devices interface {
	// Microphone returns a new, unopened capture source.
	Microphone() capture.Source

	// Speaker opens the playback device.
	Speaker() (playback.Device, error)
}

// ToolResolver answers the model's function calls.
type ToolResolver interface {
	Definitions() []llm.ToolDefinition
	Resolve(ctx context.Context, name string, args map[string]any) map[string]any
}

// Config holds the dependencies and tuning of a [Session].
type Config struct {
	// Provider opens remote sessions. Required.
	Provider live.Provider

	// Devices provides the microphone and speaker. Required.
	Devices Devices

	// Tools resolves function calls. When nil, no tools are declared and any
	// call is answered with an error result.
	Tools ToolResolver

	// Live is the session configuration sent on connect. Its Tools field is
	// filled from Tools when empty.
	Live live.SessionConfig

	// InputSampleRate is the capture rate. Default: [audio.InputSampleRate].
	InputSampleRate int

	// BlockSize is the number of samples per outbound frame.
	// Default: [audio.CaptureBlockSize].
	BlockSize int

	// MaxLookahead bounds scheduled playback. Default:
	// [playback.DefaultMaxLookahead]. A negative value disables the bound.
	MaxLookahead time.Duration

	// Breaker guards Connect. Default: 3 failures, 30s reset.
	Breaker *resilience.CircuitBreaker

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// OnStateChange is called after every transition with the new state and
	// the recorded error. Calls are serialised.
	OnStateChange func(State, error)

	// OnSpeaking mirrors the playback speaking indicator.
	OnSpeaking func(bool)

	// OnMessage receives every finalized transcript message.
	OnMessage func(transcript.Message)
}

// ── Session ──────────────────────────────────────────────────────────────────

// Session is a restartable voice conversation. At most one run is active at a
// time. All methods are safe for concurrent use; callbacks must not call
// [Session.Stop] or [Session.Start] synchronously.
type Session struct {
	provider  live.Provider
	devices   Devices
	tools     ToolResolver
	liveCfg   live.SessionConfig
	inRate    int
	blockSize int
	lookahead time.Duration
	breaker   *resilience.CircuitBreaker
	metrics   *observe.Metrics
	log       *slog.Logger

	onStateChange func(State, error)
	onSpeaking    func(bool)
	onMessage     func(transcript.Message)

	transcript *transcript.Aggregator
	speaking   atomic.Bool

	mu       sync.Mutex
	state    State
	err      error
	cur      *run
	starting bool

	notifyMu sync.Mutex
}

// New validates cfg and returns an idle Session.
func New(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("voice: provider is required")
	}
	if cfg.Devices == nil {
		return nil, errors.New("voice: devices are required")
	}
	s := &Session{
		provider:      cfg.Provider,
		devices:       cfg.Devices,
		tools:         cfg.Tools,
		liveCfg:       cfg.Live,
		inRate:        cfg.InputSampleRate,
		blockSize:     cfg.BlockSize,
		lookahead:     cfg.MaxLookahead,
		breaker:       cfg.Breaker,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
		onStateChange: cfg.OnStateChange,
		onSpeaking:    cfg.OnSpeaking,
		onMessage:     cfg.OnMessage,
		transcript:    transcript.New(),
	}
	if s.inRate <= 0 {
		s.inRate = audio.InputSampleRate
	}
	if s.blockSize <= 0 {
		s.blockSize = audio.CaptureBlockSize
	}
	switch {
	case s.lookahead == 0:
		s.lookahead = playback.DefaultMaxLookahead
	case s.lookahead < 0:
		s.lookahead = 0
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "live-connect",
			MaxFailures: 3,
		})
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.tools != nil && len(s.liveCfg.Tools) == 0 {
		s.liveCfg.Tools = s.tools.Definitions()
	}
	return s, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the last run, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns the user-facing connection indicator.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusOf(s.state, s.err)
}

// Speaking reports whether synthesised speech is currently playing.
func (s *Session) Speaking() bool { return s.speaking.Load() }

// Transcript returns every message finalized so far, across runs.
func (s *Session) Transcript() []transcript.Message { return s.transcript.History() }

// SetPersona changes the voice and instructions sent on the next Start. An
// open run keeps its configuration. Empty values leave the current setting.
func (s *Session) SetPersona(voice, instructions string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if voice != "" {
		s.liveCfg.Voice = voice
	}
	if instructions != "" {
		s.liveCfg.Instructions = instructions
	}
}

// Breaker exposes the connect circuit breaker for health reporting.
func (s *Session) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Done returns a channel closed when the current run ends. With no run it
// returns a closed channel.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.cur.done
}

// Start acquires the microphone and speaker and connects the remote session.
// It returns once the session configuration has been sent; the state becomes
// [StateOpen] when the remote side acknowledges it. An active run is stopped
// first. On failure the state is [StateClosed] with the error recorded and
// every acquired device has been released.
//
// ctx bounds device acquisition and the connect handshake only.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.starting {
		s.mu.Unlock()
		return ErrStartInProgress
	}
	s.starting = true
	prev := s.cur
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	if prev != nil {
		s.log.Info("voice: restarting, closing previous session")
		s.stopRun(prev)
	}

	s.transcript.Discard()
	s.transition(StateConnecting, nil)
	r := newRun(ctx)
	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()

	if err := s.acquire(ctx, r); err != nil {
		if r.ctx.Err() != nil {
			err = ErrStopped
		}
		s.finish(r, err)
		return err
	}
	if !r.adopt(func() { r.wg.Add(1) }) {
		return ErrStopped
	}
	go s.loop(r)
	return nil
}

// Stop ends the active run: capture stops, playback is flushed, the remote
// session is closed, and the devices are released, in that order. It is
// idempotent and callable in any state.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r != nil {
		s.stopRun(r)
	}
}

func (s *Session) stopRun(r *run) {
	s.finish(r, nil)
	r.wg.Wait()
}

// acquire opens the devices and the remote session, registering each with r
// as it succeeds.
func (s *Session) acquire(ctx context.Context, r *run) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(r.ctx, cancel)()

	pipe := capture.New(s.devices.Microphone(),
		capture.WithBlockSize(s.blockSize),
		capture.WithSampleRate(s.inRate),
		capture.WithLogger(s.log),
		capture.OnError(r.captureFailed),
		capture.OnFrameEncoded(func() { s.metrics.CaptureFrames.Add(r.ctx, 1) }),
		capture.OnDropped(func(error) { s.metrics.RecordCodecError(r.ctx, "outbound") }),
	)
	if err := pipe.Open(ctx); err != nil {
		_ = pipe.Close()
		return fmt.Errorf("voice: open microphone: %w", err)
	}
	if !r.adopt(func() { r.capture = pipe }) {
		_ = pipe.Close()
		return ErrStopped
	}

	spk, err := s.devices.Speaker()
	if err != nil {
		return fmt.Errorf("voice: open speaker: %w", err)
	}
	outRate := s.provider.Capabilities().OutputSampleRate
	if outRate <= 0 {
		outRate = audio.OutputSampleRate
	}
	sched := playback.New(spk,
		playback.WithSampleRate(outRate),
		playback.WithMaxLookahead(s.lookahead),
		playback.OnSpeaking(s.speakingChanged),
	)
	if !r.adopt(func() { r.speaker, r.sched, r.outRate = spk, sched, outRate }) {
		_ = spk.Close()
		return ErrStopped
	}

	ctx, span := observe.StartSpan(ctx, "voice.connect")
	defer span.End()
	s.mu.Lock()
	cfg := s.liveCfg
	s.mu.Unlock()
	start := time.Now()
	var remote live.Session
	err = s.breaker.Execute(func() error {
		var err error
		remote, err = s.provider.Connect(ctx, cfg)
		return err
	})
	s.metrics.LiveConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		observe.FailSpan(span, err)
		status := "error"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = "circuit_open"
		}
		s.metrics.RecordProviderRequest(ctx, "live", "connect", status)
		s.metrics.RecordProviderError(ctx, "live", "connect")
		return fmt.Errorf("voice: connect: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, "live", "connect", "ok")
	if !r.adopt(func() { r.remote = remote }) {
		_ = remote.Close()
		return ErrStopped
	}
	return nil
}

// finish tears r down once and records the outcome. cause nil means a
// requested stop.
func (s *Session) finish(r *run, cause error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cancel()

		var errs []error
		if r.capture != nil {
			r.capture.Stop()
		}
		if r.sched != nil {
			r.sched.Flush()
		}
		if r.remote != nil {
			if err := r.remote.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close remote: %w", err))
			}
		}
		if r.capture != nil {
			if err := r.capture.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close microphone: %w", err))
			}
		}
		if r.speaker != nil {
			if err := r.speaker.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close speaker: %w", err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			s.log.Warn("voice: teardown", "err", err)
		}
		if r.opened.Load() {
			s.metrics.ActiveSessions.Add(context.Background(), -1,
				metric.WithAttributes(attribute.String("mode", "voice")))
		}

		// Fragments of an unfinished turn are still worth keeping.
		s.emit(s.transcript.Finalize())

		s.mu.Lock()
		current := s.cur == r
		if current {
			s.cur = nil
		}
		s.mu.Unlock()
		if current {
			if cause != nil {
				s.log.Error("voice: session closed", "err", cause)
			} else {
				s.log.Info("voice: session closed")
			}
			s.transition(StateClosed, cause)
		}
		close(r.done)
	})
}

func (s *Session) transition(to State, err error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.state, s.err = to, err
	s.mu.Unlock()

	if s.onStateChange != nil {
		s.onStateChange(to, err)
	}
}

func (s *Session) speakingChanged(on bool) {
	s.speaking.Store(on)
	if s.onSpeaking != nil {
		s.onSpeaking(on)
	}
}

func (s *Session) emit(msgs []transcript.Message) {
	for _, m := range msgs {
		s.metrics.RecordTranscriptMessage(context.Background(), m.Speaker.String())
		if s.onMessage != nil {
			s.onMessage(m)
		}
	}
}

// ── run ──────────────────────────────────────────────────────────────────────

// run is the state of one Start..Stop cycle.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	capture *capture.Pipeline
	speaker playback.Device
	sched   *playback.Scheduler
	outRate int
	remote  live.Session

	opened   atomic.Bool
	failures chan error

	once sync.Once
	wg   sync.WaitGroup
	done chan struct{}
}

func newRun(parent context.Context) *run {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &run{
		ctx:      ctx,
		cancel:   cancel,
		failures: make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// adopt runs set unless the run is already torn down.
func (r *run) adopt(set func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	set()
	return true
}

func (r *run) captureFailed(err error) {
	select {
	case r.failures <- err:
	default:
	}
}
