package voice_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tampabayelite/taylor/internal/market"
	"github.com/tampabayelite/taylor/internal/observe"
	"github.com/tampabayelite/taylor/internal/resilience"
	"github.com/tampabayelite/taylor/internal/tools"
	"github.com/tampabayelite/taylor/internal/transcript"
	"github.com/tampabayelite/taylor/internal/voice"
	"github.com/tampabayelite/taylor/pkg/audio"
	"github.com/tampabayelite/taylor/pkg/audio/capture"
	audiomock "github.com/tampabayelite/taylor/pkg/audio/mock"
	"github.com/tampabayelite/taylor/pkg/audio/playback"
	"github.com/tampabayelite/taylor/pkg/provider/live"
	livemock "github.com/tampabayelite/taylor/pkg/provider/live/mock"
)

// ── fixtures ─────────────────────────────────────────────────────────────────

type fakeDevices struct {
	mu         sync.Mutex
	micOpenErr error
	speakerErr error
	mics       []*audiomock.Source
	outs       []*audiomock.Output
}

func (d *fakeDevices) Microphone() capture.Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := &audiomock.Source{OpenErr: d.micOpenErr}
	d.mics = append(d.mics, src)
	return src
}

func (d *fakeDevices) Speaker() (playback.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.speakerErr != nil {
		return nil, d.speakerErr
	}
	out := &audiomock.Output{}
	d.outs = append(d.outs, out)
	return out, nil
}

func (d *fakeDevices) mic(i int) *audiomock.Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mics[i]
}

func (d *fakeDevices) out(i int) *audiomock.Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outs[i]
}

type recorder struct {
	mu       sync.Mutex
	states   []voice.State
	speaking []bool
	messages []transcript.Message
}

func (r *recorder) state(s voice.State, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) speak(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaking = append(r.speaking, on)
}

func (r *recorder) message(m transcript.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) snapshot() ([]voice.State, []bool, []transcript.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]voice.State(nil), r.states...),
		append([]bool(nil), r.speaking...),
		append([]transcript.Message(nil), r.messages...)
}

type harness struct {
	sess     *voice.Session
	provider *livemock.Provider
	devices  *fakeDevices
	rec      *recorder
}

func newHarness(t *testing.T, mutate ...func(*voice.Config)) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &harness{
		provider: &livemock.Provider{ProviderCapabilities: live.Capabilities{
			InputSampleRate:  audio.InputSampleRate,
			OutputSampleRate: audio.OutputSampleRate,
		}},
		devices: &fakeDevices{},
		rec:     &recorder{},
	}
	cfg := voice.Config{
		Provider:      h.provider,
		Devices:       h.devices,
		Tools:         tools.New(market.NewStore(market.Defaults()), tools.WithMetrics(metrics)),
		Live:          live.SessionConfig{Voice: "Kore", Instructions: "You are Taylor."},
		BlockSize:     4,
		Metrics:       metrics,
		OnStateChange: h.rec.state,
		OnSpeaking:    h.rec.speak,
		OnMessage:     h.rec.message,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.sess, err = voice.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.sess.Stop)
	return h
}

// open starts the session and acknowledges it from the remote side.
func (h *harness) open(t *testing.T) *livemock.Session {
	t.Helper()
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	remote := h.provider.Last()
	remote.Push(live.Opened{})
	waitFor(t, func() bool { return h.sess.State() == voice.StateOpen })
	return remote
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

// pcmChunk returns n samples of silence as a base64 audio chunk at rate.
func pcmChunk(n, rate int) live.AudioChunk {
	return live.AudioChunk{
		Data:     base64.StdEncoding.EncodeToString(make([]byte, 2*n)),
		MIMEType: audio.EncodedChunk{SampleRate: rate}.MIMEType(),
	}
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if got := h.sess.Status(); got != voice.StatusDisconnected {
		t.Fatalf("initial status = %s", got)
	}
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.sess.Status(); got != voice.StatusConnecting {
		t.Errorf("status before ack = %s, want CONNECTING", got)
	}
	cfg := h.provider.ConnectCalls[0].Cfg
	if cfg.Voice != "Kore" || len(cfg.Tools) != 2 {
		t.Errorf("connect cfg = %+v, want voice Kore and two tools", cfg)
	}

	remote := h.provider.Last()
	remote.Push(live.Opened{})
	waitFor(t, func() bool { return h.sess.Status() == voice.StatusConnected })

	// Capture frames flow only once the session is open.
	mic := h.devices.mic(0)
	if !mic.Push([]float32{0.1, 0.2, 0.3, 0.4}) {
		t.Fatal("capture not running after open")
	}
	waitFor(t, func() bool { return remote.AudioCount() == 1 })

	h.sess.Stop()
	if got := h.sess.State(); got != voice.StateClosed {
		t.Errorf("state after Stop = %s, want closed", got)
	}
	if err := h.sess.Err(); err != nil {
		t.Errorf("Err after Stop = %v, want nil", err)
	}
	if got := h.sess.Status(); got != voice.StatusDisconnected {
		t.Errorf("status after Stop = %s", got)
	}
	if !mic.Released() {
		t.Error("microphone not released")
	}
	if n := h.devices.out(0).CallCountClose; n != 1 {
		t.Errorf("speaker closed %d times, want 1", n)
	}
	if n := remote.Closes(); n != 1 {
		t.Errorf("remote closed %d times, want 1", n)
	}

	// Stop is idempotent.
	h.sess.Stop()
	if n := remote.Closes(); n != 1 {
		t.Errorf("second Stop closed remote again (%d)", n)
	}

	states, _, _ := h.rec.snapshot()
	want := []voice.State{voice.StateConnecting, voice.StateOpen, voice.StateClosed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestSession_StopWhenIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sess.Stop()
	if got := h.sess.State(); got != voice.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	select {
	case <-h.sess.Done():
	default:
		t.Error("Done not closed without a run")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := voice.New(voice.Config{Devices: &fakeDevices{}}); err == nil {
		t.Error("expected error without provider")
	}
	if _, err := voice.New(voice.Config{Provider: &livemock.Provider{}}); err == nil {
		t.Error("expected error without devices")
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		state voice.State
		err   error
		want  voice.Status
	}{
		{voice.StateIdle, nil, voice.StatusDisconnected},
		{voice.StateConnecting, nil, voice.StatusConnecting},
		{voice.StateOpen, nil, voice.StatusConnected},
		{voice.StateClosed, nil, voice.StatusDisconnected},
		{voice.StateClosed, boom, voice.StatusError},
	}
	for _, tt := range tests {
		if got := voice.StatusOf(tt.state, tt.err); got != tt.want {
			t.Errorf("StatusOf(%s, %v) = %s, want %s", tt.state, tt.err, got, tt.want)
		}
	}
}

// ── start failures ───────────────────────────────────────────────────────────

func TestStart_PermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.devices.micOpenErr = capture.ErrPermissionDenied

	err := h.sess.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start error = %v, want ErrPermissionDenied", err)
	}
	if got := h.sess.Status(); got != voice.StatusError {
		t.Errorf("status = %s, want ERROR", got)
	}
	if !h.devices.mic(0).Released() {
		t.Error("microphone not released")
	}
	if n := h.provider.ConnectCount(); n != 0 {
		t.Errorf("Connect called %d times after permission failure", n)
	}
}

func TestStart_SpeakerFailureReleasesMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.devices.speakerErr = errors.New("no output device")

	if err := h.sess.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if !h.devices.mic(0).Released() {
		t.Error("microphone not released")
	}
	if h.sess.State() != voice.StateClosed {
		t.Errorf("state = %s, want closed", h.sess.State())
	}
}

func TestStart_ConnectFailureOpensBreaker(t *testing.T) {
	t.Parallel()
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "test", MaxFailures: 2, ResetTimeout: time.Hour,
	})
	h := newHarness(t, func(c *voice.Config) { c.Breaker = breaker })
	h.provider.ConnectErr = live.ErrTransport

	for i := range 2 {
		err := h.sess.Start(context.Background())
		if !errors.Is(err, live.ErrTransport) {
			t.Fatalf("attempt %d: error = %v, want ErrTransport", i, err)
		}
		if !h.devices.mic(i).Released() || h.devices.out(i).CallCountClose != 1 {
			t.Errorf("attempt %d: devices not released", i)
		}
	}
	err := h.sess.Start(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("third attempt error = %v, want ErrCircuitOpen", err)
	}
	if n := h.provider.ConnectCount(); n != 2 {
		t.Errorf("Connect called %d times, want 2", n)
	}
	if h.sess.Breaker() != breaker {
		t.Error("Breaker does not expose the configured breaker")
	}
}

func TestStart_InProgressAndStopDuringConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.Block = make(chan struct{})

	result := make(chan error, 1)
	go func() { result <- h.sess.Start(context.Background()) }()
	waitFor(t, func() bool { return h.provider.ConnectCount() == 1 })

	if err := h.sess.Start(context.Background()); !errors.Is(err, voice.ErrStartInProgress) {
		t.Errorf("concurrent Start = %v, want ErrStartInProgress", err)
	}

	h.sess.Stop()
	select {
	case err := <-result:
		if !errors.Is(err, voice.ErrStopped) {
			t.Errorf("interrupted Start = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if h.sess.Status() != voice.StatusDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", h.sess.Status())
	}
	if !h.devices.mic(0).Released() || h.devices.out(0).CallCountClose != 1 {
		t.Error("devices not released")
	}
}

func TestStart_WhileOpenRestarts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	first := h.open(t)

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if first.Closes() != 1 {
		t.Error("previous remote session not closed")
	}
	if !h.devices.mic(0).Released() {
		t.Error("previous microphone not released")
	}
	if n := h.provider.ConnectCount(); n != 2 {
		t.Fatalf("Connect called %d times, want 2", n)
	}
	h.provider.Last().Push(live.Opened{})
	waitFor(t, func() bool { return h.sess.State() == voice.StateOpen })
}

func TestSetPersona_AppliesOnNextStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.sess.SetPersona("Puck", "")
	h.sess.Stop()
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	calls := h.provider.ConnectCalls
	if len(calls) != 2 {
		t.Fatalf("Connect called %d times, want 2", len(calls))
	}
	if calls[0].Cfg.Voice != "Kore" {
		t.Errorf("first voice = %q, want Kore", calls[0].Cfg.Voice)
	}
	if got := calls[1].Cfg; got.Voice != "Puck" || got.Instructions != "You are Taylor." {
		t.Errorf("second config = %+v, want Puck with unchanged instructions", got)
	}
	if len(calls[1].Cfg.Tools) != 2 {
		t.Errorf("tools dropped after SetPersona: %d", len(calls[1].Cfg.Tools))
	}
}

// ── inbound events ───────────────────────────────────────────────────────────

func TestSession_PlaybackAndBargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	remote := h.open(t)
	out := h.devices.out(0)

	remote.Push(pcmChunk(2400, audio.OutputSampleRate))
	remote.Push(pcmChunk(2400, audio.OutputSampleRate))
	waitFor(t, func() bool { return out.ScheduledCount() == 2 })
	waitFor(t, h.sess.Speaking)

	pending := out.Pending()
	if pending[1].Start != pending[0].End() {
		t.Errorf("second unit starts at %v, want %v", pending[1].Start, pending[0].End())
	}

	remote.Push(live.Interrupted{})
	waitFor(t, func() bool { return !h.sess.Speaking() })
	if n := len(out.Pending()); n != 0 {
		t.Errorf("%d units still pending after barge-in", n)
	}

	_, speaking, _ := h.rec.snapshot()
	if len(speaking) != 2 || !speaking[0] || speaking[1] {
		t.Errorf("speaking transitions = %v, want [true false]", speaking)
	}
}

func TestSession_ResamplesForeignRate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	remote := h.open(t)
	out := h.devices.out(0)

	remote.Push(pcmChunk(1600, 16000))
	waitFor(t, func() bool { return out.ScheduledCount() == 1 })
	if got := out.Pending()[0].Duration; got != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", got)
	}
}

func TestSession_MalformedAudioDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	remote := h.open(t)
	out := h.devices.out(0)

	remote.Push(live.AudioChunk{Data: "!!not base64!!", MIMEType: "audio/pcm;rate=24000"})
	remote.Push(live.AudioChunk{Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), MIMEType: "audio/pcm;rate=24000"})
	remote.Push(live.AudioChunk{Data: base64.StdEncoding.EncodeToString([]byte{1, 2}), MIMEType: "video/mp4"})
	remote.Push(pcmChunk(240, audio.OutputSampleRate))

	waitFor(t, func() bool { return out.ScheduledCount() == 1 })
	if h.sess.State() != voice.StateOpen {
		t.Errorf("state = %s, malformed audio must not end the session", h.sess.State())
	}
}

func TestSession_ToolCallAnsweredOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	remote := h.open(t)

	remote.Push(live.ToolCall{ID: "c1", Name: tools.MarketData, Args: map[string]any{"neighborhood": "brandon"}})
	remote.Push(live.ToolCall{ID: "c2", Name: tools.MarketData, Args: map[string]any{"neighborhood": "Atlantis"}})
	remote.Push(live.ToolCall{ID: "c3", Name: "order_pizza"})
	waitFor(t, func() bool { return len(remote.Results()) == 3 })

	res := remote.Results()
	if res[0].ID != "c1" || res[0].Response["area"] != "Brandon" {
		t.Errorf("result[0] = %+v", res[0])
	}
	if res[1].ID != "c2" || res[1].Response["error"] != market.NotFoundMessage {
		t.Errorf("result[1] = %+v", res[1])
	}
	if res[2].ID != "c3" || res[2].Response["error"] == nil {
		t.Errorf("result[2] = %+v", res[2])
	}
}

func TestSession_TranscriptFinalizedOnTurnComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	remote := h.open(t)

	remote.Push(live.Transcript{Source: live.Input, Text: "How is "})
	remote.Push(live.Transcript{Source: live.Output, Text: "Westchase is "})
	remote.Push(live.Transcript{Source: live.Input, Text: "Westchase?"})
	remote.Push(live.Transcript{Source: live.Output, Text: "steady."})
	remote.Push(live.TurnComplete{})
	waitFor(t, func() bool { _, _, m := h.rec.snapshot(); return len(m) == 2 })

	_, _, msgs := h.rec.snapshot()
	if msgs[0].Speaker != transcript.User || msgs[0].Text != "How is Westchase?" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Speaker != transcript.Assistant || msgs[1].Text != "Westchase is steady." {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if n := len(h.sess.Transcript()); n != 2 {
		t.Errorf("Transcript has %d messages, want 2", n)
	}
}

// ── failures while open ──────────────────────────────────────────────────────

func TestSession_RemoteErrorClosesWithError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	remote := h.open(t)
	done := h.sess.Done()

	remote.Push(live.Error{Err: live.ErrTransport})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end")
	}
	if !errors.Is(h.sess.Err(), live.ErrTransport) {
		t.Errorf("Err = %v, want ErrTransport", h.sess.Err())
	}
	if h.sess.Status() != voice.StatusError {
		t.Errorf("status = %s, want ERROR", h.sess.Status())
	}
	if !h.devices.mic(0).Released() || h.devices.out(0).CallCountClose != 1 {
		t.Error("devices not released")
	}

	// A fresh start is always possible.
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start after error: %v", err)
	}
	if h.sess.Status() != voice.StatusConnecting {
		t.Errorf("status = %s, want CONNECTING", h.sess.Status())
	}
}

func TestSession_RemoteCleanClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	remote := h.open(t)
	done := h.sess.Done()

	remote.End(nil)
	<-done
	if h.sess.State() != voice.StateClosed || h.sess.Err() != nil {
		t.Errorf("state = %s err = %v, want clean close", h.sess.State(), h.sess.Err())
	}
}

func TestSession_CaptureFailureClosesWithError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)
	done := h.sess.Done()

	h.devices.mic(0).Fail(errors.New("usb unplugged"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end")
	}
	if !errors.Is(h.sess.Err(), capture.ErrCaptureFailed) {
		t.Errorf("Err = %v, want ErrCaptureFailed", h.sess.Err())
	}
}

func TestSession_StopFlushesPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	remote := h.open(t)
	out := h.devices.out(0)

	remote.Push(pcmChunk(24000, audio.OutputSampleRate))
	waitFor(t, h.sess.Speaking)

	h.sess.Stop()
	if h.sess.Speaking() {
		t.Error("still speaking after Stop")
	}
	if n := len(out.Pending()); n != 0 {
		t.Errorf("%d units pending after Stop", n)
	}
}
