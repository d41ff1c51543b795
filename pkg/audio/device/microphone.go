// Package device binds the capture and playback abstractions to the local
// sound hardware: [Microphone] captures through miniaudio (malgo) and
// [Speaker] plays through the beep speaker.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/tampabayelite/taylor/pkg/audio"
	"github.com/tampabayelite/taylor/pkg/audio/capture"
)

var _ capture.Source = (*Microphone)(nil)

// defaultMicBuffers is the number of device periods buffered between the
// audio thread and the capture pipeline.
const defaultMicBuffers = 32

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithDeviceName selects the first capture device whose name contains name
// (case-insensitive). Empty selects the system default.
func WithDeviceName(name string) MicOption {
	return func(m *Microphone) { m.deviceName = name }
}

// WithChannels captures with n channels and downmixes to mono.
func WithChannels(n int) MicOption {
	return func(m *Microphone) {
		if n > 0 {
			m.channels = n
		}
	}
}

// WithMicSampleRate overrides the capture rate.
func WithMicSampleRate(rate int) MicOption {
	return func(m *Microphone) {
		if rate > 0 {
			m.rate = rate
		}
	}
}

// WithMicLogger sets the logger for device diagnostics.
func WithMicLogger(l *slog.Logger) MicOption {
	return func(m *Microphone) { m.log = l }
}

// Microphone is a [capture.Source] reading float samples from a miniaudio
// capture device. Buffers that arrive while the pipeline is behind are dropped
// and counted rather than blocking the audio thread.
type Microphone struct {
	deviceName string
	channels   int
	rate       int
	log        *slog.Logger

	mu       sync.Mutex
	mctx     *malgo.AllocatedContext
	dev      *malgo.Device
	ch       chan []float32
	err      error
	stopping bool
	closed   bool

	dropped atomic.Int64
}

// NewMicrophone returns an unopened microphone capturing mono audio at
// [audio.InputSampleRate].
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{
		channels: 1,
		rate:     audio.InputSampleRate,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open initialises the audio backend and the capture device. Any refusal from
// the platform is reported as [capture.ErrPermissionDenied].
func (m *Microphone) Open(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return nil
	}
	if m.closed {
		return fmt.Errorf("device: microphone closed")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		m.log.Debug("malgo", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return fmt.Errorf("%w: init audio context: %w", capture.ErrPermissionDenied, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(m.channels)
	cfg.SampleRate = uint32(m.rate)

	if m.deviceName != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			m.releaseContext(mctx)
			return fmt.Errorf("%w: list capture devices: %w", capture.ErrPermissionDenied, err)
		}
		found := false
		for _, info := range infos {
			if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(m.deviceName)) {
				cfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			m.releaseContext(mctx)
			return fmt.Errorf("%w: no capture device matching %q", capture.ErrPermissionDenied, m.deviceName)
		}
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: m.onData,
		Stop: m.onStop,
	})
	if err != nil {
		m.releaseContext(mctx)
		return fmt.Errorf("%w: init capture device: %w", capture.ErrPermissionDenied, err)
	}
	m.mctx = mctx
	m.dev = dev
	return nil
}

// Start begins capture.
func (m *Microphone) Start() (<-chan []float32, error) {
	m.mu.Lock()
	if m.dev == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("device: microphone not open")
	}
	if m.ch != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("device: microphone already started")
	}
	ch := make(chan []float32, defaultMicBuffers)
	m.ch = ch
	m.err = nil
	m.stopping = false
	dev := m.dev
	m.mu.Unlock()

	if err := dev.Start(); err != nil {
		m.mu.Lock()
		m.closeChanLocked()
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: start capture: %w", capture.ErrPermissionDenied, err)
	}
	return ch, nil
}

// Stop halts the device and closes the sample channel.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	if m.ch == nil {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	dev := m.dev
	m.mu.Unlock()

	// The stop callback may fire on this goroutine, so the lock is not held.
	err := dev.Stop()

	m.mu.Lock()
	m.closeChanLocked()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("device: stop capture: %w", err)
	}
	return nil
}

// Err returns [capture.ErrCaptureFailed] if the device stopped on its own.
func (m *Microphone) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Dropped returns the number of buffers discarded because the pipeline fell
// behind.
func (m *Microphone) Dropped() int64 { return m.dropped.Load() }

// Close stops capture and releases the device and backend. It is idempotent.
func (m *Microphone) Close() error {
	stopErr := m.Stop()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	dev, mctx := m.dev, m.mctx
	m.dev, m.mctx = nil, nil
	m.mu.Unlock()

	if dev != nil {
		dev.Uninit()
	}
	if mctx != nil {
		m.releaseContext(mctx)
	}
	if n := m.dropped.Load(); n > 0 {
		m.log.Warn("device: capture buffers dropped", "count", n)
	}
	return stopErr
}

func (m *Microphone) releaseContext(mctx *malgo.AllocatedContext) {
	if err := mctx.Uninit(); err != nil {
		m.log.Warn("device: uninit audio context", "err", err)
	}
	mctx.Free()
}

// onData runs on the audio thread.
func (m *Microphone) onData(_, input []byte, _ uint32) {
	samples := make([]float32, len(input)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	samples = audio.Downmix(samples, m.channels)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return
	}
	select {
	case m.ch <- samples:
	default:
		m.dropped.Add(1)
	}
}

func (m *Microphone) onStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return
	}
	if !m.stopping {
		m.err = fmt.Errorf("%w: device stopped unexpectedly", capture.ErrCaptureFailed)
	}
	m.closeChanLocked()
}

func (m *Microphone) closeChanLocked() {
	if m.ch != nil {
		close(m.ch)
		m.ch = nil
	}
}
