// Package capture turns a live microphone stream into fixed-size encoded
// frames for the remote session.
//
// A [Source] abstracts the physical device. The [Pipeline] acquires it,
// re-blocks whatever buffer sizes the device delivers into
// [audio.CaptureBlockSize]-sample frames, encodes each frame with the PCM
// codec, and hands it to a caller-supplied callback. Device callbacks never
// reach the caller directly: they flow through the bounded channel returned
// by [Source.Start].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tampabayelite/taylor/pkg/audio"
)

var (
	// ErrPermissionDenied is returned when the platform refuses access to the
	// capture device. It is fatal to the current start attempt.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrCaptureFailed reports that the device stopped delivering audio
	// without being asked to.
	ErrCaptureFailed = errors.New("capture: device failed")
)

// Source is a microphone. Implementations must be safe for concurrent use.
type Source interface {
	// Open acquires the device. Permission refusals must wrap
	// [ErrPermissionDenied].
	Open(ctx context.Context) error

	// Start begins capture and returns the channel of mono float sample
	// buffers. The channel is closed when capture ends for any reason.
	Start() (<-chan []float32, error)

	// Stop halts capture and closes the sample channel. The device stays
	// acquired so Start may be called again.
	Stop() error

	// Err returns the reason the sample channel closed, or nil after a
	// requested stop. Unexpected stops must wrap [ErrCaptureFailed].
	Err() error

	// Close releases the device. It is idempotent.
	Close() error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithBlockSize overrides the number of samples per emitted frame.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithSampleRate overrides the rate tagged onto emitted chunks.
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// OnError registers a callback invoked at most once per Start when the device
// fails mid-stream. The error wraps [ErrCaptureFailed].
func OnError(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// OnFrameEncoded registers a hook called after every emitted frame, e.g. to
// count frames.
func OnFrameEncoded(fn func()) Option {
	return func(p *Pipeline) { p.onEncoded = fn }
}

// OnDropped registers a hook called with the [*audio.CodecError] of every
// block that could not be encoded.
func OnDropped(fn func(error)) Option {
	return func(p *Pipeline) { p.onDropped = fn }
}

// WithLogger sets the logger used for dropped frames.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline reads a [Source] and emits encoded frames. A Pipeline may be
// started again after Stop, but Close is final.
type Pipeline struct {
	src       Source
	blockSize int
	rate      int
	onError   func(error)
	onEncoded func()
	onDropped func(error)
	log       *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

// New creates a Pipeline reading from src.
func New(src Source, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:       src,
		blockSize: audio.CaptureBlockSize,
		rate:      audio.InputSampleRate,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open acquires the device.
func (p *Pipeline) Open(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("capture: open: pipeline closed")
	}
	if err := p.src.Open(ctx); err != nil {
		return fmt.Errorf("capture: open: %w", err)
	}
	return nil
}

// Start begins capture. onFrame is called sequentially from a single
// goroutine, in capture order, for every full block. onFrame must not call
// Stop or Close.
func (p *Pipeline) Start(onFrame func(audio.EncodedChunk)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("capture: start: pipeline closed")
	}
	if p.running {
		return fmt.Errorf("capture: start: already running")
	}
	ch, err := p.src.Start()
	if err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ch, onFrame, p.stop, p.done)
	return nil
}

// Stop halts frame delivery and waits for the loop to exit. It does not
// release the device; call Close for that. Stop is idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()
	<-done
	if err := p.src.Stop(); err != nil {
		p.log.Warn("capture: stop device", "err", err)
	}
}

// Close stops the pipeline and releases the device. It is idempotent.
func (p *Pipeline) Close() error {
	p.Stop()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	if err := p.src.Close(); err != nil {
		return fmt.Errorf("capture: close: %w", err)
	}
	return nil
}

func (p *Pipeline) loop(ch <-chan []float32, onFrame func(audio.EncodedChunk), stop, done chan struct{}) {
	defer close(done)
	block := make([]float32, 0, p.blockSize)
	for {
		select {
		case <-stop:
			// Keep the device callback from blocking until Close.
			go audio.Drain(ch)
			return
		case buf, ok := <-ch:
			if !ok {
				p.deviceEnded()
				return
			}
			for len(buf) > 0 {
				n := min(p.blockSize-len(block), len(buf))
				block = append(block, buf[:n]...)
				buf = buf[n:]
				if len(block) < p.blockSize {
					continue
				}
				p.emit(block, onFrame)
				block = block[:0]
			}
		}
	}
}

func (p *Pipeline) emit(block []float32, onFrame func(audio.EncodedChunk)) {
	chunk, err := audio.Encode(block, p.rate)
	if err != nil {
		p.log.Warn("capture: dropping frame", "err", err)
		if p.onDropped != nil {
			p.onDropped(err)
		}
		return
	}
	onFrame(chunk)
	if p.onEncoded != nil {
		p.onEncoded()
	}
}

func (p *Pipeline) deviceEnded() {
	p.mu.Lock()
	requested := !p.running
	p.running = false
	p.mu.Unlock()
	if requested {
		return
	}
	err := p.src.Err()
	if err == nil {
		err = ErrCaptureFailed
	} else if !errors.Is(err, ErrCaptureFailed) {
		err = fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	if p.onError != nil {
		p.onError(err)
	}
}
