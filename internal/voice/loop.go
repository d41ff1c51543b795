package voice

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tampabayelite/taylor/internal/observe"
	"github.com/tampabayelite/taylor/internal/transcript"
	"github.com/tampabayelite/taylor/pkg/audio"
	"github.com/tampabayelite/taylor/pkg/provider/live"
)

// loop is the single consumer of remote events and capture failures for r.
func (s *Session) loop(r *run) {
	defer r.wg.Done()
	events := r.remote.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.finish(r, r.remote.Err())
				return
			}
			if s.handle(r, ev) {
				return
			}
		case err := <-r.failures:
			s.finish(r, err)
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// handle processes one event. It reports true when the run has ended.
func (s *Session) handle(r *run, ev live.Event) bool {
	switch ev := ev.(type) {
	case live.Opened:
		s.opened(r)

	case live.AudioChunk:
		s.playChunk(r, ev)

	case live.ToolCall:
		s.answerToolCall(r, ev)

	case live.Transcript:
		speaker := transcript.User
		if ev.Source == live.Output {
			speaker = transcript.Assistant
		}
		s.transcript.Append(speaker, ev.Text)

	case live.TurnComplete:
		s.emit(s.transcript.Finalize())

	case live.Interrupted:
		r.sched.Flush()
		s.metrics.PlaybackInterruptions.Add(r.ctx, 1)
		s.log.Debug("voice: interrupted, playback flushed")

	case live.Error:
		s.metrics.RecordProviderError(r.ctx, "live", "session")
		s.finish(r, ev.Err)
		return true

	case live.Closed:
		if ev.Err != nil {
			s.metrics.RecordProviderError(r.ctx, "live", "session")
		}
		s.finish(r, ev.Err)
		return true
	}
	return false
}

func (s *Session) opened(r *run) {
	if r.opened.Swap(true) {
		return
	}
	if err := r.capture.Start(func(c audio.EncodedChunk) { s.sendAudio(r, c) }); err != nil {
		s.finish(r, fmt.Errorf("voice: start capture: %w", err))
		return
	}
	s.metrics.ActiveSessions.Add(r.ctx, 1, metric.WithAttributes(attribute.String("mode", "voice")))
	s.log.Info("voice: session open")
	s.transition(StateOpen, nil)
}

// sendAudio runs on the capture goroutine.
func (s *Session) sendAudio(r *run, c audio.EncodedChunk) {
	if err := r.remote.SendAudio(c); err != nil && !errors.Is(err, live.ErrSessionClosed) {
		s.log.Debug("voice: send audio", "err", err)
	}
}

func (s *Session) playChunk(r *run, ev live.AudioChunk) {
	pcm, err := audio.EncodedChunk{Data: ev.Data}.Bytes()
	if err == nil {
		var rate int
		rate, err = audio.ParseMIME(ev.MIMEType, r.outRate)
		if err == nil {
			pcm = audio.ResampleMono16(pcm, rate, r.outRate)
		}
	}
	if err == nil {
		_, err = r.sched.Enqueue(r.ctx, pcm)
	}

	var codecErr *audio.CodecError
	switch {
	case err == nil:
		s.metrics.PlaybackLookahead.Record(r.ctx, r.sched.Lookahead().Seconds())
	case errors.As(err, &codecErr):
		s.metrics.RecordCodecError(r.ctx, "inbound")
		s.log.Warn("voice: dropped malformed audio chunk", "err", err)
	case r.ctx.Err() != nil:
	default:
		s.log.Warn("voice: schedule audio", "err", err)
	}
}

func (s *Session) answerToolCall(r *run, call live.ToolCall) {
	ctx, span := observe.StartSpan(r.ctx, "voice.tool_call")
	defer span.End()

	var result map[string]any
	if s.tools != nil {
		result = s.tools.Resolve(ctx, call.Name, call.Args)
	} else {
		result = map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	}
	err := r.remote.SendToolResult(live.ToolResult{ID: call.ID, Name: call.Name, Response: result})
	if err != nil && !errors.Is(err, live.ErrSessionClosed) {
		observe.FailSpan(span, err)
		s.log.Warn("voice: send tool result", "tool", call.Name, "id", call.ID, "err", err)
	}
}

