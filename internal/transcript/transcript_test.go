package transcript_test

import (
	"sync"
	"testing"
	"time"

	"github.com/tampabayelite/taylor/internal/transcript"
)

var fixedTime = time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

func newAggregator(opts ...transcript.Option) *transcript.Aggregator {
	return transcript.New(append([]transcript.Option{
		transcript.WithClock(func() time.Time { return fixedTime }),
	}, opts...)...)
}

func TestFinalize_OneMessagePerSpeaker(t *testing.T) {
	t.Parallel()
	a := newAggregator()
	a.Append(transcript.User, "What's the market ")
	a.Append(transcript.Assistant, "South Tampa is ")
	a.Append(transcript.User, "like in South Tampa?")
	a.Append(transcript.Assistant, "averaging $855,000.")

	msgs := a.Finalize()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	want := []transcript.Message{
		{Speaker: transcript.User, Text: "What's the market like in South Tampa?", Timestamp: fixedTime},
		{Speaker: transcript.Assistant, Text: "South Tampa is averaging $855,000.", Timestamp: fixedTime},
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("msg[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}

	if p := a.Pending(transcript.User); p != "" {
		t.Errorf("user accumulator not cleared: %q", p)
	}
	if p := a.Pending(transcript.Assistant); p != "" {
		t.Errorf("assistant accumulator not cleared: %q", p)
	}
	if again := a.Finalize(); len(again) != 0 {
		t.Errorf("second Finalize emitted %v", again)
	}
}

func TestFinalize_SkipsBlankAccumulators(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		user      []string
		assistant []string
		want      []transcript.Speaker
	}{
		{"nothing", nil, nil, nil},
		{"assistant only", nil, []string{"Hello there."}, []transcript.Speaker{transcript.Assistant}},
		{"user only", []string{"hi"}, nil, []transcript.Speaker{transcript.User}},
		{"whitespace user", []string{"  ", "\n"}, []string{"ok"}, []transcript.Speaker{transcript.Assistant}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAggregator()
			for _, s := range tt.user {
				a.Append(transcript.User, s)
			}
			for _, s := range tt.assistant {
				a.Append(transcript.Assistant, s)
			}
			msgs := a.Finalize()
			if len(msgs) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(msgs), len(tt.want))
			}
			for i, sp := range tt.want {
				if msgs[i].Speaker != sp {
					t.Errorf("msg[%d] speaker = %v, want %v", i, msgs[i].Speaker, sp)
				}
			}
		})
	}
}

func TestAppend_IgnoresUnknownSpeaker(t *testing.T) {
	t.Parallel()
	a := newAggregator()
	a.Append(transcript.Speaker(7), "ghost")
	if msgs := a.Finalize(); len(msgs) != 0 {
		t.Errorf("got %v, want nothing", msgs)
	}
	if got := transcript.Speaker(7).String(); got != "unknown" {
		t.Errorf("String = %q", got)
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	a := newAggregator()
	a.Append(transcript.User, "half a sen")
	a.Discard()
	a.Append(transcript.User, "Book a showing.")
	msgs := a.Finalize()
	if len(msgs) != 1 || msgs[0].Text != "Book a showing." {
		t.Errorf("got %+v", msgs)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	a := newAggregator(transcript.WithHistoryLimit(3))
	for _, turn := range []string{"one", "two", "three"} {
		a.Append(transcript.User, turn)
		a.Append(transcript.Assistant, turn+"!")
		a.Finalize()
	}
	h := a.History()
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
	if h[0].Text != "two!" || h[2].Text != "three!" {
		t.Errorf("history = %+v", h)
	}

	h[0].Text = "mutated"
	if a.History()[0].Text != "two!" {
		t.Error("History returned an alias of internal state")
	}

	a.Reset()
	if len(a.History()) != 0 {
		t.Error("Reset kept history")
	}
}

func TestConcurrentAppendFinalize(t *testing.T) {
	t.Parallel()
	a := newAggregator()
	const writers, perWriter = 8, 100

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				a.Append(transcript.User, "x")
			}
		}()
	}

	stop := make(chan struct{})
	counted := make(chan int)
	go func() {
		n := 0
		for {
			for _, m := range a.Finalize() {
				n += len(m.Text)
			}
			select {
			case <-stop:
				counted <- n
				return
			default:
			}
		}
	}()
	wg.Wait()
	close(stop)
	total := <-counted
	for _, m := range a.Finalize() {
		total += len(m.Text)
	}
	if total != writers*perWriter {
		t.Errorf("finalized %d characters, want %d", total, writers*perWriter)
	}
}
