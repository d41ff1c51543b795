package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"taylor.live.connect.duration", m.LiveConnectDuration},
		{"taylor.tool.duration", m.ToolDuration},
		{"taylor.chat.duration", m.ChatDuration},
		{"taylor.playback.lookahead", m.PlaybackLookahead},
		{"taylor.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "gemini-live", "live", "ok")
	m.RecordProviderRequest(ctx, "gemini-live", "live", "ok")
	m.RecordProviderRequest(ctx, "gemini-live", "live", "error")
	m.RecordProviderError(ctx, "genai", "llm")
	m.RecordToolCall(ctx, "get_market_data", "ok")
	m.RecordToolCall(ctx, "get_market_data", "not_found")
	m.RecordCodecError(ctx, "egress")
	m.RecordTranscriptMessage(ctx, "user")
	m.RecordTranscriptMessage(ctx, "user")
	m.RecordTranscriptMessage(ctx, "assistant")

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"taylor.provider.requests", "status", "ok", 2},
		{"taylor.provider.requests", "status", "error", 1},
		{"taylor.provider.errors", "provider", "genai", 1},
		{"taylor.tool.calls", "status", "not_found", 1},
		{"taylor.codec.errors", "direction", "egress", 1},
		{"taylor.transcript.messages", "role", "user", 2},
		{"taylor.transcript.messages", "role", "assistant", 1},
	}
	for _, tt := range tests {
		t.Run(tt.metric+"/"+tt.value, func(t *testing.T) {
			if got := sumWhere(t, rm, tt.metric, tt.key, tt.value); got != tt.want {
				t.Errorf("value = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPlainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CaptureFrames.Add(ctx, 3)
	m.PlaybackInterruptions.Add(ctx, 1)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"taylor.capture.frames":         3,
		"taylor.playback.interruptions": 1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum := met.Data.(metricdata.Sum[int64])
		if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != want {
			t.Errorf("%s = %+v, want %d", name, sum.DataPoints, want)
		}
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	voice := metric.WithAttributes(attribute.String("mode", "voice"))
	m.ActiveSessions.Add(ctx, 1, voice)
	m.ActiveSessions.Add(ctx, 1, voice)
	m.ActiveSessions.Add(ctx, -1, voice)
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "chat")))

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "taylor.active_sessions", "mode", "voice"); got != 1 {
		t.Errorf("voice sessions = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "taylor.active_sessions", "mode", "chat"); got != 1 {
		t.Errorf("chat sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
