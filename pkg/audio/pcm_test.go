package audio_test

import (
	"encoding/base64"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/tampabayelite/taylor/pkg/audio"
)

const quantStep = 1.0 / 32768

func TestEncode_KnownValues(t *testing.T) {
	tests := []struct {
		name   string
		sample float32
		want   int16
	}{
		{"zero", 0, 0},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"minus one", -1, -32768},
		{"one clamps", 1, 32767},
		{"above range clamps", 1.7, 32767},
		{"below range clamps", -3, -32768},
		{"positive infinity clamps", float32(math.Inf(1)), 32767},
		{"truncates toward zero", 0.00004, 1},
		{"negative truncates toward zero", -0.00004, -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chunk, err := audio.Encode([]float32{tc.sample}, audio.InputSampleRate)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			raw, err := base64.StdEncoding.DecodeString(chunk.Data)
			if err != nil {
				t.Fatalf("payload is not base64: %v", err)
			}
			got := bytesToSamples(raw)
			if len(got) != 1 || got[0] != tc.want {
				t.Errorf("Encode(%v) = %v, want [%d]", tc.sample, got, tc.want)
			}
		})
	}
}

func TestEncode_NaNIsCodecError(t *testing.T) {
	_, err := audio.Encode([]float32{0.1, float32(math.NaN())}, audio.InputSampleRate)
	var ce *audio.CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("Encode(NaN) error = %v, want *CodecError", err)
	}
	if ce.Op != "encode" {
		t.Errorf("Op = %q, want encode", ce.Op)
	}
}

func TestEncode_MIMEType(t *testing.T) {
	chunk, err := audio.Encode(make([]float32, 4), audio.InputSampleRate)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := chunk.MIMEType(); got != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType() = %q, want audio/pcm;rate=16000", got)
	}
}

func TestRoundTrip_WithinOneQuantisationStep(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	samples := make([]float32, 10_000)
	for i := range samples {
		samples[i] = r.Float32()*2 - 1
	}
	samples = append(samples, -1, 0, 1, 0.999999, -0.999999)

	chunk, err := audio.Encode(samples, audio.InputSampleRate)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := audio.DecodeChunk(chunk.Data)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if diff := math.Abs(float64(got[i] - samples[i])); diff > quantStep+1e-9 {
			t.Fatalf("sample %d: in=%v out=%v diff=%v exceeds one step", i, samples[i], got[i], diff)
		}
	}
}

func TestDecode_OddByteCount(t *testing.T) {
	_, err := audio.Decode([]byte{1, 2, 3})
	var ce *audio.CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("Decode(odd) error = %v, want *CodecError", err)
	}
}

func TestDecodeChunk_InvalidBase64(t *testing.T) {
	_, err := audio.DecodeChunk("not base64!!")
	var ce *audio.CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("DecodeChunk error = %v, want *CodecError", err)
	}
	if ce.Unwrap() == nil {
		t.Error("CodecError should wrap the base64 error")
	}
}

func TestDecode_Values(t *testing.T) {
	got, err := audio.Decode(samplesToBytes([]int16{0, 16384, -32768, 32767}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []float32{0, 0.5, -1, 32767.0 / 32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParseMIME(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"audio/pcm;rate=24000", 24000, false},
		{"audio/pcm; rate=16000", 16000, false},
		{"audio/pcm", 24000, false},
		{"audio/wav;rate=16000", 0, true},
		{"audio/pcm;rate=abc", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := audio.ParseMIME(tc.in, audio.OutputSampleRate)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseMIME(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseMIME(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	f := audio.AudioFrame{Data: make([]byte, 2*audio.OutputSampleRate/2), SampleRate: audio.OutputSampleRate}
	if got := f.Duration(); got.Milliseconds() != 500 {
		t.Errorf("Duration() = %v, want 500ms", got)
	}
	if got := (audio.AudioFrame{Data: make([]byte, 4)}).Duration(); got != 0 {
		t.Errorf("Duration() without rate = %v, want 0", got)
	}
}
