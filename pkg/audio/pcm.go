// Package audio holds the PCM wire codec and the sample-format helpers shared
// by the capture and playback halves of the voice pipeline.
//
// The remote live session speaks signed 16-bit little-endian mono PCM wrapped
// in base64 text and tagged with a MIME descriptor such as
// "audio/pcm;rate=16000". [Encode] produces that representation from float
// samples in [-1, 1]; [Decode] and [DecodeChunk] invert it. All functions are
// pure and safe for concurrent use.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"mime"
	"strconv"
)

// pcmScale maps float samples onto the int16 range.
const pcmScale = 32768

// PCMMIMEType is the media type of raw 16-bit PCM chunks.
const PCMMIMEType = "audio/pcm"

// CodecError reports audio that cannot be encoded or decoded. It is never
// fatal to a session: the offending chunk is dropped.
type CodecError struct {
	// Op is "encode" or "decode".
	Op string

	// Reason describes the malformation.
	Reason string

	// Err is the underlying cause, if any.
	Err error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("audio: %s: %s", e.Op, e.Reason)
}

func (e *CodecError) Unwrap() error { return e.Err }

// EncodedChunk is an [AudioFrame] serialised for the wire. It is immutable.
type EncodedChunk struct {
	// Data is the base64 text of the little-endian PCM bytes.
	Data string

	// SampleRate is the rate of the encoded samples in Hz.
	SampleRate int
}

// MIMEType returns the descriptor sent alongside the chunk, e.g.
// "audio/pcm;rate=16000".
func (c EncodedChunk) MIMEType() string {
	return PCMMIMEType + ";rate=" + strconv.Itoa(c.SampleRate)
}

// Bytes decodes the base64 payload back to raw PCM.
func (c EncodedChunk) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, &CodecError{Op: "decode", Reason: "invalid base64", Err: err}
	}
	return b, nil
}

// Encode scales samples to int16 (multiply by 32768, truncate toward zero),
// packs them little-endian and wraps the bytes as base64 text.
// Samples outside [-1, 1] (including ±Inf) are clamped; NaN is rejected with
// a [*CodecError].
func Encode(samples []float32, rate int) (EncodedChunk, error) {
	pcm, err := PCM16(samples)
	if err != nil {
		return EncodedChunk{}, err
	}
	return EncodeFrame(AudioFrame{Data: pcm, SampleRate: rate}), nil
}

// EncodeFrame wraps already-quantised PCM as an [EncodedChunk].
func EncodeFrame(f AudioFrame) EncodedChunk {
	return EncodedChunk{
		Data:       base64.StdEncoding.EncodeToString(f.Data),
		SampleRate: f.SampleRate,
	}
}

// PCM16 quantises float samples to signed 16-bit little-endian bytes.
func PCM16(samples []float32) ([]byte, error) {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			return nil, &CodecError{Op: "encode", Reason: fmt.Sprintf("sample %d is NaN", i)}
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantise(s)))
	}
	return out, nil
}

func quantise(s float32) int16 {
	v := float64(s) * pcmScale
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v) // conversion truncates toward zero
}

// Decode interprets pcm as signed 16-bit little-endian samples and divides
// each by 32768. An odd byte count is a [*CodecError].
func Decode(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &CodecError{Op: "decode", Reason: fmt.Sprintf("odd byte count %d", len(pcm))}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out, nil
}

// DecodeChunk decodes base64 PCM text straight to float samples.
func DecodeChunk(data string) ([]float32, error) {
	pcm, err := EncodedChunk{Data: data}.Bytes()
	if err != nil {
		return nil, err
	}
	return Decode(pcm)
}

// ParseMIME extracts the sample rate from a descriptor such as
// "audio/pcm;rate=24000". A missing rate parameter yields fallback.
func ParseMIME(descriptor string, fallback int) (int, error) {
	mediaType, params, err := mime.ParseMediaType(descriptor)
	if err != nil {
		return 0, &CodecError{Op: "decode", Reason: "invalid mime type", Err: err}
	}
	if mediaType != PCMMIMEType {
		return 0, &CodecError{Op: "decode", Reason: fmt.Sprintf("unsupported media type %q", mediaType)}
	}
	raw, ok := params["rate"]
	if !ok {
		return fallback, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, &CodecError{Op: "decode", Reason: fmt.Sprintf("invalid rate %q", raw)}
	}
	return rate, nil
}
