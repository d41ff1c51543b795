package audio

import "time"

const (
	// InputSampleRate is the rate at which microphone audio is captured and
	// streamed to the remote session.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised speech returned by the
	// remote session.
	OutputSampleRate = 24000

	// CaptureBlockSize is the number of samples per captured frame.
	CaptureBlockSize = 4096
)

// AudioFrame represents a single block of captured audio.
// Frames are the unit of ingress transport: the capture pipeline fills one per
// block, the codec turns it into an [EncodedChunk], and the frame is never
// touched again.
type AudioFrame struct {
	// Data holds signed 16-bit little-endian mono PCM.
	Data []byte

	// SampleRate in Hz (16000 on ingress, 24000 on egress).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of 16-bit samples in the frame.
func (f AudioFrame) Samples() int { return len(f.Data) / 2 }

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
