package device

import (
	"log/slog"

	"github.com/tampabayelite/taylor/pkg/audio/capture"
	"github.com/tampabayelite/taylor/pkg/audio/playback"
)

// Local opens the machine's default sound hardware. The zero value captures
// at 16 kHz and plays at 24 kHz on the default devices.
type Local struct {
	// InputDevice selects a capture device by name substring.
	InputDevice string

	// InputSampleRate and OutputSampleRate override the defaults when > 0.
	InputSampleRate  int
	OutputSampleRate int

	Logger *slog.Logger
}

// Microphone returns a new, unopened capture source.
func (l Local) Microphone() capture.Source {
	opts := []MicOption{
		WithDeviceName(l.InputDevice),
		WithMicSampleRate(l.InputSampleRate),
	}
	if l.Logger != nil {
		opts = append(opts, WithMicLogger(l.Logger))
	}
	return NewMicrophone(opts...)
}

// Speaker opens the output device.
func (l Local) Speaker() (playback.Device, error) {
	s, err := OpenSpeaker(l.OutputSampleRate)
	if err != nil {
		return nil, err
	}
	return s, nil
}
