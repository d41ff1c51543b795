package audio

// Drain reads from ch until the channel is closed, discarding all values.
// The capture pipeline uses it to release a device channel it no longer
// forwards, so the device callback never blocks on a full buffer.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
