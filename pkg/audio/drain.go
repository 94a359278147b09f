package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when a producer must be allowed to finish but its output is no
// longer wanted, such as the frame channel of a capture unit being stopped.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
