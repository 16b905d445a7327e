package audio

// Drain discards values from ch until it is closed. Run it in its own
// goroutine before closing a [CaptureStream] whose frames are no longer read,
// so a device blocked on sending can observe the close.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
