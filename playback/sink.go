package playback

// Sink is the physical audio output consumed by the pipeline. Write may
// be partial; the consumer loop retries until the frame is fully written
// or the pipeline stops. Only the pipeline's consumer goroutine touches
// the sink while the pipeline runs.
type Sink interface {
	// Open prepares the sink for PCM at the given sample rate.
	Open(sampleRate int) error
	// Write pushes frame bytes to the device and returns how many were
	// accepted.
	Write(p []byte) (int, error)
	// Close releases the device.
	Close() error
}
