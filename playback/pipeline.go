// Package playback implements the device-side audio playback pipeline.
//
// Inbound audio frames are queued in a bounded buffer and drained to a
// physical sink by a single dedicated consumer goroutine. The producer
// side never blocks: when the queue is full the incoming frame is
// dropped, trading occasional audible loss for bounded latency. The
// queue is the only synchronization point between producer and consumer.
//
// Starting the pipeline implicitly starts its routing session (device
// selection and audio focus); stopping tears both down.
package playback

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gravityyfh/omega-intercom/routing"
)

const (
	// QueueCapacity bounds the frame queue. At typical 20 ms frames this
	// is well over half a second of backlog, far past useful latency.
	QueueCapacity = 32

	// pollInterval is how long the consumer sleeps on an empty queue. A
	// stop signal is observed within one interval.
	pollInterval = 5 * time.Millisecond
)

// Pipeline drains inbound audio frames to a Sink.
type Pipeline struct {
	sink    Sink
	session *routing.Session

	mu      sync.Mutex
	running bool
	queue   chan []byte
	stop    chan struct{}
	wg      sync.WaitGroup

	dropped atomic.Uint64
	written atomic.Uint64
}

// NewPipeline creates a stopped pipeline over the given sink. The
// routing session may be nil when the surrounding application manages
// device routing itself.
func NewPipeline(sink Sink, session *routing.Session) *Pipeline {
	return &Pipeline{sink: sink, session: session}
}

// Start opens the sink and spins up the consumer. A running pipeline is
// stopped first, so Start doubles as an idempotent restart with an
// empty queue.
func (p *Pipeline) Start(sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		p.stopLocked()
	}

	if err := p.sink.Open(sampleRate); err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	if p.session != nil {
		p.session.Start()
	}

	p.queue = make(chan []byte, QueueCapacity)
	p.stop = make(chan struct{})
	p.running = true

	p.wg.Add(1)
	go p.consume(p.queue, p.stop)

	logrus.WithFields(logrus.Fields{
		"sample_rate": sampleRate,
		"capacity":    QueueCapacity,
	}).Info("Playback pipeline started")
	return nil
}

// Write enqueues one audio frame without blocking. Frames arriving on a
// full queue, or while the pipeline is stopped, are dropped.
func (p *Pipeline) Write(frame []byte) {
	p.mu.Lock()
	queue := p.queue
	running := p.running
	p.mu.Unlock()

	if !running {
		return
	}
	select {
	case queue <- frame:
	default:
		p.dropped.Add(1)
	}
}

// Stop signals the consumer, waits for it to exit, clears the queue and
// releases the sink plus the routing session. A stopped pipeline is a
// no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Running reports whether the consumer is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Dropped returns how many frames have been shed since creation.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// BytesWritten returns how many frame bytes reached the sink.
func (p *Pipeline) BytesWritten() uint64 {
	return p.written.Load()
}

func (p *Pipeline) stopLocked() {
	if !p.running {
		return
	}
	p.running = false

	close(p.stop)
	p.wg.Wait()

	// Drop whatever the consumer never got to.
	for len(p.queue) > 0 {
		<-p.queue
	}
	p.queue = nil

	if err := p.sink.Close(); err != nil {
		logrus.WithError(err).Warn("Sink close failed")
	}
	if p.session != nil {
		p.session.Stop()
	}

	logrus.Info("Playback pipeline stopped")
}

// consume is the dedicated drain loop. It owns the sink exclusively
// while running and polls rather than blocking so the stop signal is
// observed within one interval.
func (p *Pipeline) consume(queue chan []byte, stop chan struct{}) {
	defer p.wg.Done()

	// The drain loop feeds real-time audio; pin it to an OS thread and
	// raise its priority where the platform lets us.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := raiseThreadPriority(); err != nil {
		logrus.WithError(err).Debug("Consumer priority raise unavailable")
	}

	for {
		select {
		case <-stop:
			return
		case frame := <-queue:
			p.writeFrame(frame, stop)
		default:
			time.Sleep(pollInterval)
		}
	}
}

// writeFrame pushes one frame to the sink, retrying partial writes. The
// stop signal is checked between write attempts, never inside one.
func (p *Pipeline) writeFrame(frame []byte, stop chan struct{}) {
	for written := 0; written < len(frame); {
		select {
		case <-stop:
			return
		default:
		}

		n, err := p.sink.Write(frame[written:])
		if err != nil {
			logrus.WithError(err).Warn("Sink write failed, frame dropped")
			return
		}
		p.written.Add(uint64(n))
		written += n
		if n == 0 {
			// Sink accepted nothing; back off instead of spinning.
			time.Sleep(pollInterval)
		}
	}
}
