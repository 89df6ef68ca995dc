// Package aec provides a Normalized Least Mean Squares (NLMS) acoustic echo
// canceller for the capture path (spec §4.7). Capture and playback run as
// separate goroutines processing 20 ms / 960-sample frames at 48 kHz; the
// playback goroutine feeds its output as the far-end reference, and the
// capture goroutine cancels the resulting echo before VAD/AGC/encode see
// the signal.
//
// Adapted from rustyguts-bken's client/internal/aec package: same NLMS
// core, restructured around the duskcall audio engine's frame lifecycle.
package aec

import "sync"

const (
	// DefaultDelayFrames is the assumed bulk delay, in samples, between a
	// played-back sample and the echo of it arriving at the microphone.
	// 1920 samples = 40ms at 48kHz, covering typical DAC+room+ADC latency.
	DefaultDelayFrames = 1920

	// DefaultTapCount is the NLMS filter length in samples (10ms at 48kHz),
	// covering residual delay and room response beyond the bulk delay.
	DefaultTapCount = 480

	// DefaultStepSize is the NLMS adaptation rate mu, 0 < mu < 2. Smaller
	// values converge more slowly but are more stable.
	DefaultStepSize = 0.1
)

// Canceller is an NLMS-based acoustic echo canceller. The far-end ring is
// sized so FeedFarEnd's writer and Process's reader always touch disjoint
// regions, keeping the lock held only for the short reference-window copy.
type Canceller struct {
	mu      sync.Mutex
	enabled bool

	weights []float64
	taps    int
	mu_     float64

	farRing   []float32
	writeHead int
	ringLen   int
	delay     int
	frameLen  int
}

// New creates a canceller for the given frame size in samples (960 for
// 20ms at 48kHz, per the audio format invariant in spec §6).
func New(frameLen int) *Canceller {
	ringLen := frameLen + DefaultDelayFrames + DefaultTapCount
	return &Canceller{
		enabled:  true,
		weights:  make([]float64, DefaultTapCount),
		taps:     DefaultTapCount,
		mu_:      DefaultStepSize,
		farRing:  make([]float32, ringLen),
		ringLen:  ringLen,
		delay:    DefaultDelayFrames,
		frameLen: frameLen,
	}
}

// SetEnabled toggles cancellation. Re-enabling clears filter weights so
// adaptation restarts cleanly rather than applying a stale filter.
func (c *Canceller) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if enabled {
		for i := range c.weights {
			c.weights[i] = 0
		}
	}
}

// FeedFarEnd records the most recently played frame as the echo reference.
// Call after writing the frame to the playback device.
func (c *Canceller) FeedFarEnd(frame []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range frame {
		c.farRing[c.writeHead] = s
		c.writeHead = (c.writeHead + 1) % c.ringLen
	}
}

// Process cancels echo from a captured frame in place. Call before any
// other capture-path processing (noise gate, VAD, AGC).
func (c *Canceller) Process(frame []float32) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	refLen := c.frameLen + c.taps - 1
	ref := make([]float32, refLen)
	start := c.writeHead - c.frameLen - c.delay - c.taps + 1
	for j := range ref {
		idx := ((start+j)%c.ringLen + 3*c.ringLen) % c.ringLen
		ref[j] = c.farRing[idx]
	}
	c.mu.Unlock()

	for i := range frame {
		base := i + c.taps - 1
		var estimate, power float64
		for k := 0; k < c.taps; k++ {
			x := float64(ref[base-k])
			estimate += c.weights[k] * x
			power += x * x
		}
		errSample := float64(frame[i]) - estimate
		if power > 1e-10 {
			step := c.mu_ * errSample / power
			for k := 0; k < c.taps; k++ {
				c.weights[k] += step * float64(ref[base-k])
			}
		}
		frame[i] = float32(errSample)
	}
}
