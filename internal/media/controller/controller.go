// Package controller implements the Adaptive Controller (C6, spec §4.6):
// observes send latency and reduces quality (then resolution) under
// sustained congestion, recovering under sustained slack, and never
// touching FPS. State-machine/logging structure is grounded on
// LanternOps-breeze's AdaptiveBitrate, but the algorithm itself is
// spec.md's own — AdaptiveBitrate's FPS-scaling behavior is deliberately
// not carried over.
package controller

import (
	"log/slog"
	"sync"
)

// sampleWindow is the ring size for recent send-latency samples (spec §4.6:
// "ring of 30").
const sampleWindow = 30

// QualityFloor is the JPEG quality floor that triggers a resolution
// step-down (spec §4.6).
const QualityFloor = 20

// StepDownWidth, StepDownHeight is the fixed fallback resolution (spec
// §4.6).
const (
	StepDownWidth  = 854
	StepDownHeight = 480
)

// Sink receives the controller's decisions. Implemented by the encode stage
// (quality) and the session (resolution, since changing resolution means
// reconfiguring the capture stage's target dimensions).
type Sink interface {
	SetQuality(q uint8)
	SetResolution(w, h uint16)
}

// Controller implements spec §4.6's exact thresholds.
type Controller struct {
	mu sync.Mutex

	sink           Sink
	log            *slog.Logger
	frameInterval  float64 // ms
	initialQuality uint8

	quality    uint8
	resolution struct{ w, h uint16 }

	consecutiveSlow int
	consecutiveFast int

	samples    [sampleWindow]float64
	sampleIdx  int
	sampleFill int
}

// New constructs a controller for a session with the given frame interval
// (1000/fps ms) and initial quality/resolution.
func New(sink Sink, frameIntervalMs float64, initialQuality uint8, initialW, initialH uint16, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		sink:           sink,
		log:            log,
		frameInterval:  frameIntervalMs,
		initialQuality: initialQuality,
		quality:        initialQuality,
	}
	c.resolution.w, c.resolution.h = initialW, initialH
	return c
}

// Observe feeds one send_ms sample (spec §4.6) and applies the threshold
// logic. Thresholds: slow = send_ms > 0.8*interval; fast = send_ms <
// 0.3*interval. After 10 consecutive slow, reduce_quality(); after 20
// consecutive fast, increase_quality().
func (c *Controller) Observe(sendMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[c.sampleIdx] = sendMs
	c.sampleIdx = (c.sampleIdx + 1) % sampleWindow
	if c.sampleFill < sampleWindow {
		c.sampleFill++
	}

	slow := sendMs > 0.8*c.frameInterval
	fast := sendMs < 0.3*c.frameInterval

	if slow {
		c.consecutiveSlow++
		c.consecutiveFast = 0
	} else if fast {
		c.consecutiveFast++
		c.consecutiveSlow = 0
	} else {
		c.consecutiveSlow = 0
		c.consecutiveFast = 0
	}

	if c.consecutiveSlow >= 10 {
		c.reduceQualityLocked()
		c.consecutiveSlow = 0
	} else if c.consecutiveFast >= 20 {
		c.increaseQualityLocked()
		c.consecutiveFast = 0
	}
}

// reduceQualityLocked: step JPEG quality down by 5 until >= 20; once at 20,
// step resolution down to 854x480 and reset quality to max(40, initial-10).
// FPS is never touched (spec §4.6, testable property 4).
func (c *Controller) reduceQualityLocked() {
	if c.quality > QualityFloor {
		next := int(c.quality) - 5
		if next < QualityFloor {
			next = QualityFloor
		}
		c.quality = uint8(next)
		c.log.Info("controller: reducing quality", "quality", c.quality)
		c.sink.SetQuality(c.quality)
		return
	}

	// Already at the floor: step resolution down instead.
	if c.resolution.w != StepDownWidth || c.resolution.h != StepDownHeight {
		c.resolution.w, c.resolution.h = StepDownWidth, StepDownHeight
		reset := int(c.initialQuality) - 10
		if reset < 40 {
			reset = 40
		}
		c.quality = uint8(reset)
		c.log.Info("controller: stepping down resolution", "width", c.resolution.w, "height", c.resolution.h, "quality", c.quality)
		c.sink.SetResolution(c.resolution.w, c.resolution.h)
		c.sink.SetQuality(c.quality)
	}
}

// increaseQualityLocked: step quality up by 5, capped at the session's
// initial quality. Resolution, once reduced, does not auto-restore (spec
// §4.6).
func (c *Controller) increaseQualityLocked() {
	if c.quality >= c.initialQuality {
		return
	}
	next := int(c.quality) + 5
	if next > int(c.initialQuality) {
		next = int(c.initialQuality)
	}
	c.quality = uint8(next)
	c.log.Info("controller: increasing quality", "quality", c.quality)
	c.sink.SetQuality(c.quality)
}

// CurrentQuality and CurrentResolution expose state for tests and ShareStats.
func (c *Controller) CurrentQuality() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

func (c *Controller) CurrentResolution() (w, h uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolution.w, c.resolution.h
}
