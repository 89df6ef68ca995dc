package controller

import "testing"

type fakeSink struct {
	quality    uint8
	w, h       uint16
	qualityLog []uint8
}

func (f *fakeSink) SetQuality(q uint8) {
	f.quality = q
	f.qualityLog = append(f.qualityLog, q)
}
func (f *fakeSink) SetResolution(w, h uint16) { f.w, f.h = w, h }

// interval for 60fps ≈ 16.6ms.
const interval60 = 1000.0 / 60.0

func TestQualityStepDownAtExactBoundaries(t *testing.T) {
	sink := &fakeSink{quality: 80}
	c := New(sink, interval60, 80, 1280, 720, nil)

	for i := 0; i < 10; i++ {
		c.Observe(15)
	}
	if got := c.CurrentQuality(); got != 75 {
		t.Fatalf("expected quality 75 after 10 slow samples, got %d", got)
	}

	for i := 0; i < 10; i++ {
		c.Observe(15)
	}
	if got := c.CurrentQuality(); got != 70 {
		t.Fatalf("expected quality 70 after 20 slow samples, got %d", got)
	}

	w, h := c.CurrentResolution()
	if w != 1280 || h != 720 {
		t.Fatalf("fps/resolution must remain unchanged during quality step-down, got %dx%d", w, h)
	}
}

func TestResolutionStepDownAtQualityFloor(t *testing.T) {
	sink := &fakeSink{quality: QualityFloor}
	c := New(sink, interval60, 80, 1280, 720, nil)
	c.quality = QualityFloor // simulate already having stepped down to the floor

	for i := 0; i < 10; i++ {
		c.Observe(15)
	}

	w, h := c.CurrentResolution()
	if w != StepDownWidth || h != StepDownHeight {
		t.Fatalf("expected resolution step-down to %dx%d, got %dx%d", StepDownWidth, StepDownHeight, w, h)
	}
	if got := c.CurrentQuality(); got != 70 { // max(40, 80-10)
		t.Fatalf("expected quality reset to max(40, initial-10)=70, got %d", got)
	}
}

func TestQualityNeverExceedsInitialOnIncrease(t *testing.T) {
	sink := &fakeSink{quality: 50}
	c := New(sink, interval60, 50, 1280, 720, nil)

	for i := 0; i < 200; i++ {
		c.Observe(1) // well under 0.3*interval
	}
	if got := c.CurrentQuality(); got != 50 {
		t.Fatalf("quality must never exceed initial value 50, got %d", got)
	}
}

func TestFPSNeverAdjustedByController(t *testing.T) {
	// Controller has no SetFPS method at all: compile-time guarantee that
	// it cannot touch FPS (spec testable property 4).
	var _ Sink = (*fakeSink)(nil)
}
