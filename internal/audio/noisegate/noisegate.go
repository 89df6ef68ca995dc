// Package noisegate implements a hard-threshold noise gate with hold time,
// applied early in the audio capture path (spec §4.7) before VAD/AGC so
// steady background hiss never reaches the encoder. Adapted from
// rustyguts-bken's client/internal/noisegate.
package noisegate

import "math"

const (
	DefaultThreshold = 0.01
	DefaultHold      = 10 // frames, ~200ms at 20ms/frame
)

// Gate zeroes frames below threshold, holding open for a short period after
// the level drops to avoid chopping trailing syllables.
type Gate struct {
	threshold float32
	hold      int
	remaining int
	enabled   bool
	open      bool
}

// New creates a gate with default threshold/hold, enabled.
func New() *Gate {
	return &Gate{threshold: DefaultThreshold, hold: DefaultHold, enabled: true}
}

func (g *Gate) SetEnabled(enabled bool) { g.enabled = enabled }
func (g *Gate) Enabled() bool           { return g.enabled }
func (g *Gate) IsOpen() bool            { return g.open }

// SetThreshold maps a 0-100 UI level to an RMS threshold in [0.001, 0.10].
func (g *Gate) SetThreshold(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	g.threshold = 0.001 + (0.10-0.001)*float32(level)/100
}

func (g *Gate) Threshold() float32 { return g.threshold }

// Process zeroes frame in place if it is below threshold and the hold
// window has expired, returning the pre-gate RMS (for the level meter).
func (g *Gate) Process(frame []float32) float32 {
	rms := rmsOf(frame)
	if !g.enabled {
		g.open = true
		return rms
	}
	if rms >= g.threshold {
		g.remaining = g.hold
		g.open = true
		return rms
	}
	if g.remaining > 0 {
		g.remaining--
		g.open = true
		return rms
	}
	g.open = false
	for i := range frame {
		frame[i] = 0
	}
	return rms
}

// Reset clears hold state.
func (g *Gate) Reset() {
	g.remaining = 0
	g.open = false
}

func rmsOf(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}
