// Package agc implements automatic gain control for the audio capture path
// (spec §4.7), smoothing mic level toward a target RMS with asymmetric
// attack/release. Adapted from rustyguts-bken's client/internal/agc.
package agc

import "math"

const (
	DefaultTarget = 0.20
	MinGain       = 0.1
	MaxGain       = 10.0
	AttackCoeff   = 0.80
	ReleaseCoeff  = 0.02
	minRMS        = 0.001
)

// AGC tracks a single smoothed gain value applied to incoming PCM frames.
type AGC struct {
	target float32
	gain   float32
}

// New creates an AGC at unity gain and the default target level.
func New() *AGC {
	return &AGC{target: DefaultTarget, gain: 1.0}
}

// SetTarget maps a 0-100 UI level to a target RMS in [0.01, 0.50].
func (a *AGC) SetTarget(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	a.target = 0.01 + (0.50-0.01)*float32(level)/100
}

// Process applies the current gain to frame in place, then updates the
// gain estimate toward target/rms using asymmetric attack (fast reaction
// to loud input, to avoid clipping) and release (slow recovery on quiet
// input, to avoid pumping). Returns frame for chaining.
func (a *AGC) Process(frame []float32) []float32 {
	for i, s := range frame {
		v := s * a.gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		frame[i] = v
	}

	rms := rmsOf(frame)
	if rms < minRMS {
		return frame
	}
	desired := a.target / rms
	if desired < MinGain {
		desired = MinGain
	}
	if desired > MaxGain {
		desired = MaxGain
	}

	coeff := float32(ReleaseCoeff)
	if desired < a.gain {
		coeff = AttackCoeff
	}
	a.gain += coeff * (desired - a.gain)
	return frame
}

// Gain returns the current smoothed gain.
func (a *AGC) Gain() float32 { return a.gain }

// Reset returns to unity gain.
func (a *AGC) Reset() { a.gain = 1.0 }

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
