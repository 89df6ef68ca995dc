// Package vad implements energy-based voice activity detection with
// hangover, used by the audio send path (spec §4.7) to decide whether a
// captured frame should be treated as speech. Adapted from
// rustyguts-bken's client/internal/vad package.
package vad

import "math"

// DefaultThreshold is the RMS level above which a frame is considered
// speech.
const DefaultThreshold = 0.005

// DefaultHangover is the number of additional frames (≈400ms at 20ms/frame)
// to keep reporting speech after the level drops below threshold, avoiding
// clipped word endings.
const DefaultHangover = 20

// Detector tracks hangover state across frames.
type Detector struct {
	threshold float32
	hangover  int
	remaining int
	enabled   bool
}

// New creates a detector with default threshold/hangover, enabled.
func New() *Detector {
	return &Detector{threshold: DefaultThreshold, hangover: DefaultHangover, enabled: true}
}

// SetEnabled toggles detection. When disabled, ShouldSend always reports
// true (i.e. gating is bypassed, not "never speaking").
func (d *Detector) SetEnabled(enabled bool) { d.enabled = enabled }

// Enabled reports the current toggle state.
func (d *Detector) Enabled() bool { return d.enabled }

// SetThreshold maps a 0-100 UI level to an RMS threshold in [0.001, 0.05].
func (d *Detector) SetThreshold(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	d.threshold = 0.001 + (0.05-0.001)*float32(level)/100
}

// ShouldSend reports whether a frame at the given RMS level should be
// treated as speech, applying hangover so brief dips do not chop words.
func (d *Detector) ShouldSend(rms float32) bool {
	if !d.enabled {
		return true
	}
	if rms >= d.threshold {
		d.remaining = d.hangover
		return true
	}
	if d.remaining > 0 {
		d.remaining--
		return true
	}
	return false
}

// ShouldSendProb is the probability-based counterpart for detectors fed a
// model score instead of raw RMS (e.g. a future ML VAD); >0.5 is speech.
func (d *Detector) ShouldSendProb(prob float32) bool {
	return d.ShouldSend(boolToRMS(prob > 0.5, d.threshold))
}

func boolToRMS(speech bool, threshold float32) float32 {
	if speech {
		return threshold + 1
	}
	return 0
}

// Reset clears hangover state, used when (re)starting capture.
func (d *Detector) Reset() { d.remaining = 0 }

// RMS computes the root-mean-square level of a PCM frame.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}
