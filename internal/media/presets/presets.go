// Package presets holds the ShareSettings data model and the quality preset
// table, carried verbatim from the specification's external-interface
// section.
package presets

import "fmt"

// ShareSettings configures a single share session (spec §3).
type ShareSettings struct {
	TargetFPS     uint16
	TargetW       uint16
	TargetH       uint16
	Quality       uint8 // 1-100
	MaxFrameBytes uint32
	BitrateKbps   uint32
	Adaptive      bool
}

// MatchSource reports whether (0,0) resolution was requested, meaning
// "match the source display" (spec §3, Source preset only).
func (s ShareSettings) MatchSource() bool {
	return s.TargetW == 0 && s.TargetH == 0
}

// Validate enforces the boundary conditions from spec §8: FPS=0 is
// rejected, FPS=1 is accepted.
func (s ShareSettings) Validate() error {
	if s.TargetFPS == 0 {
		return fmt.Errorf("presets: target fps must be > 0")
	}
	if s.Quality == 0 || s.Quality > 100 {
		return fmt.Errorf("presets: quality must be in [1,100], got %d", s.Quality)
	}
	return nil
}

// Preset names the fixed quality tiers from spec §6. Values must be
// preserved verbatim by implementers.
type Preset string

const (
	Low    Preset = "Low"
	Medium Preset = "Medium"
	High   Preset = "High"
	HD     Preset = "HD"
	FullHD Preset = "FullHD"
	QHD    Preset = "QHD"
	QHD60  Preset = "QHD60"
	UHD    Preset = "UHD"
	Source Preset = "Source"
)

var table = map[Preset]ShareSettings{
	Low:    {TargetFPS: 30, TargetW: 854, TargetH: 480, Quality: 60, MaxFrameBytes: 80 * 1024, BitrateKbps: 2000},
	Medium: {TargetFPS: 30, TargetW: 1280, TargetH: 720, Quality: 70, MaxFrameBytes: 160 * 1024, BitrateKbps: 4000},
	High:   {TargetFPS: 60, TargetW: 1280, TargetH: 720, Quality: 80, MaxFrameBytes: 125 * 1024, BitrateKbps: 6000},
	HD:     {TargetFPS: 30, TargetW: 1920, TargetH: 1080, Quality: 80, MaxFrameBytes: 330 * 1024, BitrateKbps: 8000},
	FullHD: {TargetFPS: 60, TargetW: 1920, TargetH: 1080, Quality: 85, MaxFrameBytes: 330 * 1024, BitrateKbps: 16000},
	QHD:    {TargetFPS: 30, TargetW: 2560, TargetH: 1440, Quality: 85, MaxFrameBytes: 830 * 1024, BitrateKbps: 20000},
	QHD60:  {TargetFPS: 60, TargetW: 2560, TargetH: 1440, Quality: 90, MaxFrameBytes: 625 * 1024, BitrateKbps: 30000},
	UHD:    {TargetFPS: 30, TargetW: 3840, TargetH: 2160, Quality: 90, MaxFrameBytes: 1250 * 1024, BitrateKbps: 30000},
	Source: {TargetFPS: 30, TargetW: 0, TargetH: 0, Quality: 70, MaxFrameBytes: 1000 * 1024, BitrateKbps: 0},
}

// FromPreset builds a ShareSettings from a named preset (Design Notes §9:
// collapses the two near-identical StartScreenShare overloads into one
// factory plus one entry point).
func FromPreset(p Preset) (ShareSettings, error) {
	s, ok := table[p]
	if !ok {
		return ShareSettings{}, fmt.Errorf("presets: unknown preset %q", p)
	}
	s.Adaptive = true
	return s, nil
}

// Audio format invariants (spec §6): 48kHz, 16-bit, mono, Opus VOIP mode,
// 24kbps target, complexity 5, VBR, voice-signal, 20ms frame.
const (
	AudioSampleRateHz  = 48000
	AudioChannels      = 1
	AudioFrameSamples  = 960 // 20ms at 48kHz
	AudioBitrateBps    = 24000
	AudioOpusComplex   = 5
	AudioFrameDuration = 20 // ms
)
