// Package media defines the frame types shared by the capture, encode,
// send, and adaptive-controller stages (spec §3).
package media

import (
	"time"

	"duskcall/internal/media/bitmap"
)

// Kind identifies the codec used to produce an EncodedFrame's bytes.
type Kind int

const (
	KindJPEG Kind = iota
	KindH264
)

func (k Kind) String() string {
	switch k {
	case KindJPEG:
		return "jpeg"
	case KindH264:
		return "h264"
	default:
		return "unknown"
	}
}

// RawFrame is an owned bitmap at the session's current target resolution,
// captured but not yet encoded (spec §3). It is freed immediately after
// encode.
type RawFrame struct {
	Pixels      *bitmap.Buffer
	CaptureTime time.Time
}

// EncodedFrame is a single compressed video frame ready for the send
// stage (spec §3). Seq is monotone per session.
type EncodedFrame struct {
	Bytes       []byte
	Width       int
	Height      int
	Seq         uint64
	CaptureTSMs uint64
	Kind        Kind
}

// DisplayDescriptor identifies a capturable display (spec §3). Immutable.
type DisplayDescriptor struct {
	ID      string
	Left    int
	Top     int
	Width   int
	Height  int
	Primary bool
}

// Stats mirrors spec §3's ShareStats: monotone counters plus EWMA/last-
// sample timings for a single share session.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
	FramesSkipped uint64
	BytesSent     uint64

	CaptureMs float64
	EncodeMs  float64
	SendMs    float64
	Duration  time.Duration

	CurrentFPS     uint16
	CurrentQuality uint8
	CurrentWidth   uint16
	CurrentHeight  uint16
	ViewerCount    int
	StartTime      time.Time
}

// EWMA updates an exponentially-weighted moving average sample in place,
// the smoothing idiom used throughout this module's timing fields.
func EWMA(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}
