// Package encode implements the Encode Stage (spec §4.4): drains the raw
// queue, encodes each frame through the codec facade, and enqueues
// sequenced EncodedFrames.
package encode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"duskcall/internal/media"
	"duskcall/internal/media/codec"
	"duskcall/internal/media/queue"
)

// Stage consumes RawFrames and produces EncodedFrames, preferring H.264
// when available and falling back to JPEG otherwise (spec §4.4: "hardware
// H.264 path then JPEG fallback, in that order; first non-empty result
// wins").
type Stage struct {
	facade  *codec.Facade
	in      *queue.Queue[media.RawFrame]
	out     *queue.Queue[media.EncodedFrame]
	log     *slog.Logger
	seq     atomic.Uint64
	skipped atomic.Uint64

	settingsMu sync.RWMutex
	quality    uint8
}

// New constructs an encode stage with an initial quality value (spec §4.4,
// §5: "ShareSettings mutations use a dedicated lock; reads copy into
// locals").
func New(facade *codec.Facade, in *queue.Queue[media.RawFrame], out *queue.Queue[media.EncodedFrame], initialQuality uint8, log *slog.Logger) *Stage {
	if log == nil {
		log = slog.Default()
	}
	s := &Stage{facade: facade, in: in, out: out, log: log}
	s.quality = initialQuality
	return s
}

// SetQuality updates the JPEG quality used for subsequent frames. Called by
// the adaptive controller (C6).
func (s *Stage) SetQuality(q uint8) {
	s.settingsMu.Lock()
	s.quality = q
	s.settingsMu.Unlock()
}

func (s *Stage) currentQuality() uint8 {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.quality
}

// SkippedFrames returns the count of static-screen no-op skips (spec §4.4).
func (s *Stage) SkippedFrames() uint64 { return s.skipped.Load() }

// Run drains the raw queue until ctx is cancelled. On exit, any remaining
// raw frames are drained and discarded (spec §4.4).
func (s *Stage) Run(ctx context.Context) {
	defer s.in.DrainAll()
	for {
		if ctx.Err() != nil {
			return
		}
		raw, ok := s.popWithTimeout(ctx, 16*time.Millisecond)
		if !ok {
			continue
		}

		quality := s.currentQuality()
		data, kind, err := s.encodeOne(raw, quality)
		if err != nil {
			if errors.Is(err, errSkipped) {
				s.skipped.Add(1)
				continue
			}
			s.log.Warn("encode: frame encode failed, dropping", "error", err)
			continue
		}
		if data == nil {
			// No-op result: encoder deemed this frame a static-screen skip.
			s.skipped.Add(1)
			continue
		}

		frame := media.EncodedFrame{
			Bytes:       data,
			Width:       raw.Pixels.Width,
			Height:      raw.Pixels.Height,
			Seq:         s.seq.Add(1),
			CaptureTSMs: uint64(raw.CaptureTime.UnixMilli()),
			Kind:        kind,
		}
		if dropped := s.out.Push(frame); dropped {
			s.log.Debug("encode: encoded queue full, dropped oldest frame")
		}
	}
}

var errSkipped = errors.New("encode: frame skipped")

// popWithTimeout polls the raw queue with a bound so Run can observe ctx
// cancellation promptly even while the queue is empty (spec §5: "Encode may
// wait on a signal with a 16 ms timeout bound"). Polling (rather than
// blocking Pop in a spawned goroutine) avoids leaking a goroutine per idle
// tick once the stage is torn down.
func (s *Stage) popWithTimeout(ctx context.Context, timeout time.Duration) (media.RawFrame, bool) {
	const pollInterval = 2 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for {
		if frame, ok := s.in.TryPop(); ok {
			return frame, true
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return media.RawFrame{}, false
		}
		time.Sleep(pollInterval)
	}
}

func (s *Stage) encodeOne(raw media.RawFrame, quality uint8) ([]byte, media.Kind, error) {
	if s.facade.H264Available() {
		data, err := s.facade.EncodeH264(raw.Pixels, s.seq.Load()+1)
		if err == nil {
			if len(data) == 0 {
				return nil, 0, nil // awaiting keyframe, not an error
			}
			return data, media.KindH264, nil
		}
		s.log.Debug("encode: h264 path failed, falling back to jpeg", "error", err)
	}
	data, err := s.facade.EncodeJPEG(raw.Pixels, int(quality))
	if err != nil {
		return nil, 0, err
	}
	return data, media.KindJPEG, nil
}
