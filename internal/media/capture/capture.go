// Package capture implements the Capture Stage (spec §4.3): a timed
// screen-capture loop producing bitmap frames at a target FPS. Grounded on
// LanternOps-breeze's desktop.ScreenCapturer interface, generalized with
// the same optional-capability pattern.
package capture

import (
	"context"
	"log/slog"
	"time"

	"duskcall/internal/media"
	"duskcall/internal/media/bitmap"
	"duskcall/internal/media/queue"
)

// Capturer is the platform capture interface. A software reference
// implementation (SoftwareCapturer, in software.go) is provided; a real
// build supplies a platform-specific implementation of the same interface.
type Capturer interface {
	Capture() (*bitmap.Buffer, error)
	Bounds() (width, height int, err error)
	Close() error
}

// FrameChangeHint is implemented by capturers that can report whether a new
// frame is available without the caller diffing pixels (spec Design Notes,
// generalized from LanternOps-breeze's AccumulatedFrames hint).
type FrameChangeHint interface {
	AccumulatedFrames() uint32
}

// Stage runs the dedicated capture worker described in spec §4.3 and
// §5 (priority AboveNormal, owns the source bitmap exclusively).
type Stage struct {
	capturer Capturer
	out      *queue.Queue[media.RawFrame]
	log      *slog.Logger
}

// New constructs a capture stage writing into out.
func New(capturer Capturer, out *queue.Queue[media.RawFrame], log *slog.Logger) *Stage {
	if log == nil {
		log = slog.Default()
	}
	return &Stage{capturer: capturer, out: out, log: log}
}

// Run executes the capture loop until ctx is cancelled. targetFPS must be
// > 0 (spec §8 boundary: FPS=0 is rejected by the caller before Run).
func (s *Stage) Run(ctx context.Context, targetFPS uint16, targetW, targetH uint16) {
	interval := time.Second / time.Duration(targetFPS)

	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()

		src, err := s.capturer.Capture()
		if err != nil {
			s.log.Warn("capture: frame capture failed, backing off", "error", err)
			time.Sleep(16 * time.Millisecond)
			continue
		}

		var frame *bitmap.Buffer
		if int(targetW) == src.Width && int(targetH) == src.Height || (targetW == 0 && targetH == 0) {
			frame = src.Clone()
		} else {
			frame = src.Resize(int(targetW), int(targetH))
		}

		if dropped := s.out.Push(media.RawFrame{Pixels: frame, CaptureTime: start}); dropped {
			s.log.Debug("capture: raw queue full, dropped oldest frame")
		}

		// Sleep for the remainder of the interval minus a short spin margin
		// for sub-millisecond pacing precision (spec §4.3).
		elapsed := time.Since(start)
		if remaining := interval - elapsed; remaining > time.Millisecond {
			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining - time.Millisecond):
			}
		}
	}
}

// Close releases the underlying capturer.
func (s *Stage) Close() error {
	return s.capturer.Close()
}
