// Package send implements the Send Stage (spec §4.5): paces encoded frames
// onto the Transport, applies voice-yield policy, and measures per-frame
// send latency for the adaptive controller. Pacing/stats structure grounded
// on gtfodev-camsRelay's leaky-bucket Pacer; buffer-reuse idiom grounded on
// rustyguts-bken/client/transport.go's dgramPool.
package send

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"duskcall/internal/media"
	"duskcall/internal/media/queue"
)

// SendTimeout is the soft per-frame send timeout (spec §4.5 step 5, §5).
const SendTimeout = 200 * time.Millisecond

// Orchestrator is the subset of the Streaming Orchestrator (C9) the send
// stage consults each iteration.
type Orchestrator interface {
	RecommendFPS(requested uint16) uint16
	VideoYieldDelayMs() int
	ShouldSkipVideoFrame(counter uint64) bool
	IsVoiceActive() bool
}

// Transporter is the subset of the external Transport the send stage needs:
// a single frame-send call with its own cancellation.
type Transporter interface {
	SendScreenFrame(ctx context.Context, frame media.EncodedFrame) error
}

// Stage implements C5.
type Stage struct {
	orch      Orchestrator
	transport Transporter
	in        *queue.Queue[media.EncodedFrame]
	log       *slog.Logger

	onSendMs func(ms float64) // hands samples to the adaptive controller (C6)

	counter       atomic.Uint64
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64

	statsMu  sync.RWMutex
	lastSend time.Time
}

// New constructs a send stage.
func New(orch Orchestrator, transport Transporter, in *queue.Queue[media.EncodedFrame], onSendMs func(float64), log *slog.Logger) *Stage {
	if log == nil {
		log = slog.Default()
	}
	return &Stage{orch: orch, transport: transport, in: in, onSendMs: onSendMs, log: log}
}

// FramesSent and FramesDropped expose ShareStats counters (spec §3).
func (s *Stage) FramesSent() uint64    { return s.framesSent.Load() }
func (s *Stage) FramesDropped() uint64 { return s.framesDropped.Load() }

// Run paces sends at 1000/effective_fps until ctx is cancelled, following
// the seven steps of spec §4.5 in order.
func (s *Stage) Run(ctx context.Context, targetFPS uint16) {
	for {
		if ctx.Err() != nil {
			return
		}
		iterStart := time.Now()

		effectiveFPS := s.orch.RecommendFPS(targetFPS)
		if effectiveFPS == 0 {
			effectiveFPS = targetFPS
		}
		interval := time.Second / time.Duration(effectiveFPS)

		// Step 1: voice-yield delay.
		if yield := s.orch.VideoYieldDelayMs(); yield > 0 {
			if !sleepCtx(ctx, time.Duration(yield)*time.Millisecond) {
				return
			}
		}

		// Step 2: orchestrator-directed frame skip.
		n := s.counter.Add(1)
		if s.orch.ShouldSkipVideoFrame(n) {
			if _, ok := s.in.TryPop(); ok {
				s.framesDropped.Add(1)
			}
		}

		// Step 3: wait for next send slot.
		elapsed := time.Since(iterStart)
		if remaining := interval - elapsed; remaining > 0 {
			if !sleepCtx(ctx, remaining) {
				return
			}
		}

		// Step 4: backlog control — if backlog exceeds 3, drop half
		// (most-recent-wins).
		if backlog := s.in.Len(); backlog > 3 {
			keep := backlog / 2
			if keep < 1 {
				keep = 1
			}
			dropped := s.in.DrainBacklogExceeding(keep)
			s.framesDropped.Add(uint64(dropped))
		}

		frame, ok := s.in.TryPop()
		if !ok {
			continue
		}

		// Step 5: send with a soft timeout; no retry on timeout.
		sendStart := time.Now()
		sendCtx, cancel := context.WithTimeout(ctx, SendTimeout)
		err := s.transport.SendScreenFrame(sendCtx, frame)
		cancel()
		sendMs := float64(time.Since(sendStart)) / float64(time.Millisecond)

		if err != nil {
			s.log.Debug("send: frame send failed or timed out", "seq", frame.Seq, "error", err)
			s.framesDropped.Add(1)
		} else {
			s.framesSent.Add(1)
		}

		// Step 6: record latency for the adaptive controller.
		s.statsMu.Lock()
		s.lastSend = time.Now()
		s.statsMu.Unlock()
		if s.onSendMs != nil {
			s.onSendMs(sendMs)
		}

		// Step 7: extra yield while voice is active.
		if s.orch.IsVoiceActive() {
			if !sleepCtx(ctx, 5*time.Millisecond) {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
