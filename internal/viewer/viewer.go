// Package viewer implements the Remote Screen Viewer (C10, spec §4.10): a
// per-sender jitter buffer of decoded bitmap frames, played out by a single
// steady-rate timer, with pre-buffering before first display. Structured
// like internal/audio/jitter's ring buffer but generalized to decoded video
// bitmaps and the 5/45 pre-buffer/hard-max depths spec.md names.
package viewer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"duskcall/internal/media/bitmap"
	"duskcall/internal/media/codec"
)

const (
	preBufferTarget = 5
	hardMax         = 45
	tickInterval    = 8 * time.Millisecond // ~120Hz
)

// DecodedFrame is one playable frame from a sender.
type DecodedFrame struct {
	SenderID uint32
	Pixels   *bitmap.Buffer
	Seq      uint64
}

// Decoder decodes a wire payload into a bitmap, given its detected kind.
type Decoder interface {
	DecodeJPEG(data []byte) (*bitmap.Buffer, error)
	DecodeH264(data []byte) (*bitmap.Buffer, error)
}

type perSender struct {
	queue []DecodedFrame
	fps   uint64
}

// Viewer manages one jitter buffer per remote sender and a single playback
// timer shared across all of them.
type Viewer struct {
	mu       sync.Mutex
	decoder  Decoder
	facade   *codec.Facade
	log      *slog.Logger
	senders  map[uint32]*perSender
	onFrame  func(DecodedFrame)
	running  bool
	cancel   context.CancelFunc
	droppedN uint64
}

// New constructs a viewer. onFrame is invoked once per tick per sender that
// had a frame ready (the "frame-ready event" of spec §4.10).
func New(facade *codec.Facade, onFrame func(DecodedFrame), log *slog.Logger) *Viewer {
	if log == nil {
		log = slog.Default()
	}
	return &Viewer{facade: facade, senders: make(map[uint32]*perSender), onFrame: onFrame, log: log}
}

// Receive handles one (sender_id, bytes) arrival: detects kind by
// magic bytes, decodes, and enqueues into that sender's jitter buffer.
// Payloads matching neither JPEG nor H.264 magic are dropped and counted
// (spec §8 invariant 7).
func (v *Viewer) Receive(senderID uint32, data []byte) {
	kind, ok := codec.DetectFrameKind(data)
	if !ok {
		v.mu.Lock()
		v.droppedN++
		v.mu.Unlock()
		v.log.Debug("viewer: dropped frame with unrecognized magic", "sender", senderID)
		return
	}

	var pix *bitmap.Buffer
	var err error
	switch kind {
	case codec.KindJPEG:
		pix, err = v.decoder.DecodeJPEG(data)
	case codec.KindH264:
		pix, err = v.decoder.DecodeH264(data)
	}
	if err != nil {
		v.log.Debug("viewer: decode failed, dropping frame", "sender", senderID, "error", err)
		return
	}
	if pix == nil {
		return // decoder returned neither a bitmap nor an error: skip the frame
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.senders[senderID]
	if !ok {
		s = &perSender{}
		v.senders[senderID] = s
	}
	s.queue = append(s.queue, DecodedFrame{SenderID: senderID, Pixels: pix})
	if len(s.queue) > hardMax {
		s.queue = s.queue[1:] // evict oldest, bounding memory to hardMax*frame_bytes
		v.droppedN++
	}
	v.ensureTimerLocked()
}

// ScreenShareStopped removes a sender's state and drops any pending frames
// (spec §4.10).
func (v *Viewer) ScreenShareStopped(senderID uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.senders, senderID)
}

// ensureTimerLocked starts the shared playback timer if it isn't already
// running. Caller must hold v.mu.
func (v *Viewer) ensureTimerLocked() {
	if v.running {
		return
	}
	v.running = true
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	go v.playbackLoop(ctx)
}

// playbackLoop ticks at ~120Hz, dequeuing one frame per sender that has a
// frame queued, except that a sender which has not played a frame yet waits
// until its depth reaches the pre-buffer target. When all buffers are empty, the timer
// stops; Receive restarts it on the next enqueue (spec §4.10).
func (v *Viewer) playbackLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if v.tick() {
			return
		}
	}
}

// tick returns true if the timer should stop (all buffers empty).
func (v *Viewer) tick() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	anyActive := false
	for id, s := range v.senders {
		if len(s.queue) == 0 {
			continue
		}
		anyActive = true
		if len(s.queue) < preBufferTarget && s.fps == 0 {
			// Still filling the initial pre-buffer for a sender that has
			// never played a frame yet.
			continue
		}
		frame := s.queue[0]
		s.queue = s.queue[1:]
		s.fps++
		if v.onFrame != nil {
			onFrame := v.onFrame
			v.mu.Unlock()
			onFrame(frame)
			v.mu.Lock()
			if _, stillPresent := v.senders[id]; !stillPresent {
				continue
			}
		}
	}

	if !anyActive {
		v.running = false
		if v.cancel != nil {
			v.cancel()
		}
		return true
	}
	return false
}

// Dropped returns the cumulative count of video frames dropped for either
// an unrecognized magic byte or hard-max eviction.
func (v *Viewer) Dropped() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.droppedN
}

// SetDecoder wires the decode backend (normally the codec facade itself).
func (v *Viewer) SetDecoder(d Decoder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.decoder = d
}
