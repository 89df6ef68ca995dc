// Package orchestrator implements the Streaming Orchestrator (C9, spec
// §4.9): a process-scoped coordinator of voice activity, video pacing
// hints, and a byte pool for audio hot paths. Design Notes §9 re-expresses
// the teacher's global static singleton as a handle created once at process
// startup and passed into the session (for its send stage) and the audio
// engine — never the other way
// around, which resolves the VoiceService/ScreenSharingManager/Orchestrator
// cyclic reference the source exhibited.
package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"
)

// voiceActiveWindow is how recently audio must have been sent or received
// for is_voice_active() to report true (spec §4.9).
const voiceActiveWindow = 200 * time.Millisecond

// latencySampleWindow bounds the rolling send-latency window used by
// RecommendFPS.
const latencySampleWindow = 30

// highLatencyThresholdMs is the rolling median above which FPS is capped
// down from the requested value.
const highLatencyThresholdMs = 40.0

// skipEveryN is the fraction of video frames skipped while voice is active
// or latency is high (spec §4.9: "e.g., every 3rd").
const skipEveryN = 3

// Orchestrator is the process-wide singleton. Construct exactly one with
// New and share the pointer; it holds no back-reference to any session.
type Orchestrator struct {
	lastAudioSend    atomic.Int64 // unix nanos
	lastAudioReceive atomic.Int64

	latencyMu     sync.Mutex
	latencySample [latencySampleWindow]float64
	latencyIdx    int
	latencyFill   int

	pool sync.Pool
}

// New constructs the orchestrator with a byte pool sized for one
// decoded-Opus-frame buffer (spec §3: "small-buffer pool for hot-path byte
// buffers"). bufferSize should match the PCM frame size in bytes.
func New(bufferSize int) *Orchestrator {
	o := &Orchestrator{}
	o.pool.New = func() any {
		return make([]byte, bufferSize)
	}
	return o
}

// SignalAudioSend marks that an audio packet was just sent.
func (o *Orchestrator) SignalAudioSend() {
	o.lastAudioSend.Store(time.Now().UnixNano())
}

// SignalAudioReceive marks that an audio packet was just received.
func (o *Orchestrator) SignalAudioReceive() {
	o.lastAudioReceive.Store(time.Now().UnixNano())
}

// IsVoiceActive reports whether audio was sent or received within the
// activity window.
func (o *Orchestrator) IsVoiceActive() bool {
	now := time.Now().UnixNano()
	send := o.lastAudioSend.Load()
	recv := o.lastAudioReceive.Load()
	if send != 0 && time.Duration(now-send) < voiceActiveWindow {
		return true
	}
	if recv != 0 && time.Duration(now-recv) < voiceActiveWindow {
		return true
	}
	return false
}

// VideoYieldDelayMs returns a small positive delay while voice is active,
// giving the audio send thread scheduling priority (spec §4.9, §5).
func (o *Orchestrator) VideoYieldDelayMs() int {
	if o.IsVoiceActive() {
		return 2
	}
	return 0
}

// ShouldSkipVideoFrame drops a configurable fraction of frames while voice
// is active or latency is high.
func (o *Orchestrator) ShouldSkipVideoFrame(counter uint64) bool {
	if !o.IsVoiceActive() && o.rollingMedianMs() <= highLatencyThresholdMs {
		return false
	}
	return counter%skipEveryN == 0
}

// ObserveSendLatency feeds one send_ms sample into the rolling window used
// by RecommendFPS.
func (o *Orchestrator) ObserveSendLatency(ms float64) {
	o.latencyMu.Lock()
	defer o.latencyMu.Unlock()
	o.latencySample[o.latencyIdx] = ms
	o.latencyIdx = (o.latencyIdx + 1) % latencySampleWindow
	if o.latencyFill < latencySampleWindow {
		o.latencyFill++
	}
}

func (o *Orchestrator) rollingMedianMs() float64 {
	o.latencyMu.Lock()
	defer o.latencyMu.Unlock()
	if o.latencyFill == 0 {
		return 0
	}
	samples := append([]float64(nil), o.latencySample[:o.latencyFill]...)
	// Insertion sort: latencySampleWindow is tiny (30), no need for sort.Float64s overhead reasoning.
	for i := 1; i < len(samples); i++ {
		for j := i; j > 0 && samples[j-1] > samples[j]; j-- {
			samples[j-1], samples[j] = samples[j], samples[j-1]
		}
	}
	return samples[len(samples)/2]
}

// RecommendFPS returns a lower ceiling than requested when rolling
// send-latency median exceeds the high-latency threshold; never exceeds
// requested (spec §4.9).
func (o *Orchestrator) RecommendFPS(requested uint16) uint16 {
	median := o.rollingMedianMs()
	if median <= highLatencyThresholdMs {
		return requested
	}
	reduced := requested / 2
	if reduced < 1 {
		reduced = 1
	}
	return reduced
}

// GetBuffer borrows a pooled byte buffer for a hot-path decode/encode step.
func (o *Orchestrator) GetBuffer() []byte {
	return o.pool.Get().([]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer.
func (o *Orchestrator) PutBuffer(buf []byte) {
	o.pool.Put(buf)
}
