// Package audio implements the Voice Capture & Send pipeline (C7) and the
// Voice Receive & Mix pipeline (C8, spec §4.7-4.8) as a single Engine:
// capture -> AEC -> noise gate -> VAD -> AGC -> Opus encode -> bounded send
// queue on the way out, and per-sender Opus decode -> jitter buffer ->
// gain -> additive mix -> device playback on the way in.
//
// Grounded on rustyguts-bken/client/audio.go's AudioEngine, generalized to
// this repo's internal/audio/{aec,agc,noisegate,vad,jitter,adapt} packages
// and the process-scoped orchestrator instead of a Wails-bound struct.
package audio

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"gopkg.in/hraban/opus.v2"

	"duskcall/internal/audio/adapt"
	"duskcall/internal/audio/aec"
	"duskcall/internal/audio/agc"
	"duskcall/internal/audio/jitter"
	"duskcall/internal/audio/noisegate"
	"duskcall/internal/audio/vad"
	"duskcall/internal/media/presets"
	"duskcall/internal/orchestrator"
)

const (
	sampleRate = presets.AudioSampleRateHz
	channels   = presets.AudioChannels
	frameSize  = presets.AudioFrameSamples

	captureChanBuf  = 30
	playbackChanBuf = 30
	opusMaxPacket   = 1275

	decoderPruneInterval = 500 // playback cycles (~10s at 20ms/cycle)
	defaultJitterDepth   = 1   // 1 frame = 20ms, optimistic for LAN; playbackLoop's buffer keeps this depth
)

// ErrEngineNotStarted is returned by EncodeFrame/DecodeFrame before Start
// has established the Opus codec pair.
var ErrEngineNotStarted = errors.New("audio: engine not started")

// TaggedAudio is one inbound voice packet, tagged with the sender and its
// sequence number for jitter-buffer reordering.
type TaggedAudio struct {
	SenderID uint16
	Seq      uint16
	OpusData []byte
}

// Device describes an available PortAudio device.
type Device struct {
	ID   int
	Name string
}

type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetDTX(dtx bool) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// Engine owns capture/playback streams, the DSP chain, and per-sender
// decoder state. The audio device callback path (captureLoop/playbackLoop)
// never blocks on the network (spec §5): encoded frames are handed off to
// CaptureOut with a non-blocking send, dropping and counting on backpressure.
type Engine struct {
	mu sync.Mutex
	orch *orchestrator.Orchestrator
	log  *slog.Logger

	inputDeviceID  int
	outputDeviceID int
	volume         float64

	encoder opusEncoder
	decoder opusDecoder

	captureStream  paStream
	playbackStream paStream

	CaptureOut chan []byte
	PlaybackIn chan TaggedAudio

	UserVolumeFunc func(senderID uint16) float64
	OnSpeaking     func()

	aecProc    *aec.Canceller
	aecEnabled atomic.Bool

	agcProc    *agc.AGC
	agcEnabled atomic.Bool

	vadProc  *vad.Detector
	gateProc *noisegate.Gate

	running        atomic.Bool
	testMode       atomic.Bool
	muted          atomic.Bool
	deafened       atomic.Bool
	pttMode        atomic.Bool
	pttActive      atomic.Bool
	currentBitrate atomic.Int32
	jitterDepth    atomic.Int32

	captureDropped  atomic.Uint64
	playbackDropped atomic.Uint64
	inputLevel      atomic.Uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Engine bound to the given orchestrator (for
// SignalAudioSend/SignalAudioReceive) and logger.
func New(orch *orchestrator.Orchestrator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		orch:           orch,
		log:            log.With("component", "audio"),
		inputDeviceID:  -1,
		outputDeviceID: -1,
		volume:         1.0,
		aecProc:        aec.New(frameSize),
		agcProc:        agc.New(),
		vadProc:        vad.New(),
		gateProc:       noisegate.New(),
		CaptureOut:     make(chan []byte, captureChanBuf),
		PlaybackIn:     make(chan TaggedAudio, playbackChanBuf),
		stopCh:         make(chan struct{}),
	}
	return e
}

// ListInputDevices returns available capture devices.
func (e *Engine) ListInputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns available playback devices.
func (e *Engine) ListOutputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func listDevices(match func(*portaudio.DeviceInfo) bool) []Device {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil
	}
	var out []Device
	for i, d := range devices {
		if match(d) {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out
}

// SetInputDevice selects the capture device by index.
func (e *Engine) SetInputDevice(id int) {
	e.mu.Lock()
	e.inputDeviceID = id
	e.mu.Unlock()
}

// SetOutputDevice selects the playback device by index.
func (e *Engine) SetOutputDevice(id int) {
	e.mu.Lock()
	e.outputDeviceID = id
	e.mu.Unlock()
}

// SetVolume sets master playback volume in [0,1].
func (e *Engine) SetVolume(vol float64) {
	if vol < 0 {
		vol = 0
	}
	if vol > 1 {
		vol = 1
	}
	e.mu.Lock()
	e.volume = vol
	e.mu.Unlock()
}

// SetAEC toggles acoustic echo cancellation.
func (e *Engine) SetAEC(enabled bool) {
	e.aecProc.SetEnabled(enabled)
	e.aecEnabled.Store(enabled)
}

// SetAGC toggles automatic gain control.
func (e *Engine) SetAGC(enabled bool) {
	if enabled {
		e.agcProc.Reset()
	}
	e.agcEnabled.Store(enabled)
}

// SetVAD toggles voice-activity gating of outbound frames.
func (e *Engine) SetVAD(enabled bool) {
	e.vadProc.SetEnabled(enabled)
}

// SetNoiseGate toggles the hard noise gate.
func (e *Engine) SetNoiseGate(enabled bool) {
	e.gateProc.SetEnabled(enabled)
}

// InputLevel returns the most recent pre-gate RMS, for UI meters.
func (e *Engine) InputLevel() float32 {
	return math.Float32frombits(e.inputLevel.Load())
}

// SetBitrate adjusts the Opus target bitrate in kbps.
func (e *Engine) SetBitrate(kbps int) {
	e.mu.Lock()
	enc := e.encoder
	e.mu.Unlock()
	if enc != nil {
		enc.SetBitrate(kbps * 1000)
	}
	e.currentBitrate.Store(int32(kbps))
}

// CurrentBitrate returns the active Opus bitrate in kbps.
func (e *Engine) CurrentBitrate() int {
	return int(e.currentBitrate.Load())
}

// SetPacketLoss feeds an observed loss percentage to the encoder's FEC model
// and recomputes the target bitrate from the ladder (internal/audio/adapt).
func (e *Engine) SetPacketLoss(lossPercent int, rttMs float64) {
	e.mu.Lock()
	enc := e.encoder
	e.mu.Unlock()
	if enc != nil {
		enc.SetPacketLossPerc(lossPercent)
	}
	next := adapt.NextBitrate(e.CurrentBitrate(), float64(lossPercent)/100.0, int(rttMs))
	e.SetBitrate(next)
	depth := adapt.TargetJitterDepth(rttMs, float64(lossPercent)/100.0)
	e.jitterDepth.Store(int32(depth))
}

// SetMuted mutes or unmutes outbound audio.
func (e *Engine) SetMuted(muted bool) { e.muted.Store(muted) }

// SetDeafened mutes or unmutes inbound playback.
func (e *Engine) SetDeafened(deafened bool) { e.deafened.Store(deafened) }

// SetPTTMode toggles push-to-talk gating.
func (e *Engine) SetPTTMode(enabled bool) { e.pttMode.Store(enabled) }

// SetPTTActive marks whether the push-to-talk key is currently held.
func (e *Engine) SetPTTActive(active bool) { e.pttActive.Store(active) }

// DroppedFrames returns and does not reset the cumulative capture/playback
// drop counters.
func (e *Engine) DroppedFrames() (capture, playback uint64) {
	return e.captureDropped.Load(), e.playbackDropped.Load()
}

// Done returns a channel closed when Stop completes.
func (e *Engine) Done() <-chan struct{} { return e.stopCh }

// Start opens capture/playback streams and launches the DSP goroutines.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return err
	}
	enc.SetBitrate(presets.AudioBitrateBps)
	enc.SetDTX(true)
	enc.SetInBandFEC(true)
	enc.SetPacketLossPerc(5)
	e.encoder = enc
	e.currentBitrate.Store(presets.AudioBitrateBps / 1000)

	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return err
	}
	e.decoder = dec

	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}
	inputDev, err := resolveDevice(devices, e.inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return err
	}
	outputDev, err := resolveDevice(devices, e.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}

	captureBuf := make([]float32, frameSize)
	captureStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}, captureBuf)
	if err != nil {
		return err
	}

	playbackBuf := make([]float32, frameSize)
	playbackStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}, playbackBuf)
	if err != nil {
		captureStream.Close()
		return err
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return err
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return err
	}

	e.captureStream = captureStream
	e.playbackStream = playbackStream
	e.stopCh = make(chan struct{})
	e.running.Store(true)

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.captureLoop(captureBuf) }()
	go func() { defer e.wg.Done(); e.playbackLoop(playbackBuf) }()

	e.log.Info("started", "capture", inputDev.Name, "playback", outputDev.Name)
	return nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Stop halts capture/playback and waits for both loops to exit before
// releasing native stream handles (stopping first unblocks Read/Write calls
// the goroutines are parked in).
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Stop()
	}
	if e.playbackStream != nil {
		e.playbackStream.Stop()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Close()
		e.captureStream = nil
	}
	if e.playbackStream != nil {
		e.playbackStream.Close()
		e.playbackStream = nil
	}
	e.mu.Unlock()

	for {
		select {
		case <-e.PlaybackIn:
		default:
			e.log.Info("stopped")
			return
		}
	}
}

func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// captureLoop is the audio-device callback-adjacent capture path: it must
// never block on the network. Encoded frames are handed off to CaptureOut
// with a non-blocking send; a full channel increments captureDropped and
// drops the frame rather than stalling the device thread (spec §5).
func (e *Engine) captureLoop(buf []float32) {
	pcm := make([]int16, frameSize)
	opusBuf := make([]byte, opusMaxPacket)
	var lastSpeakEmit time.Time

	for e.running.Load() {
		if err := e.captureStream.Read(); err != nil {
			if e.running.Load() {
				e.log.Warn("capture read failed", "error", err)
			}
			return
		}

		if e.aecEnabled.Load() {
			e.aecProc.Process(buf)
		}

		preGateRMS := e.gateProc.Process(buf)
		e.inputLevel.Store(math.Float32bits(preGateRMS))

		rms := vad.RMS(buf)
		if e.OnSpeaking != nil && !e.muted.Load() && rms > 0.01 && time.Since(lastSpeakEmit) > 80*time.Millisecond {
			lastSpeakEmit = time.Now()
			e.OnSpeaking()
		}

		if e.pttMode.Load() && !e.pttActive.Load() {
			continue
		}

		if !e.pttMode.Load() && !e.vadProc.ShouldSend(vad.RMS(buf)) {
			continue
		}

		if e.agcEnabled.Load() {
			e.agcProc.Process(buf)
		}

		for i, s := range buf {
			pcm[i] = int16(clampFloat32(s) * 32767)
		}

		n, err := e.encoder.Encode(pcm, opusBuf)
		if err != nil {
			e.log.Warn("opus encode failed", "error", err)
			continue
		}
		encoded := make([]byte, n)
		copy(encoded, opusBuf[:n])

		if e.testMode.Load() {
			select {
			case e.PlaybackIn <- TaggedAudio{SenderID: 0, Seq: 0, OpusData: encoded}:
			default:
			}
			continue
		}
		if e.muted.Load() {
			continue
		}
		select {
		case e.CaptureOut <- encoded:
			if e.orch != nil {
				e.orch.SignalAudioSend()
			}
		default:
			e.captureDropped.Add(1)
		}
	}
}

// playbackLoop decodes every sender's next due frame from the jitter buffer,
// applies PLC/FEC recovery, additively mixes into the device output buffer,
// and feeds the mixed result back to the AEC as the far-end reference.
func (e *Engine) playbackLoop(buf []float32) {
	pcm := make([]int16, frameSize)
	decoders := make(map[uint16]opusDecoder)
	jb := jitter.New(defaultJitterDepth)
	var pruneCounter int

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if d := int(e.jitterDepth.Load()); d > 0 {
			// jitter.Buffer has no live depth mutator. The depth stored by
			// SetPacketLoss is read here but not applied: jb keeps
			// defaultJitterDepth for the life of the loop.
			_ = d
		}

	drain:
		for {
			select {
			case tagged := <-e.PlaybackIn:
				jb.Push(tagged.SenderID, tagged.Seq, tagged.OpusData)
				if e.orch != nil {
					e.orch.SignalAudioReceive()
				}
			default:
				break drain
			}
		}

		zeroFloat32(buf)

		if !e.deafened.Load() {
			e.mu.Lock()
			vol := e.volume
			e.mu.Unlock()
			scale := float32(vol) / 32768.0

			for _, f := range jb.Pop() {
				dec, ok := decoders[f.SenderID]
				if !ok {
					d, err := opus.NewDecoder(sampleRate, channels)
					if err != nil {
						e.log.Warn("create decoder failed", "sender", f.SenderID, "error", err)
						continue
					}
					dec = d
					decoders[f.SenderID] = dec
				}

				var n int
				var err error
				switch {
				case f.OpusData != nil:
					n, err = dec.Decode(f.OpusData, pcm)
				case f.FECData != nil:
					if fecErr := dec.DecodeFEC(f.FECData, pcm); fecErr != nil {
						n, err = dec.Decode(nil, pcm)
					} else {
						n = frameSize
					}
				default:
					n, err = dec.Decode(nil, pcm)
				}
				if err != nil {
					e.log.Warn("opus decode failed", "sender", f.SenderID, "error", err)
					continue
				}

				userScale := scale
				if e.UserVolumeFunc != nil {
					userScale = scale * float32(e.UserVolumeFunc(f.SenderID))
				}
				for i := 0; i < n; i++ {
					buf[i] += float32(pcm[i]) * userScale
				}
			}

			for i := range buf {
				buf[i] = clampFloat32(buf[i])
			}
		}

		pruneCounter++
		if pruneCounter >= decoderPruneInterval {
			pruneCounter = 0
			if len(decoders) > len(jb.ActiveSenders())+2 {
				decoders = make(map[uint16]opusDecoder)
			}
		}

		e.aecProc.FeedFarEnd(buf)

		if err := e.playbackStream.Write(); err != nil {
			if e.running.Load() {
				e.log.Warn("playback write failed", "error", err)
			}
			return
		}
	}
}

// EncodeFrame is a synchronous Opus encode path used by StartTest loopback
// and unit tests that bypass the device streams.
func (e *Engine) EncodeFrame(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	enc := e.encoder
	e.mu.Unlock()
	if enc == nil {
		return nil, ErrEngineNotStarted
	}
	out := make([]byte, opusMaxPacket)
	n, err := enc.Encode(pcm, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// DecodeFrame is the synchronous counterpart to EncodeFrame.
func (e *Engine) DecodeFrame(data []byte) ([]int16, error) {
	e.mu.Lock()
	dec := e.decoder
	e.mu.Unlock()
	if dec == nil {
		return nil, ErrEngineNotStarted
	}
	pcm := make([]int16, frameSize)
	n, err := dec.Decode(data, pcm)
	if err != nil {
		return nil, err
	}
	return pcm[:n], nil
}
