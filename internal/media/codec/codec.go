// Package codec implements the Codec Facade (spec §4.1): a uniform
// encode/decode surface over JPEG, H.264, and Opus, with deterministic
// hardware-probe-and-fallback behavior. Grounded on
// LanternOps-breeze's encoder.go backend-factory pattern, adapted from a
// pluggable video-encoder abstraction to the facade shape spec.md names.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"

	"duskcall/internal/media/bitmap"
)

// Kind identifies which codec produced a payload, used for the wire-format
// magic-byte disambiguation in DetectFrameKind (spec §4.10/§6).
type Kind int

const (
	KindJPEG Kind = iota
	KindH264
)

// Errors surfaced by the facade, part of the Codec error taxonomy (spec §7).
var (
	ErrHardwareUnavailable = errors.New("codec: hardware video codec unavailable")
	ErrDecodeFailed        = errors.New("codec: decode failed")
	ErrEncodeFailed        = errors.New("codec: encode failed")
	ErrUnknownFrameKind    = errors.New("codec: unrecognized frame magic bytes")
)

// h264Backend is the pluggable interface a hardware or software H.264
// implementation must satisfy. Kept separate from the facade so a hardware
// backend (not available in this environment) can be registered without
// touching facade code, mirroring LanternOps-breeze's backendFactory split.
type h264Backend interface {
	EncodeH264(pix *bitmap.Buffer, seq uint64) ([]byte, error)
	DecodeH264(data []byte) (pix *bitmap.Buffer, err error)
	Close() error
}

// backendFactory constructs a h264Backend, returning an error if the
// backend's native dependency cannot be loaded on this machine.
type backendFactory func() (h264Backend, error)

var (
	factoryMu sync.Mutex
	factories []backendFactory
)

// RegisterH264Backend adds a candidate H.264 backend factory, tried in
// registration order during Probe. Backends register themselves from an
// init(); this build registers only the openh264 software backend
// (h264.go), so Probe reports H.264 unavailable when that library's
// decoder cannot be created.
func RegisterH264Backend(f backendFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories = append(factories, f)
}

// Facade is the process-wide codec surface (spec §4.1). It is safe for
// concurrent use; Probe is idempotent.
type Facade struct {
	probed        atomic.Bool
	h264Available atomic.Bool
	h264          h264Backend
	h264Mu        sync.Mutex
	warnedOnce    atomic.Bool
	log           *slog.Logger
}

// New constructs a facade. Probe must be called once before use; calling it
// lazily from the first Encode/Decode call is also safe since Probe is
// idempotent and concurrency-safe (spec §4.1).
func New(log *slog.Logger) *Facade {
	if log == nil {
		log = slog.Default()
	}
	return &Facade{log: log}
}

// Probe verifies the native H.264 library loads and a decoder resolves. On
// failure h264_available is left false and every H.264 path degrades
// deterministically: encode falls back to JPEG, decode skips the frame.
// Safe to call multiple times; only the first call does any work.
func (f *Facade) Probe() {
	if !f.probed.CompareAndSwap(false, true) {
		return
	}
	factoryMu.Lock()
	candidates := append([]backendFactory(nil), factories...)
	factoryMu.Unlock()

	for _, mk := range candidates {
		backend, err := mk()
		if err != nil {
			f.log.Debug("codec: h264 backend unavailable", "error", err)
			continue
		}
		f.h264Mu.Lock()
		f.h264 = backend
		f.h264Mu.Unlock()
		f.h264Available.Store(true)
		f.log.Info("codec: h264 backend available")
		return
	}
	f.log.Info("codec: no h264 backend available, falling back to jpeg")
}

// H264Available reports whether a hardware/software H.264 backend probed
// successfully.
func (f *Facade) H264Available() bool {
	f.Probe()
	return f.h264Available.Load()
}

// EncodeJPEG implements encode_jpeg(bitmap, quality) -> bytes (spec §4.1).
func (f *Facade) EncodeJPEG(pix *bitmap.Buffer, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	buf := getBuffer()
	defer putBuffer(buf)
	if err := jpeg.Encode(buf, pix.RGBA(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// DecodeJPEG implements decode_jpeg(bytes) -> bitmap (spec §4.1).
func (f *Facade) DecodeJPEG(data []byte) (*bitmap.Buffer, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		conv := image.NewRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				conv.Set(x, y, img.At(x, y))
			}
		}
		rgba = conv
	}
	return bitmap.FromRGBA(rgba), nil
}

// EncodeH264 implements encode_h264(bitmap, seq) -> bytes (spec §4.1). May
// return (nil, nil) when no keyframe is available yet; callers must treat
// that as "nothing to enqueue", not an error.
func (f *Facade) EncodeH264(pix *bitmap.Buffer, seq uint64) ([]byte, error) {
	if !f.H264Available() {
		f.warnUnavailableOnce()
		return nil, ErrHardwareUnavailable
	}
	f.h264Mu.Lock()
	backend := f.h264
	f.h264Mu.Unlock()
	data, err := backend.EncodeH264(pix, seq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return data, nil
}

// DecodeH264 implements decode_h264(bytes) -> (bitmap, w, h, stride) (spec
// §4.1).
func (f *Facade) DecodeH264(data []byte) (*bitmap.Buffer, error) {
	if !f.H264Available() {
		f.warnUnavailableOnce()
		return nil, ErrHardwareUnavailable
	}
	f.h264Mu.Lock()
	backend := f.h264
	f.h264Mu.Unlock()
	pix, err := backend.DecodeH264(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return pix, nil
}

// warnUnavailableOnce surfaces the hardware-unavailable condition only the
// first time a frame is offered, matching spec §4.1: "Failure is surfaced
// only the first time a frame is offered; subsequent frames silently skip."
func (f *Facade) warnUnavailableOnce() {
	if f.warnedOnce.CompareAndSwap(false, true) {
		f.log.Warn("codec: h264 path unavailable, degrading to fallback")
	}
}

// DetectFrameKind implements the wire-format disambiguation from spec §4.10
// / §6: JPEG magic FF D8, H.264 NAL start codes 00 00 00 01 or 00 00 01.
func DetectFrameKind(data []byte) (Kind, bool) {
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
		return KindJPEG, true
	}
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return KindH264, true
	}
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return KindH264, true
	}
	return 0, false
}
