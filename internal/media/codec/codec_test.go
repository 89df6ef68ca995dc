package codec

import (
	"io"
	"log/slog"
	"testing"

	"duskcall/internal/media/bitmap"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJPEGRoundTripPreservesDimensions(t *testing.T) {
	f := New(nil)
	src := bitmap.New(64, 48)
	for i := range src.Pix {
		src.Pix[i] = byte(i % 256)
	}
	data, err := f.EncodeJPEG(src, 80)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := f.DecodeJPEG(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Width != src.Width || out.Height != src.Height {
		t.Fatalf("dimensions mismatch: got %dx%d want %dx%d", out.Width, out.Height, src.Width, src.Height)
	}
}

func TestDetectFrameKind(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		kind Kind
		ok   bool
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0x00}, KindJPEG, true},
		{"h264-4byte-start", []byte{0, 0, 0, 1, 0x67}, KindH264, true},
		{"h264-3byte-start", []byte{0, 0, 1, 0x67}, KindH264, true},
		{"unknown", []byte{0x12, 0x34, 0x56}, 0, false},
		{"too-short", []byte{0x00}, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			kind, ok := DetectFrameKind(c.data)
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && kind != c.kind {
				t.Fatalf("kind = %v, want %v", kind, c.kind)
			}
		})
	}
}

func TestH264UnavailableDegradesWithoutPanic(t *testing.T) {
	f := &Facade{log: discardLogger()}
	f.probed.Store(true) // simulate a probe that found nothing
	if f.H264Available() {
		t.Fatalf("expected unavailable facade")
	}
	if _, err := f.EncodeH264(bitmap.New(4, 4), 1); err == nil {
		t.Fatalf("expected error encoding with no backend")
	}
	if _, err := f.DecodeH264([]byte{0, 0, 0, 1}); err == nil {
		t.Fatalf("expected error decoding with no backend")
	}
}
