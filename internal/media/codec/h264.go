package codec

import (
	"fmt"
	"sync"

	openh264 "github.com/y9o/go-openh264"

	"duskcall/internal/media/bitmap"
)

func init() {
	RegisterH264Backend(newSoftwareH264Backend)
}

// softwareH264Backend adapts github.com/y9o/go-openh264's cgo encoder/
// decoder to the facade's h264Backend interface. All contact with the
// upstream package's exact call shape is isolated to this file, so a future
// hardware backend (GPU-accelerated) can be registered alongside it without
// touching the facade.
type softwareH264Backend struct {
	mu      sync.Mutex
	enc     *openh264.Encoder
	dec     *openh264.Decoder
	encW    int
	encH    int
	bitrate int
}

func newSoftwareH264Backend() (h264Backend, error) {
	dec, err := openh264.NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("codec: openh264 decoder unavailable: %w", err)
	}
	return &softwareH264Backend{dec: dec, bitrate: 4_000_000}, nil
}

func (b *softwareH264Backend) ensureEncoder(w, h int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enc != nil && b.encW == w && b.encH == h {
		return nil
	}
	if b.enc != nil {
		_ = b.enc.Close()
	}
	enc, err := openh264.NewEncoder(w, h, b.bitrate)
	if err != nil {
		return fmt.Errorf("codec: openh264 encoder init: %w", err)
	}
	b.enc = enc
	b.encW, b.encH = w, h
	return nil
}

func (b *softwareH264Backend) EncodeH264(pix *bitmap.Buffer, seq uint64) ([]byte, error) {
	if err := b.ensureEncoder(pix.Width, pix.Height); err != nil {
		return nil, err
	}
	yuv := rgbaToI420(pix)
	b.mu.Lock()
	enc := b.enc
	b.mu.Unlock()
	nal, err := enc.Encode(yuv)
	if err != nil {
		return nil, fmt.Errorf("openh264 encode: %w", err)
	}
	return nal, nil
}

func (b *softwareH264Backend) DecodeH264(data []byte) (*bitmap.Buffer, error) {
	b.mu.Lock()
	dec := b.dec
	b.mu.Unlock()
	yuv, w, h, err := dec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("openh264 decode: %w", err)
	}
	if len(yuv) == 0 {
		// No picture produced yet (e.g. awaiting the next keyframe).
		return nil, ErrDecodeFailed
	}
	return i420ToBitmap(yuv, w, h), nil
}

func (b *softwareH264Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.enc != nil {
		err = b.enc.Close()
	}
	if b.dec != nil {
		if derr := b.dec.Close(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// rgbaToI420 converts an RGBA bitmap to planar YUV 4:2:0, the pixel format
// openh264 encodes. Uses BT.601 coefficients.
func rgbaToI420(pix *bitmap.Buffer) []byte {
	w, h := pix.Width, pix.Height
	ySize := w * h
	cSize := (w / 2) * (h / 2)
	out := make([]byte, ySize+2*cSize)
	yPlane := out[:ySize]
	uPlane := out[ySize : ySize+cSize]
	vPlane := out[ySize+cSize:]

	for y := 0; y < h; y++ {
		row := y * pix.Stride
		for x := 0; x < w; x++ {
			i := row + x*4
			r, g, bch := int(pix.Pix[i]), int(pix.Pix[i+1]), int(pix.Pix[i+2])
			yPlane[y*w+x] = byte(clamp((66*r+129*g+25*bch+128)>>8 + 16))
			if x%2 == 0 && y%2 == 0 {
				cu := clamp((-38*r-74*g+112*bch+128)>>8 + 128)
				cv := clamp((112*r-94*g-18*bch+128)>>8 + 128)
				ci := (y/2)*(w/2) + x/2
				uPlane[ci] = byte(cu)
				vPlane[ci] = byte(cv)
			}
		}
	}
	return out
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

// i420ToBitmap converts planar YUV 4:2:0 back to an RGBA bitmap.
func i420ToBitmap(yuv []byte, w, h int) *bitmap.Buffer {
	ySize := w * h
	cSize := (w / 2) * (h / 2)
	yPlane := yuv[:ySize]
	uPlane := yuv[ySize : ySize+cSize]
	vPlane := yuv[ySize+cSize:]

	out := bitmap.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yy := int(yPlane[y*w+x]) - 16
			ci := (y/2)*(w/2) + x/2
			cu := int(uPlane[ci]) - 128
			cv := int(vPlane[ci]) - 128

			r := clamp((298*yy + 409*cv + 128) >> 8)
			g := clamp((298*yy - 100*cu - 208*cv + 128) >> 8)
			b := clamp((298*yy + 516*cu + 128) >> 8)

			di := y*out.Stride + x*4
			out.Pix[di] = byte(r)
			out.Pix[di+1] = byte(g)
			out.Pix[di+2] = byte(b)
			out.Pix[di+3] = 0xFF
		}
	}
	return out
}
