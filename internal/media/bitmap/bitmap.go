// Package bitmap provides the PixelBuffer value type used throughout the
// capture/encode/viewer pipeline in place of unmanaged, locked pixel
// buffers.
package bitmap

import (
	"image"
)

// Buffer is an owned RGBA pixel buffer. Unlike image.RGBA it carries no
// hidden aliasing guarantees: callers that want to keep a Buffer beyond the
// stage that produced it must Clone it first.
type Buffer struct {
	Width  int
	Height int
	Stride int
	Pix    []byte // 4 bytes per pixel, RGBA
}

// New allocates a zeroed buffer of the given dimensions.
func New(width, height int) *Buffer {
	return &Buffer{
		Width:  width,
		Height: height,
		Stride: width * 4,
		Pix:    make([]byte, width*height*4),
	}
}

// FromRGBA wraps a stdlib image.RGBA without copying.
func FromRGBA(img *image.RGBA) *Buffer {
	b := img.Bounds()
	return &Buffer{
		Width:  b.Dx(),
		Height: b.Dy(),
		Stride: img.Stride,
		Pix:    img.Pix,
	}
}

// RGBA returns a stdlib image.RGBA view over the same backing array.
func (b *Buffer) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    b.Pix,
		Stride: b.Stride,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// Clone returns a deep copy, safe to hand to another goroutine.
func (b *Buffer) Clone() *Buffer {
	out := New(b.Width, b.Height)
	copy(out.Pix, b.Pix)
	return out
}

// Resize returns a new buffer at (w, h). If the source already matches the
// target dimensions this is equivalent to Clone; otherwise it performs a
// nearest-neighbor resize, matching the capture stage's "clone or resize"
// contract (spec §4.3).
func (b *Buffer) Resize(w, h int) *Buffer {
	if w == b.Width && h == b.Height {
		return b.Clone()
	}
	out := New(w, h)
	xRatio := (b.Width << 16) / w
	yRatio := (b.Height << 16) / h
	for y := 0; y < h; y++ {
		srcY := (y * yRatio) >> 16
		srcRow := srcY * b.Stride
		dstRow := y * out.Stride
		for x := 0; x < w; x++ {
			srcX := (x * xRatio) >> 16
			si := srcRow + srcX*4
			di := dstRow + x*4
			copy(out.Pix[di:di+4], b.Pix[si:si+4])
		}
	}
	return out
}

// Bytes returns the total size of the pixel buffer, used for jitter-buffer
// memory accounting (spec §3 JitterBuffer invariant).
func (b *Buffer) Bytes() int {
	return len(b.Pix)
}
