package capture

import (
	"context"
	"testing"
	"time"

	"duskcall/internal/media"
	"duskcall/internal/media/bitmap"
	"duskcall/internal/media/queue"
)

func TestRunProducesFramesAtTargetResolution(t *testing.T) {
	src := bitmap.New(1280, 720)
	capturer := NewSoftwareCapturer(1280, 720, func() (*bitmap.Buffer, error) {
		return src, nil
	})
	out := queue.New[media.RawFrame](5)
	stage := New(capturer, out, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	stage.Run(ctx, 30, 640, 360)

	frame, ok := out.TryPop()
	if !ok {
		t.Fatalf("expected at least one captured frame")
	}
	if frame.Pixels.Width != 640 || frame.Pixels.Height != 360 {
		t.Fatalf("expected resize to 640x360, got %dx%d", frame.Pixels.Width, frame.Pixels.Height)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	capturer := NewSoftwareCapturer(64, 64, func() (*bitmap.Buffer, error) {
		return bitmap.New(64, 64), nil
	})
	out := queue.New[media.RawFrame](5)
	stage := New(capturer, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stage.Run(ctx, 1000, 64, 64)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
