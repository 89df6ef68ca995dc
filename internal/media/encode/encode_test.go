package encode

import (
	"context"
	"testing"
	"time"

	"duskcall/internal/media"
	"duskcall/internal/media/bitmap"
	"duskcall/internal/media/codec"
	"duskcall/internal/media/queue"
)

func TestRunProducesMonotoneSequenceNumbers(t *testing.T) {
	in := queue.New[media.RawFrame](5)
	out := queue.New[media.EncodedFrame](30)
	stage := New(codec.New(nil), in, out, 80, nil)

	for i := 0; i < 5; i++ {
		in.Push(media.RawFrame{Pixels: bitmap.New(16, 16), CaptureTime: time.Now()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go stage.Run(ctx)

	var last uint64
	seen := 0
	deadline := time.After(500 * time.Millisecond)
	for seen < 5 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for encoded frames, saw %d", seen)
		default:
		}
		f, ok := out.TryPop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if f.Seq <= last {
			t.Fatalf("sequence not strictly increasing: prev=%d got=%d", last, f.Seq)
		}
		last = f.Seq
		seen++
	}
}
