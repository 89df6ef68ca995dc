package viewer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"duskcall/internal/media/bitmap"
)

type fakeDecoder struct{}

func (fakeDecoder) DecodeJPEG(data []byte) (*bitmap.Buffer, error) {
	return bitmap.New(4, 4), nil
}

func (fakeDecoder) DecodeH264(data []byte) (*bitmap.Buffer, error) {
	return nil, errors.New("unused in this test")
}

func jpegPayload() []byte {
	return []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x01}
}

func TestPlaybackWaitsForPreBufferDepth(t *testing.T) {
	var mu sync.Mutex
	var delivered int

	v := New(nil, func(DecodedFrame) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}, nil)
	v.SetDecoder(fakeDecoder{})

	for i := 0; i < preBufferTarget-1; i++ {
		v.Receive(1, jpegPayload())
	}

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	got := delivered
	mu.Unlock()
	if got != 0 {
		t.Fatalf("expected no frames delivered below pre-buffer depth, got %d", got)
	}

	v.Receive(1, jpegPayload()) // reaches preBufferTarget
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	got = delivered
	mu.Unlock()
	if got == 0 {
		t.Fatalf("expected playback to begin once pre-buffer depth reached")
	}
}

func TestHardMaxEvictsOldestAndCountsDrop(t *testing.T) {
	v := New(nil, nil, nil)
	v.SetDecoder(fakeDecoder{})

	for i := 0; i < hardMax+10; i++ {
		v.Receive(2, jpegPayload())
	}

	v.mu.Lock()
	s := v.senders[2]
	qlen := len(s.queue)
	v.mu.Unlock()

	if qlen > hardMax {
		t.Fatalf("expected queue depth bounded by hardMax=%d, got %d", hardMax, qlen)
	}
	if v.Dropped() == 0 {
		t.Fatalf("expected evictions to be counted as drops")
	}
}

func TestUnrecognizedPayloadIsDroppedAndCounted(t *testing.T) {
	v := New(nil, nil, nil)
	v.SetDecoder(fakeDecoder{})

	v.Receive(3, []byte{0x00, 0x00, 0x00, 0x00})
	if v.Dropped() != 1 {
		t.Fatalf("expected exactly one dropped frame for unrecognized magic, got %d", v.Dropped())
	}
}

func TestScreenShareStoppedClearsSenderState(t *testing.T) {
	v := New(nil, nil, nil)
	v.SetDecoder(fakeDecoder{})
	v.Receive(4, jpegPayload())

	v.ScreenShareStopped(4)

	v.mu.Lock()
	_, present := v.senders[4]
	v.mu.Unlock()
	if present {
		t.Fatalf("expected sender state removed after ScreenShareStopped")
	}
}
