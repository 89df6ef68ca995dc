package audio

import (
	"testing"

	"duskcall/internal/orchestrator"
)

func TestClampFloat32(t *testing.T) {
	cases := []struct {
		in, want float32
	}{
		{0.5, 0.5},
		{1.5, 1.0},
		{-1.5, -1.0},
		{-0.2, -0.2},
	}
	for _, c := range cases {
		if got := clampFloat32(c.in); got != c.want {
			t.Fatalf("clampFloat32(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestZeroFloat32(t *testing.T) {
	buf := []float32{1, 2, 3}
	zeroFloat32(buf)
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("buf[%d] = %v, want 0", i, v)
		}
	}
}

func TestSetBitrateUpdatesCurrentBitrateWithoutEncoder(t *testing.T) {
	e := New(orchestrator.New(defaultFrameBytes), nil)
	e.SetBitrate(24)
	if got := e.CurrentBitrate(); got != 24 {
		t.Fatalf("expected CurrentBitrate=24, got %d", got)
	}
}

func TestMuteAndDeafenFlags(t *testing.T) {
	e := New(orchestrator.New(defaultFrameBytes), nil)
	e.SetMuted(true)
	if !e.muted.Load() {
		t.Fatalf("expected muted flag set")
	}
	e.SetDeafened(true)
	if !e.deafened.Load() {
		t.Fatalf("expected deafened flag set")
	}
}

func TestPTTGatingFlags(t *testing.T) {
	e := New(orchestrator.New(defaultFrameBytes), nil)
	e.SetPTTMode(true)
	if !e.pttMode.Load() {
		t.Fatalf("expected ptt mode enabled")
	}
	e.SetPTTActive(true)
	if !e.pttActive.Load() {
		t.Fatalf("expected ptt active")
	}
}

func TestEncodeFrameFailsBeforeStart(t *testing.T) {
	e := New(orchestrator.New(defaultFrameBytes), nil)
	if _, err := e.EncodeFrame(make([]int16, frameSize)); err != ErrEngineNotStarted {
		t.Fatalf("expected ErrEngineNotStarted, got %v", err)
	}
}

func TestDroppedFramesStartsAtZero(t *testing.T) {
	e := New(orchestrator.New(defaultFrameBytes), nil)
	capture, playback := e.DroppedFrames()
	if capture != 0 || playback != 0 {
		t.Fatalf("expected zero drop counts on a fresh engine, got capture=%d playback=%d", capture, playback)
	}
}

const defaultFrameBytes = frameSize * 2
