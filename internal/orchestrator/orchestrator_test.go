package orchestrator

import "testing"

func TestVoicePriorityDropsAtLeastOneThirdOfFrames(t *testing.T) {
	o := New(960)
	o.SignalAudioSend()

	var counter uint64
	skipped := 0
	const total = 180 // simulate 3s at 60fps
	for i := 0; i < total; i++ {
		counter++
		if o.ShouldSkipVideoFrame(counter) {
			skipped++
		}
	}
	if got := float64(skipped) / float64(total); got < 0.30 {
		t.Fatalf("expected >=30%% of frames skipped while voice active, got %.2f", got)
	}
}

func TestIsVoiceActiveWindow(t *testing.T) {
	o := New(960)
	if o.IsVoiceActive() {
		t.Fatalf("expected inactive before any signal")
	}
	o.SignalAudioSend()
	if !o.IsVoiceActive() {
		t.Fatalf("expected active immediately after SignalAudioSend")
	}
}

func TestGetBufferReusesPooledSlices(t *testing.T) {
	o := New(960)
	buf := o.GetBuffer()
	if len(buf) != 960 {
		t.Fatalf("expected pooled buffer of size 960, got %d", len(buf))
	}
	o.PutBuffer(buf)
	buf2 := o.GetBuffer()
	if len(buf2) != 960 {
		t.Fatalf("expected reused buffer of size 960, got %d", len(buf2))
	}
}
