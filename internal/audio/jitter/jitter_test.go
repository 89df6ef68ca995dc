package jitter

import "testing"

func TestPlaybackBeginsOnlyAfterPreBufferDepth(t *testing.T) {
	b := New(5)
	for i := uint16(0); i < 4; i++ {
		b.Push(1, i, []byte{byte(i)})
	}
	if frames := b.Pop(); len(frames) != 0 {
		t.Fatalf("expected zero frames before pre-buffer depth reached, got %d", len(frames))
	}

	b.Push(1, 4, []byte{4})
	// Once primed, every Pop yields a frame for the sender; after the five
	// buffered packets are played, the rest are nil-OpusData gap frames.
	var total int
	for i := 0; i < 10; i++ {
		for _, f := range b.Pop() {
			if f.OpusData != nil {
				total++
			}
		}
	}
	if total != 5 {
		t.Fatalf("expected exactly 5 data-carrying frames once primed, got %d", total)
	}
}

func TestMissingSequenceYieldsNilOpusFrame(t *testing.T) {
	b := New(1)
	b.Push(7, 0, []byte{0})
	frames := b.Pop()
	if len(frames) != 1 || frames[0].OpusData == nil {
		t.Fatalf("expected first frame to carry data")
	}

	// seq 1 is missing; seq 2 arrives instead.
	b.Push(7, 2, []byte{2})
	frames = b.Pop()
	if len(frames) != 1 || frames[0].OpusData != nil {
		t.Fatalf("expected a nil-OpusData frame for the gap at seq 1")
	}
}

func TestActiveSendersTracksDistinctSenders(t *testing.T) {
	b := New(1)
	b.Push(1, 0, []byte{0})
	b.Push(2, 0, []byte{0})
	senders := b.ActiveSenders()
	if len(senders) != 2 {
		t.Fatalf("expected 2 active senders, got %d", len(senders))
	}
}
