package presence

import "testing"

func TestUpsertAndGet(t *testing.T) {
	r := NewRoster()
	r.Upsert(VoiceUser{ConnID: 1, Username: "alice"})

	u, ok := r.Get(1)
	if !ok || u.Username != "alice" {
		t.Fatalf("expected to find alice, got %+v ok=%v", u, ok)
	}
}

func TestSetSpeakingNoOpForUnknownUser(t *testing.T) {
	r := NewRoster()
	r.SetSpeaking(99, true, 0.5) // must not panic or insert

	if r.Len() != 0 {
		t.Fatalf("expected SetSpeaking on unknown user to be a no-op, roster has %d entries", r.Len())
	}
}

func TestClearEmptiesRoster(t *testing.T) {
	r := NewRoster()
	r.Upsert(VoiceUser{ConnID: 1})
	r.Upsert(VoiceUser{ConnID: 2})
	r.Clear()

	if r.Len() != 0 {
		t.Fatalf("expected empty roster after Clear, got %d entries", r.Len())
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	r := NewRoster()
	r.Upsert(VoiceUser{ConnID: 1})
	r.Remove(1)

	if _, ok := r.Get(1); ok {
		t.Fatalf("expected entry removed")
	}
}
