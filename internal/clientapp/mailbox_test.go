package clientapp

import "testing"

func TestEmitAndDrain(t *testing.T) {
	m := NewMailbox()
	m.Emit(EventServerConnected, "example.com:8080")

	ev := <-m.Events()
	if ev.Kind != EventServerConnected {
		t.Fatalf("expected EventServerConnected, got %v", ev.Kind)
	}
	if ev.Payload.(string) != "example.com:8080" {
		t.Fatalf("unexpected payload: %v", ev.Payload)
	}
}

func TestEmitDropsOldestWhenFull(t *testing.T) {
	m := NewMailbox()
	for i := 0; i < mailboxCapacity+5; i++ {
		m.Emit(EventUserSpeaking, i)
	}

	first := <-m.Events()
	if first.Payload.(int) < 5 {
		t.Fatalf("expected the oldest 5 events to have been dropped, got payload %v first", first.Payload)
	}
}

func TestCloseAllowsRangeToExit(t *testing.T) {
	m := NewMailbox()
	m.Emit(EventConnectionLost, nil)
	m.Close()

	count := 0
	for range m.Events() {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one event before close, got %d", count)
	}
}
