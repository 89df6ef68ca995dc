// Package clientapp provides the UI-facing event mailbox that replaces the
// teacher's direct Wails runtime.EventsEmit calls (Design Notes §9): a
// single-consumer buffered channel of tagged events a UI layer drains at its
// own pace, decoupling session/voice/video internals from any specific
// rendering technology.
package clientapp

// EventKind names one category of mailbox event, matching the subset of the
// teacher's own `EventsEmit` event-name taxonomy that falls inside this
// core's scope (voice, video, and connection lifecycle — chat/roster/CRUD
// events are UI-layer concerns the spec excludes).
type EventKind string

const (
	EventServerConnected    EventKind = "server:connected"
	EventServerDisconnected EventKind = "server:disconnected"
	EventConnectionLost     EventKind = "connection:lost"
	EventConnectionKicked   EventKind = "connection:kicked"
	EventUserJoinedVoice    EventKind = "voice:user_joined"
	EventUserLeftVoice      EventKind = "voice:user_left"
	EventVoiceStateUpdated  EventKind = "voice:state_updated"
	EventUserSpeaking       EventKind = "voice:speaking"
	EventVoiceQuality       EventKind = "voice:quality"
	EventScreenShareStarted EventKind = "video:share_started"
	EventScreenShareStopped EventKind = "video:share_stopped"
	EventViewerCountUpdated EventKind = "video:viewer_count"
	EventMovedToChannel     EventKind = "voice:moved_channel"
	EventChannelRenamed     EventKind = "voice:channel_renamed"
)

// Event is one tagged mailbox entry. Payload is kind-specific and left as
// `any`, mirroring the teacher's own `map[string]any` EventsEmit payloads.
type Event struct {
	Kind    EventKind
	Payload any
}

// mailboxCapacity bounds the event channel. A UI that stops draining is a
// bug, not a steady-state condition, so overflow drops the oldest event
// rather than blocking the emitter (session/voice/video code must never
// block on UI delivery).
const mailboxCapacity = 256

// Mailbox is a single-producer-friendly, single-consumer event queue. Emit
// is safe to call from any goroutine; Events is meant to be ranged over by
// exactly one consumer.
type Mailbox struct {
	events chan Event
}

// NewMailbox constructs an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		events: make(chan Event, mailboxCapacity),
	}
}

// Emit enqueues an event. If the mailbox is full, the oldest queued event is
// dropped to make room — matching the frame-queue drop-oldest policy used
// throughout the rest of this core, rather than blocking the caller.
func (m *Mailbox) Emit(kind EventKind, payload any) {
	ev := Event{Kind: kind, Payload: payload}
	for {
		select {
		case m.events <- ev:
			return
		default:
		}
		select {
		case <-m.events:
		default:
		}
	}
}

// Events returns the receive-only channel a single UI consumer should range
// over.
func (m *Mailbox) Events() <-chan Event {
	return m.events
}

// Close signals no further events will be emitted, allowing a ranging
// consumer to exit.
func (m *Mailbox) Close() {
	close(m.events)
}
