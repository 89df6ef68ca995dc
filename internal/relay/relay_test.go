package relay

import (
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"duskcall/internal/presence"
	"duskcall/internal/signaling"
)

type fakeSender struct {
	sent  [][]byte
	failN int
	calls int
}

func (f *fakeSender) SendDatagram(b []byte) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("send failed")
	}
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	return nil
}

// Write lets fakeSender double as the control-stream writer (Conn.ctrl), so
// tests can assert on sendControl output the same way they assert on
// datagram fan-out.
func (f *fakeSender) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	return len(b), nil
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error { f.closed = true; return nil }

func newTestRoom() *Room {
	return NewRoom(presence.NewRoster(), nil)
}

func addTestConn(r *Room, id uint32, channelID int64) (*Conn, *fakeSender) {
	fs := &fakeSender{}
	c := &Conn{ID: id, session: fs, ctrl: fs, cancel: func() {}}
	c.channelID.Store(channelID)
	r.addConn(c)
	r.roster.Upsert(presence.VoiceUser{ConnID: id, ChannelID: channelID})
	return c, fs
}

func TestRelayDatagramFansOutWithinChannelOnly(t *testing.T) {
	r := newTestRoom()
	sender, _ := addTestConn(r, 1, 5)
	_, sameChanFS := addTestConn(r, 2, 5)
	_, otherChanFS := addTestConn(r, 3, 9)

	raw := signaling.EncodeDatagram(nil, 1, 7, []byte{1, 2, 3})
	r.RelayDatagram(sender.ID, 7, raw)

	if len(sameChanFS.sent) != 1 {
		t.Fatalf("expected same-channel peer to receive 1 datagram, got %d", len(sameChanFS.sent))
	}
	if len(otherChanFS.sent) != 0 {
		t.Fatalf("expected other-channel peer to receive 0 datagrams, got %d", len(otherChanFS.sent))
	}
}

func TestRelayDatagramCircuitBreakerSkipsAfterThreshold(t *testing.T) {
	r := newTestRoom()
	sender, _ := addTestConn(r, 1, 5)
	_, peerFS := addTestConn(r, 2, 5)
	peerFS.failN = 1000

	for i := 0; i < int(circuitBreakerThreshold)+5; i++ {
		raw := signaling.EncodeDatagram(nil, 1, uint16(i), []byte{9})
		r.RelayDatagram(sender.ID, uint16(i), raw)
	}

	_, _, skipped, _ := r.Stats()
	if skipped == 0 {
		t.Fatalf("expected circuit breaker to skip some sends once threshold exceeded")
	}
}

func TestRetransmitHonorsChannelScopeAndCap(t *testing.T) {
	r := newTestRoom()
	sender, _ := addTestConn(r, 1, 5)
	requester, requesterFS := addTestConn(r, 2, 5)
	_, otherChanRequester := addTestConn(r, 3, 9)
	otherConn := r.getConn(3)

	for seq := uint16(0); seq < 3; seq++ {
		raw := signaling.EncodeDatagram(nil, 1, seq, []byte{byte(seq)})
		sender.cacheDatagram(seq, raw)
	}

	r.Retransmit(requester, sender.ID, []uint16{0, 1, 2})
	if len(requesterFS.sent) != 3 {
		t.Fatalf("expected 3 retransmitted datagrams, got %d", len(requesterFS.sent))
	}

	r.Retransmit(otherConn, sender.ID, []uint16{0})
	if len(otherChanRequester.sent) != 0 {
		t.Fatalf("expected no retransmit across channels, got %d", len(otherChanRequester.sent))
	}
}

func TestHandleKickOnlyAllowsOwner(t *testing.T) {
	r := newTestRoom()
	owner, _ := addTestConn(r, 1, 5)
	_, targetFS := addTestConn(r, 2, 5)
	target := r.getConn(2)
	closer := &fakeCloser{}
	target.closer = closer

	l := &Listener{room: r}

	// Non-owner kick attempt: no-op.
	l.handleKick(target, signaling.Message{TargetUser: owner.ID})
	if closer.closed {
		t.Fatalf("expected non-owner kick to be rejected")
	}

	// Owner kicking the target: succeeds.
	l.handleKick(owner, signaling.Message{TargetUser: target.ID, Reason: "spam"})
	if !closer.closed {
		t.Fatalf("expected owner kick to close target connection")
	}
	if len(targetFS.sent) != 1 {
		t.Fatalf("expected target to receive disconnected_by_admin notice, got %d messages", len(targetFS.sent))
	}
}

func TestHandleKickRejectsSelfKick(t *testing.T) {
	r := newTestRoom()
	owner, _ := addTestConn(r, 1, 5)
	closer := &fakeCloser{}
	owner.closer = closer

	l := &Listener{room: r}
	l.handleKick(owner, signaling.Message{TargetUser: owner.ID})
	if closer.closed {
		t.Fatalf("expected owner to be unable to kick themselves")
	}
}

func TestDispatchUpdateSpeakingStateBroadcastsAndUpdatesRoster(t *testing.T) {
	r := newTestRoom()
	speaker, _ := addTestConn(r, 1, 5)
	_, peerFS := addTestConn(r, 2, 5)

	l := &Listener{room: r, log: nil}
	l.dispatch(speaker, signaling.Message{Type: signaling.MethodUpdateSpeakingState, Speaking: true, Level: 0.8})

	u, ok := r.roster.Get(speaker.ID)
	if !ok || !u.Speaking || u.Level != 0.8 {
		t.Fatalf("expected roster updated with speaking state, got %+v ok=%v", u, ok)
	}
	if len(peerFS.sent) != 1 {
		t.Fatalf("expected peer to receive one broadcast, got %d", len(peerFS.sent))
	}
}

func TestResolveConnIDPrefersCallerSuppliedUserID(t *testing.T) {
	r := newTestRoom()
	if got := r.resolveConnID(42); got != 42 {
		t.Fatalf("expected caller-supplied id 42 to pass through, got %d", got)
	}
}

func TestResolveConnIDMintsIDForAnonymousCaller(t *testing.T) {
	r := newTestRoom()
	first := r.resolveConnID(0)
	second := r.resolveConnID(0)
	if first == 0 || second == 0 || first == second {
		t.Fatalf("expected two distinct non-zero minted ids, got %d and %d", first, second)
	}
}

func TestAllowControlMessageUnlimitedWhenNoLimiter(t *testing.T) {
	c := &Conn{}
	for i := 0; i < 100; i++ {
		if !allowControlMessage(c) {
			t.Fatalf("expected nil limiter to never reject")
		}
	}
}

func TestAllowControlMessageEnforcesBucket(t *testing.T) {
	c := &Conn{limiter: rate.NewLimiter(rate.Limit(1), 1)}
	if !allowControlMessage(c) {
		t.Fatalf("expected first message within burst to be allowed")
	}
	if allowControlMessage(c) {
		t.Fatalf("expected second immediate message to be rate limited")
	}
}

func TestHandleRenameChannelOnlyAllowsOwner(t *testing.T) {
	r := newTestRoom()
	owner, ownerFS := addTestConn(r, 1, 5)
	nonOwner, _ := addTestConn(r, 2, 5)

	l := &Listener{room: r}
	l.dispatch(nonOwner, signaling.Message{Type: signaling.MethodRenameChannel, ChannelID: 5, NewName: "nope"})
	if len(ownerFS.sent) != 0 {
		t.Fatalf("expected non-owner rename to be rejected, got %d broadcasts", len(ownerFS.sent))
	}

	l.dispatch(owner, signaling.Message{Type: signaling.MethodRenameChannel, ChannelID: 5, NewName: "general"})
	if len(ownerFS.sent) != 1 {
		t.Fatalf("expected owner rename to broadcast once, got %d", len(ownerFS.sent))
	}
}

func TestHandleMoveUserToChannelUpdatesTargetAndNotifies(t *testing.T) {
	r := newTestRoom()
	owner, _ := addTestConn(r, 1, 5)
	_, targetFS := addTestConn(r, 2, 5)
	target := r.getConn(2)

	l := &Listener{room: r}
	l.dispatch(owner, signaling.Message{Type: signaling.MethodMoveUserToChannel, TargetUser: target.ID, ChannelID: 9})

	if target.channelID.Load() != 9 {
		t.Fatalf("expected target channel updated to 9, got %d", target.channelID.Load())
	}
	if u, ok := r.roster.Get(target.ID); !ok || u.ChannelID != 9 {
		t.Fatalf("expected roster channel updated to 9, got %+v ok=%v", u, ok)
	}
	if len(targetFS.sent) != 1 {
		t.Fatalf("expected target to receive moved_to_channel notice, got %d", len(targetFS.sent))
	}
}

func TestRoomOwnershipTransfersOnRemoval(t *testing.T) {
	r := newTestRoom()
	addTestConn(r, 1, 5)
	addTestConn(r, 2, 5)

	if r.OwnerID() != 1 {
		t.Fatalf("expected first joiner to own the room, got %d", r.OwnerID())
	}

	newOwner, changed := r.removeConn(1)
	if !changed || newOwner != 2 {
		t.Fatalf("expected ownership to transfer to remaining conn 2, got owner=%d changed=%v", newOwner, changed)
	}
}
