package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duskcall/internal/clientapp"
	"duskcall/internal/media"
	"duskcall/internal/media/bitmap"
	"duskcall/internal/media/codec"
	"duskcall/internal/media/presets"
	"duskcall/internal/orchestrator"
	"duskcall/internal/presence"
)

type fakeTransport struct {
	mu sync.Mutex

	joined       bool
	left         bool
	shareStarted bool
	shareStopped bool
	disconnected bool

	onReconnected func()
	onClosed      func()

	joinCalls atomic.Int32
}

func (f *fakeTransport) SendScreenFrame(ctx context.Context, frame media.EncodedFrame) error {
	return nil
}
func (f *fakeTransport) Connect(ctx context.Context, addr, username string) error { return nil }
func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}
func (f *fakeTransport) JoinVoiceChannel(channelID int64, userID uint32, username, avatar string) error {
	f.joinCalls.Add(1)
	f.mu.Lock()
	f.joined = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) LeaveVoiceChannel() error {
	f.mu.Lock()
	f.left = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) UpdateSpeakingState(speaking bool, level float64) error { return nil }
func (f *fakeTransport) SendAudio(opus []byte) error                           { return nil }
func (f *fakeTransport) StartScreenShare() error {
	f.mu.Lock()
	f.shareStarted = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) StopScreenShare() error {
	f.mu.Lock()
	f.shareStopped = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) OnReconnecting(fn func()) {}
func (f *fakeTransport) OnReconnected(fn func())  { f.onReconnected = fn }
func (f *fakeTransport) OnClosed(fn func())       { f.onClosed = fn }

type fakeAudio struct {
	started atomic.Int32
	stopped atomic.Int32
	failErr error
}

func (f *fakeAudio) Start() error {
	if f.failErr != nil {
		return f.failErr
	}
	f.started.Add(1)
	return nil
}
func (f *fakeAudio) Stop() { f.stopped.Add(1) }

type fakeCapturer struct{}

func (fakeCapturer) Capture() (*bitmap.Buffer, error) { return bitmap.New(4, 4), nil }
func (fakeCapturer) Bounds() (int, int, error)         { return 4, 4, nil }
func (fakeCapturer) Close() error                      { return nil }

func newTestSession(t *testing.T) (*Session, *fakeTransport, *fakeAudio) {
	t.Helper()
	tr := &fakeTransport{}
	aud := &fakeAudio{}
	roster := presence.NewRoster()
	mailbox := clientapp.NewMailbox()
	orch := orchestrator.New(960)
	facade := codec.New(nil)
	s := New(tr, mailbox, roster, aud, orch, facade, nil)
	return s, tr, aud
}

func TestJoinVoiceChannelCachesIdentityAndStartsAudio(t *testing.T) {
	s, tr, aud := newTestSession(t)
	if err := s.JoinVoiceChannel(5, 1, "alice", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.joined {
		t.Fatalf("expected transport.JoinVoiceChannel called")
	}
	if aud.started.Load() != 1 {
		t.Fatalf("expected audio started once, got %d", aud.started.Load())
	}
	if s.identity == nil || s.identity.ChannelID != 5 {
		t.Fatalf("expected cached identity with channel 5, got %+v", s.identity)
	}
}

func TestLeaveVoiceChannelOrderStopsAudioAndClearsRoster(t *testing.T) {
	s, tr, aud := newTestSession(t)
	s.roster.Upsert(presence.VoiceUser{ConnID: 1, Username: "bob"})
	_ = s.JoinVoiceChannel(5, 1, "alice", "")

	if err := s.LeaveVoiceChannel(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aud.stopped.Load() != 1 {
		t.Fatalf("expected audio stopped once, got %d", aud.stopped.Load())
	}
	if !tr.left {
		t.Fatalf("expected transport.LeaveVoiceChannel called")
	}
	if s.roster.Len() != 0 {
		t.Fatalf("expected roster cleared, got %d entries", s.roster.Len())
	}
}

func TestReconnectRejoinsCachedVoiceChannel(t *testing.T) {
	s, tr, _ := newTestSession(t)
	_ = s.JoinVoiceChannel(7, 2, "carol", "")
	tr.joinCalls.Store(0)

	tr.onReconnected()

	time.Sleep(10 * time.Millisecond)
	if tr.joinCalls.Load() != 1 {
		t.Fatalf("expected exactly one rejoin call after reconnect, got %d", tr.joinCalls.Load())
	}
}

func TestOnClosedClearsRosterAndMarksNotInVoice(t *testing.T) {
	s, tr, _ := newTestSession(t)
	_ = s.JoinVoiceChannel(7, 2, "carol", "")
	s.roster.Upsert(presence.VoiceUser{ConnID: 99})

	tr.onClosed()

	if s.roster.Len() != 0 {
		t.Fatalf("expected roster cleared on transport close")
	}
	s.mu.Lock()
	inVoice := s.inVoice
	s.mu.Unlock()
	if inVoice {
		t.Fatalf("expected inVoice=false after transport close")
	}
}

func TestStartSharingRejectsInvalidSettings(t *testing.T) {
	s, _, _ := newTestSession(t)
	err := s.StartSharing(fakeCapturer{}, presets.ShareSettings{TargetFPS: 0, Quality: 50})
	if err == nil {
		t.Fatalf("expected validation error for zero FPS")
	}
}

func TestStartThenStopSharingTogglesServerNotifications(t *testing.T) {
	s, tr, _ := newTestSession(t)
	settings := presets.ShareSettings{TargetFPS: 30, TargetW: 4, TargetH: 4, Quality: 60}
	if err := s.StartSharing(fakeCapturer{}, settings); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	s.StopSharing()

	if !tr.shareStarted {
		t.Fatalf("expected StartScreenShare notified")
	}
	if !tr.shareStopped {
		t.Fatalf("expected StopScreenShare notified")
	}
}
