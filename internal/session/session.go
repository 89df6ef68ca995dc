// Package session implements Session Lifecycle (C11, spec §4.11):
// connect/disconnect, voice channel join/leave with guaranteed teardown
// ordering, screen-share start/stop wiring the C2-C6 media pipeline
// together, and reconnect handling.
//
// Grounded on rustyguts-bken/client/app.go's App (Connect/ConnectVoice/
// DisconnectVoice/StartVideo/StopVideo/adaptBitrateLoop) and
// client/transport.go's reconnect/ping-loop pattern, generalized behind
// the clientapp.Mailbox event sink instead of direct Wails EventsEmit
// calls.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"duskcall/internal/clientapp"
	"duskcall/internal/media"
	"duskcall/internal/media/capture"
	"duskcall/internal/media/codec"
	"duskcall/internal/media/controller"
	"duskcall/internal/media/encode"
	"duskcall/internal/media/presets"
	"duskcall/internal/media/queue"
	"duskcall/internal/media/send"
	"duskcall/internal/orchestrator"
	"duskcall/internal/presence"
)

// teardownTimeout bounds how long StopSharing waits for the capture, encode
// and send workers together before giving up; it is one shared wait, not a
// separate bound per worker.
const teardownTimeout = 2 * time.Second

// Identity is the cached join context used to rejoin a voice channel after
// a transport reconnect (spec §4.11 Connect handler).
type Identity struct {
	ChannelID int64
	UserID    uint32
	Username  string
	Avatar    string
}

// Transporter is everything the session needs from the external Transport
// (spec §6's logical client->server method set, plus reconnect hooks).
type Transporter interface {
	send.Transporter
	Connect(ctx context.Context, addr, username string) error
	Disconnect()
	JoinVoiceChannel(channelID int64, userID uint32, username, avatar string) error
	LeaveVoiceChannel() error
	UpdateSpeakingState(speaking bool, level float64) error
	SendAudio(opus []byte) error
	StartScreenShare() error
	StopScreenShare() error
	OnReconnecting(fn func())
	OnReconnected(fn func())
	OnClosed(fn func())
}

// AudioController is the subset of *audio.Engine the session lifecycle
// needs, narrowed to an interface so Session can be tested without real
// PortAudio devices.
type AudioController interface {
	Start() error
	Stop()
}

// Session coordinates one user's connection: control channel, voice
// channel membership, and an optional active screen-share pipeline.
type Session struct {
	transport Transporter
	mailbox   *clientapp.Mailbox
	roster    *presence.Roster
	audio     AudioController
	orch      *orchestrator.Orchestrator
	facade    *codec.Facade
	log       *slog.Logger

	mu         sync.Mutex
	identity   *Identity
	inVoice    bool
	sharing    bool
	shareCtx   context.Context
	shareStop  context.CancelFunc
	shareWG    sync.WaitGroup
	rawQueue   *queue.Queue[media.RawFrame]
	encQueue   *queue.Queue[media.EncodedFrame]
	capturer   capture.Capturer
	controller *controller.Controller
	settings   presets.ShareSettings
}

// New constructs a session bound to the given transport and shared
// process-scoped services.
func New(transport Transporter, mailbox *clientapp.Mailbox, roster *presence.Roster, audioEngine AudioController, orch *orchestrator.Orchestrator, facade *codec.Facade, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		transport: transport,
		mailbox:   mailbox,
		roster:    roster,
		audio:     audioEngine,
		orch:      orch,
		facade:    facade,
		log:       log.With("component", "session"),
	}
	transport.OnReconnecting(func() {
		s.log.Info("transport reconnecting")
	})
	transport.OnReconnected(func() {
		s.log.Info("transport reconnected")
		s.rejoinAfterReconnect()
	})
	transport.OnClosed(func() {
		s.log.Info("transport closed")
		s.roster.Clear()
		s.mu.Lock()
		s.inVoice = false
		s.mu.Unlock()
		s.mailbox.Emit(clientapp.EventConnectionLost, nil)
	})
	return s
}

// Connect establishes the control session.
func (s *Session) Connect(ctx context.Context, addr, username string) error {
	if err := s.transport.Connect(ctx, addr, username); err != nil {
		return err
	}
	s.mailbox.Emit(clientapp.EventServerConnected, addr)
	return nil
}

// rejoinAfterReconnect re-invokes JoinVoiceChannel with the cached identity
// (spec §4.11 Connect: "on reconnect, re-invoke JoinVoiceChannel with
// cached identity if we were in one").
func (s *Session) rejoinAfterReconnect() {
	s.mu.Lock()
	id := s.identity
	wasInVoice := s.inVoice
	s.mu.Unlock()
	if !wasInVoice || id == nil {
		return
	}
	if err := s.transport.JoinVoiceChannel(id.ChannelID, id.UserID, id.Username, id.Avatar); err != nil {
		s.log.Warn("rejoin voice channel after reconnect failed", "error", err)
		return
	}
	s.log.Info("rejoined voice channel after reconnect", "channel", id.ChannelID)
}

// JoinVoiceChannel caches join identity for reconnect and starts audio
// capture (spec §4.11).
func (s *Session) JoinVoiceChannel(channelID int64, userID uint32, username, avatar string) error {
	if err := s.transport.JoinVoiceChannel(channelID, userID, username, avatar); err != nil {
		return err
	}
	s.mu.Lock()
	s.identity = &Identity{ChannelID: channelID, UserID: userID, Username: username, Avatar: avatar}
	s.inVoice = true
	s.mu.Unlock()

	if err := s.audio.Start(); err != nil {
		return fmt.Errorf("session: start audio: %w", err)
	}
	s.mailbox.Emit(clientapp.EventUserJoinedVoice, username)
	return nil
}

// LeaveVoiceChannel tears down in the exact order spec §4.11 mandates:
// (1) stop screen share, (2) stop audio, (3) best-effort transport notify,
// (4) clear roster.
func (s *Session) LeaveVoiceChannel() error {
	s.mu.Lock()
	sharing := s.sharing
	s.mu.Unlock()
	if sharing {
		s.StopSharing()
	}

	s.audio.Stop()

	tryBestEffort(s.log, "leave voice channel", func() error {
		return s.transport.LeaveVoiceChannel()
	})

	s.roster.Clear()
	s.mu.Lock()
	s.inVoice = false
	s.mu.Unlock()
	s.mailbox.Emit(clientapp.EventUserLeftVoice, nil)
	return nil
}

// StartSharing initializes capture/encode/send resources, clears queues,
// notifies the server, and launches the three pipeline goroutines (spec
// §4.11).
func (s *Session) StartSharing(capturer capture.Capturer, settings presets.ShareSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.sharing {
		s.mu.Unlock()
		return fmt.Errorf("session: already sharing")
	}
	s.capturer = capturer
	s.settings = settings
	s.rawQueue = queue.New[media.RawFrame](5)
	s.encQueue = queue.New[media.EncodedFrame](30)
	s.shareCtx, s.shareStop = context.WithCancel(context.Background())
	s.sharing = true
	shareCtx := s.shareCtx
	s.mu.Unlock()

	tryBestEffort(s.log, "notify server of screen share start", func() error {
		return s.transport.StartScreenShare()
	})

	encodeStage := encode.New(s.facade, s.rawQueue, s.encQueue, settings.Quality, s.log)
	ctl := controller.New(shareSink{encodeStage, s}, 1000.0/float64(settings.TargetFPS), settings.Quality, settings.TargetW, settings.TargetH, s.log)
	sendStage := send.New(orchestratorAdapter{s.orch}, s.transport, s.encQueue, ctl.Observe, s.log)

	s.mu.Lock()
	s.controller = ctl
	captureStage := capture.New(s.capturer, s.rawQueue, s.log)
	s.mu.Unlock()

	s.shareWG.Add(3)
	go func() { defer s.shareWG.Done(); captureStage.Run(shareCtx, settings.TargetFPS, settings.TargetW, settings.TargetH) }()
	go func() { defer s.shareWG.Done(); encodeStage.Run(shareCtx) }()
	go func() { defer s.shareWG.Done(); sendStage.Run(shareCtx, settings.TargetFPS) }()

	s.mailbox.Emit(clientapp.EventScreenShareStarted, nil)
	return nil
}

// StopSharing cancels the pipeline, joins workers with a hard timeout,
// drains queues, and best-effort notifies the server (spec §4.11).
func (s *Session) StopSharing() {
	s.mu.Lock()
	if !s.sharing {
		s.mu.Unlock()
		return
	}
	s.sharing = false
	stop := s.shareStop
	s.mu.Unlock()

	stop()

	done := make(chan struct{})
	go func() { s.shareWG.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(teardownTimeout):
		s.log.Warn("screen share workers did not exit within teardown timeout")
	}

	s.mu.Lock()
	if s.rawQueue != nil {
		s.rawQueue.DrainAll()
	}
	if s.encQueue != nil {
		s.encQueue.DrainAll()
	}
	if s.capturer != nil {
		s.capturer.Close()
	}
	s.capturer = nil
	s.controller = nil
	s.mu.Unlock()

	tryBestEffort(s.log, "notify server of screen share stop", func() error {
		return s.transport.StopScreenShare()
	})
	s.mailbox.Emit(clientapp.EventScreenShareStopped, nil)
}

// Disconnect stops sharing, stops audio, and disconnects transport. Every
// step is catch-and-log; Disconnect itself never returns an error (spec
// §4.11: "all catch-and-log — never throw").
func (s *Session) Disconnect() {
	s.mu.Lock()
	sharing := s.sharing
	s.mu.Unlock()
	if sharing {
		s.StopSharing()
	}
	s.audio.Stop()
	s.transport.Disconnect()
	s.roster.Clear()
	s.mailbox.Emit(clientapp.EventServerDisconnected, nil)
}

// tryBestEffort runs fn, logging but swallowing any error (spec §4.11,
// §7's "best-effort" calls during teardown).
func tryBestEffort(log *slog.Logger, action string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn("best-effort call failed", "action", action, "error", err)
	}
}

// shareSink adapts encode.Stage + Session into the controller.Sink
// interface: SetResolution has no direct analogue on encode.Stage, so it
// only records the new size in s.settings. The running capture stage keeps
// the dimensions it was started with, and StartSharing replaces s.settings
// with the settings it is given, so the recorded size is not applied to
// any capture stage.
type shareSink struct {
	encode *encode.Stage
	s      *Session
}

func (sk shareSink) SetQuality(q uint8) {
	sk.encode.SetQuality(q)
}

func (sk shareSink) SetResolution(w, h uint16) {
	sk.s.mu.Lock()
	sk.s.settings.TargetW = w
	sk.s.settings.TargetH = h
	sk.s.mu.Unlock()
}

// orchestratorAdapter narrows *orchestrator.Orchestrator to send.Orchestrator.
type orchestratorAdapter struct {
	orch *orchestrator.Orchestrator
}

func (o orchestratorAdapter) RecommendFPS(requested uint16) uint16 { return o.orch.RecommendFPS(requested) }
func (o orchestratorAdapter) VideoYieldDelayMs() int                { return o.orch.VideoYieldDelayMs() }
func (o orchestratorAdapter) ShouldSkipVideoFrame(counter uint64) bool {
	return o.orch.ShouldSkipVideoFrame(counter)
}
func (o orchestratorAdapter) IsVoiceActive() bool { return o.orch.IsVoiceActive() }
