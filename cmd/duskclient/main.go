// Command duskclient is the headless client daemon hosting the capture ->
// encode -> send / receive -> decode -> play pipeline (spec.md's CORE) and
// the control-stream binding to the relay (internal/transport). It owns no
// UI: internal/clientapp.Mailbox is the only boundary anything a future
// renderer would drain (Design Notes §9).
//
// Grounded on rustyguts-bken/client/main.go's process bootstrap, adapted
// from a Wails desktop entry point to a plain daemon since no GUI toolkit
// is carried into this module (SPEC_FULL.md §1).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"duskcall/internal/audio"
	"duskcall/internal/clientapp"
	"duskcall/internal/config"
	"duskcall/internal/media/codec"
	"duskcall/internal/media/presets"
	"duskcall/internal/orchestrator"
	"duskcall/internal/presence"
	"duskcall/internal/session"
	"duskcall/internal/transport"
	"duskcall/internal/viewer"
)

// opusPCMFrameBytes sizes the orchestrator's hot-path byte pool to one
// decoded Opus frame (spec §3: "buffer pool for hot-path byte buffers"),
// 16-bit mono samples at the fixed 20ms frame size.
const opusPCMFrameBytes = presets.AudioFrameSamples * 2

func main() {
	cfg, err := config.ParseClientFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := newLogger(cfg.LogFormat)

	if _, err := presetFromFlag(cfg.InputQualityPreset); err != nil {
		log.Error("invalid preset", "error", err)
		os.Exit(2)
	}

	mailbox := clientapp.NewMailbox()
	roster := presence.NewRoster()
	orch := orchestrator.New(opusPCMFrameBytes)
	facade := codec.New(log)
	facade.Probe()

	audioEngine := audio.New(orch, log)
	tr := transport.New(log)

	view := viewer.New(facade, func(f viewer.DecodedFrame) {
		mailbox.Emit(clientapp.EventScreenShareStarted, f)
	}, log)
	view.SetDecoder(facade)

	wireTransportCallbacks(tr, roster, audioEngine, view, mailbox, log)

	sess := session.New(tr, mailbox, roster, audioEngine, orch, facade, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		sess.LeaveVoiceChannel()
		tr.Disconnect()
		mailbox.Close()
		cancel()
	}()

	go pumpOutboundAudio(ctx, audioEngine, tr, log)
	go drainMailbox(ctx, mailbox, log)

	if err := sess.Connect(ctx, cfg.ServerAddr, cfg.Username); err != nil {
		log.Error("connect", "error", err)
		os.Exit(1)
	}

	userID := stableUserID(cfg.Username)
	if err := sess.JoinVoiceChannel(0, userID, cfg.Username, ""); err != nil {
		log.Error("join voice channel", "error", err)
		os.Exit(1)
	}
	log.Info("joined voice channel", "user_id", userID, "username", cfg.Username, "preset", cfg.InputQualityPreset)

	<-ctx.Done()
}

// wireTransportCallbacks bridges inbound relay events to the roster,
// audio engine playback queue, and viewer jitter buffers — the glue the
// teacher's client/app.go wires up directly against Wails EventsEmit,
// done here against the mailbox instead.
func wireTransportCallbacks(tr *transport.Transport, roster *presence.Roster, audioEngine *audio.Engine, view *viewer.Viewer, mailbox *clientapp.Mailbox, log *slog.Logger) {
	tr.SetOnUserJoinedVoice(func(userID uint32, username string) {
		roster.Upsert(presence.VoiceUser{ConnID: userID, UserID: userID, Username: username})
		mailbox.Emit(clientapp.EventUserJoinedVoice, username)
	})
	tr.SetOnUserLeftVoice(func(userID uint32) {
		roster.Remove(userID)
		view.ScreenShareStopped(userID)
		mailbox.Emit(clientapp.EventUserLeftVoice, userID)
	})
	tr.SetOnVoiceStateUpdated(func(userID uint32, muted, deafened bool) {
		if u, ok := roster.Get(userID); ok {
			u.Muted, u.Deafened = muted, deafened
			roster.Upsert(u)
		}
		mailbox.Emit(clientapp.EventVoiceStateUpdated, userID)
	})
	tr.SetOnUserSpeaking(func(userID uint32, speaking bool, level float64) {
		roster.SetSpeaking(userID, speaking, level)
		mailbox.Emit(clientapp.EventUserSpeaking, userID)
	})
	tr.SetOnReceiveAudio(func(a transport.TaggedAudio) {
		select {
		case audioEngine.PlaybackIn <- audio.TaggedAudio{SenderID: uint16(a.SenderID), Seq: a.Seq, OpusData: a.OpusData}:
		default:
			log.Debug("playback queue full, dropping inbound audio packet", "sender", a.SenderID)
		}
	})
	tr.SetOnScreenFrame(func(senderID uint32, data []byte) {
		view.Receive(senderID, data)
	})
	tr.SetOnViewerCountUpdated(func(count int) {
		mailbox.Emit(clientapp.EventViewerCountUpdated, count)
	})
	tr.SetOnKicked(func(reason string) {
		mailbox.Emit(clientapp.EventConnectionKicked, reason)
	})
	tr.SetOnMovedToChannel(func(channelID int64) {
		mailbox.Emit(clientapp.EventMovedToChannel, channelID)
	})
	tr.SetOnChannelRenamed(func(channelID int64, newName string) {
		mailbox.Emit(clientapp.EventChannelRenamed, newName)
	})
}

// pumpOutboundAudio forwards the audio engine's encoded capture output onto
// the transport, matching the teacher's direct SendAudio call site in
// client/audio.go's capture callback, decoupled here via Engine.CaptureOut
// so the audio device callback never blocks on the network (spec §5).
func pumpOutboundAudio(ctx context.Context, audioEngine *audio.Engine, tr *transport.Transport, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-audioEngine.CaptureOut:
			if !ok {
				return
			}
			if err := tr.SendAudio(frame); err != nil {
				log.Debug("send audio failed", "error", err)
			}
		}
	}
}

// drainMailbox is the one mailbox consumer this headless daemon runs; a
// future UI process would range over mailbox.Events() itself instead.
func drainMailbox(ctx context.Context, mailbox *clientapp.Mailbox, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-mailbox.Events():
			if !ok {
				return
			}
			log.Debug("mailbox event", "kind", ev.Kind)
		}
	}
}

// stableUserID derives a caller-chosen user_id from the username (spec §6's
// JoinVoiceChannel(channel_id, user_id, ...) takes a caller-supplied id;
// this daemon has no account system, so it hashes the username instead of
// minting a random one, keeping the same id across reconnects).
func stableUserID(username string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(username); i++ {
		h ^= uint32(username[i])
		h *= 16777619
	}
	if h == 0 {
		h = 1
	}
	return h
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// presetFromFlag maps the -preset flag's lowercase name onto the
// presets.Preset table (spec §6's fixed preset names), failing fast at
// startup rather than at the first screen-share attempt.
func presetFromFlag(name string) (presets.ShareSettings, error) {
	table := map[string]presets.Preset{
		"low":    presets.Low,
		"medium": presets.Medium,
		"high":   presets.High,
		"hd":     presets.HD,
		"fullhd": presets.FullHD,
		"qhd":    presets.QHD,
		"qhd60":  presets.QHD60,
		"uhd":    presets.UHD,
		"source": presets.Source,
	}
	p, ok := table[name]
	if !ok {
		return presets.ShareSettings{}, fmt.Errorf("duskclient: unknown preset %q", name)
	}
	return presets.FromPreset(p)
}
