// Package signaling defines the control-message envelope for the §6
// logical method set and the fixed-size datagram header reused for both
// voice and fallback-path video frames.
//
// Grounded on rustyguts-bken/client/transport.go's ControlMsg (one flat
// JSON struct tagged with omitempty, dispatched on its Type field) and its
// dgramPool/SendAudio [userID:2][seq:2] datagram header convention.
package signaling

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MethodType names one logical operation from spec §6. The wire format is
// deliberately out of this core's scope (spec §1 Non-goals); Message is one
// concrete, newline-delimited JSON realization of "which logical operations
// it carries".
type MethodType string

const (
	// Client -> server.
	MethodJoinVoiceChannel    MethodType = "join_voice_channel"
	MethodLeaveVoiceChannel   MethodType = "leave_voice_channel"
	MethodUpdateSpeakingState MethodType = "update_speaking_state"
	MethodSendScreenFrame     MethodType = "send_screen_frame"
	MethodStartStream         MethodType = "start_stream"
	MethodUploadFrame         MethodType = "upload_frame"
	MethodStopStream          MethodType = "stop_stream"
	MethodStartScreenShare    MethodType = "start_screen_share"
	MethodStopScreenShare     MethodType = "stop_screen_share"
	MethodKickUser            MethodType = "kick_user"
	MethodRenameChannel       MethodType = "rename_channel"
	MethodMoveUserToChannel   MethodType = "move_user_to_channel"

	// Server -> client.
	MethodUserJoinedVoice     MethodType = "user_joined_voice"
	MethodUserLeftVoice       MethodType = "user_left_voice"
	MethodVoiceChannelUsers   MethodType = "voice_channel_users"
	MethodVoiceStateUpdated   MethodType = "voice_state_updated"
	MethodUserSpeaking        MethodType = "user_speaking"
	MethodReceiveAudio        MethodType = "receive_audio"
	MethodReceiveScreenFrame  MethodType = "receive_screen_frame"
	MethodScreenFrameAvail    MethodType = "screen_frame_available"
	MethodScreenShareStarted  MethodType = "screen_share_started"
	MethodScreenShareStopped  MethodType = "screen_share_stopped"
	MethodUserScreenShareChg  MethodType = "user_screen_share_changed"
	MethodViewerCountUpdated  MethodType = "viewer_count_updated"
	MethodDisconnectedByAdmin MethodType = "disconnected_by_admin"
	MethodMovedToChannel      MethodType = "moved_to_channel"
)

// Message is a single control-stream envelope. All fields carry
// `omitempty` so one flat struct can represent every MethodType without a
// union/oneof encoding, matching the teacher's ControlMsg convention.
type Message struct {
	Type MethodType `json:"type"`

	ChannelID int64  `json:"channel_id,omitempty"`
	UserID    uint32 `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Avatar    string `json:"avatar,omitempty"`

	Speaking bool    `json:"speaking,omitempty"`
	Level    float64 `json:"level,omitempty"`

	Width  uint16 `json:"width,omitempty"`
	Height uint16 `json:"height,omitempty"`
	Seq    uint64 `json:"seq,omitempty"`

	ViewerCount int    `json:"viewer_count,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TargetUser  uint32 `json:"target_user,omitempty"`
	NewName     string `json:"new_name,omitempty"`
}

// Encode serializes m as newline-delimited JSON for the control stream.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("signaling: encode %s: %w", m.Type, err)
	}
	return append(b, '\n'), nil
}

// Decode parses a single JSON object (without its trailing newline).
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("signaling: decode: %w", err)
	}
	return m, nil
}

// datagramHeaderLen is the fixed [sender_id:2][seq:2] prefix shared by
// voice and fallback-path video datagrams.
const datagramHeaderLen = 4

// EncodeDatagram prepends the [sender_id:2][seq:2] header to payload,
// writing into dst if it has enough capacity (the caller typically supplies
// a pooled buffer on the hot send path) or allocating otherwise.
func EncodeDatagram(dst []byte, senderID, seq uint16, payload []byte) []byte {
	total := datagramHeaderLen + len(payload)
	if cap(dst) < total {
		dst = make([]byte, total)
	} else {
		dst = dst[:total]
	}
	binary.BigEndian.PutUint16(dst[0:2], senderID)
	binary.BigEndian.PutUint16(dst[2:4], seq)
	copy(dst[datagramHeaderLen:], payload)
	return dst
}

// DecodeDatagram splits a received datagram into its header fields and
// payload. Returns an error if data is shorter than the header.
func DecodeDatagram(data []byte) (senderID, seq uint16, payload []byte, err error) {
	if len(data) < datagramHeaderLen {
		return 0, 0, nil, fmt.Errorf("signaling: datagram shorter than header (%d bytes)", len(data))
	}
	senderID = binary.BigEndian.Uint16(data[0:2])
	seq = binary.BigEndian.Uint16(data[2:4])
	return senderID, seq, data[datagramHeaderLen:], nil
}
