package codec

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"

	"duskcall/internal/media/presets"
)

// OpusEncoder and OpusDecoder narrow gopkg.in/hraban/opus.v2's types down
// to the methods the facade and the audio engine need, the same
// test-seam pattern rustyguts-bken/client/audio.go uses for its
// opusEncoder/opusDecoder interfaces.
type OpusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(int) error
	SetPacketLossPerc(int) error
}

type OpusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// NewOpusEncoder builds a VOIP-mode encoder at the audio format invariant
// from spec §6 (48kHz mono), matching rustyguts-bken's opus.NewEncoder call
// site in AudioEngine.Start.
func NewOpusEncoder(bitrate int) (*opus.Encoder, error) {
	enc, err := opus.NewEncoder(presets.AudioSampleRateHz, presets.AudioChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("codec: opus set bitrate: %w", err)
	}
	if err := enc.SetComplexity(presets.AudioOpusComplex); err != nil {
		return nil, fmt.Errorf("codec: opus set complexity: %w", err)
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("codec: opus set fec: %w", err)
	}
	if err := enc.SetDTX(true); err != nil {
		return nil, fmt.Errorf("codec: opus set dtx: %w", err)
	}
	return enc, nil
}

// NewOpusDecoder builds a decoder matched to the same format invariant.
func NewOpusDecoder() (*opus.Decoder, error) {
	dec, err := opus.NewDecoder(presets.AudioSampleRateHz, presets.AudioChannels)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decoder: %w", err)
	}
	return dec, nil
}
