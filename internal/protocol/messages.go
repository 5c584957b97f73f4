// Package protocol holds the JSON frames exchanged with the telephony
// media-streaming socket.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies media socket frame variants.
type Kind string

const (
	KindAudioMetadata         Kind = "AudioMetadata"
	KindAudioData             Kind = "AudioData"
	KindStoppedMediaStreaming Kind = "StoppedMediaStreaming"
	KindStopAudio             Kind = "StopAudio"
)

var (
	ErrUnsupportedKind = errors.New("unsupported media frame kind")
	ErrEmptyAudio      = errors.New("audio frame without payload")
)

type Envelope struct {
	Kind Kind `json:"kind"`
}

// AudioMetadata describes the stream format. It is informational only.
type AudioMetadata struct {
	SubscriptionID string `json:"subscriptionId"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sampleRate"`
	Channels       int    `json:"channels"`
	Length         int    `json:"length"`
}

// AudioData is one inbound PCM16LE chunk. Field matching is case-insensitive,
// so both participantRawId and participantRawID decode here.
type AudioData struct {
	Data             string `json:"data"`
	Timestamp        string `json:"timestamp,omitempty"`
	ParticipantRawID string `json:"participantRawId,omitempty"`
	Silent           bool   `json:"silent,omitempty"`
}

// PCM decodes the base64 payload.
func (a AudioData) PCM() ([]byte, error) {
	if a.Data == "" {
		return nil, ErrEmptyAudio
	}
	pcm, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return pcm, nil
}

// Frame is a parsed inbound frame. Exactly one of the payload pointers is set
// for kinds that carry one.
type Frame struct {
	Kind     Kind
	Metadata *AudioMetadata
	Audio    *AudioData
}

type inboundFrame struct {
	Kind          Kind           `json:"kind"`
	AudioMetadata *AudioMetadata `json:"audioMetadata"`
	AudioData     *AudioData     `json:"audioData"`
}

// ParseFrame decodes one text frame from the media socket. Unknown kinds
// return the kind alongside ErrUnsupportedKind so callers can log it.
func ParseFrame(raw []byte) (Frame, error) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return Frame{}, fmt.Errorf("invalid media frame: %w", err)
	}

	switch in.Kind {
	case KindAudioMetadata:
		if in.AudioMetadata == nil {
			in.AudioMetadata = &AudioMetadata{}
		}
		return Frame{Kind: in.Kind, Metadata: in.AudioMetadata}, nil
	case KindAudioData:
		if in.AudioData == nil || in.AudioData.Data == "" {
			return Frame{Kind: in.Kind}, ErrEmptyAudio
		}
		return Frame{Kind: in.Kind, Audio: in.AudioData}, nil
	case KindStoppedMediaStreaming:
		return Frame{Kind: in.Kind}, nil
	default:
		return Frame{Kind: in.Kind}, fmt.Errorf("%w: %q", ErrUnsupportedKind, in.Kind)
	}
}

// OutboundAudio carries model speech back to the call.
type OutboundAudio struct {
	Kind      Kind              `json:"kind"`
	AudioData OutboundAudioData `json:"audioData"`
}

type OutboundAudioData struct {
	Data string `json:"data"`
}

func NewOutboundAudio(b64 string) OutboundAudio {
	return OutboundAudio{Kind: KindAudioData, AudioData: OutboundAudioData{Data: b64}}
}

// StopAudio asks the platform to drop audio queued but not yet played.
type StopAudio struct {
	Kind      Kind     `json:"kind"`
	StopAudio struct{} `json:"stopAudio"`
}

func NewStopAudio() StopAudio {
	return StopAudio{Kind: KindStopAudio}
}
