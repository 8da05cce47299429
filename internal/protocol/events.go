package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies realtime control-channel payload variants.
type EventType string

const (
	// Client -> model.
	TypeSessionUpdate    EventType = "session.update"
	TypeResponseCreate   EventType = "response.create"
	TypeInputAudioAppend EventType = "input_audio_buffer.append"

	// Model -> client.
	TypeResponseOutputItemAdded EventType = "response.output_item.added"
	TypeOutputAudioStopped      EventType = "output_audio_buffer.audio_stopped"
	TypeResponseAudioDelta      EventType = "response.audio.delta"
	TypeErrorEvent              EventType = "error"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type Envelope struct {
	Type EventType `json:"type"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
}

// SessionConfig mirrors the mutable part of the upstream session object.
// Pointer fields are omitted when unset so a partial update never clobbers
// server-side state the client did not intend to touch.
type SessionConfig struct {
	Instructions            *string        `json:"instructions,omitempty"`
	Voice                   *string        `json:"voice,omitempty"`
	Temperature             *float64       `json:"temperature,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	MaxResponseOutputTokens any            `json:"max_response_output_tokens,omitempty"`
}

type SessionUpdate struct {
	Type    EventType     `json:"type"`
	Session SessionConfig `json:"session"`
}

type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

type ResponseCreate struct {
	Type     EventType      `json:"type"`
	Response ResponseConfig `json:"response"`
}

type InputAudioAppend struct {
	Type  EventType `json:"type"`
	Audio string    `json:"audio"`
}

type OutputItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Role string `json:"role"`
}

type ResponseOutputItemAdded struct {
	Type        EventType  `json:"type"`
	ResponseID  string     `json:"response_id"`
	OutputIndex int        `json:"output_index"`
	Item        OutputItem `json:"item"`
}

type OutputAudioStopped struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id"`
}

type ResponseAudioDelta struct {
	Type        EventType `json:"type"`
	ResponseID  string    `json:"response_id"`
	ItemID      string    `json:"item_id"`
	OutputIndex int       `json:"output_index"`
	Delta       string    `json:"delta"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

type ErrorEvent struct {
	Type  EventType   `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ParseServerEvent decodes a single control-channel frame from the model.
// Unknown event types return ErrUnsupportedType so callers can count and
// drop them without tearing the session down.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeResponseOutputItemAdded:
		var msg ResponseOutputItemAdded
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeOutputAudioStopped:
		var msg OutputAudioStopped
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseAudioDelta:
		var msg ResponseAudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Delta == "" {
			return nil, errors.New("invalid response.audio.delta: empty delta")
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
