package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies transcription websocket payload variants.
type MessageType string

const (
	// Client to server.
	TypeStart       MessageType = "start"
	TypeFinalize    MessageType = "finalize"
	TypeCloseStream MessageType = "close_stream"
	TypeKeepAlive   MessageType = "keep_alive"

	// Server to client.
	TypeReady      MessageType = "ready"
	TypeTranscript MessageType = "transcript"
	TypeMetadata   MessageType = "metadata"
	TypeError      MessageType = "error"
	TypeClosed     MessageType = "closed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Start must be the first control message on a transcription socket; it
// carries the provider options for the session.
type Start struct {
	Type           MessageType `json:"type"`
	Model          string      `json:"model,omitempty"`
	Language       string      `json:"language,omitempty"`
	DetectLanguage bool        `json:"detect_language,omitempty"`
}

type Finalize struct {
	Type MessageType `json:"type"`
}

type CloseStream struct {
	Type MessageType `json:"type"`
}

type KeepAlive struct {
	Type MessageType `json:"type"`
}

type Ready struct {
	Type MessageType `json:"type"`
}

type Transcript struct {
	Type        MessageType `json:"type"`
	Text        string      `json:"text"`
	IsFinal     bool        `json:"is_final"`
	SpeechFinal bool        `json:"speech_final"`
}

type Metadata struct {
	Type   MessageType `json:"type"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type Closed struct {
	Type MessageType `json:"type"`
}

// ParseControlMessage decodes one client JSON text frame.
func ParseControlMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeFinalize:
		return Finalize{Type: TypeFinalize}, nil
	case TypeCloseStream:
		return CloseStream{Type: TypeCloseStream}, nil
	case TypeKeepAlive:
		return KeepAlive{Type: TypeKeepAlive}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerEvent decodes one server JSON text frame. Used by the client
// counterpart and by tests.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeReady:
		return Ready{Type: TypeReady}, nil
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeMetadata:
		var msg Metadata
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClosed:
		return Closed{Type: TypeClosed}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
