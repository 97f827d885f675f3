package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants on the local channel.
type MessageType string

// Intents sent by the browser.
const (
	TypeSetInstructions MessageType = "set-instructions"
	TypeStartSession    MessageType = "start-session"
	TypeUserAudioChunk  MessageType = "user-audio-chunk"
	TypeCommitAudio     MessageType = "commit-audio"
	TypeUserTextMessage MessageType = "user-text-message"
	TypeStopSession     MessageType = "stop-session"
)

// Notifications sent to the browser.
const (
	TypeSession          MessageType = "session"
	TypeBotResponse      MessageType = "bot-response"
	TypeBotTranscript    MessageType = "bot-transcript"
	TypeUserTranscript   MessageType = "user-transcript"
	TypeBotResponseFinal MessageType = "bot-response-final"
	TypeBotAudio         MessageType = "bot-audio"
	TypeBotAudioEnd      MessageType = "bot-audio-end"
	TypeSetSystemMessage MessageType = "set-system-message"
	TypeStatus           MessageType = "status"
	TypeError            MessageType = "error"
)

// Status states carried by StatusEvent.State.
const (
	StateConnecting       = "connecting"
	StateConnected        = "connected"
	StateConnectionFailed = "connection_failed"
	StateDisconnected     = "disconnected"
	StateSpeechStarted    = "speech_started"
	StateSpeechStopped    = "speech_stopped"
	StateSessionReady     = "session_ready"
	StateResponseError    = "response_error"
	StateUpstreamError    = "upstream_error"
	StateResponseTimeout  = "response_timeout"
	StateDropped          = "dropped"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type SetInstructions struct {
	Type         MessageType `json:"type"`
	Instructions string      `json:"instructions"`
}

type StartSession struct {
	Type         MessageType `json:"type"`
	Instructions string      `json:"instructions,omitempty"`
}

// UserAudioChunk carries PCM16LE mono audio. Binary websocket frames are
// turned into this type with Audio left empty.
type UserAudioChunk struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
	Seq   int         `json:"seq,omitempty"`

	PCM []byte `json:"-"`
}

type CommitAudio struct {
	Type MessageType `json:"type"`
}

type UserTextMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type StopSession struct {
	Type MessageType `json:"type"`
}

type SessionEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// TextEvent is shared by bot-response, bot-transcript, user-transcript and
// bot-response-final.
type TextEvent struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type BotAudio struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
	Seq   int         `json:"seq"`
}

type BotAudioEnd struct {
	Type MessageType `json:"type"`
}

type SetSystemMessage struct {
	Type         MessageType `json:"type"`
	Instructions string      `json:"instructions"`
}

type StatusEvent struct {
	Type   MessageType `json:"type"`
	State  string      `json:"state"`
	Code   string      `json:"code,omitempty"`
	Detail string      `json:"detail,omitempty"`
	// Retryable marks provider errors worth retrying on a later turn.
	Retryable bool `json:"retryable,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func NewText(t MessageType, text string) TextEvent {
	return TextEvent{Type: t, Text: text}
}

func NewBotAudio(pcm []byte, seq int) BotAudio {
	return BotAudio{Type: TypeBotAudio, Audio: base64.StdEncoding.EncodeToString(pcm), Seq: seq}
}

func NewStatus(state, code, detail string) StatusEvent {
	return StatusEvent{Type: TypeStatus, State: state, Code: code, Detail: detail}
}

func NewError(code, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Detail: detail}
}

// AudioFromBinary wraps a binary frame as an audio intent.
func AudioFromBinary(pcm []byte) UserAudioChunk {
	return UserAudioChunk{Type: TypeUserAudioChunk, PCM: pcm}
}

// ParseClientMessage decodes one JSON text frame into its typed intent.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSetInstructions:
		var msg SetInstructions
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Instructions) == "" {
			return nil, fmt.Errorf("%w: set-instructions requires instructions", ErrInvalidMessage)
		}
		return msg, nil
	case TypeStartSession:
		var msg StartSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeUserAudioChunk:
		var msg UserAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, fmt.Errorf("%w: user-audio-chunk requires audio", ErrInvalidMessage)
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: user-audio-chunk audio is not base64: %v", ErrInvalidMessage, err)
		}
		msg.PCM = pcm
		return msg, nil
	case TypeCommitAudio:
		return CommitAudio{Type: env.Type}, nil
	case TypeUserTextMessage:
		var msg UserTextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, fmt.Errorf("%w: user-text-message requires text", ErrInvalidMessage)
		}
		return msg, nil
	case TypeStopSession:
		return StopSession{Type: env.Type}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf returns the type discriminator of any local-channel message.
func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case SetInstructions:
		return m.Type, true
	case StartSession:
		return m.Type, true
	case UserAudioChunk:
		return TypeUserAudioChunk, true
	case CommitAudio:
		return TypeCommitAudio, true
	case UserTextMessage:
		return m.Type, true
	case StopSession:
		return TypeStopSession, true
	case SessionEvent:
		return m.Type, true
	case TextEvent:
		return m.Type, true
	case BotAudio:
		return m.Type, true
	case BotAudioEnd:
		return TypeBotAudioEnd, true
	case SetSystemMessage:
		return m.Type, true
	case StatusEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// ParseServerMessage decodes one notification frame on the client side.
// Bot audio payloads are left base64 encoded; see BotAudio.PCM.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSession:
		return decodeAs[SessionEvent](raw)
	case TypeBotResponse, TypeBotTranscript, TypeUserTranscript, TypeBotResponseFinal:
		return decodeAs[TextEvent](raw)
	case TypeBotAudio:
		return decodeAs[BotAudio](raw)
	case TypeBotAudioEnd:
		return BotAudioEnd{Type: env.Type}, nil
	case TypeSetSystemMessage:
		return decodeAs[SetSystemMessage](raw)
	case TypeStatus:
		return decodeAs[StatusEvent](raw)
	case TypeError:
		return decodeAs[ErrorEvent](raw)
	default:
		return nil, ErrUnsupportedType
	}
}

func decodeAs[T any](raw []byte) (any, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// PCM decodes the base64 audio payload.
func (b BotAudio) PCM() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(b.Audio)
	if err != nil {
		return nil, fmt.Errorf("%w: bot-audio is not base64: %v", ErrInvalidMessage, err)
	}
	return pcm, nil
}
