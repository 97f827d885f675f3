package upstream

import "encoding/base64"

var responseModalities = []string{"text", "audio"}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetectionConfig `json:"turn_detection,omitempty"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

// TurnDetectionConfig keeps server VAD for speech hints; responses are only
// created on an explicit commit.
type TurnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
}

type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type InputAudioCommit struct {
	Type string `json:"type"`
}

type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ResponseCreate struct {
	EventID  string          `json:"event_id,omitempty"`
	Type     string          `json:"type"`
	Response *ResponseConfig `json:"response,omitempty"`
}

type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

func NewSessionUpdate(instructions, voice string) SessionUpdate {
	return SessionUpdate{
		Type: "session.update",
		Session: SessionConfig{
			Modalities:              responseModalities,
			Instructions:            instructions,
			Voice:                   voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &TranscriptionConfig{Model: "whisper-1"},
			TurnDetection: &TurnDetectionConfig{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
				CreateResponse:    false,
			},
		},
	}
}

func NewAudioAppend(pcm []byte) InputAudioAppend {
	return InputAudioAppend{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func NewAudioCommit() InputAudioCommit {
	return InputAudioCommit{Type: "input_audio_buffer.commit"}
}

func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func NewResponseCreate(instructions string) ResponseCreate {
	return ResponseCreate{
		Type:     "response.create",
		Response: &ResponseConfig{Modalities: responseModalities, Instructions: instructions},
	}
}
