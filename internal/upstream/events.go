// Package upstream owns the duplex connection to the realtime provider.
package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Server event type names recognized by Parse.
const (
	EventSessionCreated          = "session.created"
	EventSessionUpdated          = "session.updated"
	EventSpeechStarted           = "input_audio_buffer.speech_started"
	EventSpeechStopped           = "input_audio_buffer.speech_stopped"
	EventTextDelta               = "response.text.delta"
	EventAudioDelta              = "response.audio.delta"
	EventAudioTranscriptDelta    = "response.audio_transcript.delta"
	EventInputTranscriptComplete = "conversation.item.input_audio_transcription.completed"
	EventTextDone                = "response.text.done"
	EventAudioDone               = "response.audio.done"
	EventResponseDone            = "response.done"
	EventResponseError           = "response.error"
	EventError                   = "error"
)

// Event is one classified message from the provider. The concrete types
// below form a closed set; consumers switch on them exhaustively.
type Event interface {
	Kind() string
}

type SessionReady struct {
	Type      string
	SessionID string
}

type SpeechStarted struct{}

type SpeechStopped struct{}

type TextDelta struct {
	ResponseID string
	Text       string
}

type AudioDelta struct {
	ResponseID string
	Audio      []byte
}

type AudioTranscriptDelta struct {
	Text string
}

type InputTranscript struct {
	Text string
}

type TextDone struct {
	Text string
}

type AudioDone struct{}

// ResponseDone carries the text assembled from the response output items.
type ResponseDone struct {
	ResponseID string
	Status     string
	Text       string
}

type ResponseError struct {
	Code    string
	Message string
}

// ProviderError is a top-level error answering one client event. It only
// ends the current response when RejectsResponse is set.
type ProviderError struct {
	Code    string
	Message string
	// EventID is the client event the provider rejected, when it says so.
	EventID string
	// RejectsResponse is set by the connector when EventID names the
	// response.create it sent for the current turn.
	RejectsResponse bool
}

// Unrecognized is a well-formed event whose type the relay does not handle.
type Unrecognized struct {
	Type string
}

// Malformed is a message that could not be decoded.
type Malformed struct {
	Raw []byte
	Err error
}

func (e SessionReady) Kind() string { return e.Type }
func (SpeechStarted) Kind() string { return EventSpeechStarted }
func (SpeechStopped) Kind() string { return EventSpeechStopped }
func (TextDelta) Kind() string { return EventTextDelta }
func (AudioDelta) Kind() string { return EventAudioDelta }
func (AudioTranscriptDelta) Kind() string { return EventAudioTranscriptDelta }
func (InputTranscript) Kind() string { return EventInputTranscriptComplete }
func (TextDone) Kind() string { return EventTextDone }
func (AudioDone) Kind() string { return EventAudioDone }
func (ResponseDone) Kind() string { return EventResponseDone }
func (ResponseError) Kind() string { return EventResponseError }
func (ProviderError) Kind() string { return EventError }
func (e Unrecognized) Kind() string { return e.Type }
func (Malformed) Kind() string { return "malformed" }

// Failed reports whether the provider finished the response unsuccessfully.
func (e ResponseDone) Failed() bool {
	return e.Status == "failed"
}

type rawServerEvent struct {
	Type       string          `json:"type"`
	ResponseID string          `json:"response_id"`
	Delta      json.RawMessage `json:"delta"`
	Text       string          `json:"text"`
	Transcript string          `json:"transcript"`
	Session    *struct {
		ID string `json:"id"`
	} `json:"session"`
	Response *rawResponse `json:"response"`
	Error    *rawError    `json:"error"`
}

type rawResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusDetails *struct {
		Error *rawError `json:"error"`
	} `json:"status_details"`
	Output []struct {
		Content []struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			Transcript string `json:"transcript"`
		} `json:"content"`
	} `json:"output"`
}

type rawError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// code prefers the specific error code over its type.
func (e *rawError) code(fallback string) string {
	switch {
	case e == nil:
		return fallback
	case e.Code != "":
		return e.Code
	case e.Type != "":
		return e.Type
	default:
		return fallback
	}
}

// Parse classifies one provider message. It never fails: undecodable input
// becomes Malformed and unknown types become Unrecognized.
func Parse(data []byte) Event {
	var raw rawServerEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Malformed{Raw: data, Err: err}
	}
	if raw.Type == "" {
		return Malformed{Raw: data, Err: fmt.Errorf("missing event type")}
	}

	switch raw.Type {
	case EventSessionCreated, EventSessionUpdated:
		ev := SessionReady{Type: raw.Type}
		if raw.Session != nil {
			ev.SessionID = raw.Session.ID
		}
		return ev
	case EventSpeechStarted:
		return SpeechStarted{}
	case EventSpeechStopped:
		return SpeechStopped{}
	case EventTextDelta:
		text, err := deltaText(raw.Delta)
		if err != nil {
			return Malformed{Raw: data, Err: err}
		}
		return TextDelta{ResponseID: raw.ResponseID, Text: text}
	case EventAudioTranscriptDelta:
		text, err := deltaText(raw.Delta)
		if err != nil {
			return Malformed{Raw: data, Err: err}
		}
		return AudioTranscriptDelta{Text: text}
	case EventAudioDelta:
		var encoded string
		if err := json.Unmarshal(raw.Delta, &encoded); err != nil {
			return Malformed{Raw: data, Err: fmt.Errorf("audio delta: %w", err)}
		}
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return Malformed{Raw: data, Err: fmt.Errorf("audio delta: %w", err)}
		}
		return AudioDelta{ResponseID: raw.ResponseID, Audio: pcm}
	case EventInputTranscriptComplete:
		return InputTranscript{Text: raw.Transcript}
	case EventTextDone:
		return TextDone{Text: raw.Text}
	case EventAudioDone:
		return AudioDone{}
	case EventResponseDone:
		ev := ResponseDone{}
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
			ev.Status = raw.Response.Status
			ev.Text = assembleOutput(raw.Response)
		}
		return ev
	case EventResponseError:
		ev := ResponseError{Code: raw.Error.code(raw.Type)}
		if raw.Error != nil {
			ev.Message = raw.Error.Message
		}
		return ev
	case EventError:
		ev := ProviderError{Code: raw.Error.code(raw.Type)}
		if raw.Error != nil {
			ev.Message = raw.Error.Message
			ev.EventID = raw.Error.EventID
		}
		return ev
	default:
		return Unrecognized{Type: raw.Type}
	}
}

// deltaText accepts either a bare string or an object with a text field.
func deltaText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing delta")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Text == nil {
		return "", fmt.Errorf("unsupported delta shape")
	}
	return *obj.Text, nil
}

func assembleOutput(resp *rawResponse) string {
	var b strings.Builder
	for _, item := range resp.Output {
		for _, c := range item.Content {
			switch {
			case c.Text != "":
				b.WriteString(c.Text)
			case c.Transcript != "":
				b.WriteString(c.Transcript)
			}
		}
	}
	return b.String()
}
