package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"user-audio-chunk","audio":"AQID","seq":4}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(UserAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want UserAudioChunk", msg)
	}
	if audio.Seq != 4 || len(audio.PCM) != 3 || audio.PCM[2] != 3 {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsInvalidPayloads(t *testing.T) {
	cases := []string{
		`{"type":"user-audio-chunk"}`,
		`{"type":"user-audio-chunk","audio":"***"}`,
		`{"type":"user-text-message","text":"   "}`,
		`{"type":"set-instructions"}`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrInvalidMessage", raw, err)
		}
	}
	if _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestParseClientMessageControlIntents(t *testing.T) {
	cases := map[string]any{
		`{"type":"commit-audio"}`:                            CommitAudio{Type: TypeCommitAudio},
		`{"type":"stop-session"}`:                            StopSession{Type: TypeStopSession},
		`{"type":"start-session","instructions":"be brief"}`: StartSession{Type: TypeStartSession, Instructions: "be brief"},
		`{"type":"set-instructions","instructions":"terse"}`: SetInstructions{Type: TypeSetInstructions, Instructions: "terse"},
		`{"type":"user-text-message","text":"hello there"}`:  UserTextMessage{Type: TypeUserTextMessage, Text: "hello there"},
	}
	for raw, want := range cases {
		got, err := ParseClientMessage([]byte(raw))
		if err != nil {
			t.Fatalf("ParseClientMessage(%s) error = %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseClientMessage(%s) = %#v, want %#v", raw, got, want)
		}
	}
}

func TestNotificationShapes(t *testing.T) {
	raw, err := json.Marshal(NewBotAudio([]byte{1, 2, 3}, 2))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"type":"bot-audio","audio":"AQID","seq":2}` {
		t.Fatalf("bot-audio = %s", raw)
	}
	raw, _ = json.Marshal(NewStatus(StateConnected, "", ""))
	if string(raw) != `{"type":"status","state":"connected"}` {
		t.Fatalf("status = %s", raw)
	}
}

func TestMessageTypeOf(t *testing.T) {
	cases := map[MessageType]any{
		TypeUserAudioChunk:   AudioFromBinary([]byte{1}),
		TypeBotResponseFinal: NewText(TypeBotResponseFinal, "done"),
		TypeBotAudio:         NewBotAudio(nil, 1),
		TypeStatus:           NewStatus(StateConnected, "", ""),
		TypeError:            NewError("invalid_client_message", "bad"),
	}
	for want, msg := range cases {
		got, ok := MessageTypeOf(msg)
		if !ok || got != want {
			t.Fatalf("MessageTypeOf(%T) = %q, %v; want %q", msg, got, ok, want)
		}
	}
	if _, ok := MessageTypeOf(struct{}{}); ok {
		t.Fatalf("MessageTypeOf(struct{}) reported a type")
	}
}

func TestParseServerMessage(t *testing.T) {
	raw, err := json.Marshal(NewBotAudio([]byte{1, 2, 3}, 4))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	msg, err := ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	audio, ok := msg.(BotAudio)
	if !ok || audio.Seq != 4 {
		t.Fatalf("ParseServerMessage() = %#v", msg)
	}
	pcm, err := audio.PCM()
	if err != nil || len(pcm) != 3 || pcm[2] != 3 {
		t.Fatalf("PCM() = %v, %v", pcm, err)
	}

	msg, err = ParseServerMessage([]byte(`{"type":"status","state":"connection_failed","code":"upstream_connect_error"}`))
	if err != nil {
		t.Fatalf("ParseServerMessage(status) error = %v", err)
	}
	if st := msg.(StatusEvent); st.State != StateConnectionFailed || st.Code != "upstream_connect_error" {
		t.Fatalf("status = %#v", st)
	}

	if _, err := ParseServerMessage([]byte(`{"type":"commit-audio"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("ParseServerMessage(intent) error = %v, want ErrUnsupportedType", err)
	}
}
