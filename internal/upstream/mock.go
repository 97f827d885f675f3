package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/audio"
)

// MockConnector is a local fallback used when no provider key is configured.
// Each commit or text message yields a canned response with a few audio chunks.
type MockConnector struct {
	Reply       string
	AudioChunks int
	ChunkLength time.Duration
	// OpenErr, when set, makes Open fail with a ConnectError.
	OpenErr error
	// FailCode, when set, answers every turn with a failed response.
	FailCode string
}

func NewMockConnector() *MockConnector {
	return &MockConnector{Reply: "simulated response", AudioChunks: 3, ChunkLength: 40 * time.Millisecond}
}

func (c *MockConnector) Open(ctx context.Context, sessionID string, opts OpenOptions) (Handle, error) {
	if c.OpenErr != nil {
		return nil, &ConnectError{Err: c.OpenErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Err: err}
	}
	h := &mockHandle{cfg: *c, events: make(chan Event, wsEventBuffer)}
	h.events <- SessionReady{Type: EventSessionCreated, SessionID: "mock_" + sessionID}
	if opts.Greet {
		h.respondLocked("")
	}
	return h, nil
}

type mockHandle struct {
	cfg       MockConnector
	mu        sync.Mutex
	events    chan Event
	closed    bool
	turn      int
	heardUser bool
}

func (h *mockHandle) ForwardAudio(pcm []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNotOpen
	}
	if !h.heardUser && len(pcm) > 0 {
		h.heardUser = true
		h.events <- SpeechStarted{}
	}
	return nil
}

func (h *mockHandle) Commit(_ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNotOpen
	}
	if h.heardUser {
		h.events <- SpeechStopped{}
		h.events <- InputTranscript{Text: "simulated voice input"}
		h.heardUser = false
	}
	h.respondLocked("")
	return nil
}

func (h *mockHandle) SendText(text string, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNotOpen
	}
	h.respondLocked(strings.TrimSpace(text))
	return nil
}

func (h *mockHandle) UpdateInstructions(_ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNotOpen
	}
	h.events <- SessionReady{Type: EventSessionUpdated}
	return nil
}

func (h *mockHandle) Events() <-chan Event { return h.events }

func (h *mockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}

func (h *mockHandle) respondLocked(echo string) {
	h.turn++
	if h.cfg.FailCode != "" {
		h.events <- ResponseError{Code: h.cfg.FailCode, Message: "simulated failure"}
		return
	}
	id := fmt.Sprintf("mock_resp_%d", h.turn)
	reply := h.cfg.Reply
	if echo != "" {
		reply = reply + ": " + echo
	}
	h.events <- TextDelta{ResponseID: id, Text: reply}
	for i := 0; i < h.cfg.AudioChunks; i++ {
		h.events <- AudioDelta{ResponseID: id, Audio: audio.Silence(h.cfg.ChunkLength, audio.SampleRate)}
	}
	if h.cfg.AudioChunks > 0 {
		h.events <- AudioDone{}
	}
	h.events <- TextDone{Text: reply}
	h.events <- ResponseDone{ResponseID: id, Status: "completed", Text: reply}
}
