// Package mirror keeps the client-side view of a relay conversation: mic UI
// state, the assembled transcript, ordered audio playback and a status log.
package mirror

import (
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/protocol"
)

type UIState string

const (
	UIInactive   UIState = "inactive"
	UIListening  UIState = "listening"
	UIProcessing UIState = "processing"
)

type StatusLine struct {
	At   time.Time
	Text string
}

const maxStatusLines = 200

// Mirror applies server notifications to the client view. It is safe for
// concurrent use.
type Mirror struct {
	mu        sync.Mutex
	state     UIState
	sessionID string
	status    []StatusLine

	transcript *Transcript
	playback   *PlaybackQueue
}

// New builds a mirror. playback may be nil when audio is not rendered.
func New(playback *PlaybackQueue, window time.Duration) *Mirror {
	return &Mirror{
		state:      UIInactive,
		transcript: NewTranscript(window),
		playback:   playback,
	}
}

func (m *Mirror) State() UIState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mirror) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Mirror) Transcript() *Transcript { return m.transcript }

func (m *Mirror) StatusLines() []StatusLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusLine(nil), m.status...)
}

// Committed records that the user finished speaking.
func (m *Mirror) Committed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == UIListening {
		m.state = UIProcessing
	}
}

// ReportPlaybackError surfaces a local playback failure in the status log.
func (m *Mirror) ReportPlaybackError(err *PlaybackError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logLocked(err.Error())
}

// Apply folds one server notification into the view.
func (m *Mirror) Apply(msg any) {
	switch n := msg.(type) {
	case protocol.SessionEvent:
		m.mu.Lock()
		m.sessionID = n.SessionID
		m.mu.Unlock()
	case protocol.StatusEvent:
		m.applyStatus(n)
	case protocol.TextEvent:
		switch n.Type {
		case protocol.TypeBotResponse, protocol.TypeBotTranscript:
			m.transcript.Append(SpeakerBot, n.Text)
		case protocol.TypeUserTranscript:
			m.transcript.Append(SpeakerUser, n.Text)
		case protocol.TypeBotResponseFinal:
			m.transcript.Finalize(SpeakerBot, n.Text)
			m.mu.Lock()
			if m.state == UIProcessing {
				m.state = UIListening
			}
			m.mu.Unlock()
		}
	case protocol.BotAudio:
		pcm, err := n.PCM()
		if err != nil {
			m.mu.Lock()
			m.logLocked(err.Error())
			m.mu.Unlock()
			return
		}
		if m.playback != nil {
			m.playback.Enqueue(pcm)
		}
	case protocol.SetSystemMessage:
		m.mu.Lock()
		m.logLocked("instructions set")
		m.mu.Unlock()
	case protocol.ErrorEvent:
		m.mu.Lock()
		m.logLocked(fmt.Sprintf("error: %s %s", n.Code, n.Detail))
		m.mu.Unlock()
	}
}

func (m *Mirror) applyStatus(st protocol.StatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch st.State {
	case protocol.StateConnected:
		m.state = UIListening
		m.logLocked("connected")
	case protocol.StateConnectionFailed:
		m.state = UIInactive
		m.logLocked(describe("connection failed", st))
	case protocol.StateDisconnected:
		m.state = UIInactive
		m.logLocked(describe("disconnected", st))
		if m.playback != nil {
			m.playback.Reset()
		}
	case protocol.StateResponseError, protocol.StateResponseTimeout:
		if m.state == UIProcessing {
			m.state = UIListening
		}
		m.logLocked(describe("response failed", st))
	case protocol.StateUpstreamError:
		m.logLocked(describe("upstream error", st))
	case protocol.StateDropped:
		m.logLocked(describe("dropped", st))
	}
}

func (m *Mirror) logLocked(text string) {
	m.status = append(m.status, StatusLine{At: time.Now(), Text: text})
	if len(m.status) > maxStatusLines {
		m.status = m.status[len(m.status)-maxStatusLines:]
	}
}

func describe(prefix string, st protocol.StatusEvent) string {
	out := prefix
	if st.Code != "" {
		out += " (" + st.Code + ")"
	}
	if st.Detail != "" {
		out += ": " + st.Detail
	}
	return out
}
