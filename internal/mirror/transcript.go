package mirror

import (
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "bot"
)

// DefaultRecencyWindow joins fragments of one speaker into a single bubble.
const DefaultRecencyWindow = time.Second

// Bubble is one rendered message in the transcript.
type Bubble struct {
	Speaker   Speaker
	Text      string
	UpdatedAt time.Time
}

// Transcript assembles streamed fragments into bubbles. A fragment extends
// the last bubble when it has the same speaker and arrives within the
// recency window; otherwise it starts a new bubble.
type Transcript struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	bubbles []Bubble
}

func NewTranscript(window time.Duration) *Transcript {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	return &Transcript{window: window, now: time.Now}
}

func (t *Transcript) Append(speaker Speaker, fragment string) {
	if fragment == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last := t.lastLocked(speaker, now); last != nil {
		last.Text += fragment
		last.UpdatedAt = now
		return
	}
	t.bubbles = append(t.bubbles, Bubble{Speaker: speaker, Text: fragment, UpdatedAt: now})
}

// Finalize replaces the recent bubble of speaker with the assembled text.
func (t *Transcript) Finalize(speaker Speaker, text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last := t.lastLocked(speaker, now); last != nil {
		last.Text = text
		last.UpdatedAt = now
		return
	}
	t.bubbles = append(t.bubbles, Bubble{Speaker: speaker, Text: text, UpdatedAt: now})
}

func (t *Transcript) lastLocked(speaker Speaker, now time.Time) *Bubble {
	if len(t.bubbles) == 0 {
		return nil
	}
	last := &t.bubbles[len(t.bubbles)-1]
	if last.Speaker != speaker || now.Sub(last.UpdatedAt) > t.window {
		return nil
	}
	return last
}

func (t *Transcript) Bubbles() []Bubble {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Bubble(nil), t.bubbles...)
}
