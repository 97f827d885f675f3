package session

import (
	"time"

	"github.com/ent0n29/voicerelay/internal/machine"
)

// Snapshot is the JSON view of a session returned by the HTTP API.
type Snapshot struct {
	SessionID        string        `json:"session_id"`
	Phase            machine.Phase `json:"phase"`
	ResponseInFlight bool          `json:"response_in_flight"`
	Connected        bool          `json:"connected"`
	Instructions     string        `json:"instructions"`
	Turns            int           `json:"turns"`
	PendingAudio     int           `json:"pending_audio_chunks"`
	StartedAt        time.Time     `json:"started_at"`
	LastActivityAt   time.Time     `json:"last_activity_at"`
}

func (s Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:        s.ID,
		Phase:            s.State.Phase,
		ResponseInFlight: s.ResponseInFlight,
		Connected:        s.Upstream != nil,
		Instructions:     s.State.Instructions,
		Turns:            s.State.TurnSeq,
		PendingAudio:     len(s.State.Pending),
		StartedAt:        s.StartedAt,
		LastActivityAt:   s.LastActivityAt,
	}
}
