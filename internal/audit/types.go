package audit

import (
	"context"
	"time"
)

// Entry kinds written by the relay.
const (
	KindSessionCreated   = "session_created"
	KindPhaseChanged     = "phase_changed"
	KindUpstreamOpened   = "upstream_opened"
	KindUpstreamFailed   = "upstream_failed"
	KindResponseComplete = "response_complete"
	KindResponseError    = "response_error"
	KindProviderError    = "provider_error"
	KindIntentDropped    = "intent_dropped"
	KindSessionDestroyed = "session_destroyed"
)

// Entry is one session lifecycle event. It never carries conversation content.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
