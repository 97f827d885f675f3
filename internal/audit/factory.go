package audit

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed ledger when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(0), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
