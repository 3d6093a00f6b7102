package transcript

import (
	"context"
	"time"
)

// Role values for recorded turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord is one spoken exchange half for a session.
type TurnRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Redacted  bool      `json:"redacted"`
	Risk      string    `json:"risk,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists voice transcripts per agent session.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// Recent returns up to limit records for a session in chronological order.
	Recent(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}

const defaultRecentLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}

func reverse(items []TurnRecord) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
