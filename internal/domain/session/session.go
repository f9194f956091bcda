// Package session defines the ordered message-persistence contract.
// Concrete backends (in-memory, GORM-backed) live in
// internal/infrastructure/persistence, grounded on the teacher's
// memory_message_repository.go and gorm_message_repository.go.
package session

import (
	"context"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// Session is keyed by an opaque identifier and holds one conversation's
// message history. Implementations must serialize concurrent add_messages
// calls on the same session (spec §4.6 invariant 2).
type Session interface {
	ID() string

	// GetMessages returns the latest n messages in chronological order
	// when limit > 0, else the full history in insertion order.
	GetMessages(ctx context.Context, limit int) ([]entity.Message, error)

	// AddMessages appends in order, atomically: all-or-nothing.
	AddMessages(ctx context.Context, messages []entity.Message) error

	// PopMessage removes and returns the most recently appended message,
	// or ok=false if the session is empty.
	PopMessage(ctx context.Context) (msg entity.Message, ok bool, err error)

	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}
