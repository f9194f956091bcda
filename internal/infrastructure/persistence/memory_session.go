package persistence

import (
	"context"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/session"
)

// MemorySession is a mutex-guarded, slice-backed Session, grounded on the
// teacher's MemoryMessageRepository (mutex + map) but restructured for the
// spec's ordered-slice + pop/limit contract rather than paginated lookup.
type MemorySession struct {
	mu       sync.Mutex
	id       string
	messages []entity.Message
}

// NewMemorySession creates an empty in-memory session.
func NewMemorySession(id string) *MemorySession {
	return &MemorySession{id: id}
}

var _ session.Session = (*MemorySession)(nil)

func (s *MemorySession) ID() string { return s.id }

func (s *MemorySession) GetMessages(_ context.Context, limit int) ([]entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit >= len(s.messages) {
		out := make([]entity.Message, len(s.messages))
		copy(out, s.messages)
		return out, nil
	}
	start := len(s.messages) - limit
	out := make([]entity.Message, limit)
	copy(out, s.messages[start:])
	return out, nil
}

func (s *MemorySession) AddMessages(_ context.Context, messages []entity.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, messages...)
	return nil
}

func (s *MemorySession) PopMessage(_ context.Context) (entity.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return entity.Message{}, false, nil
	}
	last := s.messages[len(s.messages)-1]
	s.messages = s.messages[:len(s.messages)-1]
	return last, true, nil
}

func (s *MemorySession) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return nil
}

func (s *MemorySession) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), nil
}
