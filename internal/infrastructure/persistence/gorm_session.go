package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/session"
	"github.com/ngoclaw/agentcore/internal/infrastructure/persistence/models"
)

// GormSession is a durable Session backed by a GORM table of per-session
// rows, grounded on the teacher's GormMessageRepository — reads filter by
// session and order by the autoincrement id ascending (insertion order);
// tail queries order by id descending with a LIMIT then reverse again
// client-side. Each row also stores a unix-nanosecond timestamp, which is
// not used for ordering.
type GormSession struct {
	db *gorm.DB
	id string
	mu *sync.Mutex // serializes AddMessages per session id (spec §4.6 invariant 2)
}

var (
	sessionLocksMu sync.Mutex
	sessionLocks   = map[string]*sync.Mutex{}
)

func lockFor(id string) *sync.Mutex {
	sessionLocksMu.Lock()
	defer sessionLocksMu.Unlock()
	l, ok := sessionLocks[id]
	if !ok {
		l = &sync.Mutex{}
		sessionLocks[id] = l
	}
	return l
}

// NewGormSession opens a durable session over db keyed by id.
func NewGormSession(db *gorm.DB, id string) *GormSession {
	return &GormSession{db: db, id: id, mu: lockFor(id)}
}

var _ session.Session = (*GormSession)(nil)

func (s *GormSession) ID() string { return s.id }

func (s *GormSession) GetMessages(ctx context.Context, limit int) ([]entity.Message, error) {
	var rows []models.MessageModel
	q := s.db.WithContext(ctx).Where("session_id = ?", s.id)

	if limit <= 0 {
		if err := q.Order("id asc").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("persistence: get messages: %w", err)
		}
	} else {
		// Tail query: reverse order + LIMIT, then reverse again client-side.
		if err := q.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("persistence: get messages: %w", err)
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	out := make([]entity.Message, len(rows))
	for i, r := range rows {
		m, err := fromModel(r)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func (s *GormSession) AddMessages(ctx context.Context, messages []entity.Message) error {
	if len(messages) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]models.MessageModel, len(messages))
	now := time.Now().UTC()
	for i, m := range messages {
		row, err := toModel(s.id, m, now.Add(time.Duration(i)))
		if err != nil {
			return err
		}
		rows[i] = row
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("persistence: add messages: %w", err)
		}
		return nil
	})
}

func (s *GormSession) PopMessage(ctx context.Context) (entity.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row models.MessageModel
	err := s.db.WithContext(ctx).Where("session_id = ?", s.id).Order("id desc").First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return entity.Message{}, false, nil
		}
		return entity.Message{}, false, fmt.Errorf("persistence: pop message: %w", err)
	}
	if err := s.db.WithContext(ctx).Delete(&row).Error; err != nil {
		return entity.Message{}, false, fmt.Errorf("persistence: pop message delete: %w", err)
	}
	m, err := fromModel(row)
	if err != nil {
		return entity.Message{}, false, err
	}
	return m, true, nil
}

func (s *GormSession) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.WithContext(ctx).Where("session_id = ?", s.id).Delete(&models.MessageModel{}).Error; err != nil {
		return fmt.Errorf("persistence: clear session: %w", err)
	}
	return nil
}

func (s *GormSession) Len(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.MessageModel{}).Where("session_id = ?", s.id).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("persistence: count session: %w", err)
	}
	return int(count), nil
}

func toModel(sessionID string, m entity.Message, ts time.Time) (models.MessageModel, error) {
	partsJSON, err := json.Marshal(m.Parts)
	if err != nil {
		return models.MessageModel{}, fmt.Errorf("persistence: marshal parts: %w", err)
	}
	toolCallsJSON, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return models.MessageModel{}, fmt.Errorf("persistence: marshal tool calls: %w", err)
	}
	return models.MessageModel{
		SessionID:     sessionID,
		Timestamp:     ts.UnixNano(),
		Role:          string(m.Role),
		Content:       m.Content,
		PartsJSON:     string(partsJSON),
		ToolCallsJSON: string(toolCallsJSON),
		ToolCallID:    m.ToolCallID,
		CreatedAt:     ts.Unix(),
	}, nil
}

func fromModel(row models.MessageModel) (entity.Message, error) {
	var parts []entity.ContentPart
	if row.PartsJSON != "" && row.PartsJSON != "null" {
		if err := json.Unmarshal([]byte(row.PartsJSON), &parts); err != nil {
			return entity.Message{}, fmt.Errorf("persistence: unmarshal parts: %w", err)
		}
	}
	var toolCalls []entity.ToolCallInfo
	if row.ToolCallsJSON != "" && row.ToolCallsJSON != "null" {
		if err := json.Unmarshal([]byte(row.ToolCallsJSON), &toolCalls); err != nil {
			return entity.Message{}, fmt.Errorf("persistence: unmarshal tool calls: %w", err)
		}
	}
	return entity.Message{
		Role:       entity.Role(row.Role),
		Content:    row.Content,
		Parts:      parts,
		ToolCalls:  toolCalls,
		ToolCallID: row.ToolCallID,
	}, nil
}
