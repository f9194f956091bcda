// Package models holds the GORM row types backing the durable Session.
package models

import "gorm.io/gorm"

// MessageModel is one row of a session's message history, indexed by
// session_id and by timestamp. ID is autoincrement and is the column
// GormSession orders reads by, so rows come back in insertion order even
// when two rows carry the same timestamp; Timestamp is stored but not used
// for ordering.
type MessageModel struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	SessionID      string `gorm:"index;size:128;not null"`
	Timestamp      int64  `gorm:"index;not null"` // unix nanoseconds
	Role           string `gorm:"size:16;not null"`
	Content        string `gorm:"type:text"`
	PartsJSON      string `gorm:"type:text"`
	ToolCallsJSON  string `gorm:"type:text"`
	ToolCallID     string `gorm:"size:128"`
	CreatedAt      int64
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

func (MessageModel) TableName() string {
	return "session_messages"
}
