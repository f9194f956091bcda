package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ngoclaw/agentcore/internal/infrastructure/persistence/models"
)

// DBConfig holds the connection details for the durable Session backend.
type DBConfig struct {
	Type string // "sqlite" | "postgres"
	DSN  string
}

// NewDBConnection opens a GORM connection and migrates the session-message
// table, mirroring the teacher's NewDBConnection convention but scoped to
// this module's own config shape (the teacher's infrastructure/config
// package is out of scope here — see DESIGN.md).
func NewDBConnection(cfg DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("persistence: unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&models.MessageModel{}); err != nil {
		return nil, fmt.Errorf("persistence: failed to migrate database: %w", err)
	}

	return db, nil
}
