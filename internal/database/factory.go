package database

import (
	"fmt"
	"os"
	"path/filepath"

	"formkeep/internal/config"
	"formkeep/internal/fk"
)

// NewStoreFromConfig creates a SQLiteStore based on the database config type.
// In-memory stores are migrated immediately; file stores are left for the
// caller to check, so an outdated schema is reported instead of silently upgraded.
func NewStoreFromConfig(cfg config.DatabaseConfig, hostID string, clock fk.Clock, idgen fk.IDGenerator) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, hostID+".db"), clock, idgen)
	case "memory":
		s, err := NewSQLiteStore(":memory:", clock, idgen)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrating in-memory database: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
