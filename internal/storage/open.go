package storage

import (
	"errors"
	"strings"
	"time"

	"wardenbot/internal/moderation"
	logx "wardenbot/pkg/logx"
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map store, lost on restart
//   - "sqlite": SQLite database file
//
// An empty Driver selects "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (moderation.Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
