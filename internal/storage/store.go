package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "barkd/pkg/logx"
)

type Config struct {
	// Driver is "file", "sqlite" or empty/"none" for no storage.
	Driver string
	Path   string
	// BusyTimeout is how long sqlite waits on a locked database. 0 keeps the driver default.
	BusyTimeout time.Duration
}

// DeliveryRecord is the final outcome of one delivery, after retries.
type DeliveryRecord struct {
	At       time.Time `json:"at"`
	JobID    string    `json:"job_id,omitempty"`
	Gateway  string    `json:"gateway"`
	Title    string    `json:"title"`
	OK       bool      `json:"ok"`
	Code     int       `json:"code,omitempty"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

// Store is the delivery audit log.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentDeliveries returns up to limit records, newest first. limit <= 0 means all kept.
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	Close() error
}

var drivers = map[string]func(Config, logx.Logger) (Store, error){
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver. Disabled storage is (nil, nil).
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	cfg.Path = strings.TrimSpace(cfg.Path)
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: driver %s needs a path", name)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log)
}
