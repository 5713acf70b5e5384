package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	logx "barkd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var schema string

const (
	// keepRows bounds the deliveries table.
	keepRows   = 10000
	pruneEvery = 500
)

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	writes atomic.Uint64
}

// sqliteDSN carries the pragmas as _pragma parameters so every pooled
// connection gets them.
func sqliteDSN(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if cfg.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	return cfg.Path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	db, err := sql.Open("sqlite", sqliteDSN(cfg))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", cfg.Path, err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at_ns, job_id, gateway, title, ok, code, attempts, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.At.UnixNano(), optional(r.JobID), r.Gateway, r.Title, r.OK, r.Code, r.Attempts, optional(r.Error), r.TookMS,
	)
	if err != nil {
		return err
	}
	if s.writes.Add(1)%pruneEvery == 0 {
		s.prune()
	}
	return nil
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = keepRows
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at_ns, job_id, gateway, title, ok, code, attempts, err, took_ms
		 FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []DeliveryRecord{}
	for rows.Next() {
		var (
			r          DeliveryRecord
			at         int64
			job, cause sql.NullString
		)
		if err := rows.Scan(&at, &job, &r.Gateway, &r.Title, &r.OK, &r.Code, &r.Attempts, &cause, &r.TookMS); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at).UTC()
		r.JobID, r.Error = job.String, cause.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune drops everything but the newest keepRows rows.
func (s *sqliteStore) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE id <= (SELECT MAX(id) FROM deliveries) - ?`, keepRows)
	if err != nil {
		s.log.Debug("delivery prune failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("deliveries pruned", logx.Int64("rows", n))
	}
}

func optional(v string) sql.NullString { return sql.NullString{String: v, Valid: v != ""} }
