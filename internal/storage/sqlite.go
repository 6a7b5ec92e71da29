package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"marketpulse/pkg/logx"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS scheduler_state (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at TEXT NOT NULL,
	data     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS event_audit (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      INTEGER NOT NULL,
	name    TEXT NOT NULL,
	source  TEXT,
	payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_event_audit_at ON event_audit(at);
CREATE INDEX IF NOT EXISTS idx_event_audit_name ON event_audit(name);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, retention: cfg.EventRetention, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveSchedulerState(ctx context.Context, st SchedulerState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduler_state(id, saved_at, data) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET saved_at=excluded.saved_at, data=excluded.data`,
		st.SavedAt.UTC().Format(time.RFC3339Nano), string(b),
	)
	return err
}

func (s *sqliteStore) LoadSchedulerState(ctx context.Context) (SchedulerState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM scheduler_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return SchedulerState{}, ErrNoState
	}
	if err != nil {
		return SchedulerState{}, err
	}
	var st SchedulerState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return SchedulerState{}, fmt.Errorf("decode scheduler_state: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_audit(at, name, source, payload) VALUES(?,?,?,?)`,
		e.At.UnixMilli(), e.Name, nullStr(e.Source), nullStr(string(e.Payload)),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if perr := s.pruneEvents(pctx); perr != nil {
			s.log.Debug("event prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) pruneEvents(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_audit WHERE at < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
