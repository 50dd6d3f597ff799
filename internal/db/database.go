package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/aetherdock/backend/internal/fleet"
	"github.com/aetherdock/backend/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// SQLiteDB stores the action journal: one row per completed dispatch.
type SQLiteDB struct {
	db  *sql.DB
	log zerolog.Logger

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

var _ fleet.Journal = (*SQLiteDB)(nil)

func NewSQLiteDB(path string, log zerolog.Logger) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=30000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	sdb := &SQLiteDB{
		db:       db,
		log:      log.With().Str("component", "journal").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	if err := sdb.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	go sdb.walCheckpointLoop()

	return sdb, nil
}

func (s *SQLiteDB) walCheckpointLoop() {
	defer close(s.doneChan)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.log.Warn().Err(err).Msg("wal checkpoint failed")
			}
		}
	}
}

func (s *SQLiteDB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS container_events (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			container_id TEXT NOT NULL,
			verb TEXT NOT NULL,
			ok INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON container_events(ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_container_ts ON container_events(container_id, ts DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDB) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		<-s.doneChan
	})
	return s.db.Close()
}

// Record appends ev to the journal, assigning an id when it has none.
func (s *SQLiteDB) Record(ctx context.Context, ev models.ActionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	query := `INSERT INTO container_events (id, ts, container_id, verb, ok, reason, session_id)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, ev.ID, ev.Timestamp, ev.ContainerID, string(ev.Verb), ev.OK, ev.Reason, ev.SessionID)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first, optionally for one container.
// limit is clamped to [1, MaxEventLimit]; zero selects DefaultEventLimit.
func (s *SQLiteDB) ListEvents(ctx context.Context, containerID string, limit int) ([]models.ActionEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}

	query := `SELECT id, ts, container_id, verb, ok, reason, session_id FROM container_events`
	args := []interface{}{}
	if containerID != "" {
		query += ` WHERE container_id = ?`
		args = append(args, containerID)
	}
	query += ` ORDER BY ts DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]models.ActionEvent, 0)
	for rows.Next() {
		var ev models.ActionEvent
		var verb string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ContainerID, &verb, &ev.OK, &ev.Reason, &ev.SessionID); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Verb = models.ActionVerb(verb)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

func (s *SQLiteDB) CountEvents(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM container_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
