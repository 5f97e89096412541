// Package storage persists the node's durable state in SQLite: shared file
// metadata and permissions, the append-only download log, transfer resume
// checkpoints, and the handshake replay cache.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "p2pfs.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultNonceRetention controls automatic seen-nonce pruning. Anything
	// older than the handshake timestamp window can never verify again, so a
	// generous retention is safe.
	DefaultNonceRetention = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  user_id      TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  is_admin     INTEGER NOT NULL DEFAULT 0,
  created_at   INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS shared_files (
  file_id       TEXT PRIMARY KEY,
  owner_user_id TEXT NOT NULL,
  file_name     TEXT NOT NULL,
  file_size     INTEGER NOT NULL,
  chunk_size    INTEGER NOT NULL,
  visibility    TEXT NOT NULL CHECK(visibility IN ('PUBLIC','PRIVATE')),
  content_hash  TEXT NOT NULL,
  chunk_hashes  TEXT NOT NULL,
  stored_path   TEXT NOT NULL,
  shared_at     INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_shared_files_owner
ON shared_files (owner_user_id, shared_at DESC);
`,
	`
CREATE TABLE IF NOT EXISTS file_permissions (
  file_id    TEXT NOT NULL REFERENCES shared_files(file_id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  granted_at INTEGER NOT NULL,
  PRIMARY KEY (file_id, user_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS downloads (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  file_id       TEXT NOT NULL,
  peer_id       TEXT NOT NULL,
  user_id       TEXT NOT NULL,
  file_size     INTEGER NOT NULL,
  downloaded_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_downloads_file_time
ON downloads (file_id, downloaded_at DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_downloads_peer_time
ON downloads (peer_id, downloaded_at DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_checkpoints (
  file_id          TEXT NOT NULL,
  peer_id          TEXT NOT NULL,
  total_chunks     INTEGER NOT NULL,
  completed_chunks TEXT NOT NULL DEFAULT '[]',
  temp_path        TEXT NOT NULL DEFAULT '',
  updated_at       INTEGER NOT NULL,
  PRIMARY KEY (file_id, peer_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfer_checkpoints_updated_at
ON transfer_checkpoints (updated_at DESC, file_id, peer_id);
`,
	`
CREATE TABLE IF NOT EXISTS seen_nonces (
  nonce   TEXT PRIMARY KEY,
  seen_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_nonces_seen_at
ON seen_nonces (seen_at);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	maintenanceInterval time.Duration
	nonceRetention      time.Duration
	maintenanceStop     chan struct{}
	maintenanceWG       sync.WaitGroup
	closeOnce           sync.Once
}

// Open opens (or creates) the database under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                  db,
		maintenanceInterval: DefaultWALCheckpointInterval,
		nonceRetention:      DefaultNonceRetention,
		maintenanceStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenanceLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.maintenanceStop != nil {
			close(s.maintenanceStop)
			s.maintenanceWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// maintain runs one round of background housekeeping: WAL truncation plus
// expiry of handshake nonces that fell out of the replay window.
func (s *Store) maintain(now time.Time) {
	_ = s.checkpointWAL()
	if s.nonceRetention > 0 {
		_, _ = s.PruneSeenNonces(now.Add(-s.nonceRetention))
	}
}

func (s *Store) startMaintenanceLoop() {
	interval := s.maintenanceInterval
	if interval <= 0 || s.maintenanceStop == nil {
		return
	}

	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.maintain(time.Now())
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
