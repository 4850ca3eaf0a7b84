package context

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is an optional Persister backend for the world model,
// grounded on the teacher's storage.DB (internal/storage/sqlite.go)
// NewDB/migrate pattern, reduced to the single table this domain needs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// schema migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("context: open world model db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("context: ping world model db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("context: migrate world model db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS world_model (
    key TEXT PRIMARY KEY,
    source_device_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    identity_key TEXT NOT NULL,
    frame_json TEXT NOT NULL,
    last_updated_ms INTEGER NOT NULL,
    update_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_world_model_kind ON world_model(kind);
CREATE INDEX IF NOT EXISTS idx_world_model_source ON world_model(source_device_id);`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts one world-model entry.
func (s *SQLiteStore) Save(e Entry) error {
	frameJSON, err := json.Marshal(e.LastFrame)
	if err != nil {
		return fmt.Errorf("context: marshal frame: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO world_model (key, source_device_id, kind, identity_key, frame_json, last_updated_ms, update_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   frame_json = excluded.frame_json,
		   last_updated_ms = excluded.last_updated_ms,
		   update_count = excluded.update_count`,
		e.Key, e.LastFrame.SourceDeviceID, string(e.LastFrame.Kind), canonicalIdentity(e.LastFrame),
		string(frameJSON), e.LastUpdatedMs, e.UpdateCount,
	)
	if err != nil {
		return fmt.Errorf("context: save world model entry: %w", err)
	}
	return nil
}

// Load returns every persisted world-model entry.
func (s *SQLiteStore) Load() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT key, frame_json, last_updated_ms, update_count FROM world_model`)
	if err != nil {
		return nil, fmt.Errorf("context: load world model entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var frameJSON string
		if err := rows.Scan(&e.Key, &frameJSON, &e.LastUpdatedMs, &e.UpdateCount); err != nil {
			return nil, fmt.Errorf("context: scan world model entry: %w", err)
		}
		if err := json.Unmarshal([]byte(frameJSON), &e.LastFrame); err != nil {
			return nil, fmt.Errorf("context: unmarshal frame: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
