package resume

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"iptv-player/work/logger"
	"iptv-player/work/metrics"
)

// Store persists the last playback position per channel so a viewer returns
// to where they left off. Resume is strictly best-effort: every write error
// is swallowed and playback never waits on the store. Entries older than the
// TTL are treated as absent and purged lazily on read.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time // injectable clock for TTL tests
}

// Open opens (creating if necessary) the SQLite store at path. The parent
// directory is created when missing. A store that fails to open is a hard
// error at startup; once open, individual operations degrade silently.
func Open(path string, ttl time.Duration) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create resume db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open resume db: %w", err)
	}

	// single writer: the store is only touched from one playback session at
	// a time, and SQLite serializes the rest
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resume_positions (
			channel_id TEXT PRIMARY KEY,
			pos        REAL NOT NULL,
			ts         INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate resume db: %w", err)
	}

	return &Store{
		db:  db,
		ttl: ttl,
		now: time.Now,
	}, nil
}

// Save records the playback position for a channel. Failures are logged at
// debug level and otherwise ignored: resume persistence must never disturb
// the playback path that triggers it.
func (s *Store) Save(channelID string, position float64) {
	if channelID == "" || position < 0 {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO resume_positions (channel_id, pos, ts) VALUES (?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET pos = excluded.pos, ts = excluded.ts`,
		channelID, position, s.now().Unix())
	if err != nil {
		logger.Debug("{resume - Save} Ignoring write failure for channel %s: %v", channelID, err)
		metrics.ResumeSaves.WithLabelValues("error").Inc()
		return
	}
	metrics.ResumeSaves.WithLabelValues("success").Inc()
}

// Load returns the stored position for a channel. Entries older than the TTL
// are deleted and reported absent. All errors degrade to "absent".
func (s *Store) Load(channelID string) (float64, bool) {
	var pos float64
	var ts int64
	err := s.db.QueryRow(
		`SELECT pos, ts FROM resume_positions WHERE channel_id = ?`, channelID).Scan(&pos, &ts)
	if err != nil {
		if err != sql.ErrNoRows {
			logger.Debug("{resume - Load} Ignoring read failure for channel %s: %v", channelID, err)
		}
		return 0, false
	}

	if s.now().Sub(time.Unix(ts, 0)) > s.ttl {
		// lazy purge of the stale record
		if _, err := s.db.Exec(`DELETE FROM resume_positions WHERE channel_id = ?`, channelID); err != nil {
			logger.Debug("{resume - Load} Ignoring purge failure for channel %s: %v", channelID, err)
		}
		return 0, false
	}

	return pos, true
}

// Delete removes the stored position for a channel. Used when playback of a
// VOD item completes so the next view starts from the beginning.
func (s *Store) Delete(channelID string) {
	if _, err := s.db.Exec(`DELETE FROM resume_positions WHERE channel_id = ?`, channelID); err != nil {
		logger.Debug("{resume - Delete} Ignoring delete failure for channel %s: %v", channelID, err)
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
