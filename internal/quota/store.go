// Package quota records quota observations, derives burn rates, talks to
// the Cloud Code quota APIs, and drives the reset trigger.
package quota

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
)

// Snapshot is a point-in-time observation of remaining quota percentage
// for an (account, family).
type Snapshot struct {
	AccountID  string
	Family     config.ModelFamily
	Percentage float64
	RecordedAt time.Time
}

// Store is the append-only snapshot store. It is durable across restarts
// and never surfaces errors to request paths: writes log and drop, reads
// degrade to no data.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS quota_snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id  TEXT NOT NULL,
	family      TEXT NOT NULL,
	percentage  REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_lookup
	ON quota_snapshots(account_id, family, recorded_at);
`

// OpenStore opens (and migrates) the snapshot store at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// Writers serialize at the storage layer; readers run concurrently
	// through WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: logging.For("SnapshotStore")}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a snapshot. Errors are logged, never returned: telemetry
// must not fail a user request.
func (s *Store) Record(accountID string, family config.ModelFamily, percentage float64, now time.Time) {
	_, err := s.db.Exec(
		`INSERT INTO quota_snapshots (account_id, family, percentage, recorded_at) VALUES (?, ?, ?, ?)`,
		accountID, string(family), percentage, now.UTC().UnixMilli(),
	)
	if err != nil {
		s.log.Warn().Err(err).
			Str("account", accountID).Str("family", string(family)).
			Msg("snapshot write failed")
	}
}

// SnapshotsSince returns snapshots for (accountID, family) recorded at or
// after since, newest first. On error the reader degrades to no data.
func (s *Store) SnapshotsSince(accountID string, family config.ModelFamily, since time.Time) []Snapshot {
	rows, err := s.db.Query(
		`SELECT percentage, recorded_at FROM quota_snapshots
		 WHERE account_id = ? AND family = ? AND recorded_at >= ?
		 ORDER BY recorded_at DESC`,
		accountID, string(family), since.UTC().UnixMilli(),
	)
	if err != nil {
		s.log.Warn().Err(err).Msg("snapshot read failed")
		return nil
	}
	defer rows.Close()

	var result []Snapshot
	for rows.Next() {
		var pct float64
		var recordedMs int64
		if err := rows.Scan(&pct, &recordedMs); err != nil {
			s.log.Warn().Err(err).Msg("snapshot scan failed")
			return nil
		}
		result = append(result, Snapshot{
			AccountID:  accountID,
			Family:     family,
			Percentage: pct,
			RecordedAt: time.UnixMilli(recordedMs).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		s.log.Warn().Err(err).Msg("snapshot read failed")
		return nil
	}
	return result
}

// Prune removes snapshots older than the cutoff. Idempotent.
func (s *Store) Prune(olderThan time.Time) error {
	_, err := s.db.Exec(
		`DELETE FROM quota_snapshots WHERE recorded_at < ?`,
		olderThan.UTC().UnixMilli(),
	)
	return err
}

// StartJanitor prunes snapshots past the retention window on a fixed
// interval until ctx is canceled.
func (s *Store) StartJanitor(ctx context.Context) {
	log := logging.For("SnapshotStore")
	go func() {
		ticker := time.NewTicker(config.SnapshotPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-config.SnapshotRetention)
				if err := s.Prune(cutoff); err != nil {
					log.Warn().Err(err).Msg("prune failed")
				}
			}
		}
	}()
}
