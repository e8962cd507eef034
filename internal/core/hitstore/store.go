// Package hitstore persists finalized hits until the uplink drains them.
//
// The store implements the coordinator's sink contract on SQLite or
// PostgreSQL: emitted hits are queued rows, held hits wait for referrer
// enrichment, and Kick releases held hits unenriched. UUIDv7 hit IDs make
// primary-key order the drain order.
//
// Named SQL lives in embedded .sql files managed by dotsql; sqlx Rebind
// converts ? placeholders for PostgreSQL.
package hitstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"

	"github.com/solatis/hitkeeper/internal/contextdata"
	"github.com/solatis/hitkeeper/internal/types"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// Hit queue states.
const (
	stateQueued = 0
	stateHeld   = 1
)

// Store is a database-backed hit queue.
type Store struct {
	db  *sqlx.DB
	dot *dotsql.DotSql
}

// hitRow mirrors the hits table for sqlx scanning.
type hitRow struct {
	HitID        string `db:"hit_id"`
	RequestBody  string `db:"request_body"`
	HitTimestamp string `db:"hit_timestamp"`
}

// New creates a store over an open database with migrations applied.
func New(database *sqlx.DB) (*Store, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	dot, err := loadQueries()
	if err != nil {
		return nil, err
	}

	return &Store{db: database, dot: dot}, nil
}

// loadQueries combines all embedded .sql files into one dotsql instance.
func loadQueries() (*dotsql.DotSql, error) {
	var combinedSQL string

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}

		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		combinedSQL += string(content) + "\n"
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combinedSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}

	return dot, nil
}

// raw returns the named query rebound for the active driver.
func (s *Store) raw(name string) (string, error) {
	query, err := s.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return s.db.Rebind(query), nil
}

// Emit inserts one finalized hit. Held hits stay out of drain batches
// until enrichment arrives or Kick releases them.
func (s *Store) Emit(ctx context.Context, hit types.Hit, held bool) error {
	query, err := s.raw("insert-hit")
	if err != nil {
		return err
	}

	state := stateQueued
	if held {
		state = stateHeld
	}

	_, err = s.db.ExecContext(ctx, query,
		string(hit.ID),
		hit.RequestBody,
		hit.Timestamp.UTC().Format(time.RFC3339),
		state,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert hit: %w", err)
	}
	return nil
}

// MergeContextIntoPending appends the encoded context-data fragment to
// the oldest held hit and releases it. Returns ErrNoPendingHit when
// nothing is held; callers treat that as a soft condition.
func (s *Store) MergeContextIntoPending(ctx context.Context, data map[string]string) error {
	fragment := encodeContextFragment(data)
	if fragment == "" {
		return nil
	}

	selectQuery, err := s.raw("oldest-held-hit")
	if err != nil {
		return err
	}
	releaseQuery, err := s.raw("release-hit")
	if err != nil {
		return err
	}

	// Select and update inside one transaction so a concurrent Kick
	// cannot release the row between the two statements.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row hitRow
	if err := tx.GetContext(ctx, &row, selectQuery); err != nil {
		if err == sql.ErrNoRows {
			return types.ErrNoPendingHit
		}
		return fmt.Errorf("failed to select pending hit: %w", err)
	}

	merged := row.RequestBody + "&" + fragment
	if _, err := tx.ExecContext(ctx, releaseQuery, merged, row.HitID); err != nil {
		return fmt.Errorf("failed to release hit %s: %w", row.HitID, err)
	}

	return tx.Commit()
}

// Kick releases all held hits unenriched. No-op when nothing is held.
func (s *Store) Kick(ctx context.Context) error {
	query, err := s.raw("release-all-held")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to release held hits: %w", err)
	}
	return nil
}

// NextBatch returns up to limit queued hits in emission order.
func (s *Store) NextBatch(ctx context.Context, limit int) ([]types.Hit, error) {
	query, err := s.raw("next-batch")
	if err != nil {
		return nil, err
	}

	var rows []hitRow
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to select batch: %w", err)
	}

	hits := make([]types.Hit, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(time.RFC3339, row.HitTimestamp)
		if err != nil {
			// Malformed timestamps keep the stored instant recoverable
			// from the UUIDv7 ID.
			ts = types.HitIDTime(types.HitID(row.HitID))
		}
		hits = append(hits, types.Hit{
			ID:          types.HitID(row.HitID),
			RequestBody: row.RequestBody,
			Timestamp:   ts,
		})
	}
	return hits, nil
}

// Delete removes a transmitted hit.
func (s *Store) Delete(ctx context.Context, id types.HitID) error {
	query, err := s.raw("delete-hit")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, string(id)); err != nil {
		return fmt.Errorf("failed to delete hit %s: %w", id, err)
	}
	return nil
}

// Count returns the total number of stored hits (queued and held).
func (s *Store) Count(ctx context.Context) (int, error) {
	query, err := s.raw("count-hits")
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count hits: %w", err)
	}
	return count, nil
}

// encodeContextFragment nests data under the context-data key in sorted
// key order, matching the serializer's determinism rule.
func encodeContextFragment(data map[string]string) string {
	if len(data) == 0 {
		return ""
	}
	inner := contextdata.New()
	for _, k := range sortedKeys(data) {
		inner.Set(k, data[k])
	}
	wrapped := contextdata.New()
	wrapped.Set("c", inner)
	return contextdata.Encode(wrapped)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
