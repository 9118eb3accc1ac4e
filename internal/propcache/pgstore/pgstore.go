// Package pgstore provides the PostgreSQL backend for the property cache.
// Each cohort/key pair is one row holding a JSON snapshot of the page's
// values, so a cohort write is a single idempotent upsert.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/htmlforge/internal/propcache"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a propcache.Backend persisting pages to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// storedValueJSON is the wire form of one value inside the page snapshot.
// Timestamps are wall-clock milliseconds so staleness stays comparable
// across process restarts.
type storedValueJSON struct {
	Body      []byte `json:"body"`
	WrittenMs int64  `json:"written_ms"`
}

const (
	selectPageSQL = `
        SELECT body
        FROM property_pages
        WHERE cohort = $1 AND page_key = $2;
    `
	upsertPageSQL = `
        INSERT INTO property_pages (cohort, page_key, body, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (cohort, page_key) DO UPDATE SET
            body = EXCLUDED.body,
            updated_at = EXCLUDED.updated_at;
    `
)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("pgstore"),
	}, nil
}

// ReadPage loads the page snapshot for one cohort/key pair. A missing row
// yields an empty map, not an error.
func (s *Store) ReadPage(ctx context.Context, cohort, key string) (map[string]propcache.StoredValue, error) {
	rows, err := s.pool.Query(ctx, selectPageSQL, cohort, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query property page: %w", err)
	}
	defer rows.Close()

	var body []byte
	found := false
	for rows.Next() {
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan property page row: %w", err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	if !found {
		return map[string]propcache.StoredValue{}, nil
	}

	var snapshot map[string]storedValueJSON
	if err := json.Unmarshal(body, &snapshot); err != nil {
		// A corrupt snapshot is treated as absent; the page will be
		// rebuilt and overwritten on the next cohort write.
		s.log.Warn("Discarding undecodable property page snapshot",
			zap.String("cohort", cohort), zap.String("key", key), zap.Error(err))
		return map[string]propcache.StoredValue{}, nil
	}

	values := make(map[string]propcache.StoredValue, len(snapshot))
	for name, sv := range snapshot {
		values[name] = propcache.StoredValue{
			Bytes:     sv.Body,
			WrittenAt: time.UnixMilli(sv.WrittenMs).UTC(),
		}
	}
	return values, nil
}

// WritePage upserts the page snapshot for one cohort/key pair.
func (s *Store) WritePage(ctx context.Context, cohort, key string, values map[string]propcache.StoredValue) error {
	snapshot := make(map[string]storedValueJSON, len(values))
	for name, sv := range values {
		snapshot[name] = storedValueJSON{
			Body:      sv.Bytes,
			WrittenMs: sv.WrittenAt.UnixMilli(),
		}
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode property page snapshot: %w", err)
	}

	tag, err := s.pool.Exec(ctx, upsertPageSQL, cohort, key, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert property page: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return errors.New("property page upsert affected no rows")
	}
	return nil
}
