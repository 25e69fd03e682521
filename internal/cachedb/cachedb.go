// Package cachedb is the optional SQLite-backed local cache. Every row
// carries an expires_at horizon; expired rows are ignored on load and swept
// opportunistically. This is a cache, not a source of truth: deleting the
// file loses nothing that a refresh cannot recompute.
package cachedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"soldout/internal/domain"
	"soldout/internal/migrate"
)

var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so the TEXT comparisons in the expiry queries
// order correctly; RFC3339Nano trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	DB *sql.DB
}

// Open opens (creating if needed) the cache database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &Store{DB: conn}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// PutStatus upserts one status record with its freshness horizon.
func (s *Store) PutStatus(rec domain.StatusRecord, expiresAt time.Time) error {
	_, err := s.DB.Exec(`INSERT INTO status_records(item_id,state,source,observed_at,expires_at) VALUES (?,?,?,?,?)
		ON CONFLICT(item_id) DO UPDATE SET state=excluded.state, source=excluded.source,
		observed_at=excluded.observed_at, expires_at=excluded.expires_at`,
		rec.ItemID, string(rec.State), string(rec.Source),
		rec.ObservedAt.UTC().Format(timeLayout),
		expiresAt.UTC().Format(timeLayout))
	return err
}

// LoadStatuses returns every record still unexpired at now.
func (s *Store) LoadStatuses(now time.Time) ([]domain.StatusRecord, error) {
	rows, err := s.DB.Query(`SELECT item_id,state,source,observed_at FROM status_records WHERE expires_at > ?`,
		now.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StatusRecord
	for rows.Next() {
		var rec domain.StatusRecord
		var state, source, observedAt string
		if err := rows.Scan(&rec.ItemID, &state, &source, &observedAt); err != nil {
			return nil, err
		}
		rec.State = domain.ItemState(state)
		rec.Source = domain.StatusSource(source)
		if rec.ObservedAt, err = time.Parse(timeLayout, observedAt); err != nil {
			return nil, fmt.Errorf("bad observed_at for item %d: %w", rec.ItemID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutCounts replaces the single cached aggregate row.
func (s *Store) PutCounts(c domain.AggregateCounts, expiresAt time.Time) error {
	_, err := s.DB.Exec(`INSERT INTO aggregate_counts(id,live_count,sold_count,as_of,expires_at) VALUES (1,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET live_count=excluded.live_count, sold_count=excluded.sold_count,
		as_of=excluded.as_of, expires_at=excluded.expires_at`,
		c.LiveCount, c.SoldCount,
		c.AsOf.UTC().Format(timeLayout),
		expiresAt.UTC().Format(timeLayout))
	return err
}

// LoadCounts returns the cached aggregate and its expiry if unexpired at now.
func (s *Store) LoadCounts(now time.Time) (domain.AggregateCounts, time.Time, error) {
	row := s.DB.QueryRow(`SELECT live_count,sold_count,as_of,expires_at FROM aggregate_counts WHERE id=1 AND expires_at > ?`,
		now.UTC().Format(timeLayout))
	var c domain.AggregateCounts
	var asOf, expiresAt string
	err := row.Scan(&c.LiveCount, &c.SoldCount, &asOf, &expiresAt)
	if err == sql.ErrNoRows {
		return domain.AggregateCounts{}, time.Time{}, ErrNotFound
	}
	if err != nil {
		return domain.AggregateCounts{}, time.Time{}, err
	}
	if c.AsOf, err = time.Parse(timeLayout, asOf); err != nil {
		return domain.AggregateCounts{}, time.Time{}, fmt.Errorf("bad as_of: %w", err)
	}
	exp, err := time.Parse(timeLayout, expiresAt)
	if err != nil {
		return domain.AggregateCounts{}, time.Time{}, fmt.Errorf("bad expires_at: %w", err)
	}
	return c, exp, nil
}

// Sweep deletes rows expired at now and reports how many went.
func (s *Store) Sweep(now time.Time) (int64, error) {
	cut := now.UTC().Format(timeLayout)
	res, err := s.DB.Exec(`DELETE FROM status_records WHERE expires_at <= ?`, cut)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := s.DB.Exec(`DELETE FROM aggregate_counts WHERE expires_at <= ?`, cut); err != nil {
		return n, err
	}
	return n, nil
}
