package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/willf/bloom"
	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/constants"
	"github.com/roost-relay/roost/internal/logger"
	"github.com/roost-relay/roost/internal/metrics"
)

// Sentinel errors surfaced by the write path. The protocol layer maps them
// to OK verdicts.
var (
	// ErrDuplicate means the event id is already stored.
	ErrDuplicate = errors.New("event already stored")
	// ErrStale means a newer replaceable event for the same slot exists.
	ErrStale = errors.New("older than stored version")
)

// DB is the embedded event store: one SQLite file under the data
// directory, writes serialized behind the mutex, reads concurrent. The
// bloom filter answers "definitely new" for incoming ids without touching
// the database.
type DB struct {
	writeMu sync.Mutex
	db      *sqlx.DB
	bloom   *bloom.BloomFilter
	bloomMu sync.Mutex
	log     *zap.Logger

	Path string
}

// New opens (or creates) the event database under dataDir and prepares it
// for use.
func New(ctx context.Context, dataDir string) (*DB, error) {
	path := filepath.Join(dataDir, constants.DatabaseFileName)

	// WAL lets readers proceed while the single writer commits. The busy
	// timeout covers the short window where a checkpoint holds the file.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	sdb, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	d := &DB{
		db:    sdb,
		bloom: bloom.NewWithEstimates(1_000_000, 0.001),
		log:   logger.New("storage"),
		Path:  path,
	}

	if err := d.migrate(ctx); err != nil {
		sdb.Close()
		return nil, err
	}
	if err := d.rebuildBloomFilter(ctx); err != nil {
		sdb.Close()
		return nil, err
	}

	total, err := d.TotalEvents(ctx)
	if err == nil {
		metrics.EventsStored.Set(float64(total))
	}
	d.log.Info("event store ready", zap.String("path", path), zap.Int64("events", total))
	return d, nil
}

// Close flushes and closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database file is still reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// rebuildBloomFilter seeds the duplicate filter from the ids already on
// disk.
func (d *DB) rebuildBloomFilter(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, `SELECT id FROM events`)
	if err != nil {
		return fmt.Errorf("seed bloom filter: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan event id: %w", err)
		}
		d.bloom.AddString(id)
		n++
	}
	d.log.Debug("bloom filter seeded", zap.Int("ids", n))
	return rows.Err()
}

// seenMaybe reports whether the id might already be stored. False means
// certainly new.
func (d *DB) seenMaybe(id string) bool {
	d.bloomMu.Lock()
	defer d.bloomMu.Unlock()
	return d.bloom.TestString(id)
}

func (d *DB) markSeen(id string) {
	d.bloomMu.Lock()
	d.bloom.AddString(id)
	d.bloomMu.Unlock()
}

// TotalEvents returns the number of stored events, including those whose
// expiration has passed but which the sweeper has not removed yet.
func (d *DB) TotalEvents(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM events`)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// CleanExpiredEvents removes every event whose expiration timestamp is in
// the past and returns how many rows went away.
func (d *DB) CleanExpiredEvents(ctx context.Context) (int64, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	res, err := d.db.ExecContext(ctx,
		`DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().Unix())
	if err != nil {
		metrics.DBErrors.WithLabelValues("sweep_failed").Inc()
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.ExpiredEventsSwept.Add(float64(n))
		metrics.EventsStored.Sub(float64(n))
	}
	return n, nil
}

// StartExpiredEventsSweeper runs CleanExpiredEvents on a ticker until the
// context is canceled.
func (d *DB) StartExpiredEventsSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(constants.ExpiredSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := d.CleanExpiredEvents(ctx)
				if err != nil {
					d.log.Error("expired event sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					d.log.Info("swept expired events", zap.Int64("removed", n))
				}
			}
		}
	}()
}
