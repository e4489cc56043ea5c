package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/metrics"
	"github.com/roost-relay/roost/internal/relay/nips"
)

// isOlder reports whether a loses a replaceable-slot conflict against b:
// earlier created_at loses, and on a tie the larger id loses.
func isOlder(a, b *nostr.Event) bool {
	return a.CreatedAt < b.CreatedAt ||
		(a.CreatedAt == b.CreatedAt && a.ID > b.ID)
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports primary-key conflicts as
	// "UNIQUE constraint failed: events.id".
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// insertEvent writes one event row inside the given execer.
func insertEvent(ctx context.Context, ex sqlExecer, evt *nostr.Event) error {
	tagsj, err := json.Marshal(evt.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	var expiresAt any
	if ts, ok := nips.GetExpiration(evt); ok {
		expiresAt = ts
	}

	_, err = ex.ExecContext(ctx, `
        INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig, received_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.PubKey, int64(evt.CreatedAt), evt.Kind, string(tagsj),
		evt.Content, evt.Sig, time.Now().Unix(), expiresAt)
	return err
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveEvent stores a regular event. It returns ErrDuplicate when the id is
// already present. The caller must not send OK before this returns nil.
func (d *DB) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	if d.seenMaybe(evt.ID) {
		var one int
		err := d.db.GetContext(ctx, &one, `SELECT 1 FROM events WHERE id = ?`, evt.ID)
		if err == nil {
			return ErrDuplicate
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check duplicate: %w", err)
		}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := insertEvent(ctx, d.db, evt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		metrics.DBErrors.WithLabelValues("insert_failed").Inc()
		return fmt.Errorf("insert event %s: %w", evt.ID, err)
	}

	d.markSeen(evt.ID)
	metrics.EventsStored.Inc()
	return nil
}

// ReplaceEvent stores a replaceable or addressable event, removing any
// older event occupying the same slot. The slot is (pubkey, kind), plus
// the first "d" tag value for addressable kinds; a missing "d" tag counts
// as the empty string. A candidate losing to the stored event returns
// ErrStale; an identical id returns ErrDuplicate.
func (d *DB) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	txn, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace txn: %w", err)
	}
	defer txn.Rollback()

	query := `SELECT id, pubkey, created_at, kind, tags, content, sig
	          FROM events WHERE pubkey = ? AND kind = ?`
	params := []any{evt.PubKey, evt.Kind}

	rows, err := txn.QueryContext(ctx, query, params...)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("fetch stored slot events: %w", err)
	}

	addressable := nostr.IsAddressableKind(evt.Kind)
	dValue := evt.Tags.GetD()

	var toDelete []string
	shouldStore := true
	for rows.Next() {
		var previous nostr.Event
		var timestamp int64
		if err := rows.Scan(&previous.ID, &previous.PubKey, &timestamp,
			&previous.Kind, &previous.Tags, &previous.Content, &previous.Sig); err != nil {
			rows.Close()
			return fmt.Errorf("scan stored slot event: %w", err)
		}
		previous.CreatedAt = nostr.Timestamp(timestamp)

		if addressable && previous.Tags.GetD() != dValue {
			continue
		}
		if previous.ID == evt.ID {
			rows.Close()
			return ErrDuplicate
		}
		if isOlder(&previous, evt) {
			toDelete = append(toDelete, previous.ID)
		} else {
			shouldStore = false
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate stored slot events: %w", err)
	}

	if !shouldStore {
		return ErrStale
	}

	for _, id := range toDelete {
		if _, err := txn.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete replaced event %s: %w", id, err)
		}
	}
	if err := insertEvent(ctx, txn, evt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		metrics.DBErrors.WithLabelValues("insert_failed").Inc()
		return fmt.Errorf("insert replacement event %s: %w", evt.ID, err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit replace txn: %w", err)
	}

	d.markSeen(evt.ID)
	metrics.EventsStored.Add(float64(1 - len(toDelete)))
	return nil
}

// ProcessDeletion handles a kind-5 deletion request: it persists the
// deletion event itself and removes every referenced event that the
// requester authored, all in one transaction. References to other
// authors' events are silently ignored, and deletion events themselves
// are never deleted.
func (d *DB) ProcessDeletion(ctx context.Context, evt *nostr.Event) error {
	var targetIDs []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" && nostr.IsValid32ByteHex(tag[1]) {
			targetIDs = append(targetIDs, tag[1])
		}
	}

	if d.seenMaybe(evt.ID) {
		var one int
		err := d.db.GetContext(ctx, &one, `SELECT 1 FROM events WHERE id = ?`, evt.ID)
		if err == nil {
			return ErrDuplicate
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check duplicate: %w", err)
		}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	txn, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deletion txn: %w", err)
	}
	defer txn.Rollback()

	if err := insertEvent(ctx, txn, evt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		metrics.DBErrors.WithLabelValues("insert_failed").Inc()
		return fmt.Errorf("insert deletion event %s: %w", evt.ID, err)
	}

	var removed int64
	if len(targetIDs) > 0 {
		args := make([]any, 0, len(targetIDs)+1)
		for _, id := range targetIDs {
			args = append(args, id)
		}
		args = append(args, evt.PubKey)
		res, err := txn.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (`+makePlaceHolders(len(targetIDs))+`) AND pubkey = ? AND kind != 5`,
			args...)
		if err != nil {
			metrics.DBErrors.WithLabelValues("delete_failed").Inc()
			return fmt.Errorf("delete referenced events: %w", err)
		}
		removed, _ = res.RowsAffected()
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit deletion txn: %w", err)
	}

	d.markSeen(evt.ID)
	metrics.EventsStored.Add(float64(1 - removed))
	if removed > 0 {
		d.log.Info("processed deletion request",
			zap.String("author", evt.PubKey),
			zap.Int64("removed", removed))
	}
	return nil
}
