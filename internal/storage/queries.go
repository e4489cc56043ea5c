package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/roost-relay/roost/internal/constants"
	"github.com/roost-relay/roost/internal/matcher"
	"github.com/roost-relay/roost/internal/metrics"
)

// scanCap bounds how many rows a single filter may pull from SQLite when
// tag or search constraints force post-filtering in Go.
const scanCap = 5000

func makePlaceHolders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

// queryEventsSql turns one filter into a SELECT. Kinds, time bounds,
// expiration and exact or prefix id/author constraints are pushed into
// SQL; tag and search constraints are left to the compiled predicate so
// the stored and live paths can never disagree. The second return value
// is false when the filter can match nothing at all.
func queryEventsSql(f nostr.Filter, cf *matcher.CompiledFilter, doCount bool) (string, []any, bool) {
	if cf.Impossible() {
		return "", nil, false
	}

	var conditions []string
	var params []any

	if f.IDs != nil {
		cond, condParams, ok := hexFieldCondition("id", f.IDs)
		if !ok {
			return "", nil, false
		}
		conditions = append(conditions, cond)
		params = append(params, condParams...)
	}

	if f.Authors != nil {
		cond, condParams, ok := hexFieldCondition("pubkey", f.Authors)
		if !ok {
			return "", nil, false
		}
		conditions = append(conditions, cond)
		params = append(params, condParams...)
	}

	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			params = append(params, k)
		}
		conditions = append(conditions, `kind IN (`+makePlaceHolders(len(f.Kinds))+`)`)
	} else if f.Kinds != nil {
		// explicit empty kinds list matches nothing
		return "", nil, false
	}

	for _, values := range f.Tags {
		if len(values) == 0 {
			// an explicit empty tag value set matches nothing
			return "", nil, false
		}
	}

	if f.Since != nil {
		conditions = append(conditions, `created_at >= ?`)
		params = append(params, int64(*f.Since))
	}
	if f.Until != nil {
		conditions = append(conditions, `created_at <= ?`)
		params = append(params, int64(*f.Until))
	}

	conditions = append(conditions, `(expires_at IS NULL OR expires_at > ?)`)
	params = append(params, time.Now().Unix())

	var query string
	if doCount {
		query = `SELECT COUNT(*) FROM events WHERE ` + strings.Join(conditions, " AND ")
		return query, params, true
	}

	// When the predicate still has work to do in Go the SQL limit must
	// over-fetch, otherwise post-filtering could starve the real limit.
	sqlLimit := backfillLimit(cf)
	if len(f.Tags) > 0 || f.Search != "" {
		sqlLimit = scanCap
	}
	params = append(params, sqlLimit)

	query = `SELECT id, pubkey, created_at, kind, tags, content, sig FROM events WHERE ` +
		strings.Join(conditions, " AND ") +
		` ORDER BY created_at DESC, id LIMIT ?`
	return query, params, true
}

// hexFieldCondition builds the id/pubkey constraint: exact 64-char values
// become an IN list, shorter values become prefix LIKEs. Hex strings carry
// no LIKE metacharacters, so no escaping is needed. ok is false when the
// value list is empty, which matches nothing.
func hexFieldCondition(column string, values []string) (string, []any, bool) {
	if len(values) == 0 {
		return "", nil, false
	}
	var exact []string
	var prefixes []string
	for _, v := range values {
		if len(v) == 64 {
			exact = append(exact, v)
		} else {
			prefixes = append(prefixes, v)
		}
	}

	var parts []string
	var params []any
	if len(exact) > 0 {
		parts = append(parts, column+` IN (`+makePlaceHolders(len(exact))+`)`)
		for _, v := range exact {
			params = append(params, v)
		}
	}
	for _, p := range prefixes {
		parts = append(parts, column+` LIKE ?`)
		params = append(params, p+`%`)
	}
	return `(` + strings.Join(parts, " OR ") + `)`, params, true
}

// backfillLimit caps a filter's limit for stored-event queries. An absent
// limit gets the hard cap; an explicit zero stays zero.
func backfillLimit(cf *matcher.CompiledFilter) int {
	if cf.LimitZero {
		return 0
	}
	if cf.Limit <= 0 || cf.Limit > constants.MaxLimit {
		return constants.MaxLimit
	}
	return cf.Limit
}

// QueryEvents returns stored events matching the filter disjunction,
// newest first, deduplicated by id. Each filter contributes at most its
// own (capped) limit.
func (d *DB) QueryEvents(ctx context.Context, filters nostr.Filters) ([]nostr.Event, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	seen := make(map[string]bool)
	var merged []nostr.Event

	for _, f := range filters {
		cf := matcher.Compile(f)
		limit := backfillLimit(cf)
		if limit == 0 {
			continue
		}

		query, params, ok := queryEventsSql(f, cf, false)
		if !ok {
			continue
		}

		rows, err := d.db.QueryContext(queryCtx, query, params...)
		if err != nil && err != sql.ErrNoRows {
			metrics.DBErrors.WithLabelValues("query_failed").Inc()
			return nil, fmt.Errorf("query events: %w", err)
		}

		matched := 0
		for rows.Next() {
			var evt nostr.Event
			var timestamp int64
			if err := rows.Scan(&evt.ID, &evt.PubKey, &timestamp,
				&evt.Kind, &evt.Tags, &evt.Content, &evt.Sig); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan event row: %w", err)
			}
			evt.CreatedAt = nostr.Timestamp(timestamp)

			// SQL over-selects; the predicate is the source of truth.
			if !cf.Matches(&evt) {
				continue
			}
			if !seen[evt.ID] {
				seen[evt.ID] = true
				merged = append(merged, evt)
			}
			matched++
			if matched >= limit {
				break
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate event rows: %w", err)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt > merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged, nil
}

// CountEvents returns how many distinct stored events match the filter
// disjunction. Limits are ignored, as NIP-45 requires.
func (d *DB) CountEvents(ctx context.Context, filters nostr.Filters) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	seen := make(map[string]bool)
	var count int64

	for _, f := range filters {
		f.Limit = 0
		f.LimitZero = false
		cf := matcher.Compile(f)

		// Fast path: no post-filter constraints means SQL can count alone,
		// but the disjunction still needs dedup, so only use it for a
		// single filter.
		if len(filters) == 1 && len(f.Tags) == 0 && f.Search == "" &&
			!hasPrefixValues(f.IDs) && !hasPrefixValues(f.Authors) {
			query, params, ok := queryEventsSql(f, cf, true)
			if !ok {
				return 0, nil
			}
			var n int64
			if err := d.db.GetContext(queryCtx, &n, query, params...); err != nil && err != sql.ErrNoRows {
				return 0, fmt.Errorf("count events: %w", err)
			}
			return n, nil
		}

		query, params, ok := queryEventsSql(f, cf, false)
		if !ok {
			continue
		}
		// Row scan with the limit widened to the scan cap.
		params[len(params)-1] = scanCap

		rows, err := d.db.QueryContext(queryCtx, query, params...)
		if err != nil && err != sql.ErrNoRows {
			return 0, fmt.Errorf("count events: %w", err)
		}
		for rows.Next() {
			var evt nostr.Event
			var timestamp int64
			if err := rows.Scan(&evt.ID, &evt.PubKey, &timestamp,
				&evt.Kind, &evt.Tags, &evt.Content, &evt.Sig); err != nil {
				rows.Close()
				return 0, fmt.Errorf("scan event row: %w", err)
			}
			evt.CreatedAt = nostr.Timestamp(timestamp)
			if cf.Matches(&evt) && !seen[evt.ID] {
				seen[evt.ID] = true
				count++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("iterate event rows: %w", err)
		}
	}
	return count, nil
}

func hasPrefixValues(values []string) bool {
	for _, v := range values {
		if len(v) != 64 {
			return true
		}
	}
	return false
}
