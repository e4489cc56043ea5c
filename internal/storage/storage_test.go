package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func signedEvent(t *testing.T, sk string, kind int, createdAt int64, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Content:   content,
		Tags:      tags,
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func newKey(t *testing.T) string {
	t.Helper()
	return nostr.GeneratePrivateKey()
}

func TestSaveEventAndDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	evt := signedEvent(t, sk, 1, time.Now().Unix(), "first", nil)
	require.NoError(t, db.SaveEvent(ctx, evt))

	err := db.SaveEvent(ctx, evt)
	assert.ErrorIs(t, err, ErrDuplicate)

	total, err := db.TotalEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestReplaceableNewerWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	older := signedEvent(t, sk, 0, 1700000000, `{"name":"old"}`, nil)
	newer := signedEvent(t, sk, 0, 1700000100, `{"name":"new"}`, nil)

	require.NoError(t, db.ReplaceEvent(ctx, older))
	require.NoError(t, db.ReplaceEvent(ctx, newer))

	results, err := db.QueryEvents(ctx, nostr.Filters{{Kinds: []int{0}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, newer.ID, results[0].ID)

	// The stale version is rejected outright.
	err = db.ReplaceEvent(ctx, older)
	assert.ErrorIs(t, err, ErrStale)
}

func TestReplaceableTieBreaksOnSmallerID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	// Same created_at; vary content until the ids are ordered the way the
	// test needs them.
	a := signedEvent(t, sk, 10002, 1700000000, "a", nil)
	b := signedEvent(t, sk, 10002, 1700000000, "b", nil)
	lower, higher := a, b
	if b.ID < a.ID {
		lower, higher = b, a
	}

	require.NoError(t, db.ReplaceEvent(ctx, higher))
	require.NoError(t, db.ReplaceEvent(ctx, lower))

	results, err := db.QueryEvents(ctx, nostr.Filters{{Kinds: []int{10002}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, lower.ID, results[0].ID)

	err = db.ReplaceEvent(ctx, higher)
	assert.ErrorIs(t, err, ErrStale)
}

func TestAddressableEventsKeyedByDTag(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	alpha1 := signedEvent(t, sk, 30023, 1700000000, "alpha v1", nostr.Tags{{"d", "alpha"}})
	beta := signedEvent(t, sk, 30023, 1700000010, "beta", nostr.Tags{{"d", "beta"}})
	alpha2 := signedEvent(t, sk, 30023, 1700000020, "alpha v2", nostr.Tags{{"d", "alpha"}})

	require.NoError(t, db.ReplaceEvent(ctx, alpha1))
	require.NoError(t, db.ReplaceEvent(ctx, beta))
	require.NoError(t, db.ReplaceEvent(ctx, alpha2))

	results, err := db.QueryEvents(ctx, nostr.Filters{{Kinds: []int{30023}}})
	require.NoError(t, err)
	require.Len(t, results, 2)

	ids := map[string]bool{results[0].ID: true, results[1].ID: true}
	assert.True(t, ids[alpha2.ID], "newer alpha version should survive")
	assert.True(t, ids[beta.ID], "beta slot should be untouched")
}

func TestDeletionScopedToAuthor(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	author := newKey(t)
	other := newKey(t)

	target := signedEvent(t, author, 1, 1700000000, "to be deleted", nil)
	foreign := signedEvent(t, other, 1, 1700000000, "not yours", nil)
	require.NoError(t, db.SaveEvent(ctx, target))
	require.NoError(t, db.SaveEvent(ctx, foreign))

	deletion := signedEvent(t, author, 5, 1700000100, "", nostr.Tags{
		{"e", target.ID},
		{"e", foreign.ID},
	})
	require.NoError(t, db.ProcessDeletion(ctx, deletion))

	results, err := db.QueryEvents(ctx, nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, foreign.ID, results[0].ID, "another author's event must survive")

	// The deletion event itself is stored and queryable.
	results, err = db.QueryEvents(ctx, nostr.Filters{{Kinds: []int{5}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestDeletionCannotDeleteDeletions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	first := signedEvent(t, sk, 5, 1700000000, "", nostr.Tags{
		{"e", "ab3f1c0000000000000000000000000000000000000000000000000000000001"},
	})
	require.NoError(t, db.ProcessDeletion(ctx, first))

	second := signedEvent(t, sk, 5, 1700000100, "", nostr.Tags{{"e", first.ID}})
	require.NoError(t, db.ProcessDeletion(ctx, second))

	results, err := db.QueryEvents(ctx, nostr.Filters{{Kinds: []int{5}}})
	require.NoError(t, err)
	assert.Len(t, results, 2, "kind-5 events are immune to deletion")
}

func TestExpiredEventsInvisibleAndSwept(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	past := fmt.Sprintf("%d", time.Now().Add(-time.Hour).Unix())
	future := fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix())

	expired := signedEvent(t, sk, 1, time.Now().Unix(), "gone", nostr.Tags{{"expiration", past}})
	alive := signedEvent(t, sk, 1, time.Now().Unix(), "here", nostr.Tags{{"expiration", future}})
	require.NoError(t, db.SaveEvent(ctx, expired))
	require.NoError(t, db.SaveEvent(ctx, alive))

	results, err := db.QueryEvents(ctx, nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, alive.ID, results[0].ID)

	swept, err := db.CleanExpiredEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	total, err := db.TotalEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestQueryOrderAndLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	for i := 0; i < 5; i++ {
		evt := signedEvent(t, sk, 1, 1700000000+int64(i), fmt.Sprintf("note %d", i), nil)
		require.NoError(t, db.SaveEvent(ctx, evt))
	}

	results, err := db.QueryEvents(ctx, nostr.Filters{{Kinds: []int{1}, Limit: 3}})
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].CreatedAt, results[i].CreatedAt,
			"results must be ordered newest first")
	}
	assert.Equal(t, nostr.Timestamp(1700000004), results[0].CreatedAt)
}

func TestQueryMultipleFiltersDeduplicates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	evt := signedEvent(t, sk, 1, 1700000000, "once", nil)
	require.NoError(t, db.SaveEvent(ctx, evt))

	// Both filters match the same event.
	results, err := db.QueryEvents(ctx, nostr.Filters{
		{Kinds: []int{1}},
		{Authors: []string{evt.PubKey}},
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestQueryByPrefix(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	evt := signedEvent(t, sk, 1, 1700000000, "prefix me", nil)
	require.NoError(t, db.SaveEvent(ctx, evt))

	results, err := db.QueryEvents(ctx, nostr.Filters{{IDs: []string{evt.ID[:7]}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, evt.ID, results[0].ID)

	results, err = db.QueryEvents(ctx, nostr.Filters{{Authors: []string{evt.PubKey[:3]}}})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestQuerySearch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	hit := signedEvent(t, sk, 1, 1700000000, "The Quick Brown Fox", nil)
	miss := signedEvent(t, sk, 1, 1700000001, "something else", nil)
	require.NoError(t, db.SaveEvent(ctx, hit))
	require.NoError(t, db.SaveEvent(ctx, miss))

	results, err := db.QueryEvents(ctx, nostr.Filters{{Search: "quick brown"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, hit.ID, results[0].ID)
}

func TestCountEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	for i := 0; i < 4; i++ {
		evt := signedEvent(t, sk, 1, 1700000000+int64(i), fmt.Sprintf("n%d", i), nil)
		require.NoError(t, db.SaveEvent(ctx, evt))
	}
	other := signedEvent(t, sk, 7, 1700000010, "+", nil)
	require.NoError(t, db.SaveEvent(ctx, other))

	count, err := db.CountEvents(ctx, nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	count, err = db.CountEvents(ctx, nostr.Filters{{}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestLimitZeroFilterReturnsNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sk := newKey(t)

	evt := signedEvent(t, sk, 1, 1700000000, "stored", nil)
	require.NoError(t, db.SaveEvent(ctx, evt))

	results, err := db.QueryEvents(ctx, nostr.Filters{{LimitZero: true}})
	require.NoError(t, err)
	assert.Empty(t, results)
}
