package relay

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/constants"
	"github.com/roost-relay/roost/internal/hub"
	"github.com/roost-relay/roost/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Relay: config.RelayConfig{
			Port:                 8080,
			Name:                 "test",
			CreatedAtFutureLimit: constants.DefaultCreatedAtFutureLimit,
			CreatedAtPastLimit:   constants.DefaultCreatedAtPastLimit,
		},
		Limits: config.LimitsConfig{
			MaxConnections:  16,
			EventsPerSecond: 100,
			BurstSize:       100,
		},
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *storage.DB, *hub.Hub) {
	t.Helper()
	db, err := storage.New(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	broadcast := hub.New()
	return NewPipeline(cfg, db, broadcast), db, broadcast
}

func signTestEvent(t *testing.T, sk string, kind int, createdAt int64, content string, tags nostr.Tags) *nostr.Event {
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

func TestProcessEventAcceptsValid(t *testing.T) {
	pipeline, db, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	evt := signTestEvent(t, sk, 1, time.Now().Unix(), "hello", nil)
	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.True(t, accepted)
	assert.Empty(t, msg)

	total, err := db.TotalEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestProcessEventDuplicateSucceedsWithoutRebroadcast(t *testing.T) {
	pipeline, _, broadcast := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	delivered := broadcast.Register("observer", 8, nil)

	evt := signTestEvent(t, sk, 1, time.Now().Unix(), "once", nil)
	accepted, _ := pipeline.ProcessEvent(context.Background(), evt)
	require.True(t, accepted)

	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.True(t, accepted, "a duplicate is acknowledged as success")
	assert.True(t, strings.HasPrefix(msg, "duplicate:"), msg)

	// Exactly one broadcast happened.
	<-delivered
	select {
	case extra := <-delivered:
		t.Fatalf("duplicate was re-broadcast: %s", extra.ID)
	default:
	}
}

func TestProcessEventRejectsBadSignature(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	evt := signTestEvent(t, sk, 1, time.Now().Unix(), "original", nil)
	evt.Content = "tampered"
	evt.ID = evt.GetID() // recompute so only the signature is wrong

	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(msg, "invalid:"), msg)
}

func TestProcessEventRejectsWrongID(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	evt := signTestEvent(t, sk, 1, time.Now().Unix(), "original", nil)
	evt.Content = "tampered" // id no longer matches the serialization

	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(msg, "invalid:"), msg)
}

func TestProcessEventRejectsTimestampOutsideWindow(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	farFuture := time.Now().Unix() + constants.DefaultCreatedAtFutureLimit + 120
	evt := signTestEvent(t, sk, 1, farFuture, "from the future", nil)
	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.Contains(t, msg, "future")

	farPast := time.Now().Unix() - constants.DefaultCreatedAtPastLimit - 120
	evt = signTestEvent(t, sk, 1, farPast, "from the past", nil)
	accepted, msg = pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.Contains(t, msg, "past")
}

func TestProcessEventRejectsAlreadyExpired(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	past := time.Now().Add(-time.Hour).Unix()
	evt := signTestEvent(t, sk, 1, time.Now().Unix(), "gone", nostr.Tags{
		{"expiration", timestampString(past)},
	})
	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(msg, "invalid:"), msg)
}

func TestProcessEventEphemeralBroadcastNotStored(t *testing.T) {
	pipeline, db, broadcast := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	delivered := broadcast.Register("observer", 8, nil)

	evt := signTestEvent(t, sk, 20001, time.Now().Unix(), "ephemeral", nil)
	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.True(t, accepted)
	assert.Empty(t, msg)

	got := <-delivered
	assert.Equal(t, evt.ID, got.ID)

	total, err := db.TotalEvents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total, "ephemeral events must not be stored")
}

func TestProcessEventOwnerOnly(t *testing.T) {
	ownerSK := nostr.GeneratePrivateKey()
	ownerPub, err := nostr.GetPublicKey(ownerSK)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Relay.OwnerOnly = true
	cfg.Relay.OwnerPubKey = ownerPub
	pipeline, _, _ := newTestPipeline(t, cfg)

	strangerSK := nostr.GeneratePrivateKey()
	evt := signTestEvent(t, strangerSK, 1, time.Now().Unix(), "intruder", nil)
	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(msg, "restricted:"), msg)

	own := signTestEvent(t, ownerSK, 1, time.Now().Unix(), "mine", nil)
	accepted, msg = pipeline.ProcessEvent(context.Background(), own)
	assert.True(t, accepted)
	assert.Empty(t, msg)
}

func TestProcessEventRejectsStaleReplaceable(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	now := time.Now().Unix()
	newer := signTestEvent(t, sk, 0, now, `{"name":"new"}`, nil)
	older := signTestEvent(t, sk, 0, now-100, `{"name":"old"}`, nil)

	accepted, _ := pipeline.ProcessEvent(context.Background(), newer)
	require.True(t, accepted)

	accepted, msg := pipeline.ProcessEvent(context.Background(), older)
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(msg, "invalid:"), msg)
}

func TestProcessEventRejectsInsufficientPoW(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.MinPow = 20
	pipeline, _, _ := newTestPipeline(t, cfg)
	sk := nostr.GeneratePrivateKey()

	evt := signTestEvent(t, sk, 1, time.Now().Unix(), "no work", nil)
	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(msg, "pow:"), msg)
}

func TestProcessEventRejectsAuthKind(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	evt := signTestEvent(t, sk, nostr.KindClientAuthentication, time.Now().Unix(), "", nostr.Tags{
		{"challenge", "abc"},
		{"relay", "wss://example.com"},
	})
	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(msg, "invalid:"), msg)
}

func TestProcessEventDeletion(t *testing.T) {
	pipeline, db, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	target := signTestEvent(t, sk, 1, time.Now().Unix(), "delete me", nil)
	accepted, _ := pipeline.ProcessEvent(context.Background(), target)
	require.True(t, accepted)

	deletion := signTestEvent(t, sk, 5, time.Now().Unix(), "", nostr.Tags{{"e", target.ID}})
	accepted, msg := pipeline.ProcessEvent(context.Background(), deletion)
	assert.True(t, accepted)
	assert.Empty(t, msg)

	results, err := db.QueryEvents(context.Background(), nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestProcessEventRejectsTooManyTags(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	tags := make(nostr.Tags, 0, constants.MaxEventTags+1)
	for i := 0; i <= constants.MaxEventTags; i++ {
		tags = append(tags, nostr.Tag{"t", strconv.Itoa(i)})
	}
	evt := signTestEvent(t, sk, 1, time.Now().Unix(), "tag flood", tags)

	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(msg, "invalid:"), msg)
}

func TestProcessEventRejectsOversizeContent(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t, testConfig())
	sk := nostr.GeneratePrivateKey()

	evt := signTestEvent(t, sk, 1, time.Now().Unix(),
		strings.Repeat("a", constants.MaxContentLength+1), nil)

	accepted, msg := pipeline.ProcessEvent(context.Background(), evt)
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(msg, "invalid:"), msg)
}

func timestampString(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
