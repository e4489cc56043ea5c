package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/constants"
	"github.com/roost-relay/roost/internal/matcher"
	"github.com/roost-relay/roost/internal/metrics"
	"github.com/roost-relay/roost/internal/relay/nips"
)

// backfillTimeout bounds the stored-event query behind one REQ.
const backfillTimeout = 10 * time.Second

// subscription is one REQ on one session. Until the backfill finishes,
// matching live events park in pending; the flush dedupes them against
// the backfill results so the client sees each event once, in order,
// with EOSE marking the boundary.
type subscription struct {
	id      string
	filters nostr.Filters
	set     matcher.FilterSet

	mu      sync.Mutex
	live    bool
	pending []*nostr.Event
}

// deliver hands a matching broadcast event to the client, or parks it
// while the backfill is still running.
func (s *subscription) deliver(c *WsConnection, evt *nostr.Event) {
	s.mu.Lock()
	if !s.live {
		s.pending = append(s.pending, evt)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	c.sendEvent(s.id, evt)
}

func (c *WsConnection) handleRequest(ctx context.Context, arr []json.RawMessage) {
	if len(arr) < 3 {
		c.sendNotice(reasonInvalid("REQ frame missing subscription id or filters"))
		return
	}

	var subID string
	if err := json.Unmarshal(arr[1], &subID); err != nil {
		c.sendNotice(reasonInvalid("REQ subscription id must be a string"))
		return
	}
	if err := validateSubscriptionID(subID); err != nil {
		c.sendNotice(reasonInvalid(err.Error()))
		return
	}

	filters, err := parseFilters(arr[2:])
	if err != nil {
		c.sendClosed(subID, reasonInvalid(err.Error()))
		return
	}

	// Oversize limits are truncated rather than rejected; the client is
	// told which limit was hit.
	capped := false
	for i := range filters {
		if filters[i].Limit > constants.MaxLimit {
			filters[i].Limit = constants.MaxLimit
			capped = true
		}
	}
	if capped {
		c.sendNotice(fmt.Sprintf("filter limit capped at %d stored events", constants.MaxLimit))
	}

	sub := &subscription{
		id:      subID,
		filters: filters,
		set:     matcher.CompileAll(filters),
	}

	c.subMu.Lock()
	_, replacing := c.subs[subID]
	if !replacing && len(c.subs) >= constants.MaxSubscriptions {
		c.subMu.Unlock()
		c.sendClosed(subID, reasonRateLimited("too many open subscriptions"))
		return
	}
	c.subs[subID] = sub
	c.subMu.Unlock()

	if !replacing {
		metrics.IncrementActiveSubscriptions()
	}

	c.log.Debug("subscription opened",
		zap.String("client", c.clientIP),
		zap.String("sub_id", subID),
		zap.Int("filters", len(filters)),
		zap.Bool("replacing", replacing))

	// A subscription whose every filter asks limit 0 wants no stored
	// events at all: EOSE right away, then live delivery only.
	if sub.set.LiveOnly() {
		sub.mu.Lock()
		c.sendEOSE(subID)
		sub.live = true
		flushPending(c, sub, nil)
		sub.mu.Unlock()
		return
	}

	job := func() { c.runBackfill(ctx, sub) }
	if !c.pool.Submit(job) {
		// Pool saturated; serve the backfill on this session's own time.
		job()
	}
}

// runBackfill queries stored events for a new subscription, streams them
// to the client, then switches the subscription live.
func (c *WsConnection) runBackfill(ctx context.Context, sub *subscription) {
	qctx, cancel := context.WithTimeout(ctx, backfillTimeout)
	defer cancel()

	stored, err := c.store.QueryEvents(qctx, sub.filters)
	if err != nil {
		c.log.Error("backfill query failed",
			zap.String("client", c.clientIP),
			zap.String("sub_id", sub.id),
			zap.Error(err))
		c.removeSubscription(sub.id)
		c.sendClosed(sub.id, reasonError("could not query stored events"))
		return
	}

	// The subscription may have been closed or replaced while the query
	// ran; only the current holder of the id gets the results.
	if c.currentSubscription(sub.id) != sub {
		return
	}

	sent := make(map[string]bool, len(stored))
	for i := range stored {
		c.sendEvent(sub.id, &stored[i])
		sent[stored[i].ID] = true
	}

	sub.mu.Lock()
	flushPending(c, sub, sent)
	c.sendEOSE(sub.id)
	sub.live = true
	sub.mu.Unlock()
}

// flushPending drains events that arrived during the backfill, skipping
// any the backfill already delivered. Callers hold sub.mu.
func flushPending(c *WsConnection, sub *subscription, alreadySent map[string]bool) {
	for _, evt := range sub.pending {
		if alreadySent[evt.ID] {
			continue
		}
		c.sendEvent(sub.id, evt)
	}
	sub.pending = nil
}

func (c *WsConnection) handleClose(arr []json.RawMessage) {
	if len(arr) < 2 {
		c.sendNotice(reasonInvalid("CLOSE frame missing subscription id"))
		return
	}

	var subID string
	if err := json.Unmarshal(arr[1], &subID); err != nil {
		c.sendNotice(reasonInvalid("CLOSE subscription id must be a string"))
		return
	}
	if err := validateSubscriptionID(subID); err != nil {
		c.sendNotice(reasonInvalid(err.Error()))
		return
	}

	if c.removeSubscription(subID) {
		c.log.Debug("subscription closed",
			zap.String("client", c.clientIP),
			zap.String("sub_id", subID))
	}
}

func (c *WsConnection) handleCount(ctx context.Context, arr []json.RawMessage) {
	if len(arr) < 3 {
		c.sendNotice(reasonInvalid("COUNT frame missing subscription id or filters"))
		return
	}

	var subID string
	if err := json.Unmarshal(arr[1], &subID); err != nil {
		c.sendNotice(reasonInvalid("COUNT subscription id must be a string"))
		return
	}
	if err := validateSubscriptionID(subID); err != nil {
		c.sendNotice(reasonInvalid(err.Error()))
		return
	}

	filters, err := parseFilters(arr[2:])
	if err != nil {
		c.sendClosed(subID, reasonInvalid(err.Error()))
		return
	}
	for _, f := range filters {
		if err := nips.ValidateCountFilter(f); err != nil {
			c.sendClosed(subID, reasonInvalid(err.Error()))
			return
		}
	}

	qctx, cancel := context.WithTimeout(ctx, nips.CountTimeout)
	defer cancel()

	count, err := c.store.CountEvents(qctx, filters)
	if err != nil {
		c.log.Error("count query failed",
			zap.String("client", c.clientIP),
			zap.String("sub_id", subID),
			zap.Error(err))
		c.sendClosed(subID, reasonError("could not count stored events"))
		return
	}

	c.sendFrame("COUNT", subID, nips.CountResponse{Count: count})
}

// currentSubscription returns the live subscription registered under id,
// or nil.
func (c *WsConnection) currentSubscription(id string) *subscription {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs[id]
}

// removeSubscription drops a subscription and reports whether it
// existed.
func (c *WsConnection) removeSubscription(id string) bool {
	c.subMu.Lock()
	_, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.subMu.Unlock()

	if ok {
		metrics.DecrementActiveSubscriptions()
	}
	return ok
}
