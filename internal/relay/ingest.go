package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/constants"
	"github.com/roost-relay/roost/internal/hub"
	"github.com/roost-relay/roost/internal/logger"
	"github.com/roost-relay/roost/internal/metrics"
	"github.com/roost-relay/roost/internal/relay/nips"
	"github.com/roost-relay/roost/internal/storage"
)

// Pipeline validates, persists and broadcasts incoming events. A single
// mutex serializes the commit-and-publish step so the order subscribers
// see live events in is the same order a later backfill returns them in.
type Pipeline struct {
	cfg   *config.Config
	store *storage.DB
	hub   *hub.Hub
	log   *zap.Logger

	mu sync.Mutex
}

// NewPipeline wires the ingest path to the store and the broadcast hub.
func NewPipeline(cfg *config.Config, store *storage.DB, h *hub.Hub) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		store: store,
		hub:   h,
		log:   logger.New("ingest"),
	}
}

// ProcessEvent runs an EVENT frame through the full acceptance pipeline
// and returns the OK verdict: accepted plus a reason string that is
// empty on plain acceptance and prefix-tagged otherwise. A true verdict
// with a "duplicate:" reason means the event was already stored and was
// not re-broadcast.
func (p *Pipeline) ProcessEvent(ctx context.Context, evt *nostr.Event) (bool, string) {
	if rejectReason := p.validate(evt); rejectReason != "" {
		metrics.IncrementEventsRejected(reasonPrefix(rejectReason))
		return false, rejectReason
	}

	// AUTH events never enter the store; they only make sense as the
	// payload of an AUTH frame.
	if evt.Kind == nostr.KindClientAuthentication {
		metrics.IncrementEventsRejected(PrefixInvalid)
		return false, reasonInvalid("auth events must be sent in an AUTH frame")
	}

	accepted, okReason := p.commitAndPublish(ctx, evt)
	if accepted {
		metrics.IncrementEventsAccepted(strconv.Itoa(evt.Kind))
	} else {
		metrics.IncrementEventsRejected(reasonPrefix(okReason))
	}
	return accepted, okReason
}

// validate runs every check that needs no store access. It returns an
// empty string when the event passes.
func (p *Pipeline) validate(evt *nostr.Event) string {
	if !nostr.IsValid32ByteHex(evt.ID) {
		return reasonInvalid("event id is not 64 lowercase hex characters")
	}
	if !nostr.IsValidPublicKey(evt.PubKey) {
		return reasonInvalid("event pubkey is not a valid public key")
	}
	if evt.Kind < 0 || evt.Kind > 65535 {
		return reasonInvalid(fmt.Sprintf("event kind %d out of range", evt.Kind))
	}
	if len(evt.Tags) > constants.MaxEventTags {
		return reasonInvalid(fmt.Sprintf("event carries more than %d tags", constants.MaxEventTags))
	}
	if len(evt.Content) > constants.MaxContentLength {
		return reasonInvalid(fmt.Sprintf("event content exceeds %d bytes", constants.MaxContentLength))
	}
	if evt.GetID() != evt.ID {
		return reasonInvalid("event id does not match the serialized event")
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		return reasonInvalid("event signature verification failed")
	}

	now := time.Now().Unix()
	created := int64(evt.CreatedAt)
	if created > now+p.cfg.Relay.CreatedAtFutureLimit {
		return reasonInvalid("event created_at is too far in the future")
	}
	if created < now-p.cfg.Relay.CreatedAtPastLimit {
		return reasonInvalid("event created_at is too far in the past")
	}

	if nips.IsExpired(evt) {
		return reasonInvalid("event has already expired")
	}

	delegation := nips.ExtractDelegationTag(evt)

	if p.cfg.Relay.OwnerOnly && evt.PubKey != p.cfg.Relay.OwnerPubKey {
		// A valid delegation from the owner counts as the owner writing.
		if delegation == nil || delegation.DelegatorPubkey != p.cfg.Relay.OwnerPubKey {
			return reasonRestricted("relay only accepts events from owner")
		}
	}

	if err := nips.ValidatePoW(evt, p.cfg.Relay.MinPow); err != nil {
		return reasonPow(err.Error())
	}

	if delegation != nil {
		if err := nips.ValidateDelegation(evt, delegation); err != nil {
			return reasonInvalid(fmt.Sprintf("delegation rejected: %v", err))
		}
	}

	return ""
}

// commitAndPublish routes the event to its kind-specific store treatment
// and fans it out. Holding the mutex across both keeps live delivery
// order identical to stored order.
func (p *Pipeline) commitAndPublish(ctx context.Context, evt *nostr.Event) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case evt.Kind >= 20000 && evt.Kind < 30000:
		// Ephemeral kinds are broadcast but never stored.
		p.hub.Publish(evt)
		return true, ""

	case evt.Kind == nostr.KindDeletion:
		if err := p.store.ProcessDeletion(ctx, evt); err != nil {
			return p.storeVerdict(evt, err)
		}

	case nostr.IsReplaceableKind(evt.Kind) || nostr.IsAddressableKind(evt.Kind):
		if err := p.store.ReplaceEvent(ctx, evt); err != nil {
			return p.storeVerdict(evt, err)
		}

	default:
		if err := p.store.SaveEvent(ctx, evt); err != nil {
			return p.storeVerdict(evt, err)
		}
	}

	p.hub.Publish(evt)
	return true, ""
}

// storeVerdict maps store errors to OK verdicts. Duplicates succeed
// without a re-broadcast; stale replaceable versions are rejected.
func (p *Pipeline) storeVerdict(evt *nostr.Event, err error) (bool, string) {
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		metrics.DuplicateEvents.Inc()
		return true, reasonDuplicate("already have this event")
	case errors.Is(err, storage.ErrStale):
		return false, reasonInvalid("older than stored version")
	default:
		p.log.Error("event commit failed",
			zap.String("event_id", evt.ID),
			zap.Int("kind", evt.Kind),
			zap.Error(err))
		return false, reasonError("could not persist event")
	}
}
