package constants

import "time"

// Default relay metadata used when the operator leaves the fields unset.
const (
	DefaultRelayName        = "roost"
	DefaultRelayDescription = "Personal Nostr relay"
	DefaultRelayContact     = ""
	RelaySoftware           = "https://github.com/roost-relay/roost"
)

// SupportedNIPs lists the NIPs this relay implements.
var SupportedNIPs = []int{
	1,  // NIP-01: Basic protocol flow
	9,  // NIP-09: Event deletion requests
	11, // NIP-11: Relay information document
	13, // NIP-13: Proof of work
	16, // NIP-16: Event treatment (ephemeral events)
	26, // NIP-26: Delegated event signing
	33, // NIP-33: Addressable events
	40, // NIP-40: Expiration timestamp
	42, // NIP-42: Client authentication
	45, // NIP-45: Counting events
	50, // NIP-50: Search capability
}

// Protocol limits enforced by the session layer and advertised via NIP-11.
const (
	MaxMessageLength = 65536 // bytes per WebSocket frame
	MaxSubscriptions = 32    // concurrent subscriptions per session
	MaxFilters       = 10    // filters per REQ
	MaxLimit         = 500   // hard cap on any per-filter backfill limit
	MaxSubIDLength   = 64
	MaxEventTags     = 2000  // tags per event
	MaxContentLength = 65536 // bytes of event content
	MinPowDifficulty = 0
	AuthRequired     = false
	PaymentRequired  = false
)

// Session liveness and abuse thresholds.
const (
	PingInterval        = 54 * time.Second
	PongTimeout         = 2 * PingInterval
	WriteTimeout        = 10 * time.Second
	SendQueueSize       = 256 // frames buffered per session writer
	MaxParseFailures    = 10  // malformed frames tolerated per window
	ParseFailureWindow  = 60 * time.Second
	MalformedBanPeriod  = 5 * time.Minute
)

// Event timestamp acceptance window defaults (seconds), overridable by config.
const (
	DefaultCreatedAtFutureLimit = 600
	DefaultCreatedAtPastLimit   = 30 * 24 * 3600
)

// AUTH (NIP-42) acceptance window for the challenge event timestamp.
const AuthEventMaxAge = 10 * time.Minute

// Storage maintenance.
const (
	ExpiredSweepInterval = 10 * time.Minute
	DatabaseFileName     = "relay.db"
	IdentityFileName     = "relay_identity.key"
)
