package nips

import (
	"strconv"
	"strings"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// GetExpiration extracts the NIP-40 expiration timestamp, if present and
// well formed. Malformed or non-positive values are treated as absent.
func GetExpiration(evt *nostr.Event) (int64, bool) {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "expiration" {
			ts, err := strconv.ParseInt(strings.TrimSpace(t[1]), 10, 64)
			if err != nil || ts <= 0 {
				return 0, false
			}
			return ts, true
		}
	}
	return 0, false
}

// IsExpired reports whether the event's expiration has already passed. An
// event expiring exactly now is expired.
func IsExpired(evt *nostr.Event) bool {
	ts, ok := GetExpiration(evt)
	return ok && ts <= time.Now().Unix()
}
