package relay

import (
	"encoding/json"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/roost-relay/roost/internal/constants"
)

// parseFilter decodes one filter object of a REQ or COUNT frame and
// validates its structure. Hex prefixes of any length from 1 to 64 are
// accepted for ids and authors; they are matched as prefixes, never
// padded out to full identifiers.
func parseFilter(raw json.RawMessage) (nostr.Filter, error) {
	var f nostr.Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nostr.Filter{}, fmt.Errorf("malformed filter: %w", err)
	}
	if err := validateFilter(f); err != nil {
		return nostr.Filter{}, err
	}
	return f, nil
}

// parseFilters decodes the filter objects of a REQ frame. A REQ carries
// at least one filter and at most constants.MaxFilters.
func parseFilters(raws []json.RawMessage) ([]nostr.Filter, error) {
	if len(raws) == 0 {
		return nil, fmt.Errorf("subscription carries no filters")
	}
	if len(raws) > constants.MaxFilters {
		return nil, fmt.Errorf("too many filters: %d (max %d)", len(raws), constants.MaxFilters)
	}

	filters := make([]nostr.Filter, 0, len(raws))
	for _, raw := range raws {
		f, err := parseFilter(raw)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func validateFilter(f nostr.Filter) error {
	for _, id := range f.IDs {
		if !isHexPrefix(id) {
			return fmt.Errorf("invalid id prefix %q", id)
		}
	}
	for _, author := range f.Authors {
		if !isHexPrefix(author) {
			return fmt.Errorf("invalid author prefix %q", author)
		}
	}
	for _, kind := range f.Kinds {
		if kind < 0 || kind > 65535 {
			return fmt.Errorf("invalid kind %d", kind)
		}
	}
	if f.Limit < 0 {
		return fmt.Errorf("invalid limit %d", f.Limit)
	}
	return nil
}

// isHexPrefix reports whether s is 1 to 64 lowercase hex characters.
// Odd lengths are allowed; a prefix names half-bytes, not bytes.
func isHexPrefix(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// validateSubscriptionID enforces the frame-level constraints on REQ,
// CLOSE and COUNT subscription identifiers.
func validateSubscriptionID(subID string) error {
	if subID == "" {
		return fmt.Errorf("empty subscription id")
	}
	if len(subID) > constants.MaxSubIDLength {
		return fmt.Errorf("subscription id longer than %d characters", constants.MaxSubIDLength)
	}
	return nil
}
