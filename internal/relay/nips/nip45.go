package nips

import (
	"fmt"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// CountTimeout bounds a single COUNT query against the store.
const CountTimeout = 5 * time.Second

// CountResponse is the third element of a ["COUNT", <subid>, {...}]
// frame.
type CountResponse struct {
	Count int64 `json:"count"`
}

// ValidateCountFilter rejects COUNT filters that would be unreasonably
// expensive to evaluate.
func ValidateCountFilter(filter nostr.Filter) error {
	if len(filter.Authors) > 100 {
		return fmt.Errorf("too many authors in filter (max 100)")
	}
	if len(filter.Kinds) > 20 {
		return fmt.Errorf("too many kinds in filter (max 20)")
	}
	for _, kind := range filter.Kinds {
		if kind < 0 || kind > 65535 {
			return fmt.Errorf("invalid event kind: %d", kind)
		}
	}
	return nil
}
