package nips

import (
	"fmt"
	"strconv"

	nostr "github.com/nbd-wtf/go-nostr"
)

// CountLeadingZeroBits counts the leading zero bits of a hex event id.
// NIP-13 defines difficulty as this count.
func CountLeadingZeroBits(hexID string) int {
	count := 0
	for _, c := range hexID {
		nibble := hexToNibble(byte(c))
		if nibble < 0 {
			break
		}
		if nibble == 0 {
			count += 4
			continue
		}
		for bit := 3; bit >= 0; bit-- {
			if nibble&(1<<uint(bit)) != 0 {
				return count
			}
			count++
		}
	}
	return count
}

func hexToNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	default:
		return -1
	}
}

// GetNonceCommitment extracts the committed target difficulty from a
// nonce tag of the form ["nonce", "<counter>", "<target>"].
func GetNonceCommitment(evt *nostr.Event) (int, bool) {
	for _, tag := range evt.Tags {
		if len(tag) >= 3 && tag[0] == "nonce" {
			target, err := strconv.Atoi(tag[2])
			if err == nil && target > 0 {
				return target, true
			}
		}
	}
	return 0, false
}

// ValidatePoW checks an event against the relay's minimum difficulty.
// A committed target below the actual difficulty fails even when the
// relay requires no work, since the commitment is part of the id.
func ValidatePoW(evt *nostr.Event, minDifficulty int) error {
	actual := CountLeadingZeroBits(evt.ID)
	committed, hasCommitment := GetNonceCommitment(evt)

	if minDifficulty > 0 {
		if !hasCommitment {
			return fmt.Errorf("relay requires difficulty %d but event has no nonce commitment", minDifficulty)
		}
		if committed < minDifficulty {
			return fmt.Errorf("committed target %d is below relay minimum %d", committed, minDifficulty)
		}
		if actual < minDifficulty {
			return fmt.Errorf("difficulty %d is below relay minimum %d", actual, minDifficulty)
		}
	}

	if hasCommitment && actual < committed {
		return fmt.Errorf("difficulty %d does not meet committed target %d", actual, committed)
	}
	return nil
}
