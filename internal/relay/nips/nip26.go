package nips

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
)

// DelegationInfo holds a parsed delegation tag:
// ["delegation", <delegator pubkey>, <conditions>, <token sig>].
type DelegationInfo struct {
	DelegatorPubkey string
	Conditions      string
	Sig             string
}

// ExtractDelegationTag returns the delegation tag if the event carries
// one.
func ExtractDelegationTag(evt *nostr.Event) *DelegationInfo {
	for _, tag := range evt.Tags {
		if len(tag) >= 4 && tag[0] == "delegation" {
			return &DelegationInfo{
				DelegatorPubkey: tag[1],
				Conditions:      tag[2],
				Sig:             tag[3],
			}
		}
	}
	return nil
}

// ValidateDelegation verifies the delegation token signature and checks
// the event against the delegation conditions.
func ValidateDelegation(evt *nostr.Event, del *DelegationInfo) error {
	if !checkDelegationSig(del.DelegatorPubkey, del.Sig, del.Conditions, evt.PubKey) {
		return errors.New("invalid delegation signature")
	}
	if err := checkConditions(del.Conditions, evt); err != nil {
		return fmt.Errorf("delegation conditions not met: %w", err)
	}
	return nil
}

// checkDelegationSig verifies the delegator's Schnorr signature over the
// delegation token string "nostr:delegation:<delegatee>:<conditions>".
func checkDelegationSig(delegatorPub, sig, conditions, delegateePub string) bool {
	msg := []byte("nostr:delegation:" + delegateePub + ":" + conditions)
	h := sha256.Sum256(msg)

	pubKeyBytes, err := hex.DecodeString(delegatorPub)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	parsedSig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	return parsedSig.Verify(h[:], pubKey)
}

// checkConditions parses a query string like
// "kind=1&created_at>1670000000" and compares each condition with the
// event. Unknown condition forms fail closed.
func checkConditions(conds string, evt *nostr.Event) error {
	if conds == "" {
		return nil
	}
	for _, p := range strings.Split(conds, "&") {
		if err := checkSingleCondition(p, evt); err != nil {
			return err
		}
	}
	return nil
}

func checkSingleCondition(cond string, evt *nostr.Event) error {
	switch {
	case strings.HasPrefix(cond, "kind="):
		val := strings.TrimPrefix(cond, "kind=")
		wantKind, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid kind condition: %s", val)
		}
		if evt.Kind != wantKind {
			return fmt.Errorf("event kind %d != required %d", evt.Kind, wantKind)
		}

	case strings.HasPrefix(cond, "created_at>"):
		val := strings.TrimPrefix(cond, "created_at>")
		num, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid created_at> condition: %s", val)
		}
		if int64(evt.CreatedAt) <= num {
			return fmt.Errorf("event created_at %d is not > %d", evt.CreatedAt, num)
		}

	case strings.HasPrefix(cond, "created_at<"):
		val := strings.TrimPrefix(cond, "created_at<")
		num, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid created_at< condition: %s", val)
		}
		if int64(evt.CreatedAt) >= num {
			return fmt.Errorf("event created_at %d is not < %d", evt.CreatedAt, num)
		}

	default:
		return fmt.Errorf("unsupported delegation condition: %s", cond)
	}
	return nil
}
