package nips

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/roost-relay/roost/internal/constants"
)

// GenerateAuthChallenge creates the random hex challenge sent to each new
// session for NIP-42 AUTH.
func GenerateAuthChallenge() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate auth challenge: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidateAuthEvent checks a client AUTH event against the challenge the
// relay issued. relayHost is this relay's host:port; when empty the relay
// tag's host is not compared, which suits a personal relay reachable
// under several names. The signature is verified by the caller before
// this runs.
func ValidateAuthEvent(evt *nostr.Event, challenge, relayHost string) (string, error) {
	if evt.Kind != nostr.KindClientAuthentication {
		return "", fmt.Errorf("auth event has kind %d, want %d", evt.Kind, nostr.KindClientAuthentication)
	}

	now := time.Now()
	drift := now.Sub(evt.CreatedAt.Time())
	if drift < 0 {
		drift = -drift
	}
	if drift > constants.AuthEventMaxAge {
		return "", fmt.Errorf("auth event timestamp outside the accepted window")
	}

	if tag := evt.Tags.Find("challenge"); tag == nil || tag[1] != challenge {
		return "", fmt.Errorf("auth event challenge mismatch")
	}

	relayTag := evt.Tags.Find("relay")
	if relayTag == nil {
		return "", fmt.Errorf("auth event missing relay tag")
	}
	if relayHost != "" {
		u, err := url.Parse(relayTag[1])
		if err != nil || u.Host != relayHost {
			return "", fmt.Errorf("auth event relay tag does not reference this relay")
		}
	}

	return evt.PubKey, nil
}
