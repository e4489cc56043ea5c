package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/roost-relay/roost/internal/constants"
)

// RelayIdentity is the keypair advertised in the NIP-11 document. The
// secret key never leaves the data directory.
type RelayIdentity struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Load returns the relay identity for the given data directory. When the
// operator configured a public key it is used as-is; otherwise a secp256k1
// keypair is generated on first start and persisted under dataDir.
func Load(dataDir, configuredPublicKey string) (*RelayIdentity, error) {
	if configuredPublicKey != "" {
		if !nostr.IsValidPublicKey(configuredPublicKey) {
			return nil, fmt.Errorf("configured public key %q is not 64 lowercase hex characters", configuredPublicKey)
		}
		return &RelayIdentity{PublicKey: configuredPublicKey}, nil
	}

	path := filepath.Join(dataDir, constants.IdentityFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		id, err := generate()
		if err != nil {
			return nil, err
		}
		if err := save(id, path); err != nil {
			return nil, err
		}
		return id, nil
	}
	return load(path)
}

func generate() (*RelayIdentity, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &RelayIdentity{PublicKey: pk, PrivateKey: sk}, nil
}

func save(id *RelayIdentity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	// Only the secret key is stored; the public key is re-derived on load.
	if err := os.WriteFile(path, []byte(id.PrivateKey+"\n"), 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

func load(path string) (*RelayIdentity, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	sk := strings.TrimSpace(string(content))
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("identity file %s holds an invalid key: %w", path, err)
	}
	return &RelayIdentity{PublicKey: pk, PrivateKey: sk}, nil
}
