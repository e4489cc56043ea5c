package application

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/constants"
)

// A configured public key skips identity generation, so nothing else may
// be relied on to create the data directory before the store opens.
func TestNewCreatesDataDirWithConfiguredPubkey(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "data")

	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	cfg := &config.Config{
		Relay: config.RelayConfig{
			Port:                 8080,
			DataDir:              dataDir,
			Name:                 "test",
			PublicKey:            pk,
			CreatedAtFutureLimit: constants.DefaultCreatedAtFutureLimit,
			CreatedAtPastLimit:   constants.DefaultCreatedAtPastLimit,
		},
		Limits: config.LimitsConfig{
			MaxConnections:  16,
			EventsPerSecond: 100,
			BurstSize:       100,
		},
	}

	node, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer node.Shutdown()

	_, err = os.Stat(filepath.Join(dataDir, constants.DatabaseFileName))
	require.NoError(t, err, "the event database must live under the configured data dir")
}
