package application

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/hub"
	"github.com/roost-relay/roost/internal/identity"
	"github.com/roost-relay/roost/internal/limiter"
	"github.com/roost-relay/roost/internal/logger"
	"github.com/roost-relay/roost/internal/metrics"
	"github.com/roost-relay/roost/internal/relay"
	"github.com/roost-relay/roost/internal/storage"
	"github.com/roost-relay/roost/internal/workers"
)

const (
	backfillWorkers   = 8
	backfillQueueSize = 256
	limiterSweepEvery = 10 * time.Minute
)

// Node ties the relay's components together: event store, broadcast
// hub, ingest pipeline, rate limiter, worker pool and the HTTP server.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg      *config.Config
	db       *storage.DB
	hub      *hub.Hub
	pipeline *relay.Pipeline
	limits   *limiter.Limiter
	pool     *workers.Pool
	identity *identity.RelayIdentity
	server   *relay.Server
	log      *zap.Logger
}

// New wires up a node from configuration. The database is opened and
// migrated here; nothing is listening yet until Start.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	if err := os.MkdirAll(cfg.Relay.DataDir, 0o700); err != nil {
		cancel()
		return nil, fmt.Errorf("create data directory %s: %w", cfg.Relay.DataDir, err)
	}

	id, err := identity.Load(cfg.Relay.DataDir, cfg.Relay.PublicKey)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load relay identity: %w", err)
	}

	db, err := storage.New(nodeCtx, cfg.Relay.DataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event store: %w", err)
	}

	broadcast := hub.New()
	pipeline := relay.NewPipeline(cfg, db, broadcast)
	limits := limiter.New(cfg.Limits)
	pool := workers.NewPool(backfillWorkers, backfillQueueSize)
	server := relay.NewServer(cfg, db, pipeline, broadcast, limits, pool, id.PublicKey)

	metrics.RegisterMetrics()

	return &Node{
		ctx:      nodeCtx,
		cancel:   cancel,
		cfg:      cfg,
		db:       db,
		hub:      broadcast,
		pipeline: pipeline,
		limits:   limits,
		pool:     pool,
		identity: id,
		server:   server,
		log:      logger.New("node"),
	}, nil
}

// Start runs the node's background loops and the HTTP server. It blocks
// until the context is canceled or the listener fails.
func (n *Node) Start() error {
	n.db.StartExpiredEventsSweeper(n.ctx)
	go n.limiterSweepLoop()

	addr := fmt.Sprintf(":%d", n.cfg.Relay.Port)
	n.log.Info("starting relay",
		zap.String("address", addr),
		zap.String("pubkey", n.identity.PublicKey),
		zap.Bool("owner_only", n.cfg.Relay.OwnerOnly))

	return n.server.ListenAndServe(n.ctx, addr)
}

// Shutdown stops background work and closes the store. The HTTP server
// drains on its own when the node context is canceled.
func (n *Node) Shutdown() {
	n.log.Info("shutting down node")
	n.cancel()
	n.pool.Stop()

	if err := n.db.Close(); err != nil {
		n.log.Warn("closing event store", zap.Error(err))
	}
	n.log.Info("node shutdown complete")
}

func (n *Node) limiterSweepLoop() {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.limits.Cleanup()
		case <-n.ctx.Done():
			return
		}
	}
}
