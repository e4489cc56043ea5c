package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/logger"
	"github.com/roost-relay/roost/internal/metrics"
	"github.com/roost-relay/roost/internal/relay/nips"
	"github.com/roost-relay/roost/internal/storage"
)

// StatsData is the /relay/stats payload.
type StatsData struct {
	RelayName           string `json:"relay_name"`
	Version             string `json:"version"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
	OwnerOnly           bool   `json:"owner_only"`
	SupportedNIPs       []int  `json:"supported_nips"`
	ConnectedClients    int64  `json:"connected_clients"`
	ActiveSubscriptions int64  `json:"active_subscriptions"`
	TotalEvents         int64  `json:"total_events"`
	EventsAccepted      int64  `json:"events_accepted"`
	EventsRejected      int64  `json:"events_rejected"`
	MemoryAllocBytes    uint64 `json:"memory_alloc_bytes"`
	Goroutines          int    `json:"goroutines"`
}

// Handler serves the operational JSON endpoints.
type Handler struct {
	cfg       *config.Config
	store     *storage.DB
	info      nips.RelayInformationDocument
	startTime time.Time
	log       *zap.Logger
}

// NewHandler creates the handler behind /relay/stats.
func NewHandler(cfg *config.Config, store *storage.DB, info nips.RelayInformationDocument, startTime time.Time) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		info:      info,
		startTime: startTime,
		log:       logger.New("web"),
	}
}

// HandleStats serves a point-in-time snapshot of the relay's counters.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stored, err := h.store.TotalEvents(r.Context())
	if err != nil {
		h.log.Warn("failed to count stored events", zap.Error(err))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := StatsData{
		RelayName:           h.info.Name,
		Version:             config.Version,
		UptimeSeconds:       int64(time.Since(h.startTime).Seconds()),
		OwnerOnly:           h.cfg.Relay.OwnerOnly,
		SupportedNIPs:       h.info.SupportedNIPs,
		ConnectedClients:    metrics.GetActiveConnectionsCount(),
		ActiveSubscriptions: metrics.GetActiveSubscriptionsCount(),
		TotalEvents:         stored,
		EventsAccepted:      metrics.GetEventsAcceptedCount(),
		EventsRejected:      metrics.GetEventsRejectedCount(),
		MemoryAllocBytes:    mem.Alloc,
		Goroutines:          runtime.NumGoroutine(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		h.log.Warn("failed to encode stats", zap.Error(err))
	}
}
