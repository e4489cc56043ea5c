package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/logger"
	"github.com/roost-relay/roost/internal/metrics"
	"github.com/roost-relay/roost/internal/storage"
)

// Status is the overall health verdict.
type Status string

const (
	StatusOK        Status = "ok"
	StatusUnhealthy Status = "unhealthy"
)

// Response is the /health payload.
type Response struct {
	Status        Status `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Clients       int64  `json:"clients"`
	Database      string `json:"database"`
}

// Checker answers liveness probes. A failing database ping is the one
// condition that turns the relay unhealthy; everything else it reports
// is informational.
type Checker struct {
	store     *storage.DB
	startTime time.Time
	log       *zap.Logger
}

// NewChecker creates a health checker over the event store.
func NewChecker(store *storage.DB, startTime time.Time) *Checker {
	return &Checker{
		store:     store,
		startTime: startTime,
		log:       logger.New("health"),
	}
}

// HandleHealth serves the health endpoint. Unhealthy responses carry a
// 503 so load balancer probes fail without parsing the body.
func (h *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Status:        StatusOK,
		Version:       config.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Clients:       metrics.GetActiveConnectionsCount(),
		Database:      "ok",
	}

	if err := h.store.Ping(r.Context()); err != nil {
		h.log.Warn("database ping failed", zap.Error(err))
		resp.Status = StatusUnhealthy
		resp.Database = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != StatusOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
