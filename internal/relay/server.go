package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/health"
	"github.com/roost-relay/roost/internal/hub"
	"github.com/roost-relay/roost/internal/limiter"
	"github.com/roost-relay/roost/internal/logger"
	"github.com/roost-relay/roost/internal/metrics"
	"github.com/roost-relay/roost/internal/relay/nips"
	"github.com/roost-relay/roost/internal/storage"
	"github.com/roost-relay/roost/internal/web"
	"github.com/roost-relay/roost/internal/workers"
)

// Server owns the HTTP surface: the WebSocket endpoint, the NIP-11
// document, and the operational endpoints.
type Server struct {
	cfg       *config.Config
	store     *storage.DB
	pipeline  *Pipeline
	broadcast *hub.Hub
	limits    *limiter.Limiter
	pool      *workers.Pool
	info      nips.RelayInformationDocument
	web       *web.Handler
	checker   *health.Checker
	log       *zap.Logger
}

// NewServer assembles the HTTP layer on top of an already-wired relay
// core. relayPubkey is the relay's own identity, advertised in NIP-11.
func NewServer(cfg *config.Config, store *storage.DB, pipeline *Pipeline,
	broadcast *hub.Hub, limits *limiter.Limiter, pool *workers.Pool,
	relayPubkey string) *Server {

	startTime := time.Now()
	info := nips.BuildRelayInformation(cfg, relayPubkey)

	return &Server{
		cfg:       cfg,
		store:     store,
		pipeline:  pipeline,
		broadcast: broadcast,
		limits:    limits,
		pool:      pool,
		info:      info,
		web:       web.NewHandler(cfg, store, info, startTime),
		checker:   health.NewChecker(store, startTime),
		log:       logger.New("server"),
	}
}

// Handler builds the relay's HTTP routes. ctx bounds the lifetime of the
// WebSocket sessions the handler spawns.
func (s *Server) Handler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:    64 * 1024,
		WriteBufferSize:   64 * 1024,
		CheckOrigin:       func(r *http.Request) bool { return true },
		EnableCompression: true,
		HandshakeTimeout:  10 * time.Second,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		switch {
		case isWebSocketRequest(r):
			s.serveWs(ctx, w, r, upgrader)
		case strings.Contains(r.Header.Get("Accept"), "application/nostr+json"):
			nips.ServeRelayInformation(w, s.info)
		default:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprintf(w, "%s — a personal nostr relay\n\nConnect with a nostr client over WebSocket, or request relay information with\nAccept: application/nostr+json\n", s.info.Name)
		}
	})

	mux.HandleFunc("/relay/info", func(w http.ResponseWriter, r *http.Request) {
		nips.ServeRelayInformation(w, s.info)
	})
	mux.HandleFunc("/relay/stats", s.web.HandleStats)
	mux.HandleFunc("/health", s.checker.HandleHealth)

	if s.cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return mux
}

// serveWs upgrades the request and runs the session until it ends.
func (s *Server) serveWs(ctx context.Context, w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader) {
	clientIP := extractRealClientIP(r)

	if s.limits.IsBanned(clientIP) {
		http.Error(w, "temporarily banned", http.StatusForbidden)
		return
	}
	if metrics.GetActiveConnectionsCount() >= int64(s.cfg.Limits.MaxConnections) {
		http.Error(w, "relay at connection capacity", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed",
			zap.String("client", clientIP),
			zap.Error(err))
		return
	}

	conn, err := NewWsConnection(ws, clientIP, r.Host, s.cfg, s.pipeline, s.store, s.broadcast, s.limits, s.pool)
	if err != nil {
		s.log.Error("failed to initialize session",
			zap.String("client", clientIP),
			zap.Error(err))
		_ = ws.Close()
		return
	}

	s.log.Debug("session opened",
		zap.String("client", clientIP),
		zap.String("user_agent", r.Header.Get("User-Agent")))
	conn.Serve(ctx)
}

// ListenAndServe runs the HTTP server until ctx is canceled, then shuts
// it down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(ctx),
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Info("relay listening", zap.String("address", addr))
	err := httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// isWebSocketRequest reports whether the request asks for a WebSocket
// upgrade.
func isWebSocketRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.ToLower(r.Header.Get("Upgrade")) == "websocket"
}
