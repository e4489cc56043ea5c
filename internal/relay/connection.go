package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/constants"
	"github.com/roost-relay/roost/internal/hub"
	"github.com/roost-relay/roost/internal/limiter"
	"github.com/roost-relay/roost/internal/logger"
	"github.com/roost-relay/roost/internal/metrics"
	"github.com/roost-relay/roost/internal/relay/nips"
	"github.com/roost-relay/roost/internal/storage"
	"github.com/roost-relay/roost/internal/workers"
)

// WsConnection is one client session: a reader loop, a writer goroutine
// fed by a bounded send queue, and a dispatcher that fans broadcast
// events into the session's subscriptions.
type WsConnection struct {
	ws        *websocket.Conn
	clientIP  string
	relayHost string

	cfg       *config.Config
	pipeline  *Pipeline
	store     *storage.DB
	broadcast *hub.Hub
	limits    *limiter.Limiter
	pool      *workers.Pool
	log       *zap.Logger

	bucket    *rate.Limiter
	challenge string

	authMu       sync.RWMutex
	authedPubkey string

	subMu sync.RWMutex
	subs  map[string]*subscription

	sendQueue chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWsConnection wraps an upgraded socket. relayHost is the host the
// client dialed, checked against the relay tag of AUTH events. The
// NIP-42 challenge doubles as the session's key in the broadcast hub;
// it is unique per session.
func NewWsConnection(ws *websocket.Conn, clientIP, relayHost string, cfg *config.Config,
	pipeline *Pipeline, store *storage.DB, broadcast *hub.Hub,
	limits *limiter.Limiter, pool *workers.Pool) (*WsConnection, error) {

	challenge, err := nips.GenerateAuthChallenge()
	if err != nil {
		return nil, err
	}

	return &WsConnection{
		ws:        ws,
		clientIP:  clientIP,
		relayHost: relayHost,
		cfg:       cfg,
		pipeline:  pipeline,
		store:     store,
		broadcast: broadcast,
		limits:    limits,
		pool:      pool,
		log:       logger.New("connection"),
		bucket:    limits.NewSessionBucket(),
		challenge: challenge,
		subs:      make(map[string]*subscription),
		sendQueue: make(chan []byte, constants.SendQueueSize),
		done:      make(chan struct{}),
	}, nil
}

// RemoteAddr returns the client IP used for logging and abuse tracking.
func (c *WsConnection) RemoteAddr() string { return c.clientIP }

// Serve runs the session until the client disconnects, the context is
// canceled, or the relay closes the socket. It blocks.
func (c *WsConnection) Serve(ctx context.Context) {
	metrics.IncrementActiveConnections()

	events := c.broadcast.Register(c.challenge, constants.SendQueueSize, func() {
		c.log.Warn("disconnecting slow consumer", zap.String("client", c.clientIP))
		c.Close()
	})

	go c.writeLoop()
	go c.dispatchLoop(events)

	// Stop the session when the server shuts down.
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.sendFrame("AUTH", c.challenge)
	c.readLoop(ctx)
}

// Close tears the session down exactly once. Safe to call from any
// goroutine.
func (c *WsConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.broadcast.Unregister(c.challenge)

		// Tell the client the session is over before dropping the socket.
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()

		c.subMu.Lock()
		for range c.subs {
			metrics.DecrementActiveSubscriptions()
		}
		c.subs = make(map[string]*subscription)
		c.subMu.Unlock()

		metrics.DecrementActiveConnections()
		c.log.Debug("session closed", zap.String("client", c.clientIP))
	})
}

// readLoop pulls frames off the socket and dispatches them. The read
// deadline doubles as the pong timeout; the writer's pings keep it
// pushed forward on a healthy connection.
func (c *WsConnection) readLoop(ctx context.Context) {
	defer c.Close()

	c.ws.SetReadLimit(int64(2 * constants.MaxMessageLength))
	_ = c.ws.SetReadDeadline(time.Now().Add(constants.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(constants.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read error", zap.String("client", c.clientIP), zap.Error(err))
			}
			return
		}
		metrics.MessagesReceived.Inc()

		if len(data) > constants.MaxMessageLength {
			c.sendNotice(reasonInvalid("message too large"))
			continue
		}

		if !c.handleFrame(ctx, data) {
			return
		}
	}
}

// handleFrame decodes one client frame and routes it. It returns false
// when the session must end because the client crossed the malformed
// frame threshold.
func (c *WsConnection) handleFrame(ctx context.Context, data []byte) bool {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) == 0 {
		return c.parseFailure("frame is not a json array")
	}

	var cmd string
	if err := json.Unmarshal(arr[0], &cmd); err != nil {
		return c.parseFailure("frame command is not a string")
	}

	switch cmd {
	case "EVENT", "REQ", "CLOSE", "COUNT", "AUTH":
		metrics.CommandsReceived.WithLabelValues(cmd).Inc()
	default:
		// A well-formed frame with a verb we don't speak is not abuse;
		// tell the client and move on.
		c.sendNotice(reasonUnsupported(cmd))
		return true
	}

	timer := prometheus.NewTimer(metrics.CommandProcessingDuration.WithLabelValues(cmd))
	defer timer.ObserveDuration()

	switch cmd {
	case "EVENT":
		return c.handleEvent(ctx, arr)
	case "REQ":
		if !c.bucket.Allow() {
			c.sendNotice(reasonRateLimited("slow down"))
			return true
		}
		c.handleRequest(ctx, arr)
	case "CLOSE":
		c.handleClose(arr)
	case "COUNT":
		if !c.bucket.Allow() {
			c.sendNotice(reasonRateLimited("slow down"))
			return true
		}
		c.handleCount(ctx, arr)
	case "AUTH":
		return c.handleAuth(arr)
	}
	return true
}

// parseFailure sends a NOTICE for a malformed frame and records it with
// the limiter. It returns false when the session should be closed.
func (c *WsConnection) parseFailure(msg string) bool {
	c.sendNotice(reasonInvalid(msg))
	if c.limits.RecordParseFailure(c.clientIP) {
		c.log.Warn("closing session after repeated malformed frames",
			zap.String("client", c.clientIP))
		return false
	}
	return true
}

func (c *WsConnection) handleEvent(ctx context.Context, arr []json.RawMessage) bool {
	if len(arr) != 2 {
		return c.parseFailure("EVENT frame must carry exactly one event")
	}

	var evt nostr.Event
	if err := json.Unmarshal(arr[1], &evt); err != nil {
		return c.parseFailure("malformed event: " + err.Error())
	}

	if !c.bucket.Allow() {
		c.sendOK(evt.ID, false, reasonRateLimited("slow down"))
		return true
	}

	accepted, okReason := c.pipeline.ProcessEvent(ctx, &evt)
	c.sendOK(evt.ID, accepted, okReason)

	if !accepted {
		c.log.Debug("event rejected",
			zap.String("client", c.clientIP),
			zap.String("event_id", evt.ID),
			zap.String("reason", okReason))
	}
	return true
}

func (c *WsConnection) handleAuth(arr []json.RawMessage) bool {
	if len(arr) != 2 {
		return c.parseFailure("AUTH frame must carry exactly one event")
	}

	var evt nostr.Event
	if err := json.Unmarshal(arr[1], &evt); err != nil {
		return c.parseFailure("malformed auth event: " + err.Error())
	}

	if evt.GetID() != evt.ID {
		c.sendOK(evt.ID, false, reasonInvalid("auth event id does not match the serialized event"))
		return true
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		c.sendOK(evt.ID, false, reasonInvalid("auth event signature verification failed"))
		return true
	}

	pubkey, err := nips.ValidateAuthEvent(&evt, c.challenge, c.relayHost)
	if err != nil {
		c.sendOK(evt.ID, false, reasonInvalid(err.Error()))
		return true
	}

	c.authMu.Lock()
	c.authedPubkey = pubkey
	c.authMu.Unlock()

	c.log.Debug("session authenticated",
		zap.String("client", c.clientIP),
		zap.String("pubkey", pubkey))
	c.sendOK(evt.ID, true, "")
	return true
}

// AuthedPubkey returns the pubkey proven via AUTH, or empty.
func (c *WsConnection) AuthedPubkey() string {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.authedPubkey
}

// dispatchLoop fans broadcast events into this session's subscriptions.
// It exits when the hub closes the channel or the session ends.
func (c *WsConnection) dispatchLoop(events <-chan *nostr.Event) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.subMu.RLock()
			matched := make([]*subscription, 0, len(c.subs))
			for _, sub := range c.subs {
				if sub.set.Matches(evt) {
					matched = append(matched, sub)
				}
			}
			c.subMu.RUnlock()

			for _, sub := range matched {
				sub.deliver(c, evt)
			}
		case <-c.done:
			return
		}
	}
}

// writeLoop owns the socket's write side: queued frames and keepalive
// pings.
func (c *WsConnection) writeLoop() {
	ticker := time.NewTicker(constants.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.sendQueue:
			_ = c.ws.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
			metrics.MessagesSent.Inc()
		case <-ticker.C:
			deadline := time.Now().Add(constants.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendFrame marshals a protocol frame and queues it for the writer.
func (c *WsConnection) sendFrame(elems ...any) {
	data, err := json.Marshal(elems)
	if err != nil {
		c.log.Error("failed to encode frame", zap.Error(err))
		return
	}
	select {
	case c.sendQueue <- data:
	case <-c.done:
	}
}

func (c *WsConnection) sendOK(eventID string, accepted bool, msg string) {
	c.sendFrame("OK", eventID, accepted, msg)
}

func (c *WsConnection) sendNotice(msg string) {
	c.sendFrame("NOTICE", msg)
}

func (c *WsConnection) sendClosed(subID, msg string) {
	c.sendFrame("CLOSED", subID, msg)
}

func (c *WsConnection) sendEOSE(subID string) {
	c.sendFrame("EOSE", subID)
}

func (c *WsConnection) sendEvent(subID string, evt *nostr.Event) {
	c.sendFrame("EVENT", subID, evt)
}

// extractRealClientIP finds the original client IP, looking through the
// proxy headers a fronting reverse proxy sets.
func extractRealClientIP(r *http.Request) string {
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return normalizeIP(r.RemoteAddr)
}

// normalizeIP strips the port and collapses IPv4-mapped IPv6 addresses.
func normalizeIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		if ipv4 := ip.To4(); ipv4 != nil {
			return ipv4.String()
		}
		return ip.String()
	}
	return host
}
