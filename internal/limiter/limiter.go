package limiter

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/constants"
	"github.com/roost-relay/roost/internal/logger"
)

// Limiter hands out per-session token buckets and tracks malformed-frame
// abuse per client IP. An IP that keeps sending garbage gets a temporary
// ban that survives the offending connection.
type Limiter struct {
	cfg config.LimitsConfig
	log *zap.Logger

	mu       sync.Mutex
	failures map[string][]time.Time
	bans     map[string]time.Time
}

// New creates a limiter from the configured throttling settings.
func New(cfg config.LimitsConfig) *Limiter {
	return &Limiter{
		cfg:      cfg,
		log:      logger.New("limiter"),
		failures: make(map[string][]time.Time),
		bans:     make(map[string]time.Time),
	}
}

// NewSessionBucket returns the inbound token bucket for one session.
func (l *Limiter) NewSessionBucket() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(l.cfg.EventsPerSecond), l.cfg.BurstSize)
}

// IsBanned reports whether the IP is currently banned.
func (l *Limiter) IsBanned(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.bans[ip]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(l.bans, ip)
		return false
	}
	return true
}

// RecordParseFailure notes one malformed frame from the IP. It returns
// true when the IP crossed the failure threshold inside the window; the
// caller should then close the connection. Crossing the threshold also
// starts a temporary ban.
func (l *Limiter) RecordParseFailure(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-constants.ParseFailureWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	l.failures[ip] = recent

	if len(recent) > constants.MaxParseFailures {
		l.bans[ip] = now.Add(constants.MalformedBanPeriod)
		delete(l.failures, ip)
		l.log.Warn("malformed frame threshold exceeded, banning",
			zap.String("ip", ip),
			zap.Duration("ban", constants.MalformedBanPeriod))
		return true
	}
	return false
}

// Cleanup drops stale failure windows and expired bans. The node runs it
// periodically.
func (l *Limiter) Cleanup() {
	now := time.Now()
	cutoff := now.Add(-constants.ParseFailureWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, times := range l.failures {
		recent := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(l.failures, ip)
		} else {
			l.failures[ip] = recent
		}
	}
	for ip, until := range l.bans {
		if now.After(until) {
			delete(l.bans, ip)
		}
	}
}
