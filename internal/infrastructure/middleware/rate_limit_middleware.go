package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"studyroom/pkg/clock"
	"studyroom/pkg/config"
	apperrors "studyroom/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	idleLimiterTTL  = 10 * time.Minute
	maxLimiterCount = 10000
)

type ipLimiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// ipLimiters hands out one token bucket per client address. Buckets idle
// for longer than idleLimiterTTL are dropped once the table is full.
type ipLimiters struct {
	mu     sync.Mutex
	byIP   map[string]*ipLimiter
	perSec rate.Limit
	burst  int
}

func newIPLimiters(perSec rate.Limit, burst int) *ipLimiters {
	return &ipLimiters{
		byIP:   make(map[string]*ipLimiter),
		perSec: perSec,
		burst:  burst,
	}
}

func (l *ipLimiters) get(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byIP[ip]
	if !ok {
		if len(l.byIP) >= maxLimiterCount {
			l.evictIdleLocked(now)
		}
		e = &ipLimiter{bucket: rate.NewLimiter(l.perSec, l.burst)}
		l.byIP[ip] = e
	}
	e.lastSeen = now
	return e.bucket
}

func (l *ipLimiters) evictIdleLocked(now time.Time) {
	for ip, e := range l.byIP {
		if now.Sub(e.lastSeen) > idleLimiterTTL {
			delete(l.byIP, ip)
		}
	}
}

func (l *ipLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byIP)
}

// retryAfter is the whole number of seconds until the bucket holds a token.
func retryAfter(bucket *rate.Limiter, now time.Time) string {
	r := bucket.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// NewHTTPRateLimitMiddleware throttles the REST API per client IP. A nil
// clock means wall time.
func NewHTTPRateLimitMiddleware(cfg *config.Config, clk clock.Clock) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	if clk == nil {
		clk = clock.Real{}
	}

	limiters := newIPLimiters(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)
	limit := strconv.Itoa(cfg.RateLimiting.HTTP.Burst)

	// Probes and scrapes are never throttled.
	exempt := map[string]bool{"/health": true, "/ready": true}
	if cfg.Monitoring.MetricsPath != "" {
		exempt[cfg.Monitoring.MetricsPath] = true
	}

	return func(c *gin.Context) {
		if exempt[c.FullPath()] {
			c.Next()
			return
		}

		now := clk.Now()
		bucket := limiters.get(c.ClientIP(), now)
		c.Header("X-RateLimit-Limit", limit)
		if !bucket.AllowN(now, 1) {
			resp, status := apperrors.ToResponse(apperrors.NewRateLimitError())
			c.Header("Retry-After", retryAfter(bucket, now))
			c.AbortWithStatusJSON(status, resp)
			return
		}
		c.Next()
	}
}
