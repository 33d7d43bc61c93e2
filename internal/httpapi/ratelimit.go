package httpapi

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit represents a rate limit configuration.
type RateLimit struct {
	Requests int           // Number of requests allowed.
	Window   time.Duration // Time window.
}

// rateLimitPattern matches rate limit strings like "100/hour", "50/minute", "10/second".
var rateLimitPattern = regexp.MustCompile(`^(\d+)/(hour|minute|second)$`)

// ParseRateLimit parses a rate limit string like "100/hour".
// Returns nil if the string is empty.
func ParseRateLimit(s string) (*RateLimit, error) {
	if s == "" {
		return nil, nil
	}

	matches := rateLimitPattern.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("invalid rate limit format: %q (expected format: N/hour, N/minute, or N/second)", s)
	}

	count, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit count: %w", err)
	}
	if count <= 0 {
		return nil, fmt.Errorf("rate limit count must be positive")
	}

	var window time.Duration
	switch matches[2] {
	case "hour":
		window = time.Hour
	case "minute":
		window = time.Minute
	case "second":
		window = time.Second
	}

	return &RateLimit{Requests: count, Window: window}, nil
}

// String formats the limit as N/unit.
func (l *RateLimit) String() string {
	if l == nil {
		return ""
	}
	unit := "second"
	switch l.Window {
	case time.Hour:
		unit = "hour"
	case time.Minute:
		unit = "minute"
	}
	return fmt.Sprintf("%d/%s", l.Requests, unit)
}

// interval is the refill period of one request.
func (l *RateLimit) interval() time.Duration {
	return l.Window / time.Duration(l.Requests)
}

const clientIdleTimeout = 10 * time.Minute

// RateLimiter keeps one token bucket per client. A bucket holds Requests
// tokens and refills one every Window/Requests.
type RateLimiter struct {
	limit *RateLimit
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastPrune time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit *RateLimit) *RateLimiter {
	return &RateLimiter{
		limit:     limit,
		now:       time.Now,
		clients:   make(map[string]*clientBucket),
		lastPrune: time.Now(),
	}
}

// Allow takes a token for client and reports whether one was available.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.pruneLocked(now)
	return rl.bucketLocked(client, now).limiter.AllowN(now, 1)
}

// Remaining returns the whole tokens left for client.
func (rl *RateLimiter) Remaining(client string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[client]
	if !ok {
		return rl.limit.Requests
	}
	return max(int(b.limiter.TokensAt(rl.now())), 0)
}

// RetryAfter is how long client waits for its next token.
func (rl *RateLimiter) RetryAfter(client string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[client]
	if !ok {
		return 0
	}
	missing := 1 - b.limiter.TokensAt(rl.now())
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(rl.limit.interval()))
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) bucketLocked(client string, now time.Time) *clientBucket {
	b, ok := rl.clients[client]
	if !ok {
		b = &clientBucket{
			limiter: rate.NewLimiter(rate.Every(rl.limit.interval()), rl.limit.Requests),
		}
		rl.clients[client] = b
	}
	b.lastSeen = now
	return b
}

// pruneLocked drops clients idle for clientIdleTimeout, at most once per
// timeout.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(rl.lastPrune) < clientIdleTimeout {
		return
	}
	rl.lastPrune = now
	for client, b := range rl.clients {
		if now.Sub(b.lastSeen) >= clientIdleTimeout {
			delete(rl.clients, client)
		}
	}
}

// clientKey identifies the caller by remote host.
func clientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
