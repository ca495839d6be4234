package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/cellsync/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// idle per-client limiters are dropped after this long
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
)

type limitRule struct {
	name   string
	method string // empty matches any method
	prefix string
	suffix string
	rps    rate.Limit
	burst  int
}

func (r limitRule) matches(method, path string) bool {
	if r.method != "" && r.method != method {
		return false
	}
	return strings.HasPrefix(path, r.prefix) && strings.HasSuffix(path, r.suffix)
}

// retryAfter is the whole number of seconds until one token refills.
func (r limitRule) retryAfter() string {
	if r.rps <= 0 {
		return "60"
	}
	return strconv.Itoa(int(math.Ceil(1/float64(r.rps) - 1e-9)))
}

// defaultLimitRules is ordered most specific first; the last rule catches
// everything. Operator actions that stop the workers are the tightest.
var defaultLimitRules = []limitRule{
	{name: "node_switch", method: http.MethodPut, prefix: "/v1/node", rps: rate.Every(time.Minute), burst: 1},
	{name: "resync", method: http.MethodPost, prefix: "/v1/scripts/", suffix: "/resync", rps: rate.Every(time.Minute), burst: 1},
	{name: "register", method: http.MethodPost, prefix: "/v1/scripts", rps: rate.Every(6 * time.Second), burst: 3},
	{name: "deregister", method: http.MethodDelete, prefix: "/v1/scripts/", rps: rate.Every(6 * time.Second), burst: 3},
	{name: "submit", method: http.MethodPost, prefix: "/v1/transactions", rps: 5, burst: 10},
	{name: "sync_stream", method: http.MethodGet, prefix: "/v1/sync/stream", rps: rate.Every(5 * time.Second), burst: 3},
	{name: "default", rps: 20, burst: 40},
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware limits requests per client and rule.
type RateLimitMiddleware struct {
	rules  []limitRule
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter // rule name + "|" + client
	nowFunc  func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware starts a background sweep of idle limiters; call
// Stop to release it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		rules:    defaultLimitRules,
		logger:   logger.With("component", "api_rate_limit"),
		limiters: make(map[string]*clientLimiter),
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.nowFunc().Add(-staleLimiterTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount returns the number of live per-client limiters.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := rl.resolveRule(r.Method, r.URL.Path)
		client := clientAddr(r)

		if !rl.limiterFor(rule, client).Allow() {
			metrics.APIRateLimitedTotal.WithLabelValues(rule.name).Inc()
			rl.logger.Warn("api rate limit exceeded",
				"rule", rule.name,
				"method", r.Method,
				"path", r.URL.Path,
				"client", client,
			)
			w.Header().Set("Retry-After", rule.retryAfter())
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) resolveRule(method, path string) limitRule {
	for _, rule := range rl.rules {
		if rule.matches(method, path) {
			return rule
		}
	}
	return rl.rules[len(rl.rules)-1]
}

func (rl *RateLimitMiddleware) limiterFor(rule limitRule, client string) *rate.Limiter {
	key := rule.name + "|" + client
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if cl, ok := rl.limiters[key]; ok {
		cl.lastSeen = now
		return cl.limiter
	}
	cl := &clientLimiter{limiter: rate.NewLimiter(rule.rps, rule.burst), lastSeen: now}
	rl.limiters[key] = cl
	return cl.limiter
}

// clientAddr identifies the caller. Forwarding headers are honored only
// from a loopback peer, i.e. a local reverse proxy in front of the API.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return host
}
