package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emperorhan/cellsync/internal/chain/ckb/rpc"
	"github.com/emperorhan/cellsync/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate limiter for node RPC calls.
type Limiter struct {
	limiter  *rate.Limiter
	endpoint string
}

// NewLimiter creates a limiter allowing rps requests per second with a
// burst of burst tokens. A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int, endpoint string) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, burst),
		endpoint: endpoint,
	}
}

// Wait blocks until one token is available or ctx is done.
// Reserve is used so exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.RPCRateLimitWaits.WithLabelValues(l.endpoint).Inc()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

// RecordRPCCall records one call outcome and its latency.
func RecordRPCCall(method string, started time.Time, err error) {
	metrics.RPCCallsTotal.WithLabelValues(method, ClassifyRPCError(err)).Inc()
	metrics.RPCCallLatency.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

// ClassifyRPCError maps an RPC error to a metric status label.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}

	var statusErr *rpc.HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429:
			return "rate_limited"
		case statusErr.StatusCode >= 500:
			return "server_error"
		default:
			return "client_error"
		}
	}
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return "rejected"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	case strings.Contains(lower, "circuit breaker"):
		return "breaker_open"
	default:
		return "client_error"
	}
}
