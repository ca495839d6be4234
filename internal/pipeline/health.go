package pipeline

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health of the node connection.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed tip
	// polls before the node is considered unreachable.
	DefaultUnhealthyThreshold = 3

	// DefaultDegradedLatencyThreshold is the P95 tip poll latency above
	// which the node is considered degraded.
	DefaultDegradedLatencyThreshold = 2 * time.Second

	latencyWindowSize = 10
)

// NodeHealth tracks tip polling against the current endpoint.
type NodeHealth struct {
	mu                       sync.RWMutex
	endpoint                 string
	status                   HealthStatus
	consecutiveFailures      int
	lastError                string
	lastTip                  int64
	nodeTip                  int64
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	nowFn                    func() time.Time
}

func NewNodeHealth(endpoint string) *NodeHealth {
	return &NodeHealth{
		endpoint:                 endpoint,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		nowFn:                    time.Now,
	}
}

// Reset starts tracking a new endpoint from scratch.
func (h *NodeHealth) Reset(endpoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoint = endpoint
	h.status = HealthStatusUnknown
	h.consecutiveFailures = 0
	h.lastError = ""
	h.recentLatencies = h.recentLatencies[:0]
	h.nodeTip = 0
}

// RecordNodeTip records the node's best block, reported next to the
// indexer tip as indexer lag.
func (h *NodeHealth) RecordNodeTip(tip int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodeTip = tip
}

// RecordSuccess records a tip poll that returned tip after latency.
// It reports whether this recovers an unhealthy node.
func (h *NodeHealth) RecordSuccess(tip int64, latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	wasUnhealthy := h.status == HealthStatusUnhealthy

	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, latency)

	h.consecutiveFailures = 0
	h.lastError = ""
	h.lastTip = tip
	h.lastSuccessAt = &now
	if h.isLatencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return wasUnhealthy
}

// RecordFailure records a failed tip poll. Returns true if the node
// transitioned to unhealthy on this call.
func (h *NodeHealth) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

// isLatencyDegraded must be called with mu held.
func (h *NodeHealth) isLatencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentileLatency(95) > h.degradedLatencyThreshold
}

func (h *NodeHealth) percentileLatency(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, h.recentLatencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (pct*n - 1) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func (h *NodeHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var lag int64
	if h.nodeTip > h.lastTip {
		lag = h.nodeTip - h.lastTip
	}
	return HealthSnapshot{
		Endpoint:            h.endpoint,
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastError:           h.lastError,
		IndexerTip:          h.lastTip,
		NodeTip:             h.nodeTip,
		IndexerLag:          lag,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}

// HealthSnapshot is a point-in-time view of node health (JSON-safe).
type HealthSnapshot struct {
	Endpoint            string     `json:"endpoint"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	IndexerTip          int64      `json:"indexer_tip"`
	NodeTip             int64      `json:"node_tip"`
	IndexerLag          int64      `json:"indexer_lag"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}
