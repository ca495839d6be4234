package model

import "time"

type ScriptState string

const (
	ScriptStateIdle          ScriptState = "idle"
	ScriptStatePolling       ScriptState = "polling"
	ScriptStateMerging       ScriptState = "merging"
	ScriptStateReorgDetected ScriptState = "reorg_detected"
	ScriptStateRollingBack   ScriptState = "rolling_back"
	ScriptStateStalled       ScriptState = "stalled"
)

type ScriptProgress struct {
	ScriptID          string      `json:"script_id"`
	CursorBlockNumber int64       `json:"cursor_block_number"`
	State             ScriptState `json:"state"`
	Reason            string      `json:"reason,omitempty"`
}

// SyncState is the process-wide progress snapshot. It is never persisted.
type SyncState struct {
	Timestamp        time.Time        `json:"timestamp"`
	NodeTipNumber    int64            `json:"node_tip_number"`
	IndexerTipNumber int64            `json:"indexer_tip_number"`
	CacheTipNumber   int64            `json:"cache_tip_number"`
	IndexRate        float64          `json:"index_rate"`
	CacheRate        float64          `json:"cache_rate"`
	Estimate         *time.Duration   `json:"estimate,omitempty"`
	Synced           bool             `json:"synced"`
	Scripts          []ScriptProgress `json:"scripts"`
}
