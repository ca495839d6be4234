package model

import "time"

// Cursor is the resumable indexer position of one WatchedScript.
// LastIndexedPosition is the indexer's opaque paging token within the
// current scan range; empty when the range was fully consumed.
type Cursor struct {
	ScriptID               string    `db:"script_id" json:"script_id"`
	LastIndexedBlockNumber int64     `db:"last_indexed_block_number" json:"last_indexed_block_number"`
	LastIndexedPosition    string    `db:"last_indexed_position" json:"last_indexed_position,omitempty"`
	UpdatedAt              time.Time `db:"updated_at" json:"updated_at"`
}
