package model

import (
	"fmt"
	"time"
)

type OutPoint struct {
	TxHash string `db:"tx_hash" json:"tx_hash"`
	Index  int64  `db:"output_index" json:"index"`
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxHash, o.Index)
}

type Cell struct {
	OutPoint            OutPoint `json:"out_point"`
	ScriptID            string   `db:"script_id" json:"script_id"`
	Capacity            int64    `db:"capacity" json:"capacity"`
	Data                string   `db:"data" json:"data"`
	Type                *Script  `db:"-" json:"type,omitempty"`
	CreatedBlockNumber  int64    `db:"created_block_number" json:"created_block_number"`
	CreatedTxHash       string   `db:"created_tx_hash" json:"created_tx_hash"`
	ConsumedBlockNumber *int64   `db:"consumed_block_number" json:"consumed_block_number,omitempty"`
	ConsumedTxHash      *string  `db:"consumed_tx_hash" json:"consumed_tx_hash,omitempty"`
}

func (c Cell) Consumed() bool {
	return c.ConsumedTxHash != nil
}

// Validate enforces the consumed-pair invariant that the storage engine
// cannot express on its own.
func (c Cell) Validate() error {
	if (c.ConsumedBlockNumber == nil) != (c.ConsumedTxHash == nil) {
		return fmt.Errorf("cell %s: consumed block and consumed tx must be set together", c.OutPoint)
	}
	if c.Capacity < 0 {
		return fmt.Errorf("cell %s: negative capacity", c.OutPoint)
	}
	if c.CreatedTxHash != c.OutPoint.TxHash {
		return fmt.Errorf("cell %s: created tx %s does not match out point", c.OutPoint, c.CreatedTxHash)
	}
	return nil
}

type CellStatus string

const (
	CellStatusLive     CellStatus = "live"
	CellStatusConsumed CellStatus = "consumed"
	CellStatusDeposit  CellStatus = "deposit"
	CellStatusPrepare  CellStatus = "prepare"
	CellStatusReady    CellStatus = "ready"
)

// CellView is a cell with its derived status, as served to readers.
type CellView struct {
	Cell
	Status   CellStatus `json:"status"`
	UnlockAt *int64     `json:"unlock_at,omitempty"`
}

type BlockHeader struct {
	ScriptID   string     `db:"script_id" json:"-"`
	Number     int64      `db:"block_number" json:"number"`
	Hash       string     `db:"block_hash" json:"hash"`
	ParentHash string     `db:"parent_hash" json:"parent_hash"`
	Timestamp  *time.Time `db:"block_time" json:"timestamp,omitempty"`
}
