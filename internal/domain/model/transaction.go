package model

import "time"

type Transaction struct {
	Hash        string     `db:"hash" json:"hash"`
	BlockNumber *int64     `db:"block_number" json:"block_number,omitempty"`
	BlockHash   *string    `db:"block_hash" json:"block_hash,omitempty"`
	Timestamp   *time.Time `db:"block_time" json:"timestamp,omitempty"`
	Confirmed   bool       `db:"confirmed" json:"confirmed"`
	AmendedHash *string    `db:"amended_hash" json:"amended_hash,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

func (t Transaction) Pending() bool {
	return !t.Confirmed && t.BlockNumber == nil
}

type AmendmentRecord struct {
	OriginalHash string    `db:"original_hash" json:"original_hash"`
	AmendedHash  string    `db:"amended_hash" json:"amended_hash"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// HistoryEntry is a transaction touching a set of scripts, with the
// amendment chain already resolved.
type HistoryEntry struct {
	Transaction
	CanonicalHash string `json:"canonical_hash"`
	// OriginalHashes lists replaced transactions folded into this entry.
	OriginalHashes []string `json:"original_hashes,omitempty"`
	Delta          int64    `json:"delta"`
}
