package model

import "time"

type ScriptKind string

const (
	ScriptKindAddress  ScriptKind = "address"
	ScriptKindMultisig ScriptKind = "multisig"
)

func (k ScriptKind) Valid() bool {
	return k == ScriptKindAddress || k == ScriptKindMultisig
}

type WatchedScript struct {
	ID               string     `db:"id" json:"id"`
	Identity         string     `db:"identity" json:"identity"`
	Script           Script     `db:"-" json:"script"`
	Kind             ScriptKind `db:"kind" json:"kind"`
	WalletID         *string    `db:"wallet_id" json:"wallet_id,omitempty"`
	StartBlockNumber int64      `db:"start_block_number" json:"start_block_number"`
	Enabled          bool       `db:"enabled" json:"enabled"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}
