package store

import (
	"context"
	"database/sql"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// WatchedScriptRepository provides access to registered lock scripts.
// Get and GetByIdentity return nil, nil when no row matches.
type WatchedScriptRepository interface {
	Insert(ctx context.Context, s *model.WatchedScript) error
	Get(ctx context.Context, id string) (*model.WatchedScript, error)
	GetByIdentity(ctx context.Context, identity string) (*model.WatchedScript, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// List is ordered by creation time, then id.
	List(ctx context.Context, enabledOnly bool) ([]model.WatchedScript, error)
	ListByWallet(ctx context.Context, walletID string) ([]model.WatchedScript, error)
}

// CursorRepository provides access to per-script indexer cursors.
type CursorRepository interface {
	Get(ctx context.Context, scriptID string) (*model.Cursor, error)
	GetTx(ctx context.Context, tx *sql.Tx, scriptID string) (*model.Cursor, error)
	UpsertTx(ctx context.Context, tx *sql.Tx, c model.Cursor) error
	List(ctx context.Context) ([]model.Cursor, error)
	DeleteTx(ctx context.Context, tx *sql.Tx, scriptID string) error
}

// CellRepository provides access to cached cells.
type CellRepository interface {
	// UpsertCreatedTx inserts a created cell or refreshes its creation
	// fields. Consumption fields of an existing row are left alone.
	UpsertCreatedTx(ctx context.Context, tx *sql.Tx, c *model.Cell) error
	// MarkConsumedTx records the consuming transaction. It reports false
	// when the cell is not cached.
	MarkConsumedTx(ctx context.Context, tx *sql.Tx, op model.OutPoint, blockNumber int64, txHash string) (bool, error)
	GetTx(ctx context.Context, tx *sql.Tx, op model.OutPoint) (*model.Cell, error)
	// RepointConsumerTx rewrites consumed_tx_hash from one hash to another.
	RepointConsumerTx(ctx context.Context, tx *sql.Tx, from, to string) (int64, error)
	// RollbackFromTx deletes the script's cells created at or above
	// blockNumber and clears consumption recorded at or above it.
	RollbackFromTx(ctx context.Context, tx *sql.Tx, scriptID string, blockNumber int64) (int64, error)
	DeleteByScriptTx(ctx context.Context, tx *sql.Tx, scriptID string) (int64, error)
	ListByScripts(ctx context.Context, scriptIDs []string, includeConsumed bool) ([]model.Cell, error)
}

// TransactionRepository provides access to transactions, their links to
// watched scripts and the inputs of locally submitted transactions.
type TransactionRepository interface {
	// UpsertConfirmedTx writes block placement. amended_hash is preserved.
	UpsertConfirmedTx(ctx context.Context, tx *sql.Tx, t *model.Transaction) error
	// InsertPendingTx is a no-op when the hash is already known.
	InsertPendingTx(ctx context.Context, tx *sql.Tx, t *model.Transaction, inputs []model.OutPoint) error
	Get(ctx context.Context, hash string) (*model.Transaction, error)
	GetTx(ctx context.Context, tx *sql.Tx, hash string) (*model.Transaction, error)
	SetAmendedTx(ctx context.Context, tx *sql.Tx, hash, amendedHash string) error
	// RepointAmendedTx rewrites amended_hash from one hash to another.
	RepointAmendedTx(ctx context.Context, tx *sql.Tx, from, to string) (int64, error)
	// FindPendingSpendersTx returns unamended pending transactions that
	// declared op as an input.
	FindPendingSpendersTx(ctx context.Context, tx *sql.Tx, op model.OutPoint) ([]string, error)

	LinkScriptTx(ctx context.Context, tx *sql.Tx, scriptID, hash string, blockNumber *int64) error
	UnlinkFromBlockTx(ctx context.Context, tx *sql.Tx, scriptID string, blockNumber int64) (int64, error)
	UnlinkScriptTx(ctx context.Context, tx *sql.Tx, scriptID string) (int64, error)
	// DeleteOrphansTx removes confirmed transactions no script links to
	// and that no amendment or pending input refers to.
	DeleteOrphansTx(ctx context.Context, tx *sql.Tx) (int64, error)

	// ListByScripts is ordered pending first, then by block descending.
	ListByScripts(ctx context.Context, scriptIDs []string) ([]model.Transaction, error)
}

// AmendmentRepository provides access to original -> amended hash records.
type AmendmentRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, rec model.AmendmentRecord) error
	Get(ctx context.Context, originalHash string) (*model.AmendmentRecord, error)
	GetTx(ctx context.Context, tx *sql.Tx, originalHash string) (*model.AmendmentRecord, error)
	// RepointTx rewrites every record whose amended hash is from.
	RepointTx(ctx context.Context, tx *sql.Tx, from, to string) (int64, error)
	List(ctx context.Context) ([]model.AmendmentRecord, error)
}

// HeaderRepository provides access to block headers cached per script
// for reorg detection.
type HeaderRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, h model.BlockHeader) error
	Get(ctx context.Context, scriptID string, blockNumber int64) (*model.BlockHeader, error)
	// ListBelow returns up to limit headers strictly below blockNumber,
	// highest first.
	ListBelow(ctx context.Context, scriptID string, blockNumber int64, limit int) ([]model.BlockHeader, error)
	DeleteAboveTx(ctx context.Context, tx *sql.Tx, scriptID string, blockNumber int64) (int64, error)
	DeleteByScriptTx(ctx context.Context, tx *sql.Tx, scriptID string) (int64, error)
}
