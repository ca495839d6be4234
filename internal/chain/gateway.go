//go:generate mockgen -source=gateway.go -destination=mocks/mock_gateway.go -package=mocks

package chain

import (
	"context"
	"time"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

// NodeGateway is the engine's only view of the remote node and its indexer.
//
// Read calls retry transient failures internally and surface
// syncerr.KindNetworkUnavailable once attempts are exhausted.
// SubmitTransaction is never retried.
type NodeGateway interface {
	// GetTipNumber returns the node's best block number.
	GetTipNumber(ctx context.Context) (int64, error)

	// GetIndexerTip returns the highest block the remote indexer has processed.
	GetIndexerTip(ctx context.Context) (Header, error)

	// GetHeader returns the canonical header at blockNumber, or nil if the
	// node does not have that height yet.
	GetHeader(ctx context.Context, blockNumber int64) (*Header, error)

	// GetTransactions returns the next page of cell events for lock,
	// starting at the cursor (inclusive block, exclusive position).
	GetTransactions(ctx context.Context, lock model.Script, from PageRequest) (*Page, error)

	// GetTransaction returns a single transaction by hash, or nil if the
	// node does not know it.
	GetTransaction(ctx context.Context, hash string) (*TxDetail, error)

	// SubmitTransaction sends a signed transaction and returns its hash.
	SubmitTransaction(ctx context.Context, tx RawTransaction) (string, error)

	// Unwatch tells the remote indexer to stop tracking lock. Indexers that
	// do not require subscription treat it as a no-op.
	Unwatch(ctx context.Context, lock model.Script) error
}

type Header struct {
	Number     int64
	Hash       string
	ParentHash string
	Timestamp  *time.Time
}

type PageRequest struct {
	FromBlock int64
	// ToBlock is exclusive.
	ToBlock  int64
	Position string
	Limit    int
}

type EventKind string

const (
	EventCreated  EventKind = "created"
	EventConsumed EventKind = "consumed"
)

// CellEvent is one creation or consumption of a cell locked by the
// queried script.
type CellEvent struct {
	Kind        EventKind
	OutPoint    model.OutPoint
	TxHash      string
	TxIndex     int64
	BlockNumber int64
	BlockHash   string
	Timestamp   *time.Time
	// Capacity, Data and Type are set for EventCreated only.
	Capacity int64
	Data     string
	Type     *model.Script
}

type Page struct {
	Events []CellEvent
	// Headers holds the canonical header of every block referenced by
	// Events, ascending by number.
	Headers []Header
	// LastPosition is the indexer paging token after the last event.
	LastPosition string
	// Complete is true when the range [FromBlock, ToBlock) is exhausted.
	// An incomplete page without events means the node is not ready to
	// serve the rest of the range yet.
	Complete bool
}

type TxInput struct {
	PreviousOutput model.OutPoint
}

type TxOutput struct {
	Capacity int64
	Lock     model.Script
	Type     *model.Script
	Data     string
}

type TxDetail struct {
	Hash        string
	Status      string
	BlockNumber *int64
	BlockHash   string
	Inputs      []TxInput
	Outputs     []TxOutput
}

// RawTransaction is a signed transaction in the node's JSON shape. The
// engine does not interpret it beyond the declared inputs.
type RawTransaction struct {
	Payload []byte
	Inputs  []model.OutPoint
}
