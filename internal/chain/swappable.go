package chain

import (
	"context"
	"sync"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

// Swappable forwards to a gateway that can be replaced at runtime, so
// components built once keep working across endpoint switches.
type Swappable struct {
	mu sync.RWMutex
	gw NodeGateway
}

var _ NodeGateway = (*Swappable)(nil)

func NewSwappable(gw NodeGateway) *Swappable {
	return &Swappable{gw: gw}
}

// Swap installs gw and returns the previous gateway.
func (s *Swappable) Swap(gw NodeGateway) NodeGateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.gw
	s.gw = gw
	return old
}

func (s *Swappable) Current() NodeGateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gw
}

func (s *Swappable) GetTipNumber(ctx context.Context) (int64, error) {
	return s.Current().GetTipNumber(ctx)
}

func (s *Swappable) GetIndexerTip(ctx context.Context) (Header, error) {
	return s.Current().GetIndexerTip(ctx)
}

func (s *Swappable) GetHeader(ctx context.Context, blockNumber int64) (*Header, error) {
	return s.Current().GetHeader(ctx, blockNumber)
}

func (s *Swappable) GetTransactions(ctx context.Context, lock model.Script, from PageRequest) (*Page, error) {
	return s.Current().GetTransactions(ctx, lock, from)
}

func (s *Swappable) GetTransaction(ctx context.Context, hash string) (*TxDetail, error) {
	return s.Current().GetTransaction(ctx, hash)
}

func (s *Swappable) SubmitTransaction(ctx context.Context, tx RawTransaction) (string, error) {
	return s.Current().SubmitTransaction(ctx, tx)
}

func (s *Swappable) Unwatch(ctx context.Context, lock model.Script) error {
	return s.Current().Unwatch(ctx, lock)
}
