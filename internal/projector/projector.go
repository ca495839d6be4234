// Package projector computes balances, cell statuses and history from the
// committed cache. It never writes.
package projector

import (
	"context"
	"fmt"
	"sort"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/pipeline/amendment"
	"github.com/emperorhan/cellsync/internal/store"
)

// Balance is the projection of an account at one tip.
type Balance struct {
	ScriptIDs []string `json:"script_ids"`
	TipNumber int64    `json:"tip_number"`
	// Capacity sums every live cell, time-locked ones included.
	Capacity  int64 `json:"capacity"`
	LiveCells int   `json:"live_cells"`
	// Per-status capacity of time-locked cells.
	Deposit int64 `json:"deposit"`
	Prepare int64 `json:"prepare"`
	Ready   int64 `json:"ready"`
}

// AmendmentSource hands out a consistent view of recorded amendments.
type AmendmentSource interface {
	LoadSnapshot(ctx context.Context) (amendment.Snapshot, error)
}

type Projector struct {
	cells      store.CellRepository
	txs        store.TransactionRepository
	amendments AmendmentSource
	lock       LockPeriod
}

func New(cells store.CellRepository, txs store.TransactionRepository, amendments AmendmentSource, lock LockPeriod) *Projector {
	return &Projector{cells: cells, txs: txs, amendments: amendments, lock: lock}
}

// Balance reads the live cells of scriptIDs and projects them at tip.
func (p *Projector) Balance(ctx context.Context, scriptIDs []string, tip int64) (Balance, error) {
	cells, err := p.cells.ListByScripts(ctx, scriptIDs, false)
	if err != nil {
		return Balance{}, fmt.Errorf("project balance: %w", err)
	}
	b := ProjectBalance(cells, tip, p.lock)
	b.ScriptIDs = scriptIDs
	return b, nil
}

// ProjectBalance is the pure form of Balance.
func ProjectBalance(cells []model.Cell, tip int64, lock LockPeriod) Balance {
	b := Balance{TipNumber: tip}
	for _, c := range cells {
		v := lock.Classify(c, tip)
		switch v.Status {
		case model.CellStatusConsumed:
			continue
		case model.CellStatusDeposit:
			b.Deposit += c.Capacity
		case model.CellStatusPrepare:
			b.Prepare += c.Capacity
		case model.CellStatusReady:
			b.Ready += c.Capacity
		}
		b.Capacity += c.Capacity
		b.LiveCells++
	}
	return b
}

// Cells lists cells of scriptIDs with their derived status.
func (p *Projector) Cells(ctx context.Context, scriptIDs []string, tip int64, includeConsumed bool) ([]model.CellView, error) {
	cells, err := p.cells.ListByScripts(ctx, scriptIDs, includeConsumed)
	if err != nil {
		return nil, fmt.Errorf("project cells: %w", err)
	}
	out := make([]model.CellView, 0, len(cells))
	for _, c := range cells {
		out = append(out, p.lock.Classify(c, tip))
	}
	return out, nil
}

// History returns the transactions touching scriptIDs with amendments
// resolved. A replaced transaction is folded into the entry of its
// replacement when both are present.
func (p *Projector) History(ctx context.Context, scriptIDs []string) ([]model.HistoryEntry, error) {
	txs, err := p.txs.ListByScripts(ctx, scriptIDs)
	if err != nil {
		return nil, fmt.Errorf("project history: %w", err)
	}
	cells, err := p.cells.ListByScripts(ctx, scriptIDs, true)
	if err != nil {
		return nil, fmt.Errorf("project history: %w", err)
	}
	snap, err := p.amendments.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("project history: %w", err)
	}
	return ProjectHistory(txs, cells, snap)
}

// ProjectHistory is the pure form of History. Order follows txs.
func ProjectHistory(txs []model.Transaction, cells []model.Cell, amendments amendment.Snapshot) ([]model.HistoryEntry, error) {
	delta := make(map[string]int64)
	for _, c := range cells {
		delta[c.CreatedTxHash] += c.Capacity
		if c.ConsumedTxHash != nil {
			delta[*c.ConsumedTxHash] -= c.Capacity
		}
	}

	present := make(map[string]bool, len(txs))
	for _, t := range txs {
		present[t.Hash] = true
	}

	entries := make([]model.HistoryEntry, 0, len(txs))
	index := make(map[string]int, len(txs))
	var folded []model.Transaction

	for _, t := range txs {
		canonical, err := amendments.Resolve(t.Hash)
		if err != nil {
			return nil, err
		}
		if canonical != t.Hash && present[canonical] {
			folded = append(folded, t)
			continue
		}
		index[t.Hash] = len(entries)
		entries = append(entries, model.HistoryEntry{
			Transaction:   t,
			CanonicalHash: canonical,
			Delta:         delta[t.Hash],
		})
	}

	for _, t := range folded {
		canonical, _ := amendments.Resolve(t.Hash)
		i := index[canonical]
		entries[i].OriginalHashes = append(entries[i].OriginalHashes, t.Hash)
		entries[i].Delta += delta[t.Hash]
	}
	for i := range entries {
		sort.Strings(entries[i].OriginalHashes)
	}
	return entries, nil
}
