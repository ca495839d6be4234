// Package amendment tracks replaced transactions and resolves a hash to
// the one that finally landed on chain.
package amendment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/metrics"
	"github.com/emperorhan/cellsync/internal/store"
	"github.com/emperorhan/cellsync/internal/syncerr"
)

// MaxChainLength bounds every amendment walk.
const MaxChainLength = 32

type Tracker struct {
	records store.AmendmentRepository
	txs     store.TransactionRepository
	cells   store.CellRepository
	logger  *slog.Logger
	nowFn   func() time.Time
}

func NewTracker(records store.AmendmentRepository, txs store.TransactionRepository, cells store.CellRepository, logger *slog.Logger) *Tracker {
	return &Tracker{
		records: records,
		txs:     txs,
		cells:   cells,
		logger:  logger.With("component", "amendment_tracker"),
		nowFn:   time.Now,
	}
}

// RecordTx notes that original was replaced by amended. Chains collapse:
// records already pointing at original move to the final hash, and if
// amended was itself replaced the new record points past it. Cells
// consumed by original are re-pointed and the original transaction row
// keeps its hash with amended_hash set. Re-recording the same amendment
// is a no-op and reports false.
func (t *Tracker) RecordTx(ctx context.Context, tx *sql.Tx, original, amended string) (bool, error) {
	const op = "amendment.record"
	if original == amended {
		return false, nil
	}

	final, err := t.resolve(ctx, amended, func(h string) (*model.AmendmentRecord, error) {
		return t.records.GetTx(ctx, tx, h)
	})
	if err != nil {
		return false, err
	}
	if final == original {
		return false, syncerr.Newf(syncerr.KindAmendmentCycleDetected, op, "%s -> %s leads back to itself", original, amended)
	}

	existing, err := t.records.GetTx(ctx, tx, original)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if existing != nil && existing.AmendedHash == final {
		return false, nil
	}

	if err := t.records.UpsertTx(ctx, tx, model.AmendmentRecord{
		OriginalHash: original,
		AmendedHash:  final,
		CreatedAt:    t.nowFn(),
	}); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := t.records.RepointTx(ctx, tx, original, final); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if err := t.txs.SetAmendedTx(ctx, tx, original, final); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := t.txs.RepointAmendedTx(ctx, tx, original, final); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	moved, err := t.cells.RepointConsumerTx(ctx, tx, original, final)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	metrics.AmendmentsRecorded.Inc()
	t.logger.Info("amendment recorded",
		"original", original,
		"amended", final,
		"cells_repointed", moved,
	)
	return true, nil
}

// Resolve returns the canonical hash for hash, or hash itself when it was
// never amended.
func (t *Tracker) Resolve(ctx context.Context, hash string) (string, error) {
	return t.resolve(ctx, hash, func(h string) (*model.AmendmentRecord, error) {
		return t.records.Get(ctx, h)
	})
}

func (t *Tracker) resolve(ctx context.Context, hash string, lookup func(string) (*model.AmendmentRecord, error)) (string, error) {
	return walk(hash, func(h string) (string, bool, error) {
		rec, err := lookup(h)
		if err != nil || rec == nil {
			return "", false, err
		}
		return rec.AmendedHash, true, nil
	})
}

// Snapshot resolves against an in-memory copy of every amendment record.
type Snapshot map[string]string

// LoadSnapshot reads all amendment records.
func (t *Tracker) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	recs, err := t.records.List(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(recs), nil
}

func NewSnapshot(recs []model.AmendmentRecord) Snapshot {
	s := make(Snapshot, len(recs))
	for _, r := range recs {
		s[r.OriginalHash] = r.AmendedHash
	}
	return s
}

func (s Snapshot) Resolve(hash string) (string, error) {
	return walk(hash, func(h string) (string, bool, error) {
		next, ok := s[h]
		return next, ok, nil
	})
}

func walk(hash string, next func(string) (string, bool, error)) (string, error) {
	const op = "amendment.resolve"
	seen := map[string]struct{}{hash: {}}
	cur := hash
	for i := 0; i < MaxChainLength; i++ {
		n, ok, err := next(cur)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if !ok {
			return cur, nil
		}
		if _, dup := seen[n]; dup {
			return "", syncerr.Newf(syncerr.KindAmendmentCycleDetected, op, "cycle through %s starting at %s", n, hash)
		}
		seen[n] = struct{}{}
		cur = n
	}
	return "", syncerr.Newf(syncerr.KindAmendmentCycleDetected, op, "chain from %s longer than %d", hash, MaxChainLength)
}
