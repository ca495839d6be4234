package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

type HeaderRepo struct {
	db *DB
}

func NewHeaderRepo(db *DB) *HeaderRepo {
	return &HeaderRepo{db: db}
}

func (r *HeaderRepo) UpsertTx(ctx context.Context, tx *sql.Tx, h model.BlockHeader) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO block_headers (script_id, block_number, block_hash, parent_hash, block_time)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (script_id, block_number) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			parent_hash = EXCLUDED.parent_hash,
			block_time = EXCLUDED.block_time
	`, h.ScriptID, h.Number, h.Hash, h.ParentHash, nullableMillis(h.Timestamp)); err != nil {
		return fmt.Errorf("upsert header %d: %w", h.Number, err)
	}
	return nil
}

func scanHeader(row interface{ Scan(...any) error }) (*model.BlockHeader, error) {
	var (
		h         model.BlockHeader
		blockTime sql.NullInt64
	)
	if err := row.Scan(&h.ScriptID, &h.Number, &h.Hash, &h.ParentHash, &blockTime); err != nil {
		return nil, err
	}
	h.Timestamp = fromNullMillis(blockTime)
	return &h, nil
}

func (r *HeaderRepo) Get(ctx context.Context, scriptID string, blockNumber int64) (*model.BlockHeader, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	h, err := scanHeader(r.db.Reader().QueryRowContext(ctx, `
		SELECT script_id, block_number, block_hash, parent_hash, block_time
		FROM block_headers
		WHERE script_id = $1 AND block_number = $2
	`, scriptID, blockNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get header %d: %w", blockNumber, err)
	}
	return h, nil
}

func (r *HeaderRepo) ListBelow(ctx context.Context, scriptID string, blockNumber int64, limit int) ([]model.BlockHeader, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.Reader().QueryContext(ctx, `
		SELECT script_id, block_number, block_hash, parent_hash, block_time
		FROM block_headers
		WHERE script_id = $1 AND block_number < $2
		ORDER BY block_number DESC
		LIMIT $3
	`, scriptID, blockNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("list headers below %d: %w", blockNumber, err)
	}
	defer rows.Close()

	var out []model.BlockHeader
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, fmt.Errorf("scan header: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (r *HeaderRepo) DeleteAboveTx(ctx context.Context, tx *sql.Tx, scriptID string, blockNumber int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM block_headers WHERE script_id = $1 AND block_number > $2
	`, scriptID, blockNumber)
	if err != nil {
		return 0, fmt.Errorf("delete headers above %d: %w", blockNumber, err)
	}
	return res.RowsAffected()
}

func (r *HeaderRepo) DeleteByScriptTx(ctx context.Context, tx *sql.Tx, scriptID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM block_headers WHERE script_id = $1`, scriptID)
	if err != nil {
		return 0, fmt.Errorf("delete headers for script: %w", err)
	}
	return res.RowsAffected()
}
