package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

type CellRepo struct {
	db *DB
}

func NewCellRepo(db *DB) *CellRepo {
	return &CellRepo{db: db}
}

const cellColumns = `tx_hash, output_index, script_id, capacity, data, type_code_hash, type_hash_type, type_args,
	created_block_number, consumed_block_number, consumed_tx_hash`

func scanCell(row interface{ Scan(...any) error }) (*model.Cell, error) {
	var (
		c                         model.Cell
		typeCode, typeHash, tArgs sql.NullString
		consumedBlock             sql.NullInt64
		consumedTx                sql.NullString
	)
	if err := row.Scan(
		&c.OutPoint.TxHash, &c.OutPoint.Index, &c.ScriptID, &c.Capacity, &c.Data,
		&typeCode, &typeHash, &tArgs,
		&c.CreatedBlockNumber, &consumedBlock, &consumedTx,
	); err != nil {
		return nil, err
	}
	c.CreatedTxHash = c.OutPoint.TxHash
	if typeCode.Valid {
		c.Type = &model.Script{CodeHash: typeCode.String, HashType: model.HashType(typeHash.String), Args: tArgs.String}
	}
	c.ConsumedBlockNumber = int64Ptr(consumedBlock)
	c.ConsumedTxHash = stringPtr(consumedTx)
	return &c, nil
}

func (r *CellRepo) UpsertCreatedTx(ctx context.Context, tx *sql.Tx, c *model.Cell) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var typeCode, typeHash, typeArgs sql.NullString
	if c.Type != nil {
		typeCode = sql.NullString{String: c.Type.CodeHash, Valid: true}
		typeHash = sql.NullString{String: string(c.Type.HashType), Valid: true}
		typeArgs = sql.NullString{String: c.Type.Args, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cells (tx_hash, output_index, script_id, capacity, data, type_code_hash, type_hash_type, type_args,
			created_block_number, consumed_block_number, consumed_tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_hash, output_index) DO UPDATE SET
			script_id = EXCLUDED.script_id,
			capacity = EXCLUDED.capacity,
			data = EXCLUDED.data,
			type_code_hash = EXCLUDED.type_code_hash,
			type_hash_type = EXCLUDED.type_hash_type,
			type_args = EXCLUDED.type_args,
			created_block_number = EXCLUDED.created_block_number
	`, c.OutPoint.TxHash, c.OutPoint.Index, c.ScriptID, c.Capacity, c.Data, typeCode, typeHash, typeArgs,
		c.CreatedBlockNumber, nullInt64(c.ConsumedBlockNumber), nullString(c.ConsumedTxHash))
	if err != nil {
		return fmt.Errorf("upsert cell %s: %w", c.OutPoint, err)
	}
	return nil
}

func (r *CellRepo) MarkConsumedTx(ctx context.Context, tx *sql.Tx, op model.OutPoint, blockNumber int64, txHash string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE cells SET consumed_block_number = $1, consumed_tx_hash = $2
		WHERE tx_hash = $3 AND output_index = $4
	`, blockNumber, txHash, op.TxHash, op.Index)
	if err != nil {
		return false, fmt.Errorf("mark cell %s consumed: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark cell %s consumed: %w", op, err)
	}
	return n > 0, nil
}

func (r *CellRepo) GetTx(ctx context.Context, tx *sql.Tx, op model.OutPoint) (*model.Cell, error) {
	c, err := scanCell(tx.QueryRowContext(ctx, `
		SELECT `+cellColumns+` FROM cells WHERE tx_hash = $1 AND output_index = $2
	`, op.TxHash, op.Index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cell %s: %w", op, err)
	}
	return c, nil
}

func (r *CellRepo) RepointConsumerTx(ctx context.Context, tx *sql.Tx, from, to string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE cells SET consumed_tx_hash = $1 WHERE consumed_tx_hash = $2
	`, to, from)
	if err != nil {
		return 0, fmt.Errorf("repoint cell consumers %s -> %s: %w", from, to, err)
	}
	return res.RowsAffected()
}

func (r *CellRepo) RollbackFromTx(ctx context.Context, tx *sql.Tx, scriptID string, blockNumber int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM cells WHERE script_id = $1 AND created_block_number >= $2
	`, scriptID, blockNumber)
	if err != nil {
		return 0, fmt.Errorf("delete cells from block %d: %w", blockNumber, err)
	}
	deleted, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		UPDATE cells SET consumed_block_number = NULL, consumed_tx_hash = NULL
		WHERE script_id = $1 AND consumed_block_number >= $2
	`, scriptID, blockNumber)
	if err != nil {
		return 0, fmt.Errorf("unconsume cells from block %d: %w", blockNumber, err)
	}
	unconsumed, _ := res.RowsAffected()
	return deleted + unconsumed, nil
}

func (r *CellRepo) DeleteByScriptTx(ctx context.Context, tx *sql.Tx, scriptID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM cells WHERE script_id = $1`, scriptID)
	if err != nil {
		return 0, fmt.Errorf("delete cells for script: %w", err)
	}
	return res.RowsAffected()
}

func (r *CellRepo) ListByScripts(ctx context.Context, scriptIDs []string, includeConsumed bool) ([]model.Cell, error) {
	if len(scriptIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	query := `SELECT ` + cellColumns + ` FROM cells WHERE script_id IN (` + placeholders(1, len(scriptIDs)) + `)`
	if !includeConsumed {
		query += ` AND consumed_tx_hash IS NULL`
	}
	query += ` ORDER BY created_block_number, tx_hash, output_index`

	rows, err := r.db.Reader().QueryContext(ctx, query, stringArgs(scriptIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()

	var out []model.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
