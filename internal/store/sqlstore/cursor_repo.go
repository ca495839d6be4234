package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, scriptID string) (*model.Cursor, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	return r.get(ctx, r.db.Reader(), scriptID)
}

func (r *CursorRepo) GetTx(ctx context.Context, tx *sql.Tx, scriptID string) (*model.Cursor, error) {
	return r.get(ctx, tx, scriptID)
}

func (r *CursorRepo) get(ctx context.Context, q queryer, scriptID string) (*model.Cursor, error) {
	var (
		c         model.Cursor
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT script_id, last_indexed_block_number, last_indexed_position, updated_at
		FROM cursors
		WHERE script_id = $1
	`, scriptID).Scan(&c.ScriptID, &c.LastIndexedBlockNumber, &c.LastIndexedPosition, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func (r *CursorRepo) UpsertTx(ctx context.Context, tx *sql.Tx, c model.Cursor) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (script_id, last_indexed_block_number, last_indexed_position, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (script_id) DO UPDATE SET
			last_indexed_block_number = EXCLUDED.last_indexed_block_number,
			last_indexed_position = EXCLUDED.last_indexed_position,
			updated_at = EXCLUDED.updated_at
	`, c.ScriptID, c.LastIndexedBlockNumber, c.LastIndexedPosition, toMillis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

func (r *CursorRepo) List(ctx context.Context) ([]model.Cursor, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.Reader().QueryContext(ctx, `
		SELECT script_id, last_indexed_block_number, last_indexed_position, updated_at
		FROM cursors
		ORDER BY script_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []model.Cursor
	for rows.Next() {
		var (
			c         model.Cursor
			updatedAt int64
		)
		if err := rows.Scan(&c.ScriptID, &c.LastIndexedBlockNumber, &c.LastIndexedPosition, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.UpdatedAt = fromMillis(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CursorRepo) DeleteTx(ctx context.Context, tx *sql.Tx, scriptID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cursors WHERE script_id = $1`, scriptID); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}
