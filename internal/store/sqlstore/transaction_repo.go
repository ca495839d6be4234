package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

type TransactionRepo struct {
	db *DB
}

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

const transactionColumns = `hash, block_number, block_hash, block_time, confirmed, amended_hash, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*model.Transaction, error) {
	var (
		t           model.Transaction
		blockNumber sql.NullInt64
		blockHash   sql.NullString
		blockTime   sql.NullInt64
		amended     sql.NullString
		createdAt   int64
	)
	if err := row.Scan(&t.Hash, &blockNumber, &blockHash, &blockTime, &t.Confirmed, &amended, &createdAt); err != nil {
		return nil, err
	}
	t.BlockNumber = int64Ptr(blockNumber)
	t.BlockHash = stringPtr(blockHash)
	t.Timestamp = fromNullMillis(blockTime)
	t.AmendedHash = stringPtr(amended)
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

func (r *TransactionRepo) UpsertConfirmedTx(ctx context.Context, tx *sql.Tx, t *model.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (hash, block_number, block_hash, block_time, confirmed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash = EXCLUDED.block_hash,
			block_time = EXCLUDED.block_time,
			confirmed = EXCLUDED.confirmed
	`, t.Hash, nullInt64(t.BlockNumber), nullString(t.BlockHash), nullableMillis(t.Timestamp), t.Confirmed, toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert transaction %s: %w", t.Hash, err)
	}
	return nil
}

func (r *TransactionRepo) InsertPendingTx(ctx context.Context, tx *sql.Tx, t *model.Transaction, inputs []model.OutPoint) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (hash, confirmed, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO NOTHING
	`, t.Hash, false, toMillis(t.CreatedAt)); err != nil {
		return fmt.Errorf("insert pending transaction %s: %w", t.Hash, err)
	}
	for _, in := range inputs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_inputs (tx_hash, out_tx_hash, out_index)
			VALUES ($1, $2, $3)
			ON CONFLICT (tx_hash, out_tx_hash, out_index) DO NOTHING
		`, t.Hash, in.TxHash, in.Index); err != nil {
			return fmt.Errorf("insert pending input %s: %w", in, err)
		}
	}
	return nil
}

func (r *TransactionRepo) Get(ctx context.Context, hash string) (*model.Transaction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	return r.get(ctx, r.db.Reader(), hash)
}

func (r *TransactionRepo) GetTx(ctx context.Context, tx *sql.Tx, hash string) (*model.Transaction, error) {
	return r.get(ctx, tx, hash)
}

func (r *TransactionRepo) get(ctx context.Context, q queryer, hash string) (*model.Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE hash = $1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", hash, err)
	}
	return t, nil
}

func (r *TransactionRepo) SetAmendedTx(ctx context.Context, tx *sql.Tx, hash, amendedHash string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET amended_hash = $1 WHERE hash = $2
	`, amendedHash, hash); err != nil {
		return fmt.Errorf("set amended hash on %s: %w", hash, err)
	}
	return nil
}

func (r *TransactionRepo) RepointAmendedTx(ctx context.Context, tx *sql.Tx, from, to string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions SET amended_hash = $1 WHERE amended_hash = $2
	`, to, from)
	if err != nil {
		return 0, fmt.Errorf("repoint amended hash %s -> %s: %w", from, to, err)
	}
	return res.RowsAffected()
}

func (r *TransactionRepo) FindPendingSpendersTx(ctx context.Context, tx *sql.Tx, op model.OutPoint) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT p.tx_hash
		FROM pending_inputs p
		JOIN transactions t ON t.hash = p.tx_hash
		WHERE p.out_tx_hash = $1 AND p.out_index = $2
		  AND t.confirmed = $3 AND t.amended_hash IS NULL
		ORDER BY p.tx_hash
	`, op.TxHash, op.Index, false)
	if err != nil {
		return nil, fmt.Errorf("find pending spenders of %s: %w", op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan pending spender: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *TransactionRepo) LinkScriptTx(ctx context.Context, tx *sql.Tx, scriptID, hash string, blockNumber *int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO script_transactions (script_id, tx_hash, block_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (script_id, tx_hash) DO UPDATE SET block_number = EXCLUDED.block_number
	`, scriptID, hash, nullInt64(blockNumber)); err != nil {
		return fmt.Errorf("link transaction %s: %w", hash, err)
	}
	return nil
}

func (r *TransactionRepo) UnlinkFromBlockTx(ctx context.Context, tx *sql.Tx, scriptID string, blockNumber int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM script_transactions WHERE script_id = $1 AND block_number >= $2
	`, scriptID, blockNumber)
	if err != nil {
		return 0, fmt.Errorf("unlink transactions from block %d: %w", blockNumber, err)
	}
	return res.RowsAffected()
}

func (r *TransactionRepo) UnlinkScriptTx(ctx context.Context, tx *sql.Tx, scriptID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM script_transactions WHERE script_id = $1`, scriptID)
	if err != nil {
		return 0, fmt.Errorf("unlink transactions for script: %w", err)
	}
	return res.RowsAffected()
}

func (r *TransactionRepo) DeleteOrphansTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE confirmed = $1
		  AND NOT EXISTS (SELECT 1 FROM script_transactions s WHERE s.tx_hash = transactions.hash)
		  AND NOT EXISTS (SELECT 1 FROM pending_inputs p WHERE p.tx_hash = transactions.hash)
		  AND NOT EXISTS (SELECT 1 FROM amendments a WHERE a.original_hash = transactions.hash OR a.amended_hash = transactions.hash)
	`, true)
	if err != nil {
		return 0, fmt.Errorf("delete orphan transactions: %w", err)
	}
	return res.RowsAffected()
}

func (r *TransactionRepo) ListByScripts(ctx context.Context, scriptIDs []string) ([]model.Transaction, error) {
	if len(scriptIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.Reader().QueryContext(ctx, `
		SELECT t.hash, t.block_number, t.block_hash, t.block_time, t.confirmed, t.amended_hash, t.created_at
		FROM transactions t
		WHERE EXISTS (
			SELECT 1 FROM script_transactions s
			WHERE s.tx_hash = t.hash AND s.script_id IN (`+placeholders(1, len(scriptIDs))+`)
		)
		ORDER BY (t.block_number IS NULL) DESC, t.block_number DESC, t.hash
	`, stringArgs(scriptIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
