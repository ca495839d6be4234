package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

type AmendmentRepo struct {
	db *DB
}

func NewAmendmentRepo(db *DB) *AmendmentRepo {
	return &AmendmentRepo{db: db}
}

func (r *AmendmentRepo) UpsertTx(ctx context.Context, tx *sql.Tx, rec model.AmendmentRecord) error {
	if rec.OriginalHash == rec.AmendedHash {
		return fmt.Errorf("amendment %s cannot point to itself", rec.OriginalHash)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO amendments (original_hash, amended_hash, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (original_hash) DO UPDATE SET amended_hash = EXCLUDED.amended_hash
	`, rec.OriginalHash, rec.AmendedHash, toMillis(rec.CreatedAt)); err != nil {
		return fmt.Errorf("upsert amendment %s: %w", rec.OriginalHash, err)
	}
	return nil
}

func (r *AmendmentRepo) Get(ctx context.Context, originalHash string) (*model.AmendmentRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	return r.get(ctx, r.db.Reader(), originalHash)
}

func (r *AmendmentRepo) GetTx(ctx context.Context, tx *sql.Tx, originalHash string) (*model.AmendmentRecord, error) {
	return r.get(ctx, tx, originalHash)
}

func (r *AmendmentRepo) get(ctx context.Context, q queryer, originalHash string) (*model.AmendmentRecord, error) {
	var (
		rec       model.AmendmentRecord
		createdAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT original_hash, amended_hash, created_at FROM amendments WHERE original_hash = $1
	`, originalHash).Scan(&rec.OriginalHash, &rec.AmendedHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get amendment %s: %w", originalHash, err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	return &rec, nil
}

func (r *AmendmentRepo) RepointTx(ctx context.Context, tx *sql.Tx, from, to string) (int64, error) {
	// A record from -> to would become to -> to; drop it instead.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM amendments WHERE original_hash = $1 AND amended_hash = $2
	`, to, from); err != nil {
		return 0, fmt.Errorf("drop self amendment for %s: %w", to, err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE amendments SET amended_hash = $1 WHERE amended_hash = $2
	`, to, from)
	if err != nil {
		return 0, fmt.Errorf("repoint amendments %s -> %s: %w", from, to, err)
	}
	return res.RowsAffected()
}

func (r *AmendmentRepo) List(ctx context.Context) ([]model.AmendmentRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.Reader().QueryContext(ctx, `
		SELECT original_hash, amended_hash, created_at FROM amendments ORDER BY created_at, original_hash
	`)
	if err != nil {
		return nil, fmt.Errorf("list amendments: %w", err)
	}
	defer rows.Close()

	var out []model.AmendmentRecord
	for rows.Next() {
		var (
			rec       model.AmendmentRecord
			createdAt int64
		)
		if err := rows.Scan(&rec.OriginalHash, &rec.AmendedHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan amendment: %w", err)
		}
		rec.CreatedAt = fromMillis(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
