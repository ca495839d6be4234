package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

type WatchedScriptRepo struct {
	db *DB
}

func NewWatchedScriptRepo(db *DB) *WatchedScriptRepo {
	return &WatchedScriptRepo{db: db}
}

const watchedScriptColumns = `id, identity, code_hash, hash_type, args, kind, wallet_id, start_block_number, enabled, created_at, updated_at`

func scanWatchedScript(row interface{ Scan(...any) error }) (*model.WatchedScript, error) {
	var (
		s                    model.WatchedScript
		walletID             sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&s.ID, &s.Identity, &s.Script.CodeHash, &s.Script.HashType, &s.Script.Args,
		&s.Kind, &walletID, &s.StartBlockNumber, &s.Enabled, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	s.WalletID = stringPtr(walletID)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

func (r *WatchedScriptRepo) Insert(ctx context.Context, s *model.WatchedScript) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO watched_scripts (`+watchedScriptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.ID, s.Identity, s.Script.CodeHash, string(s.Script.HashType), s.Script.Args,
		string(s.Kind), nullString(s.WalletID), s.StartBlockNumber, s.Enabled,
		toMillis(s.CreatedAt), toMillis(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert watched script: %w", err)
	}
	return nil
}

func (r *WatchedScriptRepo) Get(ctx context.Context, id string) (*model.WatchedScript, error) {
	return r.getOne(ctx, "id", id)
}

func (r *WatchedScriptRepo) GetByIdentity(ctx context.Context, identity string) (*model.WatchedScript, error) {
	return r.getOne(ctx, "identity", identity)
}

func (r *WatchedScriptRepo) getOne(ctx context.Context, column, value string) (*model.WatchedScript, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	s, err := scanWatchedScript(r.db.Reader().QueryRowContext(ctx,
		`SELECT `+watchedScriptColumns+` FROM watched_scripts WHERE `+column+` = $1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watched script by %s: %w", column, err)
	}
	return s, nil
}

func (r *WatchedScriptRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE watched_scripts SET enabled = $1, updated_at = $2 WHERE id = $3
	`, enabled, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("set watched script enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set watched script enabled: %w", sql.ErrNoRows)
	}
	return nil
}

func (r *WatchedScriptRepo) List(ctx context.Context, enabledOnly bool) ([]model.WatchedScript, error) {
	query := `SELECT ` + watchedScriptColumns + ` FROM watched_scripts`
	var args []any
	if enabledOnly {
		query += ` WHERE enabled = $1`
		args = append(args, true)
	}
	query += ` ORDER BY created_at, id`
	return r.list(ctx, query, args...)
}

func (r *WatchedScriptRepo) ListByWallet(ctx context.Context, walletID string) ([]model.WatchedScript, error) {
	return r.list(ctx, `
		SELECT `+watchedScriptColumns+` FROM watched_scripts
		WHERE wallet_id = $1
		ORDER BY created_at, id
	`, walletID)
}

func (r *WatchedScriptRepo) list(ctx context.Context, query string, args ...any) ([]model.WatchedScript, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list watched scripts: %w", err)
	}
	defer rows.Close()

	var out []model.WatchedScript
	for rows.Next() {
		s, err := scanWatchedScript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watched script: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
