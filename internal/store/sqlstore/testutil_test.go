package sqlstore_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/store/sqlstore"
	"github.com/emperorhan/cellsync/internal/store/sqlstore/sqlstoretest"
	"github.com/stretchr/testify/require"
)

func newSQLiteDB(t *testing.T) *sqlstore.DB {
	db, _ := sqlstoretest.Open(t)
	return db
}

func seedScript(t *testing.T, repos sqlstore.Repos, args string) *model.WatchedScript {
	return sqlstoretest.SeedScript(t, repos, args, 100)
}

func withTx(t *testing.T, db *sqlstore.DB, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func ptr[T any](v T) *T { return &v }
