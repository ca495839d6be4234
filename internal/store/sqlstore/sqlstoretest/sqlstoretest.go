// Package sqlstoretest opens migrated throwaway SQLite stores for tests.
package sqlstoretest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/store/sqlstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const DefaultCodeHash = "0x9bd7e06f3ecf4be0f2fcd2188b23f1b9fcc88e5d4b65a8637b17723bbda3cce8"

// Open returns a migrated file-backed SQLite store removed at test end.
func Open(t testing.TB) (*sqlstore.DB, sqlstore.Repos) {
	t.Helper()
	ctx := context.Background()

	db, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "cache.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.RunMigrations(ctx))
	return db, sqlstore.NewRepos(db)
}

// Script returns a valid lock script distinguished by args.
func Script(args string) model.Script {
	return model.Script{CodeHash: DefaultCodeHash, HashType: model.HashTypeType, Args: args}.Normalize()
}

// SeedScript inserts an enabled address script starting at startBlock.
func SeedScript(t testing.TB, repos sqlstore.Repos, args string, startBlock int64) *model.WatchedScript {
	t.Helper()
	script := Script(args)
	now := time.Now()
	ws := &model.WatchedScript{
		ID:               uuid.NewString(),
		Identity:         script.IdentityKey(),
		Script:           script,
		Kind:             model.ScriptKindAddress,
		StartBlockNumber: startBlock,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repos.Scripts.Insert(context.Background(), ws))
	return ws
}
