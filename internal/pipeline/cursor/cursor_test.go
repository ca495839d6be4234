package cursor

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/store"
	"github.com/emperorhan/cellsync/internal/store/sqlstore/sqlstoretest"
	"github.com/emperorhan/cellsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStore struct {
	*Store
	db store.TxBeginner
}

func newTestStore(t *testing.T) (*testStore, *model.WatchedScript) {
	t.Helper()
	db, repos := sqlstoretest.Open(t)
	ws := sqlstoretest.SeedScript(t, repos, "0x01", 100)
	return &testStore{Store: NewStore(repos.Cursors, repos.Scripts), db: db}, ws
}

func (s *testStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *testStore) advance(ctx context.Context, ws *model.WatchedScript, next model.Cursor) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.AdvanceTx(ctx, tx, ws, next, false)
	})
}

func TestGet_DefaultsToStartBlock(t *testing.T) {
	s, ws := newTestStore(t)

	c, err := s.Get(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, c.ScriptID)
	assert.Equal(t, int64(100), c.LastIndexedBlockNumber)
	assert.Empty(t, c.LastIndexedPosition)
}

func TestGet_UnknownScript(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, syncerr.ErrScriptNotFound))
}

func TestAdvanceTx_Monotonic(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.advance(ctx, ws, model.Cursor{LastIndexedBlockNumber: 120, LastIndexedPosition: "0xcafe"}))
	c, err := s.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), c.LastIndexedBlockNumber)
	assert.Equal(t, "0xcafe", c.LastIndexedPosition)

	// same height with a new position is allowed
	require.NoError(t, s.advance(ctx, ws, model.Cursor{LastIndexedBlockNumber: 120}))

	err = s.advance(ctx, ws, model.Cursor{LastIndexedBlockNumber: 119})
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrNonMonotonicCursor))

	c, err = s.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), c.LastIndexedBlockNumber, "rejected advance leaves cursor untouched")
}

func TestAdvanceTx_BelowStartBlockRejected(t *testing.T) {
	s, ws := newTestStore(t)
	err := s.advance(context.Background(), ws, model.Cursor{LastIndexedBlockNumber: 99})
	assert.Equal(t, syncerr.KindNonMonotonicCursor, syncerr.KindOf(err))
}

func TestRewindTx(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.advance(ctx, ws, model.Cursor{LastIndexedBlockNumber: 210, LastIndexedPosition: "0x01"}))
	require.NoError(t, s.inTx(ctx, func(tx *sql.Tx) error {
		return s.RewindTx(ctx, tx, ws, 198)
	}))

	c, err := s.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(198), c.LastIndexedBlockNumber)
	assert.Empty(t, c.LastIndexedPosition)
}
