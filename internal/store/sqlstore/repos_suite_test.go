package sqlstore_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/store/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRepositorySuite exercises every repository against db. It is shared
// by the SQLite tests and the Postgres integration test.
func runRepositorySuite(t *testing.T, db *sqlstore.DB) {
	t.Run("watched scripts", func(t *testing.T) { testWatchedScripts(t, db) })
	t.Run("cursors", func(t *testing.T) { testCursors(t, db) })
	t.Run("cells", func(t *testing.T) { testCells(t, db) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, db) })
	t.Run("amendments", func(t *testing.T) { testAmendments(t, db) })
	t.Run("headers", func(t *testing.T) { testHeaders(t, db) })
}

func testWatchedScripts(t *testing.T, db *sqlstore.DB) {
	ctx := context.Background()
	repos := sqlstore.NewRepos(db)

	a := seedScript(t, repos, "0xa1")
	b := seedScript(t, repos, "0xb2")

	got, err := repos.Scripts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Identity, got.Identity)
	assert.Equal(t, a.Script, got.Script)
	assert.True(t, got.Enabled)

	byIdentity, err := repos.Scripts.GetByIdentity(ctx, b.Identity)
	require.NoError(t, err)
	require.NotNil(t, byIdentity)
	assert.Equal(t, b.ID, byIdentity.ID)

	missing, err := repos.Scripts.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	dup := *a
	dup.ID = "other"
	assert.Error(t, repos.Scripts.Insert(ctx, &dup), "identity must be unique")

	require.NoError(t, repos.Scripts.SetEnabled(ctx, a.ID, false))
	enabled, err := repos.Scripts.List(ctx, true)
	require.NoError(t, err)
	for _, s := range enabled {
		assert.NotEqual(t, a.ID, s.ID)
	}
	all, err := repos.Scripts.List(ctx, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)

	assert.Error(t, repos.Scripts.SetEnabled(ctx, "nope", true))
}

func testCursors(t *testing.T, db *sqlstore.DB) {
	ctx := context.Background()
	repos := sqlstore.NewRepos(db)
	s := seedScript(t, repos, "0xc0")

	c, err := repos.Cursors.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, c)

	withTx(t, db, func(tx *sql.Tx) {
		require.NoError(t, repos.Cursors.UpsertTx(ctx, tx, model.Cursor{ScriptID: s.ID, LastIndexedBlockNumber: 120, LastIndexedPosition: "0xp"}))
		require.NoError(t, repos.Cursors.UpsertTx(ctx, tx, model.Cursor{ScriptID: s.ID, LastIndexedBlockNumber: 130}))
	})

	c, err = repos.Cursors.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(130), c.LastIndexedBlockNumber)
	assert.Empty(t, c.LastIndexedPosition)
}

func testCells(t *testing.T, db *sqlstore.DB) {
	ctx := context.Background()
	repos := sqlstore.NewRepos(db)
	s := seedScript(t, repos, "0xce")

	low := model.OutPoint{TxHash: "0xcell-low", Index: 0}
	high := model.OutPoint{TxHash: "0xcell-high", Index: 1}

	withTx(t, db, func(tx *sql.Tx) {
		require.NoError(t, repos.Cells.UpsertCreatedTx(ctx, tx, &model.Cell{
			OutPoint: low, ScriptID: s.ID, Capacity: 500, Data: "0x", CreatedBlockNumber: 105, CreatedTxHash: low.TxHash,
			Type: &model.Script{CodeHash: "0x82d7", HashType: model.HashTypeType, Args: "0x"},
		}))
		require.NoError(t, repos.Cells.UpsertCreatedTx(ctx, tx, &model.Cell{
			OutPoint: high, ScriptID: s.ID, Capacity: 300, Data: "0x", CreatedBlockNumber: 200, CreatedTxHash: high.TxHash,
		}))

		ok, err := repos.Cells.MarkConsumedTx(ctx, tx, low, 201, "0xspender")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repos.Cells.MarkConsumedTx(ctx, tx, model.OutPoint{TxHash: "0xunknown"}, 201, "0xspender")
		require.NoError(t, err)
		assert.False(t, ok)

		// Re-merging a creation must not clear consumption.
		require.NoError(t, repos.Cells.UpsertCreatedTx(ctx, tx, &model.Cell{
			OutPoint: low, ScriptID: s.ID, Capacity: 500, Data: "0x", CreatedBlockNumber: 105, CreatedTxHash: low.TxHash,
		}))
		c, err := repos.Cells.GetTx(ctx, tx, low)
		require.NoError(t, err)
		require.NotNil(t, c)
		require.NotNil(t, c.ConsumedTxHash)
		assert.Equal(t, "0xspender", *c.ConsumedTxHash)
		assert.Nil(t, c.Type)

		n, err := repos.Cells.RepointConsumerTx(ctx, tx, "0xspender", "0xreplacement")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	live, err := repos.Cells.ListByScripts(ctx, []string{s.ID}, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, high, live[0].OutPoint)

	withTx(t, db, func(tx *sql.Tx) {
		_, err := repos.Cells.RollbackFromTx(ctx, tx, s.ID, 200)
		require.NoError(t, err)
	})

	all, err := repos.Cells.ListByScripts(ctx, []string{s.ID}, true)
	require.NoError(t, err)
	require.Len(t, all, 1, "cell created at 200 is gone")
	assert.Equal(t, low, all[0].OutPoint)
	assert.False(t, all[0].Consumed(), "consumption at 201 is undone")

	withTx(t, db, func(tx *sql.Tx) {
		bad := &model.Cell{OutPoint: low, ScriptID: s.ID, CreatedTxHash: low.TxHash, ConsumedTxHash: ptr("0x1")}
		assert.Error(t, repos.Cells.UpsertCreatedTx(ctx, tx, bad))
	})
}

func testTransactions(t *testing.T, db *sqlstore.DB) {
	ctx := context.Background()
	repos := sqlstore.NewRepos(db)
	s := seedScript(t, repos, "0x7a")

	input := model.OutPoint{TxHash: "0xfunding", Index: 0}
	withTx(t, db, func(tx *sql.Tx) {
		require.NoError(t, repos.Transactions.InsertPendingTx(ctx, tx, &model.Transaction{Hash: "0xpending", CreatedAt: time.Now()}, []model.OutPoint{input}))
		require.NoError(t, repos.Transactions.LinkScriptTx(ctx, tx, s.ID, "0xpending", nil))

		spenders, err := repos.Transactions.FindPendingSpendersTx(ctx, tx, input)
		require.NoError(t, err)
		assert.Equal(t, []string{"0xpending"}, spenders)

		for _, h := range []struct {
			hash  string
			block int64
		}{{"0xtx-100", 100}, {"0xtx-150", 150}} {
			require.NoError(t, repos.Transactions.UpsertConfirmedTx(ctx, tx, &model.Transaction{
				Hash: h.hash, BlockNumber: ptr(h.block), BlockHash: ptr("0xblock"), Confirmed: true,
				Timestamp: ptr(time.UnixMilli(1_700_000_000_000)),
			}))
			require.NoError(t, repos.Transactions.LinkScriptTx(ctx, tx, s.ID, h.hash, ptr(h.block)))
		}

		require.NoError(t, repos.Transactions.SetAmendedTx(ctx, tx, "0xpending", "0xtx-150"))
		spenders, err = repos.Transactions.FindPendingSpendersTx(ctx, tx, input)
		require.NoError(t, err)
		assert.Empty(t, spenders, "amended transactions are no longer pending spenders")

		n, err := repos.Transactions.RepointAmendedTx(ctx, tx, "0xtx-150", "0xtx-100")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		pending, err := repos.Transactions.GetTx(ctx, tx, "0xpending")
		require.NoError(t, err)
		require.NotNil(t, pending.AmendedHash)
		assert.Equal(t, "0xtx-100", *pending.AmendedHash)
	})

	list, err := repos.Transactions.ListByScripts(ctx, []string{s.ID})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "0xpending", list[0].Hash)
	assert.Equal(t, "0xtx-150", list[1].Hash)
	assert.Equal(t, "0xtx-100", list[2].Hash)
	require.NotNil(t, list[0].AmendedHash)
	require.NotNil(t, list[2].Timestamp)

	withTx(t, db, func(tx *sql.Tx) {
		n, err := repos.Transactions.UnlinkFromBlockTx(ctx, tx, s.ID, 120)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		_, err = repos.Transactions.DeleteOrphansTx(ctx, tx)
		require.NoError(t, err)

		gone, err := repos.Transactions.GetTx(ctx, tx, "0xtx-150")
		require.NoError(t, err)
		assert.Nil(t, gone)
		kept, err := repos.Transactions.GetTx(ctx, tx, "0xpending")
		require.NoError(t, err)
		assert.NotNil(t, kept, "pending transactions survive orphan cleanup")
	})
}

func testAmendments(t *testing.T, db *sqlstore.DB) {
	ctx := context.Background()
	repos := sqlstore.NewRepos(db)

	withTx(t, db, func(tx *sql.Tx) {
		require.NoError(t, repos.Amendments.UpsertTx(ctx, tx, model.AmendmentRecord{OriginalHash: "0xh1", AmendedHash: "0xh2"}))
		require.NoError(t, repos.Amendments.UpsertTx(ctx, tx, model.AmendmentRecord{OriginalHash: "0xh1", AmendedHash: "0xh2"}))
		assert.Error(t, repos.Amendments.UpsertTx(ctx, tx, model.AmendmentRecord{OriginalHash: "0xh3", AmendedHash: "0xh3"}))

		n, err := repos.Amendments.RepointTx(ctx, tx, "0xh2", "0xh4")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	rec, err := repos.Amendments.Get(ctx, "0xh1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "0xh4", rec.AmendedHash)

	none, err := repos.Amendments.Get(ctx, "0xh9")
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := repos.Amendments.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, all)
}

func testHeaders(t *testing.T, db *sqlstore.DB) {
	ctx := context.Background()
	repos := sqlstore.NewRepos(db)
	s := seedScript(t, repos, "0x4e")

	withTx(t, db, func(tx *sql.Tx) {
		for n := int64(195); n <= 200; n++ {
			require.NoError(t, repos.Headers.UpsertTx(ctx, tx, model.BlockHeader{ScriptID: s.ID, Number: n, Hash: "0xa"}))
		}
		require.NoError(t, repos.Headers.UpsertTx(ctx, tx, model.BlockHeader{ScriptID: s.ID, Number: 200, Hash: "0xabc"}))
	})

	h, err := repos.Headers.Get(ctx, s.ID, 200)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "0xabc", h.Hash)

	below, err := repos.Headers.ListBelow(ctx, s.ID, 200, 3)
	require.NoError(t, err)
	require.Len(t, below, 3)
	assert.Equal(t, int64(199), below[0].Number)
	assert.Equal(t, int64(197), below[2].Number)

	withTx(t, db, func(tx *sql.Tx) {
		n, err := repos.Headers.DeleteAboveTx(ctx, tx, s.ID, 198)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
	h, err = repos.Headers.Get(ctx, s.ID, 199)
	require.NoError(t, err)
	assert.Nil(t, h)
}
