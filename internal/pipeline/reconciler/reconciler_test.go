package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/cellsync/internal/alert"
	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestSync_CreateThenConsume(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 110)
	opA := model.OutPoint{TxHash: "0xtxa", Index: 0}

	h.chain.queue(h.chain.pageOf(true, created("0xtxa", 0, 105, 500)))
	res := h.sync(t, 105)
	assert.True(t, res.CaughtUp)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, int64(105), h.cursorBlock(t))
	assert.Equal(t, int64(500), h.balance(t))

	h.chain.queue(h.chain.pageOf(true, consumed(opA, "0xtxb", 110)))
	res = h.sync(t, 110)
	assert.True(t, res.CaughtUp)
	assert.Equal(t, int64(0), h.balance(t))

	cell := h.cells(t, true)[opA]
	require.NotNil(t, cell.ConsumedTxHash)
	assert.Equal(t, "0xtxb", *cell.ConsumedTxHash)
	assert.Equal(t, int64(110), *cell.ConsumedBlockNumber)

	req := h.chain.requests[1]
	assert.Equal(t, int64(105), req.FromBlock)
	assert.Equal(t, int64(111), req.ToBlock)

	txs, err := h.repos.Transactions.ListByScripts(context.Background(), []string{h.ws.ID})
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	progress := h.r.Progress()
	require.Len(t, progress, 1)
	assert.Equal(t, model.ScriptStateIdle, progress[0].State)
	assert.Equal(t, int64(110), progress[0].CursorBlockNumber)
}

func TestSync_CaughtUpDoesNotPoll(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 100)

	res := h.sync(t, 100)
	assert.True(t, res.CaughtUp)
	assert.Zero(t, h.chain.requestCount())
}

func TestSync_PartialPagesCarryPosition(t *testing.T) {
	h := newHarness(t, Config{PageSize: 2}, 100)
	h.chain.setHeaders("a", 100, 120)

	first := h.chain.pageOf(false, created("0x01", 0, 102, 10), created("0x02", 0, 103, 20))
	first.LastPosition = "0xpos"
	h.chain.queue(first, h.chain.pageOf(true, created("0x03", 0, 110, 30)))

	res := h.sync(t, 120)
	assert.Equal(t, 2, res.Pages)
	assert.True(t, res.CaughtUp)
	assert.Equal(t, int64(60), h.balance(t))
	assert.Equal(t, int64(120), h.cursorBlock(t))

	require.Len(t, h.chain.requests, 2)
	assert.Equal(t, int64(103), h.chain.requests[1].FromBlock)
	assert.Equal(t, "0xpos", h.chain.requests[1].Position)
	assert.Equal(t, 2, h.chain.requests[1].Limit)
}

func TestSync_IncompleteEmptyPageStopsCycle(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 110)
	h.chain.queue(&chain.Page{Complete: false})

	res := h.sync(t, 110)
	assert.False(t, res.CaughtUp)
	assert.Zero(t, res.Pages)
	assert.Equal(t, int64(100), h.cursorBlock(t))
}

func TestSync_PageBudget(t *testing.T) {
	h := newHarness(t, Config{MaxPagesPerCycle: 1}, 100)
	h.chain.setHeaders("a", 100, 110)
	p := h.chain.pageOf(false, created("0x01", 0, 101, 1))
	p.LastPosition = "0x1"
	h.chain.queue(p)

	res := h.sync(t, 110)
	assert.Equal(t, 1, res.Pages)
	assert.False(t, res.CaughtUp)
	assert.Equal(t, 1, h.chain.requestCount())
}

func TestSync_CursorNeverDecreasesWithoutReorg(t *testing.T) {
	h := newHarness(t, Config{PageSize: 1}, 100)
	h.chain.setHeaders("a", 100, 130)
	for i, block := range []int64{101, 104, 104, 120} {
		p := h.chain.pageOf(false, created("0xc"+string(rune('a'+i)), 0, block, 1))
		p.LastPosition = "0xp"
		h.chain.queue(p)
	}
	h.sync(t, 130)

	var last int64
	for _, u := range h.observe.updates {
		assert.GreaterOrEqual(t, u.CursorBlockNumber, last)
		last = u.CursorBlockNumber
	}
	assert.Equal(t, int64(130), last)
}

func TestSync_AmendsPendingTransaction(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 120)
	ctx := context.Background()
	opA := model.OutPoint{TxHash: "0xtxa", Index: 0}

	h.chain.queue(h.chain.pageOf(true, created("0xtxa", 0, 105, 500)))
	h.sync(t, 105)

	tx, err := h.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, h.repos.Transactions.InsertPendingTx(ctx, tx,
		&model.Transaction{Hash: "0xh1", CreatedAt: time.Now()}, []model.OutPoint{opA}))
	require.NoError(t, h.repos.Transactions.LinkScriptTx(ctx, tx, h.ws.ID, "0xh1", nil))
	require.NoError(t, tx.Commit())

	h.chain.queue(h.chain.pageOf(true, consumed(opA, "0xh2", 112)))
	h.sync(t, 112)

	rec, err := h.repos.Amendments.Get(ctx, "0xh1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "0xh2", rec.AmendedHash)

	orig, err := h.repos.Transactions.Get(ctx, "0xh1")
	require.NoError(t, err)
	require.NotNil(t, orig)
	require.NotNil(t, orig.AmendedHash)
	assert.Equal(t, "0xh2", *orig.AmendedHash)

	cell := h.cells(t, true)[opA]
	assert.Equal(t, "0xh2", *cell.ConsumedTxHash)

	// replaying the same page leaves the single record in place
	rewind, err := h.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, h.r.cursors.RewindTx(ctx, rewind, &h.ws, 105))
	require.NoError(t, rewind.Commit())
	h.chain.queue(h.chain.pageOf(true, consumed(opA, "0xh2", 112)))
	h.sync(t, 112)
	recs, err := h.repos.Amendments.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSync_OwnPendingTransactionConfirms(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 120)
	ctx := context.Background()
	opA := model.OutPoint{TxHash: "0xtxa", Index: 0}

	h.chain.queue(h.chain.pageOf(true, created("0xtxa", 0, 105, 500)))
	h.sync(t, 105)

	tx, err := h.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, h.repos.Transactions.InsertPendingTx(ctx, tx,
		&model.Transaction{Hash: "0xh1", CreatedAt: time.Now()}, []model.OutPoint{opA}))
	require.NoError(t, tx.Commit())

	h.chain.queue(h.chain.pageOf(true, consumed(opA, "0xh1", 111)))
	h.sync(t, 111)

	got, err := h.repos.Transactions.Get(ctx, "0xh1")
	require.NoError(t, err)
	assert.True(t, got.Confirmed)
	assert.Nil(t, got.AmendedHash)

	rec, err := h.repos.Amendments.Get(ctx, "0xh1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSync_ConsumptionBeforeCreationInSameBatch(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 140)
	op := model.OutPoint{TxHash: "0xin", Index: 0}

	// no GetTransaction expectation: the buffered consumption must resolve
	// against the creation later in the batch
	h.chain.queue(h.chain.pageOf(true, consumed(op, "0xout", 131), created("0xin", 0, 130, 90)))
	h.sync(t, 140)

	cell := h.cells(t, true)[op]
	require.NotNil(t, cell.ConsumedTxHash)
	assert.Equal(t, "0xout", *cell.ConsumedTxHash)
	assert.Equal(t, int64(0), h.balance(t))
}

func TestSync_FetchesOriginOfUncachedCell(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 130)
	op := model.OutPoint{TxHash: "0xorig", Index: 1}
	originBlock := int64(50)

	h.gw.EXPECT().GetTransaction(gomock.Any(), "0xorig").Return(&chain.TxDetail{
		Hash:        "0xorig",
		Status:      "committed",
		BlockNumber: &originBlock,
		Outputs: []chain.TxOutput{
			{Capacity: 1, Lock: model.Script{CodeHash: h.ws.Script.CodeHash, HashType: model.HashTypeType, Args: "0xff"}},
			{Capacity: 700, Lock: h.ws.Script, Data: "0x"},
		},
	}, nil).Times(1)

	h.chain.queue(h.chain.pageOf(true, consumed(op, "0xspend", 120)))
	h.sync(t, 130)

	cell, ok := h.cells(t, true)[op]
	require.True(t, ok)
	assert.Equal(t, int64(700), cell.Capacity)
	assert.Equal(t, originBlock, cell.CreatedBlockNumber)
	assert.Equal(t, "0xspend", *cell.ConsumedTxHash)
	assert.Equal(t, int64(0), h.balance(t))

	txs, err := h.repos.Transactions.ListByScripts(context.Background(), []string{h.ws.ID})
	require.NoError(t, err)
	require.Len(t, txs, 1, "only the spending transaction is linked")
	assert.Equal(t, "0xspend", txs[0].Hash)
}

func TestSync_OriginFetchDoesNotHoldTxLocks(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 130)
	op := model.OutPoint{TxHash: "0xorig", Index: 0}
	originBlock := int64(50)

	lockFree := make(chan bool, 1)
	h.gw.EXPECT().GetTransaction(gomock.Any(), "0xorig").DoAndReturn(func(context.Context, string) (*chain.TxDetail, error) {
		acquired := make(chan struct{})
		go func() {
			unlock := h.r.txLocks.LockAll([]string{"0xspend"})
			unlock()
			close(acquired)
		}()
		select {
		case <-acquired:
			lockFree <- true
		case <-time.After(time.Second):
			lockFree <- false
		}
		return &chain.TxDetail{
			Hash: "0xorig", BlockNumber: &originBlock,
			Outputs: []chain.TxOutput{{Capacity: 300, Lock: h.ws.Script, Data: "0x"}},
		}, nil
	}).Times(1)

	h.chain.queue(h.chain.pageOf(true, consumed(op, "0xspend", 120)))
	h.sync(t, 130)

	assert.True(t, <-lockFree, "another merge of the same hash can proceed during the fetch")
	assert.Equal(t, int64(0), h.balance(t))
}

func TestSync_OriginWithForeignLockFails(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 130)
	op := model.OutPoint{TxHash: "0xorig", Index: 0}
	block := int64(50)

	h.gw.EXPECT().GetTransaction(gomock.Any(), "0xorig").Return(&chain.TxDetail{
		Hash: "0xorig", BlockNumber: &block,
		Outputs: []chain.TxOutput{{Capacity: 1, Lock: model.Script{CodeHash: h.ws.Script.CodeHash, HashType: model.HashTypeType, Args: "0xee"}}},
	}, nil)

	h.chain.queue(h.chain.pageOf(true, consumed(op, "0xspend", 120)))
	_, err := h.r.Sync(context.Background(), h.ws, h.chain.tip(130))
	require.Error(t, err)
	assert.Equal(t, int64(100), h.cursorBlock(t), "failed merge leaves the cursor alone")
	assert.Empty(t, h.cells(t, true))
}

func TestMerge_Idempotent(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 110)
	ctx := context.Background()

	page := h.chain.pageOf(true,
		created("0xa", 0, 101, 100),
		created("0xa", 1, 101, 50),
		consumed(model.OutPoint{TxHash: "0xa", Index: 0}, "0xb", 105),
	)
	next := model.Cursor{ScriptID: h.ws.ID, LastIndexedBlockNumber: 110}

	require.NoError(t, h.r.merge(ctx, h.ws, page, next, h.chain.tip(110)))
	onceCells := h.cells(t, true)
	onceTxs, err := h.repos.Transactions.ListByScripts(ctx, []string{h.ws.ID})
	require.NoError(t, err)

	require.NoError(t, h.r.merge(ctx, h.ws, page, next, h.chain.tip(110)))
	twiceCells := h.cells(t, true)
	twiceTxs, err := h.repos.Transactions.ListByScripts(ctx, []string{h.ws.ID})
	require.NoError(t, err)

	assert.Equal(t, onceCells, twiceCells)
	require.Len(t, twiceTxs, len(onceTxs))
	for i := range onceTxs {
		assert.Equal(t, onceTxs[i].Hash, twiceTxs[i].Hash)
		assert.Equal(t, onceTxs[i].BlockNumber, twiceTxs[i].BlockNumber)
	}
	assert.Equal(t, int64(50), h.balance(t))
}

func TestMerge_RejectsCursorRegression(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 130)
	ctx := context.Background()

	require.NoError(t, h.r.merge(ctx, h.ws, h.chain.pageOf(true),
		model.Cursor{LastIndexedBlockNumber: 120}, h.chain.tip(120)))

	err := h.r.merge(ctx, h.ws, h.chain.pageOf(true, created("0xlate", 0, 110, 5)),
		model.Cursor{LastIndexedBlockNumber: 110}, h.chain.tip(110))
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrNonMonotonicCursor))
	assert.Empty(t, h.cells(t, true), "the page is not applied")
}

func TestSync_ReorgRollsBackToCommonAncestor(t *testing.T) {
	h := newHarness(t, Config{}, 190)
	ctx := context.Background()
	h.chain.setHeaders("a", 190, 200)

	h.chain.queue(h.chain.pageOf(true,
		created("0xc198", 0, 198, 1),
		created("0xc199", 0, 199, 2),
		created("0xc200", 0, 200, 4),
	))
	h.sync(t, 200)
	require.Equal(t, int64(7), h.balance(t))

	// chain B replaces everything above 198
	h.chain.setHeaders("b", 199, 201)
	h.chain.queue(h.chain.pageOf(true,
		created("0xc198", 0, 198, 1),
		created("0xd199", 0, 199, 8),
		created("0xd201", 0, 201, 16),
	))

	res := h.sync(t, 201)
	assert.True(t, res.RolledBack)
	assert.True(t, res.CaughtUp)
	assert.Equal(t, int64(201), h.cursorBlock(t))

	live := h.cells(t, false)
	assert.Len(t, live, 3)
	assert.NotContains(t, live, model.OutPoint{TxHash: "0xc199", Index: 0})
	assert.NotContains(t, live, model.OutPoint{TxHash: "0xc200", Index: 0})
	assert.Equal(t, int64(25), h.balance(t))

	replay := h.chain.requests[1]
	assert.Equal(t, int64(198), replay.FromBlock)
	assert.Empty(t, replay.Position)

	for n, want := range map[int64]string{198: "0xa198", 199: "0xb199", 201: "0xb201"} {
		hdr, err := h.repos.Headers.Get(ctx, h.ws.ID, n)
		require.NoError(t, err)
		require.NotNil(t, hdr, "header %d", n)
		assert.Equal(t, want, hdr.Hash)
	}
	stale, err := h.repos.Headers.Get(ctx, h.ws.ID, 200)
	require.NoError(t, err)
	assert.Nil(t, stale, "chain A header above the ancestor is gone")

	gone, err := h.repos.Transactions.Get(ctx, "0xc200")
	require.NoError(t, err)
	assert.Nil(t, gone, "orphaned chain A transaction is deleted")

	assert.Contains(t, h.alerts.sent(), alert.AlertTypeReorg)
}

func TestSync_ReorgTooDeepStalls(t *testing.T) {
	h := newHarness(t, Config{MaxReorgDepth: 2}, 100)
	ctx := context.Background()
	h.chain.setHeaders("a", 100, 110)

	h.chain.queue(h.chain.pageOf(true, created("0x105", 0, 105, 10)))
	h.sync(t, 110)

	h.chain.setHeaders("b", 100, 112)
	_, err := h.r.Sync(ctx, h.ws, h.chain.tip(112))
	require.Error(t, err)
	assert.Equal(t, syncerr.KindReorgTooDeep, syncerr.KindOf(err))
	assert.True(t, h.r.Stalled(h.ws.ID))
	assert.Contains(t, h.alerts.sent(), alert.AlertTypeReorgTooDeep)

	p := h.r.Progress()[0]
	assert.Equal(t, model.ScriptStateStalled, p.State)
	assert.Contains(t, p.Reason, "reorg_too_deep")
	assert.Equal(t, int64(10), h.balance(t), "nothing is discarded")

	requests := h.chain.requestCount()
	_, err = h.r.Sync(ctx, h.ws, h.chain.tip(112))
	assert.Equal(t, syncerr.KindReorgTooDeep, syncerr.KindOf(err))
	assert.Equal(t, requests, h.chain.requestCount(), "stalled script is not polled")

	require.NoError(t, h.r.Resync(ctx, h.ws))
	assert.False(t, h.r.Stalled(h.ws.ID))
	assert.Empty(t, h.cells(t, true))
	assert.Equal(t, int64(100), h.cursorBlock(t))

	h.chain.queue(h.chain.pageOf(true, created("0x107b", 0, 107, 3)))
	h.sync(t, 112)
	assert.Equal(t, int64(3), h.balance(t))
}

func TestSync_DivergenceAtStartBlockRescansFromStart(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 101)
	h.sync(t, 101)

	hdr, err := h.repos.Headers.Get(context.Background(), h.ws.ID, 101)
	require.NoError(t, err)
	require.NotNil(t, hdr)

	// the new endpoint serves a different chain
	h.chain.setHeaders("b", 100, 103)
	h.chain.queue(h.chain.pageOf(true, created("0xb", 0, 101, 9)))
	res := h.sync(t, 103)
	assert.True(t, res.RolledBack)
	assert.True(t, res.CaughtUp)
	assert.Equal(t, int64(9), h.balance(t))
	assert.Equal(t, int64(100), h.chain.requests[1].FromBlock)
}

func TestSync_StallsAfterRepeatedFailuresAndRecovers(t *testing.T) {
	h := newHarness(t, Config{StallAfter: 2}, 100)
	ctx := context.Background()
	h.chain.setHeaders("a", 100, 110)

	netErr := syncerr.New(syncerr.KindNetworkUnavailable, "get_transactions", errors.New("connection refused"))
	h.chain.fail(netErr, netErr)

	_, err := h.r.Sync(ctx, h.ws, h.chain.tip(110))
	require.Error(t, err)
	assert.Equal(t, model.ScriptStatePolling, h.r.Progress()[0].State)

	_, err = h.r.Sync(ctx, h.ws, h.chain.tip(110))
	require.Error(t, err)
	p := h.r.Progress()[0]
	assert.Equal(t, model.ScriptStateStalled, p.State)
	assert.Contains(t, p.Reason, "network_unavailable")
	assert.False(t, h.r.Stalled(h.ws.ID), "network stalls clear on their own")

	h.sync(t, 110)
	assert.Equal(t, model.ScriptStateIdle, h.r.Progress()[0].State)
	assert.Equal(t, []alert.AlertType{alert.AlertTypeStalled, alert.AlertTypeRecovery}, h.alerts.sent())
}

func TestSync_CancelledBeforePoll(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	h.chain.setHeaders("a", 100, 110)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.r.Sync(ctx, h.ws, h.chain.tip(110))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.chain.requestCount())
}

func TestTrackAndForget(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	require.NoError(t, h.r.Track(context.Background(), h.ws))

	p := h.r.Progress()
	require.Len(t, p, 1)
	assert.Equal(t, int64(100), p[0].CursorBlockNumber)

	h.r.Forget(h.ws.ID)
	assert.Empty(t, h.r.Progress())
	assert.Equal(t, []string{h.ws.ID}, h.observe.removed)
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter = map[string]int{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		keys := []string{"b", "a", "a"}
		if i%2 == 0 {
			keys = []string{"c", "b"}
		}
		go func(keys []string) {
			defer wg.Done()
			unlock := km.LockAll(keys)
			defer unlock()
			mu.Lock()
			for _, k := range keys {
				counter[k]++
			}
			mu.Unlock()
		}(keys)
	}
	wg.Wait()
	assert.Equal(t, 50, counter["b"])
	assert.Zero(t, km.size())
}
