package reconciler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/emperorhan/cellsync/internal/alert"
	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/chain/mocks"
	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/pipeline/amendment"
	"github.com/emperorhan/cellsync/internal/pipeline/cursor"
	"github.com/emperorhan/cellsync/internal/store/sqlstore"
	"github.com/emperorhan/cellsync/internal/store/sqlstore/sqlstoretest"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// scriptedChain plays the node: headers by height, queued indexer pages
// and queued failures.
type scriptedChain struct {
	mu       sync.Mutex
	headers  map[int64]string
	pages    []*chain.Page
	errs     []error
	requests []chain.PageRequest
}

func newScriptedChain() *scriptedChain {
	return &scriptedChain{headers: make(map[int64]string)}
}

func (c *scriptedChain) setHeaders(prefix string, from, to int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := from; n <= to; n++ {
		c.headers[n] = fmt.Sprintf("0x%s%d", prefix, n)
	}
}

func (c *scriptedChain) hash(n int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[n]
}

func (c *scriptedChain) tip(n int64) chain.Header {
	return chain.Header{Number: n, Hash: c.hash(n)}
}

func (c *scriptedChain) queue(p ...*chain.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = append(c.pages, p...)
}

func (c *scriptedChain) fail(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, errs...)
}

func (c *scriptedChain) header(_ context.Context, n int64) (*chain.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.headers[n]
	if !ok {
		return nil, nil
	}
	return &chain.Header{Number: n, Hash: h}, nil
}

func (c *scriptedChain) page(_ context.Context, _ model.Script, req chain.PageRequest) (*chain.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	if len(c.pages) == 0 {
		return &chain.Page{Complete: true}, nil
	}
	p := c.pages[0]
	c.pages = c.pages[1:]
	return p, nil
}

func (c *scriptedChain) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// pageOf builds a page whose headers cover every event block.
func (c *scriptedChain) pageOf(complete bool, events ...chain.CellEvent) *chain.Page {
	p := &chain.Page{Complete: complete, Events: events}
	seen := map[int64]bool{}
	for i := range p.Events {
		n := p.Events[i].BlockNumber
		p.Events[i].BlockHash = c.hash(n)
		if !seen[n] {
			seen[n] = true
			p.Headers = append(p.Headers, chain.Header{Number: n, Hash: c.hash(n)})
		}
	}
	return p
}

func created(tx string, index, block, capacity int64) chain.CellEvent {
	return chain.CellEvent{
		Kind:        chain.EventCreated,
		OutPoint:    model.OutPoint{TxHash: tx, Index: index},
		TxHash:      tx,
		BlockNumber: block,
		Capacity:    capacity,
		Data:        "0x",
	}
}

func consumed(op model.OutPoint, by string, block int64) chain.CellEvent {
	return chain.CellEvent{
		Kind:        chain.EventConsumed,
		OutPoint:    op,
		TxHash:      by,
		BlockNumber: block,
	}
}

type recordingAlerter struct {
	mu    sync.Mutex
	types []alert.AlertType
}

func (a *recordingAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.types = append(a.types, al.Type)
	return nil
}

func (a *recordingAlerter) sent() []alert.AlertType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert.AlertType(nil), a.types...)
}

type recordingObserver struct {
	mu      sync.Mutex
	updates []model.ScriptProgress
	removed []string
}

func (o *recordingObserver) ScriptProgressed(p model.ScriptProgress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, p)
}

func (o *recordingObserver) ScriptRemoved(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
}

type harness struct {
	r       *Reconciler
	db      *sqlstore.DB
	repos   sqlstore.Repos
	ws      model.WatchedScript
	gw      *mocks.MockNodeGateway
	chain   *scriptedChain
	alerts  *recordingAlerter
	observe *recordingObserver
}

func newHarness(t *testing.T, cfg Config, startBlock int64) *harness {
	t.Helper()
	db, repos := sqlstoretest.Open(t)
	ws := sqlstoretest.SeedScript(t, repos, "0x01", startBlock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw := mocks.NewMockNodeGateway(gomock.NewController(t))
	sc := newScriptedChain()
	gw.EXPECT().GetHeader(gomock.Any(), gomock.Any()).DoAndReturn(sc.header).AnyTimes()
	gw.EXPECT().GetTransactions(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(sc.page).AnyTimes()

	alerts := &recordingAlerter{}
	observer := &recordingObserver{}
	r := New(cfg,
		Stores{DB: db, Cells: repos.Cells, Transactions: repos.Transactions, Headers: repos.Headers},
		cursor.NewStore(repos.Cursors, repos.Scripts),
		amendment.NewTracker(repos.Amendments, repos.Transactions, repos.Cells, logger),
		gw, logger,
	).WithAlerter(alerts).WithObserver(observer)

	return &harness{r: r, db: db, repos: repos, ws: *ws, gw: gw, chain: sc, alerts: alerts, observe: observer}
}

func (h *harness) sync(t *testing.T, tip int64) Result {
	t.Helper()
	res, err := h.r.Sync(context.Background(), h.ws, h.chain.tip(tip))
	require.NoError(t, err)
	return res
}

func (h *harness) cursorBlock(t *testing.T) int64 {
	t.Helper()
	c, err := h.r.cursors.Get(context.Background(), h.ws.ID)
	require.NoError(t, err)
	return c.LastIndexedBlockNumber
}

func (h *harness) cells(t *testing.T, includeConsumed bool) map[model.OutPoint]model.Cell {
	t.Helper()
	list, err := h.repos.Cells.ListByScripts(context.Background(), []string{h.ws.ID}, includeConsumed)
	require.NoError(t, err)
	out := make(map[model.OutPoint]model.Cell, len(list))
	for _, c := range list {
		out[c.OutPoint] = c
	}
	return out
}

func (h *harness) balance(t *testing.T) int64 {
	var sum int64
	for _, c := range h.cells(t, false) {
		sum += c.Capacity
	}
	return sum
}
