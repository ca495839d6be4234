package sqlstore

import "github.com/emperorhan/cellsync/internal/store"

var (
	_ store.TxBeginner              = (*DB)(nil)
	_ store.WatchedScriptRepository = (*WatchedScriptRepo)(nil)
	_ store.CursorRepository        = (*CursorRepo)(nil)
	_ store.CellRepository          = (*CellRepo)(nil)
	_ store.TransactionRepository   = (*TransactionRepo)(nil)
	_ store.AmendmentRepository     = (*AmendmentRepo)(nil)
	_ store.HeaderRepository        = (*HeaderRepo)(nil)
)

// Repos bundles every repository over one DB.
type Repos struct {
	Scripts      *WatchedScriptRepo
	Cursors      *CursorRepo
	Cells        *CellRepo
	Transactions *TransactionRepo
	Amendments   *AmendmentRepo
	Headers      *HeaderRepo
}

func NewRepos(db *DB) Repos {
	return Repos{
		Scripts:      NewWatchedScriptRepo(db),
		Cursors:      NewCursorRepo(db),
		Cells:        NewCellRepo(db),
		Transactions: NewTransactionRepo(db),
		Amendments:   NewAmendmentRepo(db),
		Headers:      NewHeaderRepo(db),
	}
}
