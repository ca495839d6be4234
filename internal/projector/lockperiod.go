package projector

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

// LockPeriod describes time-locked cells: those whose type script code
// hash is TypeCodeHash. Their data is eight zero bytes while deposited,
// and the little-endian deposit block once withdrawal is prepared.
type LockPeriod struct {
	TypeCodeHash string
	Blocks       int64
}

func (lp LockPeriod) applies(c model.Cell) bool {
	if lp.Blocks <= 0 || lp.TypeCodeHash == "" || c.Type == nil {
		return false
	}
	return strings.EqualFold(c.Type.CodeHash, lp.TypeCodeHash)
}

// UnlockAt is the first height at which a cell deposited at deposit and
// prepared at prepared can be released: the next whole period boundary
// after deposit, at least one full period.
func (lp LockPeriod) UnlockAt(deposit, prepared int64) int64 {
	elapsed := prepared - deposit
	periods := (elapsed + lp.Blocks - 1) / lp.Blocks
	if periods < 1 {
		periods = 1
	}
	return deposit + periods*lp.Blocks
}

// Classify derives the status of c at tip.
func (lp LockPeriod) Classify(c model.Cell, tip int64) model.CellView {
	view := model.CellView{Cell: c, Status: model.CellStatusLive}
	if c.Consumed() {
		view.Status = model.CellStatusConsumed
		return view
	}
	if !lp.applies(c) {
		return view
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(c.Data, "0x"))
	if err != nil || len(raw) != 8 {
		return view
	}
	n := binary.LittleEndian.Uint64(raw)
	if n > math.MaxInt64 {
		return view
	}
	deposit := int64(n)
	if deposit == 0 {
		view.Status = model.CellStatusDeposit
		return view
	}

	unlock := lp.UnlockAt(deposit, c.CreatedBlockNumber)
	view.UnlockAt = &unlock
	if tip >= unlock {
		view.Status = model.CellStatusReady
	} else {
		view.Status = model.CellStatusPrepare
	}
	return view
}
