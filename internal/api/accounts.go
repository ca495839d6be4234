package api

import (
	"net/http"
	"strings"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

// accountScripts resolves ?wallet= or ?script= (comma separated) into
// script ids. It writes the error response itself and reports false.
func (s *Server) accountScripts(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	q := r.URL.Query()
	wallet := q.Get("wallet")
	raw := q.Get("script")

	switch {
	case wallet != "" && raw != "":
		writeError(w, http.StatusBadRequest, "use either wallet or script, not both")
		return nil, false

	case wallet != "":
		scripts, err := s.scripts.ListByWallet(r.Context(), wallet)
		if err != nil {
			s.writeFailure(w, r, err)
			return nil, false
		}
		ids := make([]string, 0, len(scripts))
		for _, ws := range scripts {
			ids = append(ids, ws.ID)
		}
		return ids, true

	case raw != "":
		var ids []string
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, err := s.scripts.Get(r.Context(), id); err != nil {
				s.writeFailure(w, r, err)
				return nil, false
			}
			ids = append(ids, id)
		}
		return ids, true
	}

	writeError(w, http.StatusBadRequest, "wallet or script query param required")
	return nil, false
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.accountScripts(w, r)
	if !ok {
		return
	}
	b, err := s.projections.Balance(r.Context(), ids, s.sync.Current().IndexerTipNumber)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCells(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.accountScripts(w, r)
	if !ok {
		return
	}
	includeConsumed := r.URL.Query().Get("include_consumed") == "true"
	cells, err := s.projections.Cells(r.Context(), ids, s.sync.Current().IndexerTipNumber, includeConsumed)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if cells == nil {
		cells = []model.CellView{}
	}
	writeJSON(w, http.StatusOK, cells)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.accountScripts(w, r)
	if !ok {
		return
	}
	entries, err := s.projections.History(r.Context(), ids)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
