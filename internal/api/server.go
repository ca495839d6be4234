// Package api serves the wallet-facing HTTP interface: script
// registration, sync progress, balances, cells, history and
// transaction submission.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/metrics"
	"github.com/emperorhan/cellsync/internal/pipeline"
	"github.com/emperorhan/cellsync/internal/pipeline/registry"
	"github.com/emperorhan/cellsync/internal/projector"
	"github.com/emperorhan/cellsync/internal/syncerr"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxRequestBodyBytes = 1 << 20 // 1 MB

// Scripts is the lock registry as seen by the API.
type Scripts interface {
	Register(ctx context.Context, req registry.Registration) (*model.WatchedScript, error)
	Deregister(ctx context.Context, scriptID string) error
	Get(ctx context.Context, scriptID string) (*model.WatchedScript, error)
	List(ctx context.Context, enabledOnly bool) ([]model.WatchedScript, error)
	ListByWallet(ctx context.Context, walletID string) ([]model.WatchedScript, error)
}

// Engine runs operator actions against the sync engine.
type Engine interface {
	Resync(ctx context.Context, scriptID string) error
	SwitchEndpoint(ctx context.Context, nodeURL, indexerURL string) error
	SubmitTransaction(ctx context.Context, tx chain.RawTransaction) (string, error)
	Health() pipeline.HealthSnapshot
}

// SyncSource exposes the published sync state.
type SyncSource interface {
	Current() model.SyncState
	Subscribe() (<-chan model.SyncState, func())
}

// Projections reads derived account views.
type Projections interface {
	Balance(ctx context.Context, scriptIDs []string, tip int64) (projector.Balance, error)
	Cells(ctx context.Context, scriptIDs []string, tip int64, includeConsumed bool) ([]model.CellView, error)
	History(ctx context.Context, scriptIDs []string) ([]model.HistoryEntry, error)
}

// InputDecoder extracts declared inputs from a raw transaction payload.
type InputDecoder func(payload []byte) ([]model.OutPoint, error)

type Server struct {
	scripts      Scripts
	engine       Engine
	sync         SyncSource
	projections  Projections
	decodeInputs InputDecoder
	logger       *slog.Logger
}

func NewServer(scripts Scripts, engine Engine, sync SyncSource, projections Projections, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		scripts:     scripts,
		engine:      engine,
		sync:        sync,
		projections: projections,
		logger:      logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the server.
type ServerOption func(*Server)

// WithInputDecoder lets POST /v1/transactions omit the inputs list.
func WithInputDecoder(d InputDecoder) ServerOption {
	return func(s *Server) { s.decodeInputs = d }
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/scripts", s.handleListScripts)
	mux.HandleFunc("POST /v1/scripts", s.handleRegisterScript)
	mux.HandleFunc("GET /v1/scripts/{id}", s.handleGetScript)
	mux.HandleFunc("DELETE /v1/scripts/{id}", s.handleDeregisterScript)
	mux.HandleFunc("POST /v1/scripts/{id}/resync", s.handleResync)
	mux.HandleFunc("GET /v1/sync", s.handleSync)
	mux.HandleFunc("GET /v1/sync/stream", s.handleSyncStream)
	mux.HandleFunc("GET /v1/balance", s.handleBalance)
	mux.HandleFunc("GET /v1/cells", s.handleCells)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("POST /v1/transactions", s.handleSubmitTransaction)
	mux.HandleFunc("PUT /v1/node", s.handleSwitchNode)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return countRequests(mux)
}

// countRequests records every response by matched route pattern.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.statusCode)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFailure maps engine errors onto HTTP status codes. Anything
// unclassified is logged and reported as a 500 without details.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, registry.ErrInvalidRegistration) || errors.Is(err, pipeline.ErrInvalidEndpoint) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	kind := syncerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case syncerr.KindScriptNotFound:
		status = http.StatusNotFound
	case syncerr.KindDuplicateScript, syncerr.KindReorgTooDeep:
		status = http.StatusConflict
	case syncerr.KindRejectedByNode:
		status = http.StatusUnprocessableEntity
	case syncerr.KindNetworkUnavailable:
		status = http.StatusServiceUnavailable
	case syncerr.KindNonMonotonicCursor, syncerr.KindAmendmentCycleDetected, syncerr.KindUnknown:
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind.String()})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// --- Scripts ---

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	var (
		scripts []model.WatchedScript
		err     error
	)
	if wallet := r.URL.Query().Get("wallet"); wallet != "" {
		scripts, err = s.scripts.ListByWallet(r.Context(), wallet)
	} else {
		scripts, err = s.scripts.List(r.Context(), r.URL.Query().Get("all") != "true")
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if scripts == nil {
		scripts = []model.WatchedScript{}
	}
	writeJSON(w, http.StatusOK, scripts)
}

type registerScriptRequest struct {
	Script     model.Script     `json:"script"`
	Kind       model.ScriptKind `json:"kind"`
	StartBlock int64            `json:"start_block"`
	WalletID   *string          `json:"wallet_id"`
}

func (s *Server) handleRegisterScript(w http.ResponseWriter, r *http.Request) {
	var req registerScriptRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Script.CodeHash == "" {
		writeError(w, http.StatusBadRequest, "script.code_hash is required")
		return
	}

	ws, err := s.scripts.Register(r.Context(), registry.Registration{
		Script:           req.Script,
		Kind:             req.Kind,
		StartBlockNumber: req.StartBlock,
		WalletID:         req.WalletID,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	ws, err := s.scripts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeregisterScript(w http.ResponseWriter, r *http.Request) {
	if err := s.scripts.Deregister(r.Context(), r.PathValue("id")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Resync(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Warn("script resync requested via API", "script_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"script_id": id, "status": "resynced"})
}

// --- Node ---

// switchNodeRequest names the new node. IndexerURL defaults to URL.
type switchNodeRequest struct {
	URL        string `json:"url"`
	IndexerURL string `json:"indexer_url,omitempty"`
}

func (s *Server) handleSwitchNode(w http.ResponseWriter, r *http.Request) {
	var req switchNodeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.engine.SwitchEndpoint(r.Context(), req.URL, req.IndexerURL); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Health())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health()
	status := http.StatusOK
	if h.Status == string(pipeline.HealthStatusUnhealthy) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// --- Transactions ---

type submitTransactionRequest struct {
	Transaction jsoniter.RawMessage `json:"transaction"`
	Inputs      []model.OutPoint    `json:"inputs"`
}

type submitTransactionResponse struct {
	Hash string `json:"hash"`
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitTransactionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Transaction) == 0 {
		writeError(w, http.StatusBadRequest, "transaction is required")
		return
	}

	inputs := req.Inputs
	if len(inputs) == 0 && s.decodeInputs != nil {
		decoded, err := s.decodeInputs(req.Transaction)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		inputs = decoded
	}

	hash, err := s.engine.SubmitTransaction(r.Context(), chain.RawTransaction{
		Payload: req.Transaction,
		Inputs:  inputs,
	})
	if err != nil && hash == "" {
		s.writeFailure(w, r, err)
		return
	}
	if err != nil {
		// accepted by the node but not recorded locally
		s.logger.Error("submitted transaction not cached", "tx_hash", hash, "error", err)
	}
	writeJSON(w, http.StatusAccepted, submitTransactionResponse{Hash: hash})
}
