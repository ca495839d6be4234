package rpc

import jsoniter "github.com/json-iterator/go"

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      int                 `json:"id"`
	Result  jsoniter.RawMessage `json:"result"`
	Error   *RPCError           `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// HTTPStatusError is returned for non-200 responses so callers can
// classify by status without parsing messages.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return "http status " + itoa(e.StatusCode) + ": " + e.Body
}

type Script struct {
	CodeHash string `json:"code_hash"`
	HashType string `json:"hash_type"`
	Args     string `json:"args"`
}

type Header struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
	Number     string `json:"number"`
	Timestamp  string `json:"timestamp"`
}

type IndexerTip struct {
	BlockHash   string `json:"block_hash"`
	BlockNumber string `json:"block_number"`
}

type SearchKeyFilter struct {
	BlockRange []string `json:"block_range,omitempty"`
}

type SearchKey struct {
	Script     Script           `json:"script"`
	ScriptType string           `json:"script_type"`
	Filter     *SearchKeyFilter `json:"filter,omitempty"`
}

type IndexerTx struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber string `json:"block_number"`
	TxIndex     string `json:"tx_index"`
	IOIndex     string `json:"io_index"`
	IOType      string `json:"io_type"`
}

type IndexerTxPage struct {
	Objects    []IndexerTx `json:"objects"`
	LastCursor string      `json:"last_cursor"`
}

type OutPoint struct {
	TxHash string `json:"tx_hash"`
	Index  string `json:"index"`
}

type CellInput struct {
	PreviousOutput OutPoint `json:"previous_output"`
	Since          string   `json:"since"`
}

type CellOutput struct {
	Capacity string  `json:"capacity"`
	Lock     Script  `json:"lock"`
	Type     *Script `json:"type"`
}

type Transaction struct {
	Hash        string       `json:"hash"`
	Version     string       `json:"version"`
	Inputs      []CellInput  `json:"inputs"`
	Outputs     []CellOutput `json:"outputs"`
	OutputsData []string     `json:"outputs_data"`
}

type TxStatus struct {
	Status      string  `json:"status"`
	BlockHash   *string `json:"block_hash"`
	BlockNumber *string `json:"block_number"`
}

type TransactionWithStatus struct {
	Transaction *Transaction `json:"transaction"`
	TxStatus    TxStatus     `json:"tx_status"`
}
