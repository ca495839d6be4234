package rpc

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

func (c *Client) GetTipBlockNumber(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "get_tip_block_number", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("get_tip_block_number: %w", err)
	}

	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal tip block number: %w", err)
	}
	return ParseHexInt64(hexNum)
}

func (c *Client) GetIndexerTip(ctx context.Context) (*IndexerTip, error) {
	result, err := c.call(ctx, "get_indexer_tip", []interface{}{})
	if err != nil {
		return nil, fmt.Errorf("get_indexer_tip: %w", err)
	}
	if isNull(result) {
		return nil, nil
	}

	var tip IndexerTip
	if err := json.Unmarshal(result, &tip); err != nil {
		return nil, fmt.Errorf("unmarshal indexer tip: %w", err)
	}
	return &tip, nil
}

func (c *Client) GetHeaderByNumber(ctx context.Context, blockNumber int64) (*Header, error) {
	result, err := c.call(ctx, "get_header_by_number", []interface{}{FormatHexInt64(blockNumber)})
	if err != nil {
		return nil, fmt.Errorf("get_header_by_number(%d): %w", blockNumber, err)
	}
	if isNull(result) {
		return nil, nil
	}

	var header Header
	if err := json.Unmarshal(result, &header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	return &header, nil
}

func (c *Client) GetTransactions(ctx context.Context, key SearchKey, limit int, after string) (*IndexerTxPage, error) {
	params := []interface{}{key, "asc", FormatHexInt64(int64(limit))}
	if after != "" {
		params = append(params, after)
	}
	result, err := c.call(ctx, "get_transactions", params)
	if err != nil {
		return nil, fmt.Errorf("get_transactions: %w", err)
	}

	var page IndexerTxPage
	if err := json.Unmarshal(result, &page); err != nil {
		return nil, fmt.Errorf("unmarshal indexer transactions: %w", err)
	}
	return &page, nil
}

func (c *Client) GetTransaction(ctx context.Context, hash string) (*TransactionWithStatus, error) {
	result, err := c.call(ctx, "get_transaction", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("get_transaction(%s): %w", hash, err)
	}
	if isNull(result) {
		return nil, nil
	}

	var tx TransactionWithStatus
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	if tx.Transaction == nil {
		return nil, nil
	}
	return &tx, nil
}

// SendTransaction is not wrapped with a method prefix so the node's
// rejection message reaches the caller unchanged.
func (c *Client) SendTransaction(ctx context.Context, tx jsoniter.RawMessage) (string, error) {
	result, err := c.call(ctx, "send_transaction", []interface{}{tx, "passthrough"})
	if err != nil {
		return "", err
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal transaction hash: %w", err)
	}
	return hash, nil
}

func isNull(raw jsoniter.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func ParseHexInt64(v string) (int64, error) {
	s := strings.TrimPrefix(strings.TrimSpace(v), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	n, err := strconv.ParseUint(s, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", v, err)
	}
	return int64(n), nil
}

func FormatHexInt64(v int64) string {
	return "0x" + strconv.FormatInt(v, 16)
}
