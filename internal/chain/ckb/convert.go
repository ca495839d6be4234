package ckb

import (
	"fmt"
	"time"

	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/chain/ckb/rpc"
	"github.com/emperorhan/cellsync/internal/domain/model"
	jsoniter "github.com/json-iterator/go"
)

func toRPCScript(s model.Script) rpc.Script {
	return rpc.Script{CodeHash: s.CodeHash, HashType: string(s.HashType), Args: s.Args}
}

func fromRPCScript(s rpc.Script) model.Script {
	return model.Script{CodeHash: s.CodeHash, HashType: model.HashType(s.HashType), Args: s.Args}.Normalize()
}

func toHeader(h *rpc.Header) (*chain.Header, error) {
	number, err := rpc.ParseHexInt64(h.Number)
	if err != nil {
		return nil, fmt.Errorf("header number: %w", err)
	}
	out := &chain.Header{Number: number, Hash: h.Hash, ParentHash: h.ParentHash}
	if h.Timestamp != "" {
		ms, err := rpc.ParseHexInt64(h.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("header timestamp: %w", err)
		}
		ts := time.UnixMilli(ms).UTC()
		out.Timestamp = &ts
	}
	return out, nil
}

func toTxDetail(raw *rpc.TransactionWithStatus) (*chain.TxDetail, error) {
	tx := raw.Transaction
	detail := &chain.TxDetail{
		Hash:    tx.Hash,
		Status:  raw.TxStatus.Status,
		Inputs:  make([]chain.TxInput, 0, len(tx.Inputs)),
		Outputs: make([]chain.TxOutput, 0, len(tx.Outputs)),
	}
	if raw.TxStatus.BlockHash != nil {
		detail.BlockHash = *raw.TxStatus.BlockHash
	}
	if raw.TxStatus.BlockNumber != nil {
		n, err := rpc.ParseHexInt64(*raw.TxStatus.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("tx %s block number: %w", tx.Hash, err)
		}
		detail.BlockNumber = &n
	}

	for _, in := range tx.Inputs {
		index, err := rpc.ParseHexInt64(in.PreviousOutput.Index)
		if err != nil {
			return nil, fmt.Errorf("tx %s input index: %w", tx.Hash, err)
		}
		detail.Inputs = append(detail.Inputs, chain.TxInput{
			PreviousOutput: model.OutPoint{TxHash: in.PreviousOutput.TxHash, Index: index},
		})
	}
	for i, out := range tx.Outputs {
		capacity, err := rpc.ParseHexInt64(out.Capacity)
		if err != nil {
			return nil, fmt.Errorf("tx %s output %d capacity: %w", tx.Hash, i, err)
		}
		o := chain.TxOutput{Capacity: capacity, Lock: fromRPCScript(out.Lock)}
		if out.Type != nil {
			typ := fromRPCScript(*out.Type)
			o.Type = &typ
		}
		if i < len(tx.OutputsData) {
			o.Data = tx.OutputsData[i]
		}
		detail.Outputs = append(detail.Outputs, o)
	}
	return detail, nil
}

// DeclaredInputs reads the input outpoints of a transaction in node JSON
// form without interpreting anything else.
func DeclaredInputs(payload []byte) ([]model.OutPoint, error) {
	var tx rpc.Transaction
	if err := jsoniter.Unmarshal(payload, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	out := make([]model.OutPoint, 0, len(tx.Inputs))
	for i, in := range tx.Inputs {
		index, err := rpc.ParseHexInt64(in.PreviousOutput.Index)
		if err != nil {
			return nil, fmt.Errorf("input %d index: %w", i, err)
		}
		out = append(out, model.OutPoint{TxHash: in.PreviousOutput.TxHash, Index: index})
	}
	return out, nil
}
