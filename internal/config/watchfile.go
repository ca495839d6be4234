package config

import (
	"fmt"
	"os"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/pipeline/registry"
	"gopkg.in/yaml.v3"
)

// WatchFile is the YAML document that seeds watched scripts.
//
//	scripts:
//	  - code_hash: 0x9bd7...
//	    hash_type: type
//	    args: 0x36c3...
//	    kind: address
//	    start_block: 1200000
//	    wallet_id: main
type WatchFile struct {
	Scripts []WatchEntry `yaml:"scripts"`
}

type WatchEntry struct {
	model.Script `yaml:",inline"`
	Kind         model.ScriptKind `yaml:"kind"`
	StartBlock   int64            `yaml:"start_block"`
	WalletID     string           `yaml:"wallet_id"`
}

// LoadWatchFile parses path into registrations. Validation of each entry
// happens at registration time.
func LoadWatchFile(path string) ([]registry.Registration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watch file: %w", err)
	}
	return ParseWatchFile(raw)
}

func ParseWatchFile(raw []byte) ([]registry.Registration, error) {
	var doc WatchFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse watch file: %w", err)
	}

	regs := make([]registry.Registration, 0, len(doc.Scripts))
	for i, e := range doc.Scripts {
		if e.CodeHash == "" {
			return nil, fmt.Errorf("watch file entry %d: code_hash is required", i)
		}
		kind := e.Kind
		if kind == "" {
			kind = model.ScriptKindAddress
		}
		reg := registry.Registration{
			Script:           e.Script,
			Kind:             kind,
			StartBlockNumber: e.StartBlock,
		}
		if e.WalletID != "" {
			wallet := e.WalletID
			reg.WalletID = &wallet
		}
		regs = append(regs, reg)
	}
	return regs, nil
}
