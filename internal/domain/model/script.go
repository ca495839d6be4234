package model

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

type HashType string

const (
	HashTypeType  HashType = "type"
	HashTypeData  HashType = "data"
	HashTypeData1 HashType = "data1"
	HashTypeData2 HashType = "data2"
)

func (h HashType) Valid() bool {
	switch h {
	case HashTypeType, HashTypeData, HashTypeData1, HashTypeData2:
		return true
	}
	return false
}

// Script is a lock or type script as addressed by the indexer.
type Script struct {
	CodeHash string   `json:"code_hash" yaml:"code_hash"`
	HashType HashType `json:"hash_type" yaml:"hash_type"`
	Args     string   `json:"args" yaml:"args"`
}

// Normalize lowercases hex fields and ensures a 0x prefix.
func (s Script) Normalize() Script {
	return Script{
		CodeHash: normalizeHex(s.CodeHash),
		HashType: HashType(strings.ToLower(strings.TrimSpace(string(s.HashType)))),
		Args:     normalizeHex(s.Args),
	}
}

func (s Script) Validate() error {
	n := s.Normalize()
	if len(n.CodeHash) != 66 {
		return fmt.Errorf("code_hash must be 32 bytes, got %q", s.CodeHash)
	}
	if _, err := hex.DecodeString(n.CodeHash[2:]); err != nil {
		return fmt.Errorf("code_hash is not hex: %w", err)
	}
	if !n.HashType.Valid() {
		return fmt.Errorf("unsupported hash_type %q", s.HashType)
	}
	if _, err := hex.DecodeString(n.Args[2:]); err != nil {
		return fmt.Errorf("args is not hex: %w", err)
	}
	return nil
}

// Canonical is the stable textual form used for identity.
func (s Script) Canonical() string {
	n := s.Normalize()
	return n.CodeHash + ":" + string(n.HashType) + ":" + n.Args
}

// IdentityKey is a fixed-length key for the script, independent of args length.
func (s Script) IdentityKey() string {
	sum := blake2b.Sum256([]byte(s.Canonical()))
	return "0x" + hex.EncodeToString(sum[:])
}

func normalizeHex(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.TrimPrefix(v, "0x")
	return "0x" + v
}
