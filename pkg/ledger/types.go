// Package ledger implements the block producer: turns sealed PoE
// bundles into PoEBundle transactions, computes mint amounts and fee
// splits, and assembles the resulting ledger block's header. Validator
// signatures are filled in afterward by pkg/consensus once the block
// finalizes.
//
// The store uses big-endian height-suffixed keys under a component
// prefix, a single block-producer ledger rather than a split system/
// anchor ledger.
package ledger

import (
	"github.com/pravyom/metanode-core/pkg/decimal"
	"github.com/pravyom/metanode-core/pkg/poe"
)

// FeeSplit is the configured, header-anchored vector of four rationals
// summing to exactly 1, used to divide a transaction's minted amount.
type FeeSplit struct {
	Locked    decimal.Fixed
	Spendable decimal.Fixed
	Owner     decimal.Fixed
	Treasury  decimal.Fixed
}

// Ratios returns the four ratios in the fixed order decimal.SplitExact
// expects.
func (f FeeSplit) Ratios() []decimal.Fixed {
	return []decimal.Fixed{f.Locked, f.Spendable, f.Owner, f.Treasury}
}

// MintedAmounts is the result of applying a FeeSplit to a minted amount N.
type MintedAmounts struct {
	Locked    decimal.Fixed
	Spendable decimal.Fixed
	Owner     decimal.Fixed
	Treasury  decimal.Fixed
}

// PoEBundleTx is the transaction kind produced per sealed PoE bundle.
type PoEBundleTx struct {
	Bundle poe.Bundle
	Minted decimal.Fixed
	Split  MintedAmounts
	TxHash [32]byte
}

// ValidatorSignature is one validator's contribution to a block's
// finalization, filled in by pkg/consensus after commit.
type ValidatorSignature struct {
	ValidatorIndex uint32
	Signature      []byte
}

// headerBody is the hashed portion of a Block's header (everything
// except the signatures, which are filled in after the header hash is
// already fixed by consensus).
type headerBody struct {
	Height        uint64              `cbor:"1,keyasint"`
	PrevHash      [32]byte            `cbor:"2,keyasint"`
	MerkleRoot    [32]byte            `cbor:"3,keyasint"`
	Timestamp     int64               `cbor:"4,keyasint"`
	Nonce         uint64              `cbor:"5,keyasint"`
	Difficulty    uint64              `cbor:"6,keyasint"`
	TxCount       uint32              `cbor:"7,keyasint"`
	MintConstant  decimal.Fixed       `cbor:"8,keyasint"`
	GammaFunction poe.GammaFunctionID `cbor:"9,keyasint"`
	FeeSplit      [4]decimal.Fixed    `cbor:"10,keyasint"`
}

// Block is a finalized (or pending-finalization) ledger block.
type Block struct {
	Height        uint64
	PrevHash      [32]byte
	MerkleRoot    [32]byte
	Timestamp     int64
	Nonce         uint64
	Difficulty    uint64
	MintConstant  decimal.Fixed
	GammaFunction poe.GammaFunctionID
	FeeSplit      FeeSplit

	Transactions []PoEBundleTx

	// Hash is the domain hash of headerBody.
	Hash [32]byte

	// ValidatorSignatures is populated by consensus after finalization;
	// empty on a freshly constructed, not-yet-finalized block.
	ValidatorSignatures []ValidatorSignature
}
