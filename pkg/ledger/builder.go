package ledger

import (
	"fmt"

	"github.com/pravyom/metanode-core/pkg/canon"
	"github.com/pravyom/metanode-core/pkg/decimal"
	"github.com/pravyom/metanode-core/pkg/merkle"
	"github.com/pravyom/metanode-core/pkg/poe"
)

// txBody is the hashed portion of a PoEBundleTx.
type txBody struct {
	BundleHash [32]byte         `cbor:"1,keyasint"`
	Minted     decimal.Fixed    `cbor:"2,keyasint"`
	Split      [4]decimal.Fixed `cbor:"3,keyasint"`
}

// BuildTx turns one sealed bundle into a PoEBundleTx: minted amount
// N = K · Γ, split via decimal.SplitExact into the four fee-split
// amounts (locked, spendable, owner, treasury), which MUST sum to N
// exactly (decimal.SplitExact's remainder assignment guarantees this).
func BuildTx(bundle poe.Bundle, mintConstant decimal.Fixed, split FeeSplit) (PoEBundleTx, error) {
	minted := mintConstant.Mul(bundle.Gamma)

	parts, err := decimal.SplitExact(minted, split.Ratios())
	if err != nil {
		return PoEBundleTx{}, fmt.Errorf("ledger: fee split: %w", err)
	}
	amounts := MintedAmounts{Locked: parts[0], Spendable: parts[1], Owner: parts[2], Treasury: parts[3]}

	body := txBody{
		BundleHash: bundle.Hash,
		Minted:     minted,
		Split:      [4]decimal.Fixed{amounts.Locked, amounts.Spendable, amounts.Owner, amounts.Treasury},
	}
	txHash, _, err := canon.HashObject(canon.TagPoEBundle, body)
	if err != nil {
		return PoEBundleTx{}, fmt.Errorf("ledger: hash tx: %w", err)
	}

	return PoEBundleTx{Bundle: bundle, Minted: minted, Split: amounts, TxHash: txHash}, nil
}

// BuildBlock assembles a block from already-built transactions: computes
// the Merkle root over transaction hashes, chains PrevHash, and hashes
// the header. The block's ValidatorSignatures are left empty — they are
// filled in by pkg/consensus once the block is proposed and finalized.
func BuildBlock(height uint64, prevHash [32]byte, timestamp int64, nonce, difficulty uint64, mintConstant decimal.Fixed, gammaFn poe.GammaFunctionID, split FeeSplit, txs []PoEBundleTx) (*Block, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("ledger: block at height %d has no transactions", height)
	}

	leaves := make([][]byte, len(txs))
	for i, tx := range txs {
		h := tx.TxHash
		leaves[i] = h[:]
	}
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("ledger: build tx merkle tree: %w", err)
	}
	var root [32]byte
	copy(root[:], tree.Root())

	hb := headerBody{
		Height:        height,
		PrevHash:      prevHash,
		MerkleRoot:    root,
		Timestamp:     timestamp,
		Nonce:         nonce,
		Difficulty:    difficulty,
		TxCount:       uint32(len(txs)),
		MintConstant:  mintConstant,
		GammaFunction: gammaFn,
		FeeSplit:      [4]decimal.Fixed{split.Locked, split.Spendable, split.Owner, split.Treasury},
	}
	hash, _, err := canon.HashObject(canon.TagBlockHeader, hb)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash header: %w", err)
	}

	return &Block{
		Height:        height,
		PrevHash:      prevHash,
		MerkleRoot:    root,
		Timestamp:     timestamp,
		Nonce:         nonce,
		Difficulty:    difficulty,
		MintConstant:  mintConstant,
		GammaFunction: gammaFn,
		FeeSplit:      split,
		Transactions:  txs,
		Hash:          hash,
	}, nil
}
