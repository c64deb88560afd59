// Package ledger provides sentinel errors for ledger operations.

package ledger

import "errors"

// Sentinel errors for ledger operations
var (
	// ErrMetaNotFound is returned when block-producer metadata is not found.
	ErrMetaNotFound = errors.New("ledger metadata not found")

	// ErrBlockNotFound is returned when a requested block height has no block.
	ErrBlockNotFound = errors.New("ledger block not found")

	// ErrInvalidTx is returned when a transaction fails structural or
	// signature validation before being admitted to a block.
	ErrInvalidTx = errors.New("ledger: invalid transaction")
)
