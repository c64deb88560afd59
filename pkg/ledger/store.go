package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// KV defines the key-value store interface. pkg/kvdb.KVAdapter wraps
// CometBFT's dbm.DB to implement this for persistent deployments; tests
// use an in-memory map (see pkg/kvdb.MemoryKV).
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

var (
	keyLatestHeight = []byte("ledger/latest_height")
	keyBlockPrefix  = []byte("ledger/block/")
)

func blockKey(height uint64) []byte {
	key := make([]byte, len(keyBlockPrefix)+8)
	copy(key, keyBlockPrefix)
	binary.BigEndian.PutUint64(key[len(keyBlockPrefix):], height)
	return key
}

// LedgerStore provides high-level access to the block producer's
// height-keyed block store.
//
// CONCURRENCY: LedgerStore assumes single-writer access and is designed
// to be called from the consensus commit thread only; readers from
// other goroutines must not overlap with a commit write without their
// own synchronization.
type LedgerStore struct {
	kv KV
}

// NewLedgerStore creates a new LedgerStore instance.
func NewLedgerStore(kv KV) *LedgerStore {
	return &LedgerStore{kv: kv}
}

// PutBlock persists a finalized block and advances the latest-height
// pointer if this block is the new chain tip.
func (s *LedgerStore) PutBlock(b *Block) error {
	data, err := cbor.Marshal(b)
	if err != nil {
		return fmt.Errorf("ledger: marshal block: %w", err)
	}
	if err := s.kv.Set(blockKey(b.Height), data); err != nil {
		return fmt.Errorf("ledger: write block: %w", err)
	}

	latest, err := s.GetLatestHeight()
	if err != nil && err != ErrMetaNotFound {
		return err
	}
	if err == ErrMetaNotFound || b.Height > latest {
		heightBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(heightBytes, b.Height)
		if err := s.kv.Set(keyLatestHeight, heightBytes); err != nil {
			return fmt.Errorf("ledger: write latest height: %w", err)
		}
	}
	return nil
}

// GetBlock retrieves the block at the given height.
func (s *LedgerStore) GetBlock(height uint64) (*Block, error) {
	data, err := s.kv.Get(blockKey(height))
	if err != nil {
		return nil, fmt.Errorf("ledger: read block %d: %w", height, err)
	}
	if data == nil {
		return nil, ErrBlockNotFound
	}
	var b Block
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal block %d: %w", height, err)
	}
	return &b, nil
}

// GetLatestHeight returns the height of the current chain tip, or
// ErrMetaNotFound if no block has ever been written.
func (s *LedgerStore) GetLatestHeight() (uint64, error) {
	data, err := s.kv.Get(keyLatestHeight)
	if err != nil {
		return 0, fmt.Errorf("ledger: read latest height: %w", err)
	}
	if data == nil {
		return 0, ErrMetaNotFound
	}
	return binary.BigEndian.Uint64(data), nil
}

// GetLatestBlock returns the current chain tip block.
func (s *LedgerStore) GetLatestBlock() (*Block, error) {
	height, err := s.GetLatestHeight()
	if err != nil {
		return nil, err
	}
	return s.GetBlock(height)
}
