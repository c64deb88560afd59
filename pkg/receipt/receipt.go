// Package receipt implements the StepReceipt hash-chain and the
// notary-signed LogBlock builder that batches receipts into sealed,
// Merkle-rooted blocks.
//
// The count/time batching discipline is generalized from anchor
// batches to per-app LogBlocks.
package receipt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pravyom/metanode-core/pkg/canon"
	"github.com/pravyom/metanode-core/pkg/decimal"
	"github.com/pravyom/metanode-core/pkg/merkle"
)

// GenesisHash is the sentinel prev_hash for the first receipt in a
// (app, container) chain.
var GenesisHash = [32]byte{}

// Errors returned by the builder.
var (
	ErrInvalidChain = errors.New("receipt: prev_hash does not match predecessor hash")
	ErrEmpty        = errors.New("receipt: batched receipt set is empty")
)

// Usage is the five-tuple of nonnegative resource counters. CPUMs,
// MemMBS, and ReceiptsCount are whole-unit integer counters; StorageGBDay
// and EgressMB are fractional quantities (GB-days and MB can both arrive
// sub-unit) and so are carried as decimal.Fixed, never a float. Addition
// is componentwise with no saturation.
type Usage struct {
	CPUMs         uint64        `cbor:"1,keyasint"`
	MemMBS        uint64        `cbor:"2,keyasint"`
	StorageGBDay  decimal.Fixed `cbor:"3,keyasint"`
	EgressMB      decimal.Fixed `cbor:"4,keyasint"`
	ReceiptsCount uint64        `cbor:"5,keyasint"`
}

// Add returns the componentwise sum u+o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		CPUMs:         u.CPUMs + o.CPUMs,
		MemMBS:        u.MemMBS + o.MemMBS,
		StorageGBDay:  u.StorageGBDay.Add(o.StorageGBDay),
		EgressMB:      u.EgressMB.Add(o.EgressMB),
		ReceiptsCount: u.ReceiptsCount + o.ReceiptsCount,
	}
}

// body is the portion of StepReceipt that is hashed to produce Hash —
// everything except Hash and Sig themselves.
type body struct {
	Version  uint32            `cbor:"1,keyasint"`
	App      string            `cbor:"2,keyasint"`
	Container string           `cbor:"3,keyasint"`
	Op       string            `cbor:"4,keyasint"`
	TS       int64             `cbor:"5,keyasint"`
	Usage    Usage             `cbor:"6,keyasint"`
	Labels   map[string]string `cbor:"7,keyasint"`
	PrevHash [32]byte          `cbor:"8,keyasint"`
}

// StepReceipt is an immutable, signed record of one observable container
// operation. Hash chains the (app, container) stream: for i>0,
// receipt[i].PrevHash == receipt[i-1].Hash.
type StepReceipt struct {
	Version   uint32
	App       string
	Container string
	Op        string
	TS        int64
	Usage     Usage
	Labels    map[string]string
	PrevHash  [32]byte
	Hash      [32]byte
	Sig       []byte
}

// New builds and signs the next receipt in a chain, given the
// predecessor's hash (GenesisHash for the first receipt).
func New(signer ed25519.PrivateKey, version uint32, app, container, op string, ts int64, usage Usage, labels map[string]string, prevHash [32]byte) (StepReceipt, error) {
	b := body{
		Version:   version,
		App:       app,
		Container: container,
		Op:        op,
		TS:        ts,
		Usage:     usage,
		Labels:    labels,
		PrevHash:  prevHash,
	}
	hash, canonical, err := canon.HashObject(canon.TagReceipt, b)
	if err != nil {
		return StepReceipt{}, fmt.Errorf("receipt: hash: %w", err)
	}
	sig := ed25519.Sign(signer, canonical)

	return StepReceipt{
		Version:   version,
		App:       app,
		Container: container,
		Op:        op,
		TS:        ts,
		Usage:     usage,
		Labels:    labels,
		PrevHash:  prevHash,
		Hash:      hash,
		Sig:       sig,
	}, nil
}

// Verify checks that r.Hash matches the recomputed body hash and that
// sig is a valid signature over the canonical body bytes under pub.
func (r StepReceipt) Verify(pub ed25519.PublicKey) error {
	b := body{
		Version:   r.Version,
		App:       r.App,
		Container: r.Container,
		Op:        r.Op,
		TS:        r.TS,
		Usage:     r.Usage,
		Labels:    r.Labels,
		PrevHash:  r.PrevHash,
	}
	hash, canonical, err := canon.HashObject(canon.TagReceipt, b)
	if err != nil {
		return fmt.Errorf("receipt: hash: %w", err)
	}
	if hash != r.Hash {
		return fmt.Errorf("receipt: hash mismatch: recomputed %x, stored %x", hash, r.Hash)
	}
	if !ed25519.Verify(pub, canonical, r.Sig) {
		return errors.New("receipt: signature verification failed")
	}
	return nil
}

// TimeRange is the [from_ts, to_ts] window a LogBlock covers.
type TimeRange struct {
	FromTS int64 `cbor:"1,keyasint"`
	ToTS   int64 `cbor:"2,keyasint"`
}

// logBlockBody is the hashed/signed portion of a LogBlock.
type logBlockBody struct {
	Version    uint32    `cbor:"1,keyasint"`
	App        string    `cbor:"2,keyasint"`
	Height     uint64    `cbor:"3,keyasint"`
	MerkleRoot [32]byte  `cbor:"4,keyasint"`
	Count      uint32    `cbor:"5,keyasint"`
	TimeRange  TimeRange `cbor:"6,keyasint"`
}

// LogBlock is a sealed, notary-signed batch of StepReceipts for one app.
type LogBlock struct {
	Version    uint32
	App        string
	Height     uint64
	MerkleRoot [32]byte
	Count      uint32
	TimeRange  TimeRange
	NotarySig  []byte

	// Hash is the domain hash of logBlockBody, not itself part of the
	// signed body (mirrors StepReceipt's Hash/Sig split).
	Hash [32]byte
}

// Builder batches StepReceipts per app and seals LogBlocks once a count
// threshold or time boundary is reached. One Builder instance serializes
// sealing for a single app via its own lock; concurrent builders for
// different apps never contend.
type Builder struct {
	mu sync.Mutex

	app           string
	countThreshold int
	timeThreshold  time.Duration

	notary ed25519.PrivateKey

	pending     []StepReceipt
	batchOpened time.Time
	nextHeight  uint64
}

// NewBuilder creates a LogBlock builder for a single app.
func NewBuilder(app string, countThreshold int, timeThreshold time.Duration, notary ed25519.PrivateKey) *Builder {
	return &Builder{
		app:            app,
		countThreshold: countThreshold,
		timeThreshold:  timeThreshold,
		notary:         notary,
		nextHeight:     1,
	}
}

// Add appends a receipt to the pending batch, validating that its
// PrevHash matches the previous pending receipt's Hash. The first
// receipt in a fresh batch is accepted without any check — chain
// validation across batch boundaries is the caller's responsibility
// since the builder doesn't retain sealed history.
// Returns a sealed LogBlock if this insertion crosses the count or time
// threshold, else (nil, nil).
func (b *Builder) Add(r StepReceipt) (*LogBlock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) > 0 {
		last := b.pending[len(b.pending)-1]
		if r.PrevHash != last.Hash {
			return nil, fmt.Errorf("%w: got %x, want %x", ErrInvalidChain, r.PrevHash, last.Hash)
		}
	} else {
		b.batchOpened = time.Unix(0, r.TS*int64(time.Millisecond))
	}

	b.pending = append(b.pending, r)

	elapsed := time.Duration(r.TS-b.batchOpened.UnixMilli()) * time.Millisecond
	if len(b.pending) >= b.countThreshold || (b.timeThreshold > 0 && elapsed >= b.timeThreshold) {
		return b.sealLocked()
	}
	return nil, nil
}

// Seal forces a seal of whatever is pending, even below threshold.
// Returns ErrEmpty if nothing is pending.
func (b *Builder) Seal() (*LogBlock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealLocked()
}

func (b *Builder) sealLocked() (*LogBlock, error) {
	if len(b.pending) == 0 {
		return nil, ErrEmpty
	}

	batch := make([]StepReceipt, len(b.pending))
	copy(batch, b.pending)
	b.pending = b.pending[:0]

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].TS != batch[j].TS {
			return batch[i].TS < batch[j].TS
		}
		return lexLess(batch[i].Hash, batch[j].Hash)
	})

	leaves := make([][]byte, len(batch))
	for i, r := range batch {
		leaf := r.Hash
		leaves[i] = leaf[:]
	}
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("receipt: build merkle tree: %w", err)
	}

	var root [32]byte
	copy(root[:], tree.Root())

	lb := logBlockBody{
		Version:    1,
		App:        b.app,
		Height:     b.nextHeight,
		MerkleRoot: root,
		Count:      uint32(len(batch)),
		TimeRange:  TimeRange{FromTS: batch[0].TS, ToTS: batch[len(batch)-1].TS},
	}
	hash, canonical, err := canon.HashObject(canon.TagLogBlock, lb)
	if err != nil {
		return nil, fmt.Errorf("receipt: hash logblock: %w", err)
	}
	sig := ed25519.Sign(b.notary, canonical)

	b.nextHeight++

	return &LogBlock{
		Version:    lb.Version,
		App:        lb.App,
		Height:     lb.Height,
		MerkleRoot: lb.MerkleRoot,
		Count:      lb.Count,
		TimeRange:  lb.TimeRange,
		NotarySig:  sig,
		Hash:       hash,
	}, nil
}

func lexLess(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
