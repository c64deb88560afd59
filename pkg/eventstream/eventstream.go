// Package eventstream implements the canonical event stream: a bounded,
// monotone, Merkle-rooted log shared by every component that needs to
// publish an auditable event — receipt ingestion, settlement phase
// changes, capture taps (pkg/capture) feeding witnessed runtime events.
//
// Generalized from a single append-only batch queue into a keyed,
// reorder-checked sequence with a live Merkle root, using pkg/merkle.Tree
// for the running root and pkg/canon for leaf hashing.
package eventstream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pravyom/metanode-core/pkg/canon"
	"github.com/pravyom/metanode-core/pkg/merkle"
)

// Errors returned by stream operations.
var (
	ErrReorderRejected = errors.New("eventstream: event t_seq outside reorder window")
	ErrNotFound        = errors.New("eventstream: event not found")
	ErrEmptyRange      = errors.New("eventstream: empty or invalid range")
)

// Event is a single entry in the canonical stream.
//
// EID and ParentEID are 128-bit identifiers carried as two uint64 halves
// (canon.Encode has no native u128; splitting into Hi/Lo keeps the
// encoding purely integer-keyed, matching the "no floats, stable across
// languages" requirement).
type Event struct {
	EIDHi        uint64            `cbor:"1,keyasint"`
	EIDLo        uint64            `cbor:"2,keyasint"`
	ParentEIDHi  uint64            `cbor:"3,keyasint"`
	ParentEIDLo  uint64            `cbor:"4,keyasint"`
	HasParent    bool              `cbor:"5,keyasint"`
	TSeq         uint64            `cbor:"6,keyasint"`
	Kind         string            `cbor:"7,keyasint"`
	PayloadCommit [32]byte         `cbor:"8,keyasint"`
	Metadata     map[string]string `cbor:"9,keyasint"`
}

// Stats summarizes the current state of a stream.
type Stats struct {
	Count      int
	OldestTSeq uint64
	NewestTSeq uint64
	MerkleRoot [32]byte
}

// Stream is a single named, bounded event sequence with a live Merkle
// root over domain-hashed event leaves.
//
// Single-writer, many-reader: mu.Lock guards appends and cleanup,
// mu.RLock guards all read paths via a conventional RWMutex.
type Stream struct {
	mu sync.RWMutex

	maxEvents        int
	maxReorderWindow uint64

	nextTSeq uint64
	events   []Event          // ordered by t_seq ascending
	byEID    map[[2]uint64]int // (hi,lo) -> index into events
	tree     *merkle.Tree
}

// Config controls stream bounds.
type Config struct {
	MaxEvents        int
	MaxReorderWindow uint64
}

// New creates an empty stream with the given bounds.
func New(cfg Config) *Stream {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1_000_000
	}
	return &Stream{
		maxEvents:        cfg.MaxEvents,
		maxReorderWindow: cfg.MaxReorderWindow,
		byEID:            make(map[[2]uint64]int),
	}
}

// AddEvent assigns TSeq if unset (TSeq==0 and the stream is non-empty is
// ambiguous with a legitimate first TSeq of 0, so callers that want
// auto-assignment must leave TSeq at its zero value on an empty stream
// too; NextTSeq reports the value that will be assigned next), appends
// respecting the reorder window, and updates the Merkle root over
// domain-hashed leaves.
func (s *Stream) AddEvent(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.TSeq == 0 {
		e.TSeq = s.nextTSeq
	}

	if n := len(s.events); n > 0 {
		back := s.events[n-1].TSeq
		if e.TSeq < back && back-e.TSeq > s.maxReorderWindow {
			return Event{}, fmt.Errorf("%w: back=%d incoming=%d window=%d", ErrReorderRejected, back, e.TSeq, s.maxReorderWindow)
		}
	}

	pos := len(s.events)
	for pos > 0 && s.events[pos-1].TSeq > e.TSeq {
		pos--
	}
	s.events = append(s.events, Event{})
	copy(s.events[pos+1:], s.events[pos:])
	s.events[pos] = e

	if e.TSeq >= s.nextTSeq {
		s.nextTSeq = e.TSeq + 1
	}

	if err := s.rebuildLocked(); err != nil {
		return Event{}, err
	}

	if len(s.events) > s.maxEvents {
		s.cleanupLocked()
	}

	return e, nil
}

// rebuildLocked recomputes the index and Merkle tree. Callers must hold mu.
func (s *Stream) rebuildLocked() error {
	s.byEID = make(map[[2]uint64]int, len(s.events))
	leaves := make([][]byte, 0, len(s.events))
	for i, ev := range s.events {
		s.byEID[[2]uint64{ev.EIDHi, ev.EIDLo}] = i
		h, _, err := canon.HashObject(canon.TagEvent, ev)
		if err != nil {
			return fmt.Errorf("eventstream: hash event: %w", err)
		}
		leaves = append(leaves, h[:])
	}
	if len(leaves) == 0 {
		s.tree = nil
		return nil
	}
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return fmt.Errorf("eventstream: build tree: %w", err)
	}
	s.tree = tree
	return nil
}

// cleanupLocked drops events from the front until length <= maxEvents
// and rebuilds the index/tree. Callers must hold mu.
func (s *Stream) cleanupLocked() {
	drop := len(s.events) - s.maxEvents
	s.events = s.events[drop:]
	_ = s.rebuildLocked()
}

// GetEvent looks up an event by its (hi,lo) identifier.
func (s *Stream) GetEvent(hi, lo uint64) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byEID[[2]uint64{hi, lo}]
	if !ok {
		return Event{}, ErrNotFound
	}
	return s.events[idx], nil
}

// GetEventsRange returns events with TSeq in [lo,hi] inclusive.
func (s *Stream) GetEventsRange(lo, hi uint64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hi < lo {
		return nil, ErrEmptyRange
	}
	out := make([]Event, 0)
	for _, ev := range s.events {
		if ev.TSeq >= lo && ev.TSeq <= hi {
			out = append(out, ev)
		}
	}
	return out, nil
}

// GetRecent returns the n most recently appended events, oldest first.
func (s *Stream) GetRecent(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.events) == 0 {
		return nil
	}
	if n > len(s.events) {
		n = len(s.events)
	}
	start := len(s.events) - n
	out := make([]Event, n)
	copy(out, s.events[start:])
	return out
}

// FindByKind returns up to limit events with the given Kind, in stream
// order. limit<=0 means unlimited.
func (s *Stream) FindByKind(kind string, limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0)
	for _, ev := range s.events {
		if ev.Kind != kind {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// MerkleRoot returns the current root over all event leaves, or the
// zero hash if the stream is empty.
func (s *Stream) MerkleRoot() [32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var root [32]byte
	if s.tree == nil {
		return root
	}
	copy(root[:], s.tree.Root())
	return root
}

// Stats reports the current size and bounds of the stream.
func (s *Stream) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Count: len(s.events)}
	if len(s.events) > 0 {
		st.OldestTSeq = s.events[0].TSeq
		st.NewestTSeq = s.events[len(s.events)-1].TSeq
	}
	if s.tree != nil {
		copy(st.MerkleRoot[:], s.tree.Root())
	}
	return st
}

// NextTSeq reports the TSeq that will be auto-assigned to the next
// event whose TSeq field is left at zero.
func (s *Stream) NextTSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextTSeq
}
