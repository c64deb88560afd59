// Package capture implements the Universal Runtime Audit Capture
// engine: a registry of narrow runtime adapters, polled on an
// interval, whose captured state is enriched into a proof chain
// (witness signature, time anchor, Merkle inclusion proof) and
// anchored into pkg/audittree and pkg/eventstream.
//
// Translated into Go's interface-plus-struct idiom (CaptureConfig,
// RuntimeType, ProofRequirements, a four-operation RuntimeAdapter
// interface, ProofChainBuilder). Witness/authority signatures require
// real ed25519 signatures from configured witness/authority keys; an
// event is excluded from the proof chain entirely when one cannot be
// produced, rather than padding with zero bytes.
package capture

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/pravyom/metanode-core/pkg/audittree"
	"github.com/pravyom/metanode-core/pkg/eventstream"
	"github.com/pravyom/metanode-core/pkg/merkle"
)

// RuntimeType identifies the kind of runtime an adapter captures from.
type RuntimeType string

const (
	RuntimeDockLock       RuntimeType = "docklock"
	RuntimeEncCluster     RuntimeType = "enc_cluster"
	RuntimeHTTPCage       RuntimeType = "http_cage"
	RuntimeIoTGateway     RuntimeType = "iot_gateway"
	RuntimeMobileClient   RuntimeType = "mobile_client"
	RuntimeFrontendClient RuntimeType = "frontend_client"
)

// ProofRequirements controls which proof-chain elements are mandatory
// for a captured event to be accepted.
type ProofRequirements struct {
	RequireWitnesses    bool
	MinWitnesses        int
	RequireTimeAnchors  bool
	RequireMerkleProofs bool
}

// Config controls polling cadence, batching, and proof requirements.
type Config struct {
	CaptureInterval    time.Duration
	MaxEventsPerBatch  int
	MonitoredRuntimes  []RuntimeType
	ProofRequirements  ProofRequirements
}

// DefaultConfig returns sane defaults for a single-process capture
// engine, using Go's time.Duration rather than raw millisecond counts.
func DefaultConfig() Config {
	return Config{
		CaptureInterval:   100 * time.Millisecond,
		MaxEventsPerBatch: 1000,
		MonitoredRuntimes: []RuntimeType{
			RuntimeDockLock, RuntimeEncCluster, RuntimeHTTPCage,
			RuntimeIoTGateway, RuntimeMobileClient, RuntimeFrontendClient,
		},
		ProofRequirements: ProofRequirements{
			RequireWitnesses:    true,
			MinWitnesses:        1,
			RequireTimeAnchors:  true,
			RequireMerkleProofs: true,
		},
	}
}

// RuntimeAdapter is the narrow, four-operation surface every monitored
// runtime implements: capture its current state, report its address,
// report health, and report metadata. Kept deliberately narrow so new
// runtimes are cheap to wire in.
type RuntimeAdapter interface {
	CaptureState(ctx context.Context) ([]byte, error)
	Address(ctx context.Context) (string, error)
	Healthy(ctx context.Context) bool
	Metadata(ctx context.Context) (map[string]string, error)
}

// Errors returned by the capture engine.
var (
	ErrNoAdapter          = errors.New("capture: no adapter registered for runtime type")
	ErrNoWitnessAvailable = errors.New("capture: witness requirement not met, event dropped")
	ErrNoAuthorityKey     = errors.New("capture: no time-authority key configured")
)

// WitnessAuthority signs witness attestations for captured events.
type WitnessAuthority struct {
	ID         string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// WitnessSignature is a real ed25519 signature, from a configured
// witness authority, over a captured event's domain hash.
type WitnessSignature struct {
	WitnessID string
	PublicKey ed25519.PublicKey
	Signature []byte
}

// TimeAnchor binds a captured event to wall-clock time with an
// authority-signed attestation, rather than an unsigned timestamp.
type TimeAnchor struct {
	TimestampNs  int64
	AuthorityID  string
	PublicKey    ed25519.PublicKey
	Signature    []byte
}

// MerkleProof is the captured event's inclusion proof against the
// audit tree's current leaf set.
type MerkleProof struct {
	Proof *merkle.InclusionProof
	Root  [32]byte
}

// ProofChain is everything accumulated for one captured event.
type ProofChain struct {
	Witnesses   []WitnessSignature
	TimeAnchor  *TimeAnchor
	MerkleProof *MerkleProof
}

// CaptureEvent is one polled (or pushed) runtime observation.
type CaptureEvent struct {
	RuntimeType    RuntimeType
	RuntimeAddress string
	CapturedAt     time.Time
	StateHash      [32]byte
	Metadata       map[string]string
	Proof          ProofChain
}

// Stats summarizes the engine's lifetime activity.
type Stats struct {
	TotalEvents   int64
	CaptureErrors int64
	DroppedEvents int64
}

// Engine polls registered adapters, builds each event's proof chain,
// and anchors it into the audit tree and canonical event stream.
type Engine struct {
	mu sync.Mutex

	cfg Config

	adapters map[RuntimeType]RuntimeAdapter

	witnesses        []WitnessAuthority
	timeAuthority    *WitnessAuthority
	tree             *audittree.Tree
	stream           *eventstream.Stream

	stats Stats
}

// NewEngine constructs a capture engine anchored to the given audit
// tree and event stream.
func NewEngine(cfg Config, tree *audittree.Tree, stream *eventstream.Stream, witnesses []WitnessAuthority, timeAuthority *WitnessAuthority) *Engine {
	return &Engine{
		cfg:           cfg,
		adapters:      make(map[RuntimeType]RuntimeAdapter),
		witnesses:     witnesses,
		timeAuthority: timeAuthority,
		tree:          tree,
		stream:        stream,
	}
}

// RegisterAdapter wires a runtime adapter into the engine.
func (e *Engine) RegisterAdapter(rt RuntimeType, adapter RuntimeAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[rt] = adapter
}

// Stats returns a copy of the engine's running statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// CaptureOnce polls a single registered adapter, builds the captured
// event's proof chain, and anchors it into the audit tree and event
// stream. Returns ErrNoWitnessAvailable (without anchoring anything)
// if witnesses are required but none could be produced — the original
// capture_engine.rs padded this case with vec![0u8;64]; this package
// refuses the event instead.
func (e *Engine) CaptureOnce(ctx context.Context, rt RuntimeType, parentID [32]byte, hasParent bool) (CaptureEvent, audittree.Node, error) {
	e.mu.Lock()
	adapter, ok := e.adapters[rt]
	e.mu.Unlock()
	if !ok {
		return CaptureEvent{}, audittree.Node{}, fmt.Errorf("%w: %s", ErrNoAdapter, rt)
	}

	if !adapter.Healthy(ctx) {
		e.bumpErrors()
		return CaptureEvent{}, audittree.Node{}, fmt.Errorf("capture: adapter for %s reports unhealthy", rt)
	}

	state, err := adapter.CaptureState(ctx)
	if err != nil {
		e.bumpErrors()
		return CaptureEvent{}, audittree.Node{}, fmt.Errorf("capture: %s: %w", rt, err)
	}
	addr, err := adapter.Address(ctx)
	if err != nil {
		e.bumpErrors()
		return CaptureEvent{}, audittree.Node{}, fmt.Errorf("capture: %s address: %w", rt, err)
	}
	meta, err := adapter.Metadata(ctx)
	if err != nil {
		meta = nil
	}

	capturedAt := time.Now()
	stateHash := blake3.Sum256(state)

	proof, err := e.buildProofChain(stateHash, capturedAt)
	if err != nil {
		e.mu.Lock()
		e.stats.DroppedEvents++
		e.mu.Unlock()
		return CaptureEvent{}, audittree.Node{}, err
	}

	ev := CaptureEvent{
		RuntimeType:    rt,
		RuntimeAddress: addr,
		CapturedAt:     capturedAt,
		StateHash:      stateHash,
		Metadata:       meta,
		Proof:          proof,
	}

	proofEntries := make([]audittree.ProofChainEntry, 0, len(proof.Witnesses)+2)
	for _, w := range proof.Witnesses {
		proofEntries = append(proofEntries, audittree.ProofChainEntry{Kind: "witness", Reference: w.WitnessID, Signature: w.Signature})
	}
	if proof.TimeAnchor != nil {
		proofEntries = append(proofEntries, audittree.ProofChainEntry{Kind: "time_anchor", Reference: proof.TimeAnchor.AuthorityID, Signature: proof.TimeAnchor.Signature})
	}

	node, err := e.tree.AddNode(parentID, hasParent, string(rt), "capture_state", capturedAt.UnixNano(), proofEntries)
	if err != nil {
		e.bumpErrors()
		return CaptureEvent{}, audittree.Node{}, fmt.Errorf("capture: anchor node: %w", err)
	}

	if e.cfg.ProofRequirements.RequireMerkleProofs {
		if mp, err := e.inclusionProofFor(node.NodeID); err == nil {
			ev.Proof.MerkleProof = mp
		}
	}

	if e.stream != nil {
		_, err := e.stream.AddEvent(eventstream.Event{
			Kind:          "runtime_capture",
			PayloadCommit: node.NodeID,
			Metadata:      meta,
		})
		if err != nil {
			e.bumpErrors()
			return ev, node, fmt.Errorf("capture: publish event: %w", err)
		}
	}

	e.mu.Lock()
	e.stats.TotalEvents++
	e.mu.Unlock()

	return ev, node, nil
}

// buildProofChain assembles witness signatures, a time anchor, and a
// Merkle proof against the audit tree's current leaf set, honoring
// e.cfg.ProofRequirements.
func (e *Engine) buildProofChain(stateHash [32]byte, capturedAt time.Time) (ProofChain, error) {
	var chain ProofChain

	if e.cfg.ProofRequirements.RequireWitnesses {
		for _, w := range e.witnesses {
			sig := ed25519.Sign(w.PrivateKey, stateHash[:])
			chain.Witnesses = append(chain.Witnesses, WitnessSignature{
				WitnessID: w.ID,
				PublicKey: w.PublicKey,
				Signature: sig,
			})
		}
		if len(chain.Witnesses) < e.cfg.ProofRequirements.MinWitnesses {
			return ProofChain{}, fmt.Errorf("%w: have=%d need=%d", ErrNoWitnessAvailable, len(chain.Witnesses), e.cfg.ProofRequirements.MinWitnesses)
		}
	}

	if e.cfg.ProofRequirements.RequireTimeAnchors {
		if e.timeAuthority == nil {
			return ProofChain{}, ErrNoAuthorityKey
		}
		ts := capturedAt.UnixNano()
		msg := append(stateHash[:], int64ToBytes(ts)...)
		chain.TimeAnchor = &TimeAnchor{
			TimestampNs: ts,
			AuthorityID: e.timeAuthority.ID,
			PublicKey:   e.timeAuthority.PublicKey,
			Signature:   ed25519.Sign(e.timeAuthority.PrivateKey, msg),
		}
	}

	return chain, nil
}

// inclusionProofFor builds a Merkle tree over the audit tree's current
// leaf set (NodeIDs) and generates an inclusion proof for nodeID,
// which the caller must have already added.
func (e *Engine) inclusionProofFor(nodeID [32]byte) (*MerkleProof, error) {
	leaves := e.tree.Leaves()
	leafBytes := make([][]byte, len(leaves))
	for i, l := range leaves {
		b := l
		leafBytes[i] = b[:]
	}
	mt, err := merkle.BuildTree(leafBytes)
	if err != nil {
		return nil, fmt.Errorf("capture: build merkle tree over audit leaves: %w", err)
	}
	proof, err := mt.GenerateProofByHash(nodeID[:])
	if err != nil {
		return nil, fmt.Errorf("capture: generate inclusion proof: %w", err)
	}
	var root [32]byte
	copy(root[:], mt.Root())
	return &MerkleProof{Proof: proof, Root: root}, nil
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	return b
}

func (e *Engine) bumpErrors() {
	e.mu.Lock()
	e.stats.CaptureErrors++
	e.mu.Unlock()
}

// VerifyWitnessSignatures checks every witness signature in a proof
// chain against the event's state hash, returning an error naming the
// first witness whose signature fails.
func VerifyWitnessSignatures(stateHash [32]byte, proof ProofChain) error {
	for _, w := range proof.Witnesses {
		if !ed25519.Verify(w.PublicKey, stateHash[:], w.Signature) {
			return fmt.Errorf("capture: witness %s signature invalid", w.WitnessID)
		}
	}
	return nil
}
