// Package audittree implements the hierarchical parent→child audit node
// store: every captured runtime event (pkg/capture) and every notarized
// pipeline artifact can be anchored here as a node, queryable by subtree,
// predicate, or export.
//
// Nodes live in a flat map keyed by id plus a children index, rather
// than a pointer tree — an arena-by-key design that keeps the store a
// bounded, prunable, concurrency-safe in-memory structure guarded by a
// single mutex.
package audittree

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pravyom/metanode-core/pkg/canon"
)

// Errors returned by tree operations.
var (
	ErrParentMissing = errors.New("audittree: parent node does not exist")
	ErrDepthExceeded = errors.New("audittree: max tree depth exceeded")
	ErrNotFound      = errors.New("audittree: node not found")
	ErrCycle         = errors.New("audittree: cycle detected")
)

// ProofChainEntry is one entry in a node's accumulated proof chain (see
// pkg/capture, which populates these from witness signatures, time
// anchors, and Merkle inclusion proofs).
type ProofChainEntry struct {
	Kind      string `cbor:"1,keyasint"`
	Reference string `cbor:"2,keyasint"`
	Signature []byte `cbor:"3,keyasint"`
}

// Node is a single audit-tree entry. NodeID is the domain hash of the
// node's contents (everything except NodeID itself), computed by Add.
type Node struct {
	NodeID      [32]byte          `cbor:"1,keyasint"`
	ParentID    [32]byte          `cbor:"2,keyasint"`
	HasParent   bool              `cbor:"3,keyasint"`
	Context     string            `cbor:"4,keyasint"`
	Operation   string            `cbor:"5,keyasint"`
	TimestampNs int64             `cbor:"6,keyasint"`
	ProofChain  []ProofChainEntry `cbor:"7,keyasint"`
}

// contentView is the subset of Node fields that go into NodeID's hash —
// NodeID is excluded since it's derived from everything else.
type contentView struct {
	ParentID    [32]byte          `cbor:"1,keyasint"`
	HasParent   bool              `cbor:"2,keyasint"`
	Context     string            `cbor:"3,keyasint"`
	Operation   string            `cbor:"4,keyasint"`
	TimestampNs int64             `cbor:"5,keyasint"`
	ProofChain  []ProofChainEntry `cbor:"6,keyasint"`
}

// Config bounds the tree's size and shape.
type Config struct {
	MaxDepth   int
	MaxNodes   int
}

// Stats summarizes the tree.
type Stats struct {
	NodeCount int
	RootCount int
	MaxDepthSeen int
}

// Tree is an arena-by-key audit node store: nodes live in a flat map
// keyed by NodeID, with a separate children index and insertion order
// for traversal and pruning.
type Tree struct {
	mu sync.RWMutex

	cfg Config

	nodes    map[[32]byte]Node
	children map[[32]byte][][32]byte
	depth    map[[32]byte]int
	roots    [][32]byte
	order    [][32]byte
}

// New creates an empty audit tree.
func New(cfg Config) *Tree {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 64
	}
	return &Tree{
		cfg:      cfg,
		nodes:    make(map[[32]byte]Node),
		children: make(map[[32]byte][][32]byte),
		depth:    make(map[[32]byte]int),
	}
}

// AddNode computes the node's content hash, assigns it as NodeID, and
// inserts the node. If ParentID is set, the parent must already exist
// (ErrParentMissing otherwise) and the insertion must not exceed
// MaxDepth (ErrDepthExceeded otherwise). Returns the finalized node.
func (t *Tree) AddNode(parentID [32]byte, hasParent bool, context, operation string, timestampNs int64, proofChain []ProofChainEntry) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	depth := 0
	if hasParent {
		if _, ok := t.nodes[parentID]; !ok {
			return Node{}, ErrParentMissing
		}
		depth = t.depth[parentID] + 1
		if depth > t.cfg.MaxDepth {
			return Node{}, fmt.Errorf("%w: depth %d > max %d", ErrDepthExceeded, depth, t.cfg.MaxDepth)
		}
	}

	cv := contentView{
		ParentID:    parentID,
		HasParent:   hasParent,
		Context:     context,
		Operation:   operation,
		TimestampNs: timestampNs,
		ProofChain:  proofChain,
	}
	nodeID, _, err := canon.HashObject(canon.TagAuditNode, cv)
	if err != nil {
		return Node{}, fmt.Errorf("audittree: hash node: %w", err)
	}

	if _, exists := t.nodes[nodeID]; exists {
		return t.nodes[nodeID], nil
	}

	node := Node{
		NodeID:      nodeID,
		ParentID:    parentID,
		HasParent:   hasParent,
		Context:     context,
		Operation:   operation,
		TimestampNs: timestampNs,
		ProofChain:  proofChain,
	}

	t.nodes[nodeID] = node
	t.depth[nodeID] = depth
	t.order = append(t.order, nodeID)
	if hasParent {
		t.children[parentID] = append(t.children[parentID], nodeID)
	} else {
		t.roots = append(t.roots, nodeID)
	}

	if t.cfg.MaxNodes > 0 && len(t.nodes) > t.cfg.MaxNodes {
		t.pruneOldestLocked()
	}

	return node, nil
}

// pruneOldestLocked drops the single oldest leaf node (one with no
// children) to bound memory. Callers must hold mu (write).
func (t *Tree) pruneOldestLocked() {
	for i, id := range t.order {
		if len(t.children[id]) == 0 {
			delete(t.nodes, id)
			delete(t.depth, id)
			delete(t.children, id)
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// Leaves returns every node's ID in insertion order, for callers (e.g.
// pkg/capture) that want to build a Merkle proof of inclusion against
// the tree's current contents.
func (t *Tree) Leaves() [][32]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][32]byte, len(t.order))
	copy(out, t.order)
	return out
}

// GetNode returns the node with the given ID.
func (t *Tree) GetNode(id [32]byte) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

// GetChildren returns the direct children of id, in insertion order.
func (t *Tree) GetChildren(id [32]byte) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.children[id]
	out := make([]Node, 0, len(ids))
	for _, cid := range ids {
		out = append(out, t.nodes[cid])
	}
	return out
}

// GetPathToRoot returns the chain from id up to (and including) its
// root ancestor, id first.
func (t *Tree) GetPathToRoot(id [32]byte) ([]Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var path []Node
	cur := id
	seen := make(map[[32]byte]bool)
	for {
		n, ok := t.nodes[cur]
		if !ok {
			return nil, ErrNotFound
		}
		if seen[cur] {
			return nil, ErrCycle
		}
		seen[cur] = true
		path = append(path, n)
		if !n.HasParent {
			break
		}
		cur = n.ParentID
	}
	return path, nil
}

// Predicate decides whether a node matches a search.
type Predicate func(Node) bool

// FindByPredicate performs a depth-first traversal from every root,
// calling pred on each node and collecting matches. If cancel is
// non-nil and becomes closed, the traversal stops early and returns the
// matches collected so far.
func (t *Tree) FindByPredicate(pred Predicate, cancel <-chan struct{}) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Node
	var visit func(id [32]byte) bool // returns false to stop
	visit = func(id [32]byte) bool {
		select {
		case <-cancel:
			return false
		default:
		}
		n := t.nodes[id]
		if pred(n) {
			out = append(out, n)
		}
		for _, c := range t.children[id] {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	for _, r := range t.roots {
		if !visit(r) {
			break
		}
	}
	return out
}

// VerifyIntegrity checks that every node's parent (if any) exists, that
// no node's declared NodeID is stale (a node's stored ID must equal its
// recomputed content hash), and that the tree contains no cycles.
func (t *Tree) VerifyIntegrity() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for id, n := range t.nodes {
		if n.HasParent {
			if _, ok := t.nodes[n.ParentID]; !ok {
				return fmt.Errorf("audittree: node %x has missing parent %x", id, n.ParentID)
			}
		}
		cv := contentView{
			ParentID:    n.ParentID,
			HasParent:   n.HasParent,
			Context:     n.Context,
			Operation:   n.Operation,
			TimestampNs: n.TimestampNs,
			ProofChain:  n.ProofChain,
		}
		recomputed, _, err := canon.HashObject(canon.TagAuditNode, cv)
		if err != nil {
			return fmt.Errorf("audittree: recompute hash: %w", err)
		}
		if recomputed != id {
			return fmt.Errorf("audittree: node %x has stale NodeID (recomputed %x)", id, recomputed)
		}
	}

	for id := range t.nodes {
		seen := make(map[[32]byte]bool)
		cur := id
		for {
			n := t.nodes[cur]
			if seen[cur] {
				return fmt.Errorf("audittree: cycle detected at %x", cur)
			}
			seen[cur] = true
			if !n.HasParent {
				break
			}
			cur = n.ParentID
		}
	}
	return nil
}

// Stats reports the tree's current size and shape.
func (t *Tree) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	maxDepth := 0
	for _, d := range t.depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	return Stats{
		NodeCount:    len(t.nodes),
		RootCount:    len(t.roots),
		MaxDepthSeen: maxDepth,
	}
}

// ExportFormat selects the serialization used by Export.
type ExportFormat int

const (
	ExportJSON ExportFormat = iota
	ExportCBOR
)

// Export serializes every node in insertion order using the requested
// format. JSON is for human/tooling consumption; CBOR uses the same
// canonical encoder as every other signed object in the pipeline.
func (t *Tree) Export(format ExportFormat) ([]byte, error) {
	t.mu.RLock()
	nodes := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		nodes = append(nodes, t.nodes[id])
	}
	t.mu.RUnlock()

	switch format {
	case ExportJSON:
		return json.Marshal(nodes)
	case ExportCBOR:
		return canon.Encode(nodes)
	default:
		return nil, fmt.Errorf("audittree: unknown export format %d", format)
	}
}
