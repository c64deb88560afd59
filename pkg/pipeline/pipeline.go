// Package pipeline wires the independently-testable components —
// canonical encoding, the event stream, the audit tree, the receipt/
// LogBlock builder, the PoE calculator, the ledger block producer, the
// IBFT consensus engine, the slashing detector, the settlement-coin
// state machine, stamped wallets, and universal runtime audit capture —
// into the single call sequence a validator node drives end to end:
// StepReceipt -> LogBlock -> PoE Bundle -> Ledger Block, in parallel
// with settlement and capture traffic feeding the same event stream and
// audit tree.
//
// A single process constructs every component once and passes shared
// handles to each other; there is no independent lifecycle management
// beyond that.
package pipeline

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pravyom/metanode-core/pkg/audittree"
	"github.com/pravyom/metanode-core/pkg/canon"
	"github.com/pravyom/metanode-core/pkg/capture"
	"github.com/pravyom/metanode-core/pkg/config"
	"github.com/pravyom/metanode-core/pkg/consensus"
	"github.com/pravyom/metanode-core/pkg/crypto/bls"
	"github.com/pravyom/metanode-core/pkg/decimal"
	"github.com/pravyom/metanode-core/pkg/eventstream"
	"github.com/pravyom/metanode-core/pkg/ledger"
	"github.com/pravyom/metanode-core/pkg/poe"
	"github.com/pravyom/metanode-core/pkg/receipt"
	"github.com/pravyom/metanode-core/pkg/settlement"
	"github.com/pravyom/metanode-core/pkg/slashing"
	"github.com/pravyom/metanode-core/pkg/wallet"
)

// Identity bundles the keys a single validator node signs with: the
// notary/bundle-signer ed25519 key, and the BLS/VRF keypairs consensus
// uses for voting and leader proofs.
type Identity struct {
	Index      uint32
	NotaryKey  ed25519.PrivateKey
	BLSKey     *bls.PrivateKey
	VRFKey     *ecdsa.PrivateKey
}

// Node wires every component into one validator process. It owns no
// network transport; HandlePrePrepare / HandlePrepareVote /
// HandleCommitVote on its Consensus engine are driven by the caller's
// own transport loop (cmd/validator runs none).
type Node struct {
	mu sync.Mutex

	cfg *config.Config
	id  Identity

	Stream    *eventstream.Stream
	AuditTree *audittree.Tree
	Ledger    *ledger.LedgerStore
	Consensus *consensus.Engine
	Slashing  *slashing.Detector
	Capture   *capture.Engine

	builders map[string]*receipt.Builder // per-app LogBlock builders
	wallReg  *WalletRegistry

	poeWeights poe.Weights
	gammaParam poe.GammaParams
	feeSplit   ledger.FeeSplit

	logger *log.Logger

	nextHeight   uint64
	lastBlockHash [32]byte
}

// New constructs a fully wired validator node from cfg. kv backs the
// ledger store (pkg/kvdb.MemoryKV for tests, pkg/kvdb.KVAdapter for a
// CometBFT-backed deployment). vset is the epoch's validator membership;
// validate is the header-shape check the consensus engine runs before
// voting Prepare.
func New(cfg *config.Config, id Identity, kv ledger.KV, vset *consensus.ValidatorSet, validate consensus.ProposalValidator, witnesses []capture.WitnessAuthority, timeAuthority *capture.WitnessAuthority) *Node {
	logger := log.New(log.Writer(), fmt.Sprintf("[node %d] ", id.Index), log.LstdFlags)

	stream := eventstream.New(eventstream.Config{
		MaxEvents:        cfg.Events.MaxEvents,
		MaxReorderWindow: uint64(cfg.Events.MaxReorderWindow),
	})
	tree := audittree.New(audittree.Config{
		MaxDepth: cfg.Audit.MaxTreeDepth,
		MaxNodes: cfg.Audit.MaxMemoryNodes,
	})

	ccfg := consensus.Config{
		RoundTimeout:       cfg.IBFT.RoundTimeout,
		BlockTime:          cfg.IBFT.BlockTime,
		MaxTxs:             cfg.IBFT.MaxTxs,
		MinValidators:      cfg.IBFT.MinValidators,
		CheckpointInterval: 100,
	}
	engine := consensus.NewEngine(id.Index, id.BLSKey, id.VRFKey, vset, ccfg, validate, logger)

	capCfg := capture.DefaultConfig()
	capCfg.CaptureInterval = time.Duration(cfg.Capture.IntervalMs) * time.Millisecond
	capCfg.ProofRequirements.MinWitnesses = cfg.Capture.MinWitnesses
	capCfg.ProofRequirements.RequireTimeAnchors = cfg.Capture.RequireTimeAnchors
	capEngine := capture.NewEngine(capCfg, tree, stream, witnesses, timeAuthority)

	weights := poe.Weights{
		CPU:      cfg.PoE.Weights[0],
		Mem:      cfg.PoE.Weights[1],
		Storage:  cfg.PoE.Weights[2],
		Egress:   cfg.PoE.Weights[3],
		Receipts: cfg.PoE.Weights[4],
	}

	return &Node{
		cfg:       cfg,
		id:        id,
		Stream:    stream,
		AuditTree: tree,
		Ledger:    ledger.NewLedgerStore(kv),
		Consensus: engine,
		Slashing:  slashing.NewDetector(),
		Capture:   capEngine,
		builders:  make(map[string]*receipt.Builder),
		wallReg:   NewWalletRegistry(),
		poeWeights: weights,
		gammaParam: defaultGammaParams(cfg),
		feeSplit: ledger.FeeSplit{
			Locked:    cfg.Fees.Locked,
			Spendable: cfg.Fees.Spendable,
			Owner:     cfg.Fees.Owner,
			Treasury:  cfg.Fees.Treasury,
		},
		logger:     logger,
		nextHeight: 1,
	}
}

func defaultGammaParams(cfg *config.Config) poe.GammaParams {
	return poe.GammaParams{
		FunctionID: gammaFunctionIDFromName(cfg.PoE.GammaFunctionID),
		Slope:      decimal.MustParse("0.01"),
		Cap:        decimal.MustParse("0.90"),
		HalfLife:   decimal.FromInt(1000),
	}
}

func gammaFunctionIDFromName(name string) poe.GammaFunctionID {
	if name == "linear-cap" {
		return poe.GammaLinearCap
	}
	return poe.GammaRationalSaturating
}

// builderFor returns (creating if necessary) the per-app LogBlock
// builder, serializing access with a per-app sealing lock.
func (n *Node) builderFor(app string) *receipt.Builder {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.builders[app]
	if !ok {
		b = receipt.NewBuilder(app, n.cfg.IBFT.MaxTxs, n.cfg.IBFT.BlockTime, n.id.NotaryKey)
		n.builders[app] = b
	}
	return b
}

// IngestReceipt appends a StepReceipt into its app's builder and
// publishes a canonical event for it. If the insertion seals a
// LogBlock, the sealed block is returned and a second event is
// published for it.
func (n *Node) IngestReceipt(r receipt.StepReceipt) (*receipt.LogBlock, error) {
	if _, err := n.Stream.AddEvent(eventstream.Event{
		Kind:          "step_receipt",
		PayloadCommit: r.Hash,
		Metadata:      map[string]string{"app": r.App, "container": r.Container, "op": r.Op},
	}); err != nil {
		return nil, fmt.Errorf("pipeline: publish receipt event: %w", err)
	}

	lb, err := n.builderFor(r.App).Add(r)
	if err != nil {
		return nil, fmt.Errorf("pipeline: add receipt: %w", err)
	}
	if lb == nil {
		return nil, nil
	}

	if _, err := n.Stream.AddEvent(eventstream.Event{
		Kind:          "log_block",
		PayloadCommit: lb.Hash,
		Metadata:      map[string]string{"app": lb.App},
	}); err != nil {
		return nil, fmt.Errorf("pipeline: publish log_block event: %w", err)
	}
	return lb, nil
}

// SealBundle aggregates a set of sealed LogBlocks' usage into a PoE
// bundle, signed by the node's notary key.
func (n *Node) SealBundle(app string, logBlockUsages map[[32]byte]receipt.Usage, window poe.BillingWindow) (poe.Bundle, error) {
	bundle, err := poe.Seal(n.id.NotaryKey, 1, app, logBlockUsages, n.poeWeights, n.gammaParam, window)
	if err != nil {
		return poe.Bundle{}, err
	}
	if _, err := n.Stream.AddEvent(eventstream.Event{
		Kind:          "poe_bundle",
		PayloadCommit: bundle.Hash,
		Metadata:      map[string]string{"app": app},
	}); err != nil {
		return poe.Bundle{}, fmt.Errorf("pipeline: publish poe_bundle event: %w", err)
	}
	return bundle, nil
}

// mintConstant is the configured K in N = K·Γ; fixed here at a policy
// value rather than threaded through config, since K is a governance
// constant rather than a per-node knob.
var mintConstant = decimal.FromInt(1_000_000)

// ProposeNextBlock turns a set of sealed bundles into a ledger block
// proposal: builds one PoEBundleTx per bundle, assembles the block, and
// asks the consensus engine to produce this node's PrePrepare (only
// valid if this node is the leader for the current height/round).
func (n *Node) ProposeNextBlock(round uint32, bundles []poe.Bundle, timestamp int64) (*ledger.Block, *consensus.PrePrepare, error) {
	txs := make([]ledger.PoEBundleTx, 0, len(bundles))
	for _, b := range bundles {
		tx, err := ledger.BuildTx(b, mintConstant, n.feeSplit)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: build tx: %w", err)
		}
		txs = append(txs, tx)
	}

	n.mu.Lock()
	height := n.nextHeight
	prevHash := n.lastBlockHash
	n.mu.Unlock()

	block, err := ledger.BuildBlock(height, prevHash, timestamp, 0, 1, mintConstant, n.gammaParam.FunctionID, n.feeSplit, txs)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: build block: %w", err)
	}

	headerBytes, err := canon.Encode(block)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: encode header: %w", err)
	}
	pp, err := n.Consensus.ProposeBlock(height, round, headerBytes, block.Hash)
	if err != nil {
		return block, nil, err
	}
	return block, pp, nil
}

// CommitBlock persists a finalized block (after consensus.VerifyCommit
// succeeds) and advances the node's chain tip.
func (n *Node) CommitBlock(block *ledger.Block, commit consensus.Commit) error {
	if err := n.Consensus.VerifyCommit(commit); err != nil {
		return fmt.Errorf("pipeline: verify commit: %w", err)
	}
	if err := n.Ledger.PutBlock(block); err != nil {
		return fmt.Errorf("pipeline: persist block: %w", err)
	}
	n.mu.Lock()
	n.nextHeight = block.Height + 1
	n.lastBlockHash = block.Hash
	n.mu.Unlock()

	_, err := n.Stream.AddEvent(eventstream.Event{
		Kind:          "ledger_block",
		PayloadCommit: block.Hash,
		Metadata:      map[string]string{"height": fmt.Sprintf("%d", block.Height)},
	})
	return err
}

// ObserveVote feeds a cast vote into the slashing detector, returning
// equivocation evidence if this vote conflicts with one this validator
// already cast for the same (height, round).
func (n *Node) ObserveVote(v slashing.VoteRecord, justifiedViewChange bool) (*slashing.EquivocationEvidence, error) {
	return n.Slashing.Observe(v, justifiedViewChange)
}

// RegisterWallet adds a wallet to the node's settlement-coin ledger
// adapter, keyed by its identity address.
func (n *Node) RegisterWallet(w *wallet.Wallet) {
	n.wallReg.Register(w)
}

// SettlementLedger exposes the node's wallet registry as a
// settlement.Ledger, for wiring into settlement.Settlement.Transition.
func (n *Node) SettlementLedger() settlement.Ledger {
	return n.wallReg
}

// WalletRegistry maps settlement bank identifiers to stamped wallets and
// implements settlement.Ledger by crediting/debiting their balances
// directly, serving as the seam settlement.Ledger's doc comment
// describes ("wherever settlement coins are actually held").
type WalletRegistry struct {
	mu      sync.Mutex
	wallets map[string]*wallet.Wallet
}

// NewWalletRegistry creates an empty registry.
func NewWalletRegistry() *WalletRegistry {
	return &WalletRegistry{wallets: make(map[string]*wallet.Wallet)}
}

// Register adds or replaces the wallet for its own identity address.
func (r *WalletRegistry) Register(w *wallet.Wallet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wallets[w.Identity.Address] = w
}

// Mint credits bank's balance by amount, as settlement.Ledger requires.
func (r *WalletRegistry) Mint(bank string, amount decimal.Fixed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[bank]
	if !ok {
		return fmt.Errorf("pipeline: mint: unknown wallet %q", bank)
	}
	w.Balance = w.Balance.Add(amount)
	return nil
}

// Transfer moves amount from one registered wallet's balance to
// another's.
func (r *WalletRegistry) Transfer(from, to string, amount decimal.Fixed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.wallets[from]
	if !ok {
		return fmt.Errorf("pipeline: transfer: unknown source wallet %q", from)
	}
	dst, ok := r.wallets[to]
	if !ok {
		return fmt.Errorf("pipeline: transfer: unknown destination wallet %q", to)
	}
	if src.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("pipeline: transfer: insufficient balance in %q", from)
	}
	src.Balance = src.Balance.Sub(amount)
	dst.Balance = dst.Balance.Add(amount)
	return nil
}

// Burn debits bank's balance by amount.
func (r *WalletRegistry) Burn(bank string, amount decimal.Fixed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[bank]
	if !ok {
		return fmt.Errorf("pipeline: burn: unknown wallet %q", bank)
	}
	if w.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("pipeline: burn: insufficient balance in %q", bank)
	}
	w.Balance = w.Balance.Sub(amount)
	return nil
}
