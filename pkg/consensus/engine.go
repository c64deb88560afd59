package consensus

import (
	"crypto/ecdsa"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pravyom/metanode-core/pkg/canon"
	"github.com/pravyom/metanode-core/pkg/crypto/bls"
	"github.com/pravyom/metanode-core/pkg/vrf"
)

// Config holds the IBFT engine's tunable parameters.
type Config struct {
	RoundTimeout        time.Duration
	BlockTime           time.Duration
	MaxTxs              int
	MinValidators       int
	CheckpointInterval  uint64 // emit a CheckpointCert every this many heights
}

// DefaultConfig returns sane defaults with second-scale round timeouts,
// suitable for single-process tests.
func DefaultConfig() Config {
	return Config{
		RoundTimeout:       2 * time.Second,
		BlockTime:          1 * time.Second,
		MaxTxs:             1000,
		MinValidators:      4,
		CheckpointInterval: 100,
	}
}

// ProposalValidator checks a proposed block's header bytes against
// local state (Merkle root, chained prev_hash, bundle invariants)
// before a validator will vote Prepare on it. Supplied by the caller
// (pkg/pipeline), since block-shape validation lives in pkg/ledger.
type ProposalValidator func(headerBytes []byte) error

// heightRound identifies one (height, round) voting round.
type heightRound struct {
	Height uint64
	Round  uint32
}

// localState is a validator's own (height, round, phase, lock) state,
// a WAL-replayable record for crash recovery.
type localState struct {
	Height       uint64
	Round        uint32
	Phase        Phase
	LockedRound  int64 // -1 if unlocked
	LockedHeader [32]byte
}

// Engine is one validator node's local IBFT state machine. It is
// message-driven: callers feed it PrePrepare/Prepare/Commit/ViewChange
// messages observed from the network and it returns the messages this
// node should broadcast in response. The engine itself does not own a
// network transport — that is the caller's (pkg/pipeline/cmd/validator)
// responsibility.
type Engine struct {
	mu sync.RWMutex

	selfIndex uint32
	selfBLS   *bls.PrivateKey
	selfVRF   *ecdsa.PrivateKey

	vset *ValidatorSet
	cfg  Config

	logger *log.Logger

	state localState

	// proposals[headerHash] = header bytes for the current height,
	// so a validator can re-validate before voting.
	proposals map[[32]byte][]byte

	prepareVotes map[heightRound]map[uint32]PrepareVote
	commitVotes  map[heightRound]map[uint32]CommitVote

	// preparedCerts[height] = the highest-round Prepared certificate
	// seen at that height, carried across view changes.
	preparedCerts map[uint64]PreparedCert

	validate ProposalValidator
}

// NewEngine constructs an Engine for one validator identity.
func NewEngine(selfIndex uint32, selfBLS *bls.PrivateKey, selfVRF *ecdsa.PrivateKey, vset *ValidatorSet, cfg Config, validate ProposalValidator, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[consensus] ", log.LstdFlags)
	}
	return &Engine{
		selfIndex:     selfIndex,
		selfBLS:       selfBLS,
		selfVRF:       selfVRF,
		vset:          vset,
		cfg:           cfg,
		logger:        logger,
		state:         localState{LockedRound: -1},
		proposals:     make(map[[32]byte][]byte),
		prepareVotes:  make(map[heightRound]map[uint32]PrepareVote),
		commitVotes:   make(map[heightRound]map[uint32]CommitVote),
		preparedCerts: make(map[uint64]PreparedCert),
		validate:      validate,
	}
}

// State returns a copy of the engine's current local state, e.g. for
// WAL persistence of (height, round, phase, locked_header) transitions,
// replayable on restart.
func (e *Engine) State() localState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Restore replaces the engine's local state, e.g. on WAL replay after
// restart.
func (e *Engine) Restore(s localState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// leaderIndexAndProof decides by VRF whether this validator leads
// (height, round): it privately proves its own VRF output over
// (epoch_seed, height, round) and checks whether that output falls in
// its stake-weighted range. Since proofs aren't broadcast until
// PrePrepare, the proposer checks "is it me" locally with this function
// and everyone else verifies the claim carried on the PrePrepare
// message via VerifyLeaderProof.
func (e *Engine) leaderIndexAndProof(height uint64, round uint32, vrfKey *ecdsa.PrivateKey, validatorIndex uint32) (bool, []byte, []byte, error) {
	alpha := vrf.Alpha(e.vset.EpochSeed, height, round)
	beta, pi, err := vrf.Prove(vrfKey, alpha)
	if err != nil {
		return false, nil, nil, fmt.Errorf("consensus: vrf prove: %w", err)
	}
	v, ok := e.vset.ByIndex(validatorIndex)
	if !ok {
		return false, nil, nil, ErrNotInValidatorSet
	}
	idx := indexOf(e.vset, validatorIndex)
	isLeader, err := vrf.IsLeader(beta, e.vset.CumulativeBefore(idx), v.Stake, e.vset.TotalStake())
	if err != nil {
		return false, nil, nil, err
	}
	return isLeader, beta, pi, nil
}

func indexOf(vset *ValidatorSet, validatorIndex uint32) int {
	for i, v := range vset.Validators {
		if v.Index == validatorIndex {
			return i
		}
	}
	return -1
}

// VerifyLeaderProof checks a PrePrepare's claimed VRF leadership proof
// against the claimed leader's published VRF public key, and that the
// resulting output indeed selects that validator under its stake
// weight. Every non-leader validator runs this before accepting a
// proposal.
func (e *Engine) VerifyLeaderProof(pp PrePrepare) error {
	leader, ok := e.vset.ByIndex(pp.LeaderIndex)
	if !ok {
		return ErrNotInValidatorSet
	}
	pk, err := vrf.PublicKeyFromBytes(leader.VRFPubKey)
	if err != nil {
		return fmt.Errorf("consensus: leader vrf pubkey: %w", err)
	}
	alpha := vrf.Alpha(e.vset.EpochSeed, pp.Height, pp.Round)
	beta, err := vrf.Verify(pk, alpha, pp.VRFProof)
	if err != nil {
		return fmt.Errorf("consensus: verify leader proof: %w", err)
	}
	idx := indexOf(e.vset, pp.LeaderIndex)
	isLeader, err := vrf.IsLeader(beta, e.vset.CumulativeBefore(idx), leader.Stake, e.vset.TotalStake())
	if err != nil {
		return err
	}
	if !isLeader {
		return fmt.Errorf("consensus: validator %d is not the VRF-selected leader", pp.LeaderIndex)
	}
	return nil
}

// ProposeBlock builds and signs a PrePrepare for headerBytes/headerHash
// at (height, round), failing with ErrNotLeader if this validator's VRF
// output does not select it as leader.
func (e *Engine) ProposeBlock(height uint64, round uint32, headerBytes []byte, headerHash [32]byte) (*PrePrepare, error) {
	isLeader, beta, pi, err := e.leaderIndexAndProof(height, round, e.selfVRF, e.selfIndex)
	if err != nil {
		return nil, err
	}
	if !isLeader {
		return nil, ErrNotLeader
	}
	msg, err := prePrepareMessage(height, round, headerHash)
	if err != nil {
		return nil, err
	}
	sig := e.selfBLS.SignWithDomain(msg, bls.DomainPrePrepare)
	return &PrePrepare{
		Height:      height,
		Round:       round,
		HeaderHash:  headerHash,
		HeaderBytes: headerBytes,
		LeaderIndex: e.selfIndex,
		LeaderSig:   sig.Bytes(),
		VRFProof:    pi,
		VRFOutput:   beta,
	}, nil
}

// HandlePrePrepare validates and, if acceptable, accepts a leader's
// proposal: checks the leader's VRF claim, the leader's BLS signature,
// the caller-supplied proposal validity (Merkle root, chain, bundle
// invariants), and that this validator is not locked on a conflicting
// header. On acceptance it transitions to PhasePrePrepared and returns
// the Prepare vote this validator should broadcast.
func (e *Engine) HandlePrePrepare(pp PrePrepare) (*PrepareVote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.VerifyLeaderProof(pp); err != nil {
		return nil, err
	}

	leader, ok := e.vset.ByIndex(pp.LeaderIndex)
	if !ok {
		return nil, ErrNotInValidatorSet
	}
	leaderPK, err := bls.PublicKeyFromBytes(leader.BLSPubKey)
	if err != nil {
		return nil, fmt.Errorf("consensus: leader bls pubkey: %w", err)
	}
	msg, err := prePrepareMessage(pp.Height, pp.Round, pp.HeaderHash)
	if err != nil {
		return nil, err
	}
	sig, err := bls.SignatureFromBytes(pp.LeaderSig)
	if err != nil {
		return nil, SignatureVerificationFailed{ValidatorIndex: pp.LeaderIndex}
	}
	if !leaderPK.VerifyWithDomain(sig, msg, bls.DomainPrePrepare) {
		return nil, SignatureVerificationFailed{ValidatorIndex: pp.LeaderIndex}
	}

	if e.validate != nil {
		if err := e.validate(pp.HeaderBytes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
	}

	if e.state.LockedRound >= 0 && e.state.LockedHeader != pp.HeaderHash {
		return nil, ErrLockViolation
	}

	e.proposals[pp.HeaderHash] = pp.HeaderBytes
	e.state.Height = pp.Height
	e.state.Round = pp.Round
	e.state.Phase = PhasePrePrepared

	voteMsg, err := voteMessage(pp.Height, pp.Round, pp.HeaderHash)
	if err != nil {
		return nil, err
	}
	voteSig := e.selfBLS.SignWithDomain(voteMsg, bls.DomainPrepare)
	return &PrepareVote{
		Height:         pp.Height,
		Round:          pp.Round,
		HeaderHash:     pp.HeaderHash,
		ValidatorIndex: e.selfIndex,
		Signature:      voteSig.Bytes(),
	}, nil
}

// HandlePrepareVote records a Prepare vote from the network. Once the
// accumulated Prepare votes for (height, round, header_hash) reach
// two-thirds stake, this validator locks the header and returns the
// Commit vote it should broadcast plus the PreparedCert now available
// to justify future view changes. Returns (nil, nil, nil) while quorum
// is still pending.
func (e *Engine) HandlePrepareVote(v PrepareVote) (*CommitVote, *PreparedCert, error) {
	voter, ok := e.vset.ByIndex(v.ValidatorIndex)
	if !ok {
		return nil, nil, ErrNotInValidatorSet
	}
	voterPK, err := bls.PublicKeyFromBytes(voter.BLSPubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("consensus: voter bls pubkey: %w", err)
	}
	msg, err := voteMessage(v.Height, v.Round, v.HeaderHash)
	if err != nil {
		return nil, nil, err
	}
	sig, err := bls.SignatureFromBytes(v.Signature)
	if err != nil || !voterPK.VerifyWithDomain(sig, msg, bls.DomainPrepare) {
		return nil, nil, SignatureVerificationFailed{ValidatorIndex: v.ValidatorIndex}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := heightRound{Height: v.Height, Round: v.Round}
	if e.prepareVotes[key] == nil {
		e.prepareVotes[key] = make(map[uint32]PrepareVote)
	}
	e.prepareVotes[key][v.ValidatorIndex] = v

	var signers []uint32
	var sigs []*bls.Signature
	for idx, pv := range e.prepareVotes[key] {
		if pv.HeaderHash != v.HeaderHash {
			continue
		}
		signers = append(signers, idx)
		s, err := bls.SignatureFromBytes(pv.Signature)
		if err != nil {
			continue
		}
		sigs = append(sigs, s)
	}

	if !e.vset.MeetsQuorum(signers) {
		return nil, nil, nil
	}
	if e.state.Phase == PhasePrepared || e.state.Phase == PhaseCommitted {
		// Already locked/progressed for this round; don't re-emit.
		if e.state.LockedHeader == v.HeaderHash && e.state.Round == v.Round {
			return nil, nil, nil
		}
	}

	aggSig, err := bls.AggregateSignatures(sigs)
	if err != nil {
		return nil, nil, fmt.Errorf("consensus: aggregate prepare sigs: %w", err)
	}
	cert := PreparedCert{
		Height:       v.Height,
		Round:        v.Round,
		HeaderHash:   v.HeaderHash,
		Signers:      signers,
		AggregateSig: aggSig.Bytes(),
	}
	if existing, ok := e.preparedCerts[v.Height]; !ok || cert.Round > existing.Round {
		e.preparedCerts[v.Height] = cert
	}

	e.state.Phase = PhasePrepared
	e.state.LockedRound = int64(v.Round)
	e.state.LockedHeader = v.HeaderHash

	commitMsg, err := voteMessage(v.Height, v.Round, v.HeaderHash)
	if err != nil {
		return nil, nil, err
	}
	commitSig := e.selfBLS.SignWithDomain(commitMsg, bls.DomainCommit)
	commitVote := &CommitVote{
		Height:         v.Height,
		Round:          v.Round,
		HeaderHash:     v.HeaderHash,
		ValidatorIndex: e.selfIndex,
		Signature:      commitSig.Bytes(),
	}
	return commitVote, &cert, nil
}

// HandleCommitVote records a Commit vote. Once the accumulated Commit
// votes for (height, round, header_hash) reach two-thirds stake, the
// block is finalized: returns the resulting Commit and transitions to
// PhaseCommitted. Returns nil while quorum is still pending.
func (e *Engine) HandleCommitVote(v CommitVote) (*Commit, error) {
	voter, ok := e.vset.ByIndex(v.ValidatorIndex)
	if !ok {
		return nil, ErrNotInValidatorSet
	}
	voterPK, err := bls.PublicKeyFromBytes(voter.BLSPubKey)
	if err != nil {
		return nil, fmt.Errorf("consensus: voter bls pubkey: %w", err)
	}
	msg, err := voteMessage(v.Height, v.Round, v.HeaderHash)
	if err != nil {
		return nil, err
	}
	sig, err := bls.SignatureFromBytes(v.Signature)
	if err != nil || !voterPK.VerifyWithDomain(sig, msg, bls.DomainCommit) {
		return nil, SignatureVerificationFailed{ValidatorIndex: v.ValidatorIndex}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := heightRound{Height: v.Height, Round: v.Round}
	if e.commitVotes[key] == nil {
		e.commitVotes[key] = make(map[uint32]CommitVote)
	}
	e.commitVotes[key][v.ValidatorIndex] = v

	var signers []uint32
	var sigs []*bls.Signature
	for idx, cv := range e.commitVotes[key] {
		if cv.HeaderHash != v.HeaderHash {
			continue
		}
		signers = append(signers, idx)
		s, err := bls.SignatureFromBytes(cv.Signature)
		if err != nil {
			continue
		}
		sigs = append(sigs, s)
	}

	if !e.vset.MeetsQuorum(signers) {
		return nil, nil
	}

	aggSig, err := bls.AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("consensus: aggregate commit sigs: %w", err)
	}

	e.state.Phase = PhaseCommitted

	return &Commit{
		HeaderHash:      v.HeaderHash,
		Height:          v.Height,
		Round:           v.Round,
		ValidatorBitmap: NewBitmap(len(e.vset.Validators), signers),
		AggregateSig:    aggSig.Bytes(),
	}, nil
}

// VerifyCommit independently re-checks a finalized Commit: recomputes
// the aggregate public key over the signer bitmap and performs one
// pairing check, and rejects the commit outright if the signer stake
// is below the two-thirds threshold even if the signature itself
// verifies.
func (e *Engine) VerifyCommit(c Commit) error {
	signers := c.ValidatorBitmap.Signers(len(e.vset.Validators))
	if !e.vset.MeetsQuorum(signers) {
		return ErrQuorumNotMet
	}
	var pks []*bls.PublicKey
	for _, idx := range signers {
		v, ok := e.vset.ByIndex(idx)
		if !ok {
			return ErrNotInValidatorSet
		}
		pk, err := bls.PublicKeyFromBytes(v.BLSPubKey)
		if err != nil {
			return fmt.Errorf("consensus: signer bls pubkey: %w", err)
		}
		pks = append(pks, pk)
	}
	msg, err := voteMessage(c.Height, c.Round, c.HeaderHash)
	if err != nil {
		return err
	}
	sig, err := bls.SignatureFromBytes(c.AggregateSig)
	if err != nil {
		return fmt.Errorf("consensus: decode aggregate sig: %w", err)
	}
	if !bls.VerifyAggregateSignatureWithDomain(sig, pks, msg, bls.DomainCommit) {
		return fmt.Errorf("consensus: aggregate commit signature invalid")
	}
	return nil
}

// HandleTimeout advances to a new round after a phase timeout expires,
// carrying forward this validator's lock (if any) in the ViewChange it
// returns for broadcast. The monotonic clock driving timeout expiry is
// the caller's responsibility (a time.Timer/time.Ticker, never a
// wall-clock comparison).
func (e *Engine) HandleTimeout() (*ViewChange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRound := e.state.Round + 1
	vc := ViewChange{
		Height:         e.state.Height,
		NewRound:       newRound,
		ValidatorIndex: e.selfIndex,
		LockedRound:    e.state.LockedRound,
		LockedHeader:   e.state.LockedHeader,
	}
	if cert, ok := e.preparedCerts[e.state.Height]; ok && int64(cert.Round) >= e.state.LockedRound {
		vc.PreparedCert = &cert
	}
	msg, err := canonViewChangeMessage(vc)
	if err != nil {
		return nil, err
	}
	sig := e.selfBLS.SignWithDomain(msg, bls.DomainPrepare)
	vc.Signature = sig.Bytes()

	e.state.Round = newRound
	e.state.Phase = PhaseIdle

	return &vc, nil
}

// HandleNewView processes the new round's leader re-proposal: a
// validator unlocks to the carried-forward header only if the NewView
// presents a Prepared certificate at a strictly higher round than its
// own current lock.
func (e *Engine) HandleNewView(nv NewView) (*PrepareVote, error) {
	e.mu.Lock()
	highestCert := int64(-1)
	var carried [32]byte
	for _, vc := range nv.ViewChanges {
		if vc.PreparedCert != nil && int64(vc.PreparedCert.Round) > highestCert {
			highestCert = int64(vc.PreparedCert.Round)
			carried = vc.PreparedCert.HeaderHash
		}
	}
	if highestCert >= 0 && carried != nv.PrePrepare.HeaderHash {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: new-view proposal does not match highest prepared certificate", ErrInvalidProposal)
	}
	if highestCert > e.state.LockedRound {
		e.state.LockedRound = highestCert
		e.state.LockedHeader = carried
	}
	e.mu.Unlock()
	return e.HandlePrePrepare(nv.PrePrepare)
}

// ShouldCheckpoint reports whether the finalized height is a multiple
// of the configured checkpoint interval, i.e. whether the caller
// should call SealCheckpoint for this Commit.
func (e *Engine) ShouldCheckpoint(height uint64) bool {
	if e.cfg.CheckpointInterval == 0 {
		return false
	}
	return height%e.cfg.CheckpointInterval == 0
}

type viewChangeBody struct {
	Height         uint64   `cbor:"1,keyasint"`
	NewRound       uint32   `cbor:"2,keyasint"`
	ValidatorIndex uint32   `cbor:"3,keyasint"`
	LockedRound    int64    `cbor:"4,keyasint"`
	LockedHeader   [32]byte `cbor:"5,keyasint"`
}

func canonViewChangeMessage(vc ViewChange) ([]byte, error) {
	body := viewChangeBody{
		Height:         vc.Height,
		NewRound:       vc.NewRound,
		ValidatorIndex: vc.ValidatorIndex,
		LockedRound:    vc.LockedRound,
		LockedHeader:   vc.LockedHeader,
	}
	return canon.Encode(body)
}
