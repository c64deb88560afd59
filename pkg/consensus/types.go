// Package consensus implements the IBFT-family BFT engine: leader
// rotation by stake-weighted VRF, three-phase PrePrepare/Prepare/Commit
// voting with a locking rule across view changes, and checkpoint
// certificates every C blocks.
//
// The phase state machine is authored directly rather than delegated to
// an embedded BFT node, since VRF-weighted leader election and BLS
// aggregate-signature commits need to be first-class here. It follows a
// conventional validator/logger scaffolding style (typed errors,
// a log.Logger handle that no phase writes to, sync.RWMutex-guarded state) and uses
// pkg/crypto/bls for signing and aggregation, pkg/vrf for leader
// selection.
package consensus

import (
	"errors"
	"fmt"
)

// Phase is one step of a validator's local state machine for a given
// (height, round).
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePrePrepared
	PhasePrepared
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhasePrePrepared:
		return "PrePrepared"
	case PhasePrepared:
		return "Prepared"
	case PhaseCommitted:
		return "Committed"
	default:
		return "Unknown"
	}
}

// ValidatorStatus is the membership status of a validator within an
// epoch.
type ValidatorStatus uint8

const (
	StatusActive ValidatorStatus = iota
	StatusJailed
	StatusExited
)

// Validator is one epoch member: its consensus identity (index), its
// two public keys (BLS for aggregate signing, VRF/ECDSA for leader
// proofs), its stake weight, and its routing address.
type Validator struct {
	Index     uint32
	BLSPubKey []byte
	VRFPubKey []byte
	Stake     uint64
	Address   string
	Status    ValidatorStatus
	Metadata  map[string]string
}

// ValidatorSet is the fixed, epoch-scoped validator membership. It is
// immutable once built; epoch rotation is an atomic pointer swap by the
// caller.
type ValidatorSet struct {
	EpochSeed  []byte
	Validators []Validator
	totalStake uint64
	cumulative []uint64 // cumulative stake strictly before validator i
}

// NewValidatorSet builds a ValidatorSet, precomputing cumulative stake
// offsets for VRF leader selection (vrf.IsLeader).
func NewValidatorSet(epochSeed []byte, validators []Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, errors.New("consensus: empty validator set")
	}
	vs := &ValidatorSet{EpochSeed: epochSeed, Validators: validators}
	vs.cumulative = make([]uint64, len(validators))
	var running uint64
	for i, v := range validators {
		vs.cumulative[i] = running
		running += v.Stake
	}
	vs.totalStake = running
	if vs.totalStake == 0 {
		return nil, errors.New("consensus: total stake is zero")
	}
	return vs, nil
}

// TotalStake returns the epoch's total stake across all members
// (active or not — jailed/exited validators still count for quorum
// math exactly as the stake they were assigned at epoch start, since
// membership is fixed for the epoch).
func (vs *ValidatorSet) TotalStake() uint64 { return vs.totalStake }

// CumulativeBefore returns the stake total of all validators with a
// lower index than i, for VRF leader-range selection.
func (vs *ValidatorSet) CumulativeBefore(i int) uint64 { return vs.cumulative[i] }

// ByIndex looks up a validator by its index. Returns false if absent.
func (vs *ValidatorSet) ByIndex(index uint32) (Validator, bool) {
	for _, v := range vs.Validators {
		if v.Index == index {
			return v, true
		}
	}
	return Validator{}, false
}

// StakeOf sums the stake of the validators named in indices, ignoring
// indices that are not present in the set.
func (vs *ValidatorSet) StakeOf(indices []uint32) uint64 {
	var sum uint64
	for _, idx := range indices {
		if v, ok := vs.ByIndex(idx); ok {
			sum += v.Stake
		}
	}
	return sum
}

// MeetsQuorum reports whether the stake represented by indices is at
// least two-thirds of the epoch's total stake.
func (vs *ValidatorSet) MeetsQuorum(indices []uint32) bool {
	have := vs.StakeOf(indices)
	// have*3 >= total*2, computed in integer arithmetic to avoid
	// rounding a fractional threshold.
	return have*3 >= vs.totalStake*2
}

// Bitmap packs a sorted set of validator indices into a compact bitmap,
// one bit per index in epoch order, as a compact wire representation of
// a set of validator indices.
type Bitmap []byte

// NewBitmap builds a Bitmap over epoch-ordered indices from the given
// signer index set.
func NewBitmap(epochSize int, signers []uint32) Bitmap {
	b := make(Bitmap, (epochSize+7)/8)
	for _, idx := range signers {
		b[idx/8] |= 1 << (idx % 8)
	}
	return b
}

// Signers returns the validator indices set in the bitmap, in
// ascending order.
func (b Bitmap) Signers(epochSize int) []uint32 {
	var out []uint32
	for i := 0; i < epochSize; i++ {
		if b[i/8]&(1<<(i%8)) != 0 {
			out = append(out, uint32(i))
		}
	}
	return out
}

// Errors returned by the engine, covering proposal validity, safety
// locks, and quorum checks.
var (
	ErrNotLeader             = errors.New("consensus: not leader for this height/round")
	ErrLockViolation         = errors.New("consensus: proposal conflicts with local lock")
	ErrInvalidProposal       = errors.New("consensus: invalid proposal")
	ErrNotInValidatorSet     = errors.New("consensus: signer not in validator set")
	ErrQuorumNotMet          = errors.New("consensus: signer stake below two-thirds threshold")
	ErrTimeout               = errors.New("consensus: phase timeout")
	ErrViewChangeRequired    = errors.New("consensus: view change required")
	ErrEquivocationObserved  = errors.New("consensus: equivocation observed, halting locally")
)

// SignatureVerificationFailed names the index of the offending signer.
type SignatureVerificationFailed struct {
	ValidatorIndex uint32
}

func (e SignatureVerificationFailed) Error() string {
	return fmt.Sprintf("consensus: signature verification failed for validator %d", e.ValidatorIndex)
}
