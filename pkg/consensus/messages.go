package consensus

import (
	"github.com/pravyom/metanode-core/pkg/canon"
)

// PrePrepare is the leader's proposal for a (height, round): a block
// header hash plus the leader's signature and VRF leadership proof.
type PrePrepare struct {
	Height     uint64
	Round      uint32
	HeaderHash [32]byte
	// HeaderBytes carries the canonical block bytes so validators can
	// independently re-derive HeaderHash and validate the proposal
	// (Merkle root, chained prev_hash, bundle invariants) before voting.
	HeaderBytes  []byte
	LeaderIndex  uint32
	LeaderSig    []byte
	VRFProof     []byte
	VRFOutput    []byte
}

// prePrepareBody is the hashed/signed portion of a PrePrepare message.
type prePrepareBody struct {
	Height     uint64   `cbor:"1,keyasint"`
	Round      uint32   `cbor:"2,keyasint"`
	HeaderHash [32]byte `cbor:"3,keyasint"`
}

func prePrepareMessage(height uint64, round uint32, headerHash [32]byte) ([]byte, error) {
	return canon.Encode(prePrepareBody{Height: height, Round: round, HeaderHash: headerHash})
}

// PrepareVote is one validator's vote that it accepted a PrePrepare for
// a given header_hash.
type PrepareVote struct {
	Height         uint64
	Round          uint32
	HeaderHash     [32]byte
	ValidatorIndex uint32
	Signature      []byte
}

// CommitVote is one validator's vote, cast after locking on a Prepared
// certificate, to finalize a given header_hash.
type CommitVote struct {
	Height         uint64
	Round          uint32
	HeaderHash     [32]byte
	ValidatorIndex uint32
	Signature      []byte
}

// voteMessage builds the canonical bytes signed by Prepare/Commit
// votes: (height, round, header_hash), domain-separated by the caller
// via bls.DomainPrepare / bls.DomainCommit.
type voteBody struct {
	Height     uint64   `cbor:"1,keyasint"`
	Round      uint32   `cbor:"2,keyasint"`
	HeaderHash [32]byte `cbor:"3,keyasint"`
}

func voteMessage(height uint64, round uint32, headerHash [32]byte) ([]byte, error) {
	return canon.Encode(voteBody{Height: height, Round: round, HeaderHash: headerHash})
}

// PreparedCert is the aggregate evidence that ≥2/3 stake accepted a
// PrePrepare for headerHash at (height, round): carried across a view
// change to justify unlocking to a higher round's header.
type PreparedCert struct {
	Height     uint64
	Round      uint32
	HeaderHash [32]byte
	Signers    []uint32
	AggregateSig []byte
}

// Commit is the finalized, BLS-aggregate-signed evidence that a block
// was committed.
type Commit struct {
	HeaderHash       [32]byte
	Height           uint64
	Round            uint32
	ValidatorBitmap  Bitmap
	AggregateSig     []byte
}

// ViewChange is broadcast by a validator whose round timed out. It
// carries the validator's current lock (if any) so the new leader can
// justify carrying forward a Prepared certificate.
type ViewChange struct {
	Height         uint64
	NewRound       uint32
	ValidatorIndex uint32
	LockedRound    int64 // -1 if unlocked
	LockedHeader   [32]byte
	PreparedCert   *PreparedCert
	Signature      []byte
}

// NewView is the new round's leader re-broadcasting the PrePrepare it
// is justified to propose, given the ViewChange messages it collected.
type NewView struct {
	Height       uint64
	Round        uint32
	ViewChanges  []ViewChange
	PrePrepare   PrePrepare
}

// CheckpointCert is emitted every configured C blocks: a finalized
// header plus its commit, signed under its own domain tag so external
// anchors can verify it without replaying full block history.
type CheckpointCert struct {
	Height     uint64
	HeaderHash [32]byte
	Commit     Commit
	Hash       [32]byte
}

type checkpointBody struct {
	Height     uint64   `cbor:"1,keyasint"`
	HeaderHash [32]byte `cbor:"2,keyasint"`
	Bitmap     []byte   `cbor:"3,keyasint"`
	AggregateSig []byte `cbor:"4,keyasint"`
}

// SealCheckpoint computes a CheckpointCert's domain hash over its
// finalized header hash and commit.
func SealCheckpoint(height uint64, headerHash [32]byte, commit Commit) (CheckpointCert, error) {
	body := checkpointBody{
		Height:       height,
		HeaderHash:   headerHash,
		Bitmap:       commit.ValidatorBitmap,
		AggregateSig: commit.AggregateSig,
	}
	hash, _, err := canon.HashObject(canon.TagCheckpoint, body)
	if err != nil {
		return CheckpointCert{}, err
	}
	return CheckpointCert{Height: height, HeaderHash: headerHash, Commit: commit, Hash: hash}, nil
}
