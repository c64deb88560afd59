// Package slashing implements the equivocation detector and minimal,
// light-client-verifiable SlashingProof construction.
//
// Uses a sentinel-error-plus-tagged-struct idiom throughout, and reuses
// pkg/crypto/bls to verify each signature proof's BLS signature against
// the claimed validator's public key, rather than trusting the caller's
// bookkeeping.
package slashing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/pravyom/metanode-core/pkg/canon"
	"github.com/pravyom/metanode-core/pkg/crypto/bls"
)

// Errors returned by the detector and verifier.
var (
	ErrUnknownValidator     = errors.New("slashing: unknown validator index")
	ErrNoEquivocation       = errors.New("slashing: no equivocation present")
	ErrValidatorSetMismatch = errors.New("slashing: validator set does not match stated validator_set_hash")
	ErrKeyNotInSet          = errors.New("slashing: signature proof public key is not the claimed validator's key in the stated set")
)

// EquivocationType enumerates the three detectable offenses.
type EquivocationType uint8

const (
	DoubleCommit       EquivocationType = 1
	HeightViolation    EquivocationType = 2
	MultipleSignatures EquivocationType = 3
)

// VoteKind distinguishes Prepare from Commit votes for MultipleSignatures detection.
type VoteKind uint8

const (
	VoteKindPrepare VoteKind = 1
	VoteKindCommit  VoteKind = 2
)

// domain returns the BLS domain separation tag a vote of this Kind was
// signed under, matching pkg/consensus's DomainPrepare/DomainCommit.
func (k VoteKind) domain() string {
	if k == VoteKindPrepare {
		return bls.DomainPrepare
	}
	return bls.DomainCommit
}

// SignatureProof demonstrates that a specific validator signed a
// specific message: it carries the exact bytes signed (SignedMessage)
// and the BLS signature/public key pair so a verifier can re-run the
// pairing check itself, rather than trusting the claim.
type SignatureProof struct {
	ValidatorIndex uint32   `cbor:"1,keyasint"`
	Signature      []byte   `cbor:"2,keyasint"`
	PublicKey      []byte   `cbor:"3,keyasint"`
	SignedMessage  []byte   `cbor:"4,keyasint"`
	Kind           VoteKind `cbor:"5,keyasint"`
	HeaderHash     [32]byte `cbor:"6,keyasint"`
}

// verify checks that Signature is a valid BLS signature over
// SignedMessage under PublicKey, domain-separated by Kind.
func (sp SignatureProof) verify() error {
	pub, err := bls.PublicKeyFromBytes(sp.PublicKey)
	if err != nil {
		return fmt.Errorf("slashing: decode signature proof public key: %w", err)
	}
	sig, err := bls.SignatureFromBytes(sp.Signature)
	if err != nil {
		return fmt.Errorf("slashing: decode signature proof signature: %w", err)
	}
	if !pub.VerifyWithDomain(sig, sp.SignedMessage, sp.Kind.domain()) {
		return fmt.Errorf("slashing: signature proof for validator %d fails BLS verification", sp.ValidatorIndex)
	}
	return nil
}

// VoteRecord is one observed vote from a validator, kept by the
// detector to compare against subsequent votes. SignedMessage is the
// exact canonical byte string the validator's Signature was produced
// over (e.g. pkg/consensus's voteMessage(height,round,header_hash)),
// carried through unmodified so a SlashingProof built from this vote
// can be independently re-verified later without replaying consensus.
type VoteRecord struct {
	ValidatorIndex uint32
	Height         uint64
	Round          uint32
	Kind           VoteKind
	HeaderHash     [32]byte
	Signature      []byte
	PublicKey      []byte
	SignedMessage  []byte
}

func (v VoteRecord) signatureProof() SignatureProof {
	return SignatureProof{
		ValidatorIndex: v.ValidatorIndex,
		Signature:      v.Signature,
		PublicKey:      v.PublicKey,
		SignedMessage:  v.SignedMessage,
		Kind:           v.Kind,
		HeaderHash:     v.HeaderHash,
	}
}

// EquivocationEvidence names the offense and carries the signature
// proofs of both conflicting votes. ProofB is the zero value for
// HeightViolation, which is a single-vote offense (signing at a height
// below the validator's own watermark, not a pair of conflicting votes).
type EquivocationEvidence struct {
	Type           EquivocationType `cbor:"1,keyasint"`
	ValidatorIndex uint32           `cbor:"2,keyasint"`
	CommitA        [32]byte         `cbor:"3,keyasint"`
	CommitB        [32]byte         `cbor:"4,keyasint"`
	ProofA         SignatureProof   `cbor:"5,keyasint"`
	ProofB         SignatureProof   `cbor:"6,keyasint"`
	Height         uint64           `cbor:"7,keyasint"`
	Round          uint32           `cbor:"8,keyasint"`
}

// proofBody is the hashed portion of a SlashingProof.
type proofBody struct {
	Evidence         EquivocationEvidence `cbor:"1,keyasint"`
	ValidatorSetHash [32]byte             `cbor:"2,keyasint"`
	Timestamp        int64                `cbor:"3,keyasint"`
}

// SlashingProof is the minimal, self-contained, light-client-verifiable
// evidence of an equivocation.
type SlashingProof struct {
	Evidence         EquivocationEvidence
	ValidatorSetHash [32]byte
	Timestamp        int64
	ProofHash        [32]byte
}

// BuildProof seals a SlashingProof: computes ProofHash over the
// evidence, validator-set hash, and timestamp.
func BuildProof(evidence EquivocationEvidence, validatorSetHash [32]byte, timestamp int64) (SlashingProof, error) {
	body := proofBody{Evidence: evidence, ValidatorSetHash: validatorSetHash, Timestamp: timestamp}
	hash, _, err := canon.HashObject(canon.TagSlashingProof, body)
	if err != nil {
		return SlashingProof{}, fmt.Errorf("slashing: hash proof: %w", err)
	}
	return SlashingProof{Evidence: evidence, ValidatorSetHash: validatorSetHash, Timestamp: timestamp, ProofHash: hash}, nil
}

// ValidatorSetMember is the minimal per-validator commitment a verifier
// needs: the index a SlashingProof's evidence names, and the BLS public
// key that index is supposed to sign with this epoch.
type ValidatorSetMember struct {
	Index     uint32 `cbor:"1,keyasint"`
	BLSPubKey []byte `cbor:"2,keyasint"`
}

// HashValidatorSet domain-hashes the epoch's validator membership, the
// same commitment a SlashingProof's ValidatorSetHash is checked against.
func HashValidatorSet(members []ValidatorSetMember) ([32]byte, error) {
	hash, _, err := canon.HashObject(canon.TagValidatorSet, members)
	if err != nil {
		return [32]byte{}, fmt.Errorf("slashing: hash validator set: %w", err)
	}
	return hash, nil
}

// VerifyProof is the full light-client check: it recomputes ProofHash,
// confirms members hashes to the proof's stated ValidatorSetHash, finds
// the claimed validator in members and confirms the signature proof(s)
// carry that validator's own public key, verifies every present
// signature proof's BLS signature, and checks the evidence's declared
// equivocation predicate. A light client only needs members (the
// current epoch's validator set) — not the chain's full block history.
func VerifyProof(p SlashingProof, members []ValidatorSetMember) error {
	body := proofBody{Evidence: p.Evidence, ValidatorSetHash: p.ValidatorSetHash, Timestamp: p.Timestamp}
	hash, _, err := canon.HashObject(canon.TagSlashingProof, body)
	if err != nil {
		return fmt.Errorf("slashing: hash proof: %w", err)
	}
	if hash != p.ProofHash {
		return fmt.Errorf("slashing: proof_hash mismatch: recomputed %x, stored %x", hash, p.ProofHash)
	}

	setHash, err := HashValidatorSet(members)
	if err != nil {
		return err
	}
	if setHash != p.ValidatorSetHash {
		return ErrValidatorSetMismatch
	}

	var claimed *ValidatorSetMember
	for i := range members {
		if members[i].Index == p.Evidence.ValidatorIndex {
			claimed = &members[i]
			break
		}
	}
	if claimed == nil {
		return ErrUnknownValidator
	}

	proofs := []SignatureProof{p.Evidence.ProofA}
	if len(p.Evidence.ProofB.Signature) > 0 {
		proofs = append(proofs, p.Evidence.ProofB)
	}
	for _, sp := range proofs {
		if !bytes.Equal(sp.PublicKey, claimed.BLSPubKey) {
			return ErrKeyNotInSet
		}
		if err := sp.verify(); err != nil {
			return err
		}
	}

	switch p.Evidence.Type {
	case DoubleCommit, MultipleSignatures:
		if p.Evidence.CommitA == p.Evidence.CommitB {
			return fmt.Errorf("%w: %s evidence names two identical commits", ErrNoEquivocation, typeName(p.Evidence.Type))
		}
		if len(p.Evidence.ProofB.Signature) == 0 {
			return fmt.Errorf("slashing: %s evidence is missing the second conflicting vote's signature proof", typeName(p.Evidence.Type))
		}
	case HeightViolation:
		// A single vote below the validator's watermark; no second
		// commit is required to make this predicate hold.
	default:
		return fmt.Errorf("slashing: unknown equivocation type %d", p.Evidence.Type)
	}
	return nil
}

func typeName(t EquivocationType) string {
	switch t {
	case DoubleCommit:
		return "double_commit"
	case HeightViolation:
		return "height_violation"
	case MultipleSignatures:
		return "multiple_signatures"
	default:
		return "unknown"
	}
}

// heightRoundKey identifies one (height,round) slot.
type heightRoundKey struct {
	Height uint64
	Round  uint32
}

// Detector watches every vote a validator casts and raises
// EquivocationEvidence on DoubleCommit, HeightViolation, or
// MultipleSignatures.
type Detector struct {
	mu sync.Mutex

	// commits[(h,r)][validatorIndex] = the commit vote signed there.
	commits map[heightRoundKey]map[uint32]VoteRecord

	// votes[(h,r,kind)][validatorIndex] = the vote of that kind seen there.
	voteRecords map[heightRoundKey]map[VoteKind]map[uint32]VoteRecord

	// heightWatermark[validatorIndex] = highest height that validator has signed.
	heightWatermark map[uint32]uint64
}

// NewDetector creates an empty equivocation detector.
func NewDetector() *Detector {
	return &Detector{
		commits:         make(map[heightRoundKey]map[uint32]VoteRecord),
		voteRecords:     make(map[heightRoundKey]map[VoteKind]map[uint32]VoteRecord),
		heightWatermark: make(map[uint32]uint64),
	}
}

// Observe records a vote and returns evidence if it reveals an
// equivocation. A validator may safely call Observe with the same vote
// more than once (idempotent no-op on exact repeats).
func (d *Detector) Observe(v VoteRecord, justifiedViewChange bool) (*EquivocationEvidence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := heightRoundKey{Height: v.Height, Round: v.Round}

	if v.Kind == VoteKindCommit {
		if d.commits[key] == nil {
			d.commits[key] = make(map[uint32]VoteRecord)
		}
		if existing, ok := d.commits[key][v.ValidatorIndex]; ok {
			if existing.HeaderHash != v.HeaderHash {
				ev := EquivocationEvidence{
					Type:           DoubleCommit,
					ValidatorIndex: v.ValidatorIndex,
					CommitA:        existing.HeaderHash,
					CommitB:        v.HeaderHash,
					Height:         v.Height,
					Round:          v.Round,
					ProofA:         existing.signatureProof(),
					ProofB:         v.signatureProof(),
				}
				return &ev, nil
			}
			// Identical repeat: no-op.
		} else {
			d.commits[key][v.ValidatorIndex] = v
		}
	}

	if prevHigh, ok := d.heightWatermark[v.ValidatorIndex]; ok {
		if v.Height < prevHigh && !justifiedViewChange {
			ev := EquivocationEvidence{
				Type:           HeightViolation,
				ValidatorIndex: v.ValidatorIndex,
				CommitA:        v.HeaderHash,
				Height:         v.Height,
				Round:          v.Round,
				ProofA:         v.signatureProof(),
			}
			return &ev, nil
		}
	}
	if v.Height > d.heightWatermark[v.ValidatorIndex] {
		d.heightWatermark[v.ValidatorIndex] = v.Height
	}

	if d.voteRecords[key] == nil {
		d.voteRecords[key] = make(map[VoteKind]map[uint32]VoteRecord)
	}
	if d.voteRecords[key][v.Kind] == nil {
		d.voteRecords[key][v.Kind] = make(map[uint32]VoteRecord)
	}
	if existing, ok := d.voteRecords[key][v.Kind][v.ValidatorIndex]; ok {
		if existing.HeaderHash != v.HeaderHash {
			ev := EquivocationEvidence{
				Type:           MultipleSignatures,
				ValidatorIndex: v.ValidatorIndex,
				CommitA:        existing.HeaderHash,
				CommitB:        v.HeaderHash,
				Height:         v.Height,
				Round:          v.Round,
				ProofA:         existing.signatureProof(),
				ProofB:         v.signatureProof(),
			}
			return &ev, nil
		}
	} else {
		d.voteRecords[key][v.Kind][v.ValidatorIndex] = v
	}

	return nil, nil
}
