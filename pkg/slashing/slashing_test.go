package slashing

import (
	"testing"

	"github.com/pravyom/metanode-core/pkg/crypto/bls"
)

func TestDetectDoubleCommit(t *testing.T) {
	d := NewDetector()

	v1 := VoteRecord{ValidatorIndex: 1, Height: 10, Round: 0, Kind: VoteKindCommit, HeaderHash: [32]byte{0xAA}}
	if ev, err := d.Observe(v1, false); err != nil || ev != nil {
		t.Fatalf("first commit should not raise evidence: ev=%v err=%v", ev, err)
	}

	v2 := VoteRecord{ValidatorIndex: 1, Height: 10, Round: 0, Kind: VoteKindCommit, HeaderHash: [32]byte{0xBB}}
	ev, err := d.Observe(v2, false)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ev == nil || ev.Type != DoubleCommit {
		t.Fatalf("expected DoubleCommit evidence, got %+v", ev)
	}
}

func TestDetectHeightViolation(t *testing.T) {
	d := NewDetector()
	d.Observe(VoteRecord{ValidatorIndex: 2, Height: 100, Round: 0, Kind: VoteKindCommit, HeaderHash: [32]byte{1}}, false)

	ev, err := d.Observe(VoteRecord{ValidatorIndex: 2, Height: 50, Round: 0, Kind: VoteKindCommit, HeaderHash: [32]byte{2}}, false)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ev == nil || ev.Type != HeightViolation {
		t.Fatalf("expected HeightViolation, got %+v", ev)
	}
}

func TestHeightDecreaseWithJustificationAllowed(t *testing.T) {
	d := NewDetector()
	d.Observe(VoteRecord{ValidatorIndex: 3, Height: 100, Round: 0, Kind: VoteKindCommit, HeaderHash: [32]byte{1}}, false)

	ev, err := d.Observe(VoteRecord{ValidatorIndex: 3, Height: 50, Round: 0, Kind: VoteKindCommit, HeaderHash: [32]byte{2}}, true)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no evidence with justified view change, got %+v", ev)
	}
}

func TestDetectMultipleSignatures(t *testing.T) {
	d := NewDetector()
	d.Observe(VoteRecord{ValidatorIndex: 4, Height: 10, Round: 1, Kind: VoteKindPrepare, HeaderHash: [32]byte{1}}, false)
	ev, err := d.Observe(VoteRecord{ValidatorIndex: 4, Height: 10, Round: 1, Kind: VoteKindPrepare, HeaderHash: [32]byte{2}}, false)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ev == nil || ev.Type != MultipleSignatures {
		t.Fatalf("expected MultipleSignatures, got %+v", ev)
	}
}

// buildSignedEvidence signs two conflicting messages under sk and
// returns DoubleCommit evidence plus the validator set it should verify
// against.
func buildSignedEvidence(t *testing.T) (EquivocationEvidence, []ValidatorSetMember, *bls.PrivateKey) {
	t.Helper()
	sk, pk, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("bls keygen: %v", err)
	}
	msgA := []byte("vote for header A at height 10 round 0")
	msgB := []byte("vote for header B at height 10 round 0")
	sigA := sk.SignWithDomain(msgA, bls.DomainCommit)
	sigB := sk.SignWithDomain(msgB, bls.DomainCommit)

	ev := EquivocationEvidence{
		Type:           DoubleCommit,
		ValidatorIndex: 1,
		CommitA:        [32]byte{1},
		CommitB:        [32]byte{2},
		Height:         10,
		Round:          0,
		ProofA: SignatureProof{
			ValidatorIndex: 1,
			Signature:      sigA.Bytes(),
			PublicKey:      pk.Bytes(),
			SignedMessage:  msgA,
			Kind:           VoteKindCommit,
			HeaderHash:     [32]byte{1},
		},
		ProofB: SignatureProof{
			ValidatorIndex: 1,
			Signature:      sigB.Bytes(),
			PublicKey:      pk.Bytes(),
			SignedMessage:  msgB,
			Kind:           VoteKindCommit,
			HeaderHash:     [32]byte{2},
		},
	}
	members := []ValidatorSetMember{{Index: 1, BLSPubKey: pk.Bytes()}}
	return ev, members, sk
}

func TestBuildAndVerifyProof(t *testing.T) {
	ev, members, _ := buildSignedEvidence(t)
	setHash, err := HashValidatorSet(members)
	if err != nil {
		t.Fatalf("hash validator set: %v", err)
	}
	proof, err := BuildProof(ev, setHash, 12345)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	if err := VerifyProof(proof, members); err != nil {
		t.Fatalf("verify proof: %v", err)
	}

	tampered := proof
	tampered.Timestamp = 99999
	if err := VerifyProof(tampered, members); err == nil {
		t.Fatal("expected tampered proof to fail verification")
	}
}

func TestVerifyProofRejectsForgedSignature(t *testing.T) {
	ev, members, _ := buildSignedEvidence(t)
	setHash, err := HashValidatorSet(members)
	if err != nil {
		t.Fatalf("hash validator set: %v", err)
	}

	otherSK, _, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("bls keygen: %v", err)
	}
	forged := otherSK.SignWithDomain(ev.ProofB.SignedMessage, bls.DomainCommit)
	ev.ProofB.Signature = forged.Bytes()

	proof, err := BuildProof(ev, setHash, 12345)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	if err := VerifyProof(proof, members); err == nil {
		t.Fatal("expected forged signature proof to fail verification despite a correct proof_hash")
	}
}

func TestVerifyProofRejectsWrongValidatorSet(t *testing.T) {
	ev, members, _ := buildSignedEvidence(t)
	setHash, err := HashValidatorSet(members)
	if err != nil {
		t.Fatalf("hash validator set: %v", err)
	}
	proof, err := BuildProof(ev, setHash, 12345)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}

	_, otherPK, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("bls keygen: %v", err)
	}
	wrongMembers := []ValidatorSetMember{{Index: 1, BLSPubKey: otherPK.Bytes()}}
	if err := VerifyProof(proof, wrongMembers); err == nil {
		t.Fatal("expected verification against a different validator set to fail")
	}
}

func TestIdenticalRepeatCommitIsNoOp(t *testing.T) {
	d := NewDetector()
	v := VoteRecord{ValidatorIndex: 5, Height: 10, Round: 0, Kind: VoteKindCommit, HeaderHash: [32]byte{1}}
	d.Observe(v, false)
	ev, err := d.Observe(v, false)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no evidence for identical repeat, got %+v", ev)
	}
}
