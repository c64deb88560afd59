package consensus

import (
	"crypto/ecdsa"
	"testing"

	"github.com/pravyom/metanode-core/pkg/crypto/bls"
	"github.com/pravyom/metanode-core/pkg/vrf"
)

type testValidator struct {
	index  uint32
	bls    *bls.PrivateKey
	vrf    *ecdsa.PrivateKey
	engine *Engine
}

func buildValidatorSet(t *testing.T, n int) ([]testValidator, *ValidatorSet) {
	t.Helper()
	vals := make([]testValidator, n)
	members := make([]Validator, n)
	for i := 0; i < n; i++ {
		sk, pk, err := bls.GenerateKeyPair()
		if err != nil {
			t.Fatalf("bls keygen: %v", err)
		}
		vk, err := vrf.GenerateKeyPair()
		if err != nil {
			t.Fatalf("vrf keygen: %v", err)
		}
		vals[i] = testValidator{index: uint32(i), bls: sk, vrf: vk.PrivateKey}
		members[i] = Validator{
			Index:     uint32(i),
			BLSPubKey: pk.Bytes(),
			VRFPubKey: vrf.PublicKeyToBytes(vk.PublicKey),
			Stake:     100,
			Status:    StatusActive,
		}
	}
	vset, err := NewValidatorSet([]byte("epoch-seed"), members)
	if err != nil {
		t.Fatalf("new validator set: %v", err)
	}
	return vals, vset
}

func findLeader(t *testing.T, vals []testValidator, vset *ValidatorSet, height uint64, round uint32) int {
	t.Helper()
	for i := range vals {
		e := NewEngine(vals[i].index, vals[i].bls, vals[i].vrf, vset, DefaultConfig(), nil, nil)
		isLeader, _, _, err := e.leaderIndexAndProof(height, round, vals[i].vrf, vals[i].index)
		if err != nil {
			t.Fatalf("leader check: %v", err)
		}
		if isLeader {
			return i
		}
	}
	t.Fatal("no leader found for height/round")
	return -1
}

func TestEngineHappyPathFinalizesBlock(t *testing.T) {
	vals, vset := buildValidatorSet(t, 4)

	engines := make([]*Engine, len(vals))
	for i := range vals {
		engines[i] = NewEngine(vals[i].index, vals[i].bls, vals[i].vrf, vset, DefaultConfig(), nil, nil)
	}

	leader := findLeader(t, vals, vset, 1, 0)
	headerBytes := []byte("block-1-header")
	headerHash := [32]byte{1, 2, 3}

	pp, err := engines[leader].ProposeBlock(1, 0, headerBytes, headerHash)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	var prepareVotes []PrepareVote
	for i := range engines {
		pv, err := engines[i].HandlePrePrepare(*pp)
		if err != nil {
			t.Fatalf("validator %d handle pre-prepare: %v", i, err)
		}
		prepareVotes = append(prepareVotes, *pv)
	}

	var commitVotes []CommitVote
	for i := range engines {
		for _, pv := range prepareVotes {
			cv, _, err := engines[i].HandlePrepareVote(pv)
			if err != nil {
				t.Fatalf("validator %d handle prepare vote: %v", i, err)
			}
			if cv != nil {
				commitVotes = append(commitVotes, *cv)
				break
			}
		}
	}
	if len(commitVotes) != len(engines) {
		t.Fatalf("expected every validator to emit a commit vote once quorum reached, got %d", len(commitVotes))
	}

	var finalized *Commit
	for i := range engines {
		for _, cv := range commitVotes {
			c, err := engines[i].HandleCommitVote(cv)
			if err != nil {
				t.Fatalf("validator %d handle commit vote: %v", i, err)
			}
			if c != nil {
				finalized = c
				break
			}
		}
		if i == 0 {
			if finalized == nil {
				t.Fatal("expected validator 0 to finalize the block")
			}
			if err := engines[0].VerifyCommit(*finalized); err != nil {
				t.Fatalf("verify commit: %v", err)
			}
		}
	}

	signers := finalized.ValidatorBitmap.Signers(len(vset.Validators))
	if !vset.MeetsQuorum(signers) {
		t.Fatal("finalized commit's signer set does not meet quorum")
	}
}

func TestEngineRejectsProposalFromNonLeader(t *testing.T) {
	vals, vset := buildValidatorSet(t, 4)
	leader := findLeader(t, vals, vset, 5, 0)
	impostor := (leader + 1) % len(vals)

	e := NewEngine(vals[impostor].index, vals[impostor].bls, vals[impostor].vrf, vset, DefaultConfig(), nil, nil)
	if _, err := e.ProposeBlock(5, 0, []byte("x"), [32]byte{9}); err != ErrNotLeader {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}

func TestEngineHandleTimeoutAdvancesRoundAndCarriesLock(t *testing.T) {
	vals, vset := buildValidatorSet(t, 4)
	e := NewEngine(vals[0].index, vals[0].bls, vals[0].vrf, vset, DefaultConfig(), nil, nil)

	e.Restore(localState{Height: 3, Round: 0, Phase: PhasePrepared, LockedRound: 0, LockedHeader: [32]byte{7}})

	vc, err := e.HandleTimeout()
	if err != nil {
		t.Fatalf("handle timeout: %v", err)
	}
	if vc.NewRound != 1 {
		t.Fatalf("expected round 1, got %d", vc.NewRound)
	}
	if vc.LockedRound != 0 || vc.LockedHeader != [32]byte{7} {
		t.Fatalf("expected lock carried forward, got round=%d header=%x", vc.LockedRound, vc.LockedHeader)
	}
	if e.State().Phase != PhaseIdle {
		t.Fatalf("expected phase reset to idle after timeout, got %s", e.State().Phase)
	}
}
