package pipeline

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/pravyom/metanode-core/pkg/config"
	"github.com/pravyom/metanode-core/pkg/consensus"
	"github.com/pravyom/metanode-core/pkg/crypto/bls"
	"github.com/pravyom/metanode-core/pkg/decimal"
	"github.com/pravyom/metanode-core/pkg/kvdb"
	"github.com/pravyom/metanode-core/pkg/ledger"
	"github.com/pravyom/metanode-core/pkg/poe"
	"github.com/pravyom/metanode-core/pkg/receipt"
	"github.com/pravyom/metanode-core/pkg/settlement"
	"github.com/pravyom/metanode-core/pkg/slashing"
	"github.com/pravyom/metanode-core/pkg/vrf"
	"github.com/pravyom/metanode-core/pkg/wallet"
)

type testValidator struct {
	index uint32
	bls   *bls.PrivateKey
	vrf   *ecdsa.PrivateKey
}

func buildNodes(t *testing.T, n int) []*Node {
	t.Helper()

	vals := make([]testValidator, n)
	members := make([]consensus.Validator, n)
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
		members[i] = consensus.Validator{
			Index:     uint32(i),
			BLSPubKey: pk.Bytes(),
			VRFPubKey: vrf.PublicKeyToBytes(vk.PublicKey),
			Stake:     100,
			Status:    consensus.StatusActive,
		}
	}
	vset, err := consensus.NewValidatorSet([]byte("epoch-seed"), members)
	if err != nil {
		t.Fatalf("new validator set: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.IBFT.MinValidators = n

	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		_, notaryPriv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("notary keygen: %v", err)
		}
		id := Identity{
			Index:     vals[i].index,
			NotaryKey: notaryPriv,
			BLSKey:    vals[i].bls,
			VRFKey:    vals[i].vrf,
		}
		nodes[i] = New(cfg, id, kvdb.NewMemoryKV(), vset, nil, nil, nil)
	}
	return nodes
}

// TestSingleContainerHappyPath drives the canonical six-receipt scenario
// through the full chain: two LogBlocks of three receipts each sealed
// from app APP1's container-1, one PoE bundle over both LogBlocks, and
// a finalized ledger block carrying the bundle's single PoEBundle
// transaction, agreed by a 4-validator IBFT round.
func TestSingleContainerHappyPath(t *testing.T) {
	t.Setenv("IBFT_MAX_TXS", "3")
	t.Setenv("FEES_LOCKED", "0.40")
	t.Setenv("FEES_SPENDABLE", "0.58")
	t.Setenv("FEES_OWNER", "0.002")
	t.Setenv("FEES_TREASURY", "0.018")

	nodes := buildNodes(t, 4)

	// (cpu_ms, mem_mb_s, storage_gb_day, egress_mb) per receipt.
	usageTuples := []struct {
		cpu, mem uint64
		storage, egress string
	}{
		{100, 50, "0.1", "1.0"},
		{20, 10, "0.05", "0.5"},
		{10, 5, "0.0", "2.0"},
		{150, 75, "0.2", "1.5"},
		{5, 100, "0.0", "0.0"},
		{200, 25, "0.1", "0.5"},
	}

	baseTS := time.Now().UnixMilli()
	var receipts []receipt.StepReceipt
	prevHash := receipt.GenesisHash
	for i, ut := range usageTuples {
		u := receipt.Usage{
			CPUMs:         ut.cpu,
			MemMBS:        ut.mem,
			StorageGBDay:  decimal.MustParse(ut.storage),
			EgressMB:      decimal.MustParse(ut.egress),
			ReceiptsCount: 1,
		}
		r, err := receipt.New(nodes[0].id.NotaryKey, 1, "APP1", "container-1", "exec", baseTS+int64(i), u, nil, prevHash)
		if err != nil {
			t.Fatalf("new receipt %d: %v", i, err)
		}
		receipts = append(receipts, r)
		prevHash = r.Hash
	}

	var logBlocks []*receipt.LogBlock
	for _, r := range receipts {
		lb, err := nodes[0].IngestReceipt(r)
		if err != nil {
			t.Fatalf("ingest receipt: %v", err)
		}
		if lb != nil {
			logBlocks = append(logBlocks, lb)
		}
	}
	if len(logBlocks) != 2 {
		t.Fatalf("got %d sealed log blocks, want 2", len(logBlocks))
	}
	if logBlocks[0].Height != 1 || logBlocks[1].Height != 2 {
		t.Fatalf("log block heights = %d,%d, want 1,2", logBlocks[0].Height, logBlocks[1].Height)
	}
	if logBlocks[0].Count != 3 || logBlocks[1].Count != 3 {
		t.Fatalf("log block counts = %d,%d, want 3,3", logBlocks[0].Count, logBlocks[1].Count)
	}

	usages := map[[32]byte]receipt.Usage{
		logBlocks[0].Hash: sumUsage(receipts[0:3]),
		logBlocks[1].Hash: sumUsage(receipts[3:6]),
	}
	window := poe.BillingWindow{FromTS: receipts[0].TS, ToTS: receipts[5].TS}
	bundle, err := nodes[0].SealBundle("APP1", usages, window)
	if err != nil {
		t.Fatalf("seal bundle: %v", err)
	}

	wantUsageSum := receipt.Usage{
		CPUMs:        485,
		MemMBS:       265,
		StorageGBDay: decimal.MustParse("0.45"),
		EgressMB:     decimal.MustParse("5.5"),
	}
	if bundle.UsageSum.CPUMs != wantUsageSum.CPUMs || bundle.UsageSum.MemMBS != wantUsageSum.MemMBS {
		t.Fatalf("usage_sum cpu/mem = %d/%d, want 485/265", bundle.UsageSum.CPUMs, bundle.UsageSum.MemMBS)
	}
	if bundle.UsageSum.StorageGBDay.Cmp(wantUsageSum.StorageGBDay) != 0 {
		t.Fatalf("usage_sum storage_gb_day = %s, want 0.45", bundle.UsageSum.StorageGBDay)
	}
	if bundle.UsageSum.EgressMB.Cmp(wantUsageSum.EgressMB) != 0 {
		t.Fatalf("usage_sum egress_mb = %s, want 5.5", bundle.UsageSum.EgressMB)
	}
	if bundle.Phi.Sign() <= 0 {
		t.Fatalf("expected phi > 0, got %s", bundle.Phi)
	}
	if bundle.Gamma.Sign() <= 0 {
		t.Fatalf("expected gamma > 0, got %s", bundle.Gamma)
	}

	pub := nodes[0].id.NotaryKey.Public().(ed25519.PublicKey)
	if err := bundle.Verify(pub); err != nil {
		t.Fatalf("bundle verify: %v", err)
	}

	var leaderIdx = -1
	var block *ledger.Block
	var pp *consensus.PrePrepare
	for i, n := range nodes {
		b, candidate, err := n.ProposeNextBlock(0, []poe.Bundle{bundle}, time.Now().UnixMilli())
		if err != nil {
			if err == consensus.ErrNotLeader {
				continue
			}
			t.Fatalf("propose on node %d: %v", i, err)
		}
		leaderIdx = i
		block = b
		pp = candidate
		break
	}
	if leaderIdx < 0 {
		t.Fatal("no leader found among the 4 validators for height 1 round 0")
	}

	var prepareVotes []consensus.PrepareVote
	for _, n := range nodes {
		v, err := n.Consensus.HandlePrePrepare(*pp)
		if err != nil {
			t.Fatalf("handle pre-prepare: %v", err)
		}
		prepareVotes = append(prepareVotes, *v)
	}

	var commitVotes []consensus.CommitVote
	for _, n := range nodes {
		for _, v := range prepareVotes {
			cv, _, err := n.Consensus.HandlePrepareVote(v)
			if err != nil {
				t.Fatalf("handle prepare vote: %v", err)
			}
			if cv != nil {
				commitVotes = append(commitVotes, *cv)
				break
			}
		}
	}

	var commit *consensus.Commit
	for _, n := range nodes {
		for _, v := range commitVotes {
			c, err := n.Consensus.HandleCommitVote(v)
			if err != nil {
				t.Fatalf("handle commit vote: %v", err)
			}
			if c != nil {
				commit = c
				break
			}
		}
		if commit != nil {
			break
		}
	}
	if commit == nil {
		t.Fatal("consensus did not reach commit quorum")
	}

	for _, n := range nodes {
		if err := n.CommitBlock(block, *commit); err != nil {
			t.Fatalf("commit block: %v", err)
		}
	}

	got, err := nodes[leaderIdx].Ledger.GetBlock(1)
	if err != nil {
		t.Fatalf("get committed block: %v", err)
	}
	if got.Hash != block.Hash {
		t.Fatalf("committed block hash mismatch: got %x, want %x", got.Hash, block.Hash)
	}

	if len(got.Transactions) != 1 {
		t.Fatalf("got %d transactions, want 1", len(got.Transactions))
	}
	tx := got.Transactions[0]
	wantOwner := tx.Minted.Mul(decimal.MustParse("0.002"))
	if tx.Split.Owner.Cmp(wantOwner) != 0 {
		t.Fatalf("owner share = %s, want 0.002*N = %s", tx.Split.Owner, wantOwner)
	}
}

// sumUsage adds up the Usage of every receipt in rs, mirroring the sum a
// LogBlock's covering receipts contribute to a PoE bundle's usage_sum.
func sumUsage(rs []receipt.StepReceipt) receipt.Usage {
	var u receipt.Usage
	for _, r := range rs {
		u = u.Add(r.Usage)
	}
	return u
}

// TestEquivocationDetection feeds two conflicting votes for the same
// (height, round) from one validator into the slashing detector and
// checks that evidence is produced.
func TestEquivocationDetection(t *testing.T) {
	nodes := buildNodes(t, 4)
	n := nodes[0]

	v1 := slashing.VoteRecord{
		ValidatorIndex: 1,
		Height:         10,
		Round:          0,
		Kind:           slashing.VoteKindCommit,
		HeaderHash:     [32]byte{1},
	}
	v2 := v1
	v2.HeaderHash = [32]byte{2}

	if ev, err := n.ObserveVote(v1, false); err != nil {
		t.Fatalf("observe v1: %v", err)
	} else if ev != nil {
		t.Fatal("unexpected equivocation on first vote")
	}

	ev, err := n.ObserveVote(v2, false)
	if err != nil {
		t.Fatalf("observe v2: %v", err)
	}
	if ev == nil {
		t.Fatal("expected equivocation evidence for conflicting votes")
	}
}

// TestSettlementHappyPath exercises the settlement state machine against
// a node's wallet registry acting as settlement.Ledger. The mint->
// transfer->burn completion effect is a closed loop (credit the source,
// move it, destroy it at the destination), so both wallets' balances
// return to zero; what this test checks is that every step succeeds and
// the completion metrics advance exactly once.
func TestSettlementHappyPath(t *testing.T) {
	nodes := buildNodes(t, 1)
	n := nodes[0]

	idA, err := wallet.NewIdentity("bank-a@example.wallet")
	if err != nil {
		t.Fatalf("new identity a: %v", err)
	}
	idB, err := wallet.NewIdentity("bank-b@example.wallet")
	if err != nil {
		t.Fatalf("new identity b: %v", err)
	}
	stampA := wallet.Stamp{
		Address:           idA.Address,
		VerificationLevel: wallet.VerificationFullKYC,
		Issuer:            "issuer",
		IssuedAt:          time.Now(),
		ExpiresAt:         time.Now().Add(24 * time.Hour),
	}
	stampB := stampA
	stampB.Address = idB.Address

	walA, err := wallet.NewWallet(idA, stampA, decimal.FromInt(1000), 1)
	if err != nil {
		t.Fatalf("new wallet a: %v", err)
	}
	walB, err := wallet.NewWallet(idB, stampB, decimal.FromInt(1000), 1)
	if err != nil {
		t.Fatalf("new wallet b: %v", err)
	}
	n.RegisterWallet(walA)
	n.RegisterWallet(walB)

	ledgr := n.SettlementLedger()
	s := settlement.New("settlement-1", idA.Address, idB.Address, decimal.FromInt(50), "USD", idA.Address, idB.Address, time.Now().Add(time.Hour))
	metrics := &settlement.Metrics{}
	bankA := settlement.BankIdentity{
		ID:               idA.Address,
		PerSettlementCap: decimal.FromInt(1000),
		LicenseExpiry:    time.Now().Add(24 * time.Hour),
	}

	if err := s.Transition(settlement.CoinTransfer, bankA, time.Now(), ledgr, metrics); err != nil {
		t.Fatalf("transition to coin-transfer: %v", err)
	}
	if err := s.Transition(settlement.Clearing, bankA, time.Now(), ledgr, metrics); err != nil {
		t.Fatalf("transition to clearing: %v", err)
	}
	if err := s.Transition(settlement.Completed, bankA, time.Now(), ledgr, metrics); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}

	if metrics.Completed != 1 {
		t.Fatalf("completed count = %d, want 1", metrics.Completed)
	}
	if metrics.Minted != 1 || metrics.Burned != 1 {
		t.Fatalf("minted=%d burned=%d, want 1/1", metrics.Minted, metrics.Burned)
	}
	if !walA.Balance.IsZero() || !walB.Balance.IsZero() {
		t.Fatalf("wallet balances after a closed mint-transfer-burn loop should be zero, got a=%s b=%s", walA.Balance, walB.Balance)
	}
	if metrics.TotalValueSettled().Cmp(decimal.FromInt(50)) != 0 {
		t.Fatalf("total_value_settled = %s, want 50", metrics.TotalValueSettled())
	}
}
