package receipt

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/pravyom/metanode-core/pkg/decimal"
)

func mustKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestNewAndVerify(t *testing.T) {
	pub, priv := mustKey(t)
	r, err := New(priv, 1, "app1", "c1", "exec", 1000, Usage{CPUMs: 10}, nil, GenesisHash)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := r.Verify(pub); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedUsage(t *testing.T) {
	pub, priv := mustKey(t)
	r, err := New(priv, 1, "app1", "c1", "exec", 1000, Usage{CPUMs: 10}, nil, GenesisHash)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r.Usage.CPUMs = 999
	if err := r.Verify(pub); err == nil {
		t.Fatal("expected verify to fail on tampered usage")
	}
}

func TestBuilderSealsOnCount(t *testing.T) {
	_, priv := mustKey(t)
	_, notary := mustKey(t)
	b := NewBuilder("app1", 3, 0, notary)

	prev := GenesisHash
	var lastBlock *LogBlock
	for i := 0; i < 3; i++ {
		r, err := New(priv, 1, "app1", "c1", "exec", int64(1000+i), Usage{CPUMs: 1}, nil, prev)
		if err != nil {
			t.Fatalf("new receipt %d: %v", i, err)
		}
		prev = r.Hash
		blk, err := b.Add(r)
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if i < 2 && blk != nil {
			t.Fatalf("unexpected early seal at %d", i)
		}
		if i == 2 {
			if blk == nil {
				t.Fatal("expected seal at count threshold")
			}
			lastBlock = blk
		}
	}
	if lastBlock.Count != 3 {
		t.Fatalf("count = %d, want 3", lastBlock.Count)
	}
	if lastBlock.Height != 1 {
		t.Fatalf("height = %d, want 1", lastBlock.Height)
	}
}

func TestBuilderRejectsBrokenChain(t *testing.T) {
	_, priv := mustKey(t)
	_, notary := mustKey(t)
	b := NewBuilder("app1", 10, 0, notary)

	r1, _ := New(priv, 1, "app1", "c1", "exec", 1000, Usage{}, nil, GenesisHash)
	if _, err := b.Add(r1); err != nil {
		t.Fatalf("add r1: %v", err)
	}

	r2, _ := New(priv, 1, "app1", "c1", "exec", 1001, Usage{}, nil, GenesisHash) // wrong prev hash
	if _, err := b.Add(r2); err == nil {
		t.Fatal("expected ErrInvalidChain")
	}
}

func TestSealEmptyReturnsError(t *testing.T) {
	_, notary := mustKey(t)
	b := NewBuilder("app1", 10, time.Second, notary)
	if _, err := b.Seal(); err == nil {
		t.Fatal("expected ErrEmpty")
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{CPUMs: 1, MemMBS: 2, StorageGBDay: decimal.FromInt(3), EgressMB: decimal.FromInt(4), ReceiptsCount: 5}
	b := Usage{CPUMs: 10, MemMBS: 20, StorageGBDay: decimal.FromInt(30), EgressMB: decimal.FromInt(40), ReceiptsCount: 50}
	sum := a.Add(b)
	if sum.CPUMs != 11 || sum.MemMBS != 22 || sum.ReceiptsCount != 55 {
		t.Fatalf("unexpected sum: %+v", sum)
	}
	if sum.StorageGBDay.Cmp(decimal.FromInt(33)) != 0 {
		t.Fatalf("storage sum = %s, want 33", sum.StorageGBDay)
	}
	if sum.EgressMB.Cmp(decimal.FromInt(44)) != 0 {
		t.Fatalf("egress sum = %s, want 44", sum.EgressMB)
	}
}
