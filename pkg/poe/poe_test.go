package poe

import (
	"crypto/ed25519"
	"testing"

	"github.com/pravyom/metanode-core/pkg/decimal"
	"github.com/pravyom/metanode-core/pkg/receipt"
)

func TestPhiWeightedSum(t *testing.T) {
	u := receipt.Usage{CPUMs: 100, MemMBS: 50, StorageGBDay: decimal.FromInt(2), EgressMB: decimal.FromInt(10), ReceiptsCount: 1}
	w := Weights{
		CPU:      decimal.FromRatio(1, 1000),
		Mem:      decimal.FromRatio(1, 1000),
		Storage:  decimal.FromInt(1),
		Egress:   decimal.FromRatio(1, 100),
		Receipts: decimal.FromInt(1),
	}
	phi := Phi(u, w)
	if phi.Sign() <= 0 {
		t.Fatalf("expected positive phi, got %s", phi)
	}
}

func TestGammaLinearCap(t *testing.T) {
	p := GammaParams{FunctionID: GammaLinearCap, Slope: decimal.FromRatio(1, 2), Cap: decimal.FromRatio(9, 10)}
	g, err := Gamma(decimal.FromInt(1), p)
	if err != nil {
		t.Fatalf("gamma: %v", err)
	}
	if g.Cmp(decimal.FromRatio(1, 2)) != 0 {
		t.Fatalf("gamma = %s, want 0.5", g)
	}

	// Large phi saturates at Cap.
	g2, err := Gamma(decimal.FromInt(100), p)
	if err != nil {
		t.Fatalf("gamma: %v", err)
	}
	if g2.Cmp(p.Cap) != 0 {
		t.Fatalf("gamma = %s, want cap %s", g2, p.Cap)
	}
}

func TestGammaRationalSaturating(t *testing.T) {
	p := GammaParams{FunctionID: GammaRationalSaturating, HalfLife: decimal.FromInt(10), Cap: decimal.FromInt(1)}
	g, err := Gamma(decimal.FromInt(10), p)
	if err != nil {
		t.Fatalf("gamma: %v", err)
	}
	// At phi == HalfLife, gamma should be close to Cap/2.
	half := decimal.FromRatio(1, 2)
	diff := g.Sub(half)
	if diff.Sign() < 0 {
		diff = half.Sub(g)
	}
	if diff.Cmp(decimal.FromRatio(1, 1000)) > 0 {
		t.Fatalf("gamma = %s, want close to 0.5", g)
	}
}

func TestGammaMonotone(t *testing.T) {
	p := GammaParams{FunctionID: GammaRationalSaturating, HalfLife: decimal.FromInt(5), Cap: decimal.FromInt(1)}
	prev := decimal.Zero()
	for _, phi := range []int64{0, 1, 5, 20, 100} {
		g, err := Gamma(decimal.FromInt(phi), p)
		if err != nil {
			t.Fatalf("gamma(%d): %v", phi, err)
		}
		if g.Cmp(prev) < 0 {
			t.Fatalf("gamma not monotone at phi=%d: %s < %s", phi, g, prev)
		}
		prev = g
	}
}

func TestGammaRejectsNegativePhi(t *testing.T) {
	p := GammaParams{FunctionID: GammaLinearCap, Slope: decimal.FromInt(1), Cap: decimal.FromInt(1)}
	neg := decimal.Zero().Sub(decimal.FromInt(1))
	if _, err := Gamma(neg, p); err == nil {
		t.Fatal("expected error for negative phi")
	}
}

func TestSealAndVerify(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	w := Weights{CPU: decimal.FromRatio(1, 1000), Mem: decimal.FromRatio(1, 1000), Storage: decimal.FromInt(1), Egress: decimal.FromRatio(1, 100), Receipts: decimal.FromInt(1)}
	gp := GammaParams{FunctionID: GammaLinearCap, Slope: decimal.FromRatio(1, 10), Cap: decimal.FromRatio(9, 10)}

	usages := map[[32]byte]receipt.Usage{
		{1}: {CPUMs: 100},
		{2}: {CPUMs: 200},
	}

	bundle, err := Seal(priv, 1, "app1", usages, w, gp, BillingWindow{FromTS: 1000, ToTS: 2000})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bundle.UsageSum.CPUMs != 300 {
		t.Fatalf("usage sum = %d, want 300", bundle.UsageSum.CPUMs)
	}
	if err := bundle.Verify(pub); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSealEmptyRejected(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	w := Weights{}
	gp := GammaParams{FunctionID: GammaLinearCap, Slope: decimal.FromInt(1), Cap: decimal.FromInt(1)}
	if _, err := Seal(priv, 1, "app1", nil, w, gp, BillingWindow{}); err == nil {
		t.Fatal("expected ErrEmptyWindow")
	}
}
