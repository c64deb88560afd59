package wallet

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/pravyom/metanode-core/pkg/decimal"
)

func mustIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := NewIdentity("alice@pravyom.wallet")
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	return id
}

func TestVerificationUpgradeMonotonic(t *testing.T) {
	id := mustIdentity(t)
	if err := id.UpgradeVerification(VerificationEmail); err != nil {
		t.Fatalf("upgrade to email: %v", err)
	}
	if err := id.UpgradeVerification(VerificationPhone); err != nil {
		t.Fatalf("upgrade to phone: %v", err)
	}
	if err := id.UpgradeVerification(VerificationEmail); err == nil {
		t.Fatal("expected downgrade to be rejected")
	}
	if id.VerificationLevel != VerificationPhone {
		t.Fatalf("expected level to remain Phone, got %d", id.VerificationLevel)
	}
}

func mustStamp(t *testing.T, address string, limits TransactionLimits) (Stamp, ed25519.PublicKey) {
	t.Helper()
	issuerPub, issuerPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("issuer keygen: %v", err)
	}
	stamp := Stamp{
		Address:           address,
		VerificationLevel: VerificationFullKYC,
		Issuer:            "pravyom-bank",
		IssuedAt:          time.Now().Add(-time.Hour),
		ExpiresAt:         time.Now().Add(24 * time.Hour),
		Limits:            limits,
	}
	sealed, err := SealStamp(stamp, issuerPriv)
	if err != nil {
		t.Fatalf("seal stamp: %v", err)
	}
	if err := VerifyStamp(sealed, issuerPub); err != nil {
		t.Fatalf("verify stamp: %v", err)
	}
	return sealed, issuerPub
}

func TestExecuteTransactionBelowBoundNeedsNoCoSigners(t *testing.T) {
	id := mustIdentity(t)
	stamp, _ := mustStamp(t, id.Address, TransactionLimits{
		MaxSingleTransaction: decimal.FromInt(1000),
		MaxDailyVolume:       decimal.FromInt(5000),
	})
	w, err := NewWallet(id, stamp, decimal.FromInt(500), 2)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	w.Balance = decimal.FromInt(100)

	tx, err := w.ExecuteTransaction("transfer", "bob@pravyom.wallet", decimal.FromInt(50), time.Now(), nil, nil)
	if err != nil {
		t.Fatalf("execute transaction: %v", err)
	}
	if tx.Amount.Cmp(decimal.FromInt(50)) != 0 {
		t.Fatalf("unexpected amount: %s", tx.Amount)
	}
	if w.Balance.Cmp(decimal.FromInt(50)) != 0 {
		t.Fatalf("expected balance 50, got %s", w.Balance)
	}
}

func TestExecuteTransactionAboveBoundRequiresThreshold(t *testing.T) {
	id := mustIdentity(t)
	stamp, _ := mustStamp(t, id.Address, TransactionLimits{
		MaxSingleTransaction: decimal.FromInt(10000),
		MaxDailyVolume:       decimal.FromInt(50000),
	})
	w, err := NewWallet(id, stamp, decimal.FromInt(500), 2)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	w.Balance = decimal.FromInt(1000)

	cosigner1Pub, cosigner1Priv, _ := ed25519.GenerateKey(nil)
	cosigner2Pub, cosigner2Priv, _ := ed25519.GenerateKey(nil)
	authorized := []ed25519.PublicKey{cosigner1Pub, cosigner2Pub}

	if _, err := w.ExecuteTransaction("transfer", "bob@pravyom.wallet", decimal.FromInt(600), time.Now(), authorized, nil); err == nil {
		t.Fatal("expected multi-sig requirement to reject a transaction with no co-signatures")
	}

	// countValidCoSignatures is what the threshold gate evaluates;
	// exercise it directly since ExecuteTransaction's canonical message
	// includes a timestamp it generates internally.
	msg := []byte("fixed-test-message")
	sig1 := ed25519.Sign(cosigner1Priv, msg)
	sig2 := ed25519.Sign(cosigner2Priv, msg)
	got := countValidCoSignatures(msg, authorized, []CoSignature{
		{PublicKey: cosigner1Pub, Signature: sig1},
		{PublicKey: cosigner2Pub, Signature: sig2},
	})
	if got != 2 {
		t.Fatalf("expected 2 valid co-signatures, got %d", got)
	}
}

func TestStampRevocationBlocksTransaction(t *testing.T) {
	id := mustIdentity(t)
	stamp, _ := mustStamp(t, id.Address, TransactionLimits{MaxSingleTransaction: decimal.FromInt(1000)})
	stamp.Revoked = true
	w, err := NewWallet(id, stamp, decimal.FromInt(500), 2)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	w.Balance = decimal.FromInt(100)
	if _, err := w.ExecuteTransaction("transfer", "bob@pravyom.wallet", decimal.FromInt(10), time.Now(), nil, nil); err != ErrStampRevoked {
		t.Fatalf("expected ErrStampRevoked, got %v", err)
	}
}

func TestMultiSigThresholdBounds(t *testing.T) {
	id := mustIdentity(t)
	stamp, _ := mustStamp(t, id.Address, TransactionLimits{})
	if _, err := NewWallet(id, stamp, decimal.FromInt(500), 0); err != ErrInvalidThreshold {
		t.Fatalf("expected ErrInvalidThreshold for 0, got %v", err)
	}
	if _, err := NewWallet(id, stamp, decimal.FromInt(500), 11); err != ErrInvalidThreshold {
		t.Fatalf("expected ErrInvalidThreshold for 11, got %v", err)
	}
}
