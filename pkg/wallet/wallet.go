// Package wallet implements the Stamped Wallet Core: a wallet identity
// (address, capabilities, monotone verification level) plus a bank
// stamp gating every transaction by compliance limits and a multi-sig
// threshold above a configured bound.
//
// Identity and stamp verification follow the same typed-error-plus-
// method idiom as pkg/settlement and pkg/slashing, signing with stdlib
// crypto/ed25519.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pravyom/metanode-core/pkg/canon"
	"github.com/pravyom/metanode-core/pkg/decimal"
)

// DeriveAddress computes a wallet's routing address from its ed25519
// public key the way Ethereum derives account addresses:
// Keccak256(pubkey)[12:], hex-encoded with a 0x prefix. The signing key
// remains ed25519 throughout; this is a derived display/routing
// identifier only, not a secp256k1 account key.
func DeriveAddress(pub ed25519.PublicKey) common.Address {
	return common.BytesToAddress(crypto.Keccak256(pub)[12:])
}

// Capability is one privilege a wallet identity has been granted.
type Capability uint8

const (
	CapBasicWallet Capability = iota
	CapSecureMessaging
	CapPaymentProcessing
	CapVideoConferencing
	CapDeviceAuthorization
	CapCrossBorderPayments
	CapGovernmentServices
	CapBankingServices
)

// VerificationLevel is a monotonically-increasing identity assurance
// level; a wallet may only ever be upgraded, never downgraded.
type VerificationLevel uint8

const (
	VerificationNone VerificationLevel = iota
	VerificationEmail
	VerificationPhone
	VerificationGovernmentID
	VerificationBankAccount
	VerificationFullKYC
	VerificationGovernment
)

// Errors returned by wallet operations.
var (
	ErrVerificationDowngrade = errors.New("wallet: verification level cannot decrease")
	ErrCapabilityMissing     = errors.New("wallet: required capability not held")
	ErrUnknownSigner         = errors.New("wallet: signature does not match wallet identity")
	ErrStampRevoked          = errors.New("wallet: bank stamp has been revoked")
	ErrStampExpired          = errors.New("wallet: bank stamp has expired")
	ErrTransactionTypeBanned = errors.New("wallet: transaction type is prohibited by the stamp")
	ErrBelowMinimum          = errors.New("wallet: amount below the stamp's minimum transaction size")
	ErrAboveSingleTxLimit    = errors.New("wallet: amount exceeds the stamp's per-transaction limit")
	ErrAboveDailyLimit       = errors.New("wallet: amount would exceed the stamp's daily volume limit")
	ErrInsufficientBalance   = errors.New("wallet: insufficient balance")
	ErrMultiSigRequired      = errors.New("wallet: amount is above the multi-sig bound and lacks enough independent signatures")
	ErrInvalidThreshold      = errors.New("wallet: multi-sig threshold must be between 1 and 10")
)

// Identity is one wallet's address, keypair, capability set, and
// verification level.
type Identity struct {
	Address           string
	WireAddress       common.Address
	PublicKey         ed25519.PublicKey
	privateKey        ed25519.PrivateKey
	Capabilities      map[Capability]bool
	VerificationLevel VerificationLevel
	CreatedAt         time.Time
	LastActive        time.Time
	Metadata          map[string]string
}

// NewIdentity generates a fresh ed25519 keypair and wallet identity at
// the given address ("user@provider.wallet" per wallet_identity.rs),
// deriving the inter-bank routing WireAddress from the new public key,
// with no capabilities and VerificationNone.
func NewIdentity(address string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wallet: generate keypair: %w", err)
	}
	now := time.Now()
	return &Identity{
		Address:           address,
		WireAddress:       DeriveAddress(pub),
		PublicKey:         pub,
		privateKey:        priv,
		Capabilities:      make(map[Capability]bool),
		VerificationLevel: VerificationNone,
		CreatedAt:         now,
		LastActive:        now,
		Metadata:          make(map[string]string),
	}, nil
}

// AddCapability grants a capability to the identity.
func (id *Identity) AddCapability(c Capability) {
	id.Capabilities[c] = true
}

// HasCapability reports whether the identity holds c.
func (id *Identity) HasCapability(c Capability) bool {
	return id.Capabilities[c]
}

// UpgradeVerification raises the identity's verification level. Levels
// may only increase; an attempt to set an equal or lower level fails
// with ErrVerificationDowngrade.
func (id *Identity) UpgradeVerification(level VerificationLevel) error {
	if level <= id.VerificationLevel {
		return fmt.Errorf("%w: current=%d requested=%d", ErrVerificationDowngrade, id.VerificationLevel, level)
	}
	id.VerificationLevel = level
	return nil
}

// walletStampBody is the hashed/signed portion of a Stamp.
type walletStampBody struct {
	Address           string            `cbor:"1,keyasint"`
	VerificationLevel VerificationLevel `cbor:"2,keyasint"`
	Issuer            string            `cbor:"3,keyasint"`
	IssuedAt          int64             `cbor:"4,keyasint"`
	ExpiresAt         int64             `cbor:"5,keyasint"`
	Limits            TransactionLimits `cbor:"6,keyasint"`
}

// TransactionLimits bounds what a stamped wallet may move.
type TransactionLimits struct {
	MaxSingleTransaction decimal.Fixed
	MaxDailyVolume       decimal.Fixed
	MinTransaction       decimal.Fixed
	ProhibitedKinds      map[string]bool
}

// Stamp is a bank's compliance attestation over a wallet address: its
// verification level, issuer, validity window, and transaction limits.
// Sealed under canon.TagWalletStamp so it is independently verifiable
// without the issuing bank's live state.
type Stamp struct {
	Address           string
	VerificationLevel VerificationLevel
	Issuer            string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	Limits            TransactionLimits
	Revoked           bool
	Hash              [32]byte
	Signature         []byte
}

// SealStamp computes a Stamp's domain hash and signs it with the
// issuing bank's ed25519 key.
func SealStamp(s Stamp, issuerKey ed25519.PrivateKey) (Stamp, error) {
	body := walletStampBody{
		Address:           s.Address,
		VerificationLevel: s.VerificationLevel,
		Issuer:            s.Issuer,
		IssuedAt:          s.IssuedAt.Unix(),
		ExpiresAt:         s.ExpiresAt.Unix(),
		Limits:            s.Limits,
	}
	hash, canonBytes, err := canon.HashObject(canon.TagWalletStamp, body)
	if err != nil {
		return Stamp{}, fmt.Errorf("wallet: hash stamp: %w", err)
	}
	s.Hash = hash
	s.Signature = ed25519.Sign(issuerKey, canonBytes)
	return s, nil
}

// VerifyStamp checks a Stamp's signature against the issuer's public
// key.
func VerifyStamp(s Stamp, issuerPub ed25519.PublicKey) error {
	body := walletStampBody{
		Address:           s.Address,
		VerificationLevel: s.VerificationLevel,
		Issuer:            s.Issuer,
		IssuedAt:          s.IssuedAt.Unix(),
		ExpiresAt:         s.ExpiresAt.Unix(),
		Limits:            s.Limits,
	}
	_, canonBytes, err := canon.HashObject(canon.TagWalletStamp, body)
	if err != nil {
		return fmt.Errorf("wallet: hash stamp: %w", err)
	}
	if !ed25519.Verify(issuerPub, canonBytes, s.Signature) {
		return ErrUnknownSigner
	}
	return nil
}

// Wallet is a stamped wallet: an identity, its bank stamp, balance, and
// the multi-sig threshold gating high-value transactions.
type Wallet struct {
	Identity          *Identity
	Stamp             Stamp
	Balance           decimal.Fixed
	MultiSigBound     decimal.Fixed
	MultiSigThreshold int

	dailyVolume      decimal.Fixed
	dailyVolumeReset time.Time

	History []Transaction
}

// Transaction is one completed transfer out of a stamped wallet.
type Transaction struct {
	Kind      string
	Amount    decimal.Fixed
	To        string
	Timestamp time.Time
	Hash      [32]byte
}

type walletTxBody struct {
	From      string        `cbor:"1,keyasint"`
	To        string        `cbor:"2,keyasint"`
	Kind      string        `cbor:"3,keyasint"`
	Amount    decimal.Fixed `cbor:"4,keyasint"`
	Timestamp int64         `cbor:"5,keyasint"`
}

// NewWallet constructs a stamped wallet. multiSigThreshold must be in
// [1,10] (bank_stamped_simple.rs's bound).
func NewWallet(id *Identity, stamp Stamp, multiSigBound decimal.Fixed, multiSigThreshold int) (*Wallet, error) {
	if multiSigThreshold < 1 || multiSigThreshold > 10 {
		return nil, ErrInvalidThreshold
	}
	return &Wallet{
		Identity:          id,
		Stamp:             stamp,
		Balance:           decimal.Zero(),
		MultiSigBound:     multiSigBound,
		MultiSigThreshold: multiSigThreshold,
		dailyVolume:       decimal.Zero(),
		dailyVolumeReset:  time.Now(),
	}, nil
}

// UpdateMultiSigThreshold changes the wallet's required co-signer count.
func (w *Wallet) UpdateMultiSigThreshold(threshold int) error {
	if threshold < 1 || threshold > 10 {
		return ErrInvalidThreshold
	}
	w.MultiSigThreshold = threshold
	return nil
}

// CoSignature is one additional signer's ed25519 signature over a
// pending transaction, used to satisfy the multi-sig gate above
// MultiSigBound.
type CoSignature struct {
	PublicKey ed25519.PublicKey
	Signature []byte
}

// validateCompliance checks the stamp's revocation/expiry and the
// transaction's kind/amount against its configured limits.
func (w *Wallet) validateCompliance(kind string, amount decimal.Fixed, now time.Time) error {
	if w.Stamp.Revoked {
		return ErrStampRevoked
	}
	if now.After(w.Stamp.ExpiresAt) {
		return ErrStampExpired
	}
	if w.Stamp.Limits.ProhibitedKinds[kind] {
		return fmt.Errorf("%w: kind=%s", ErrTransactionTypeBanned, kind)
	}
	if !w.Stamp.Limits.MinTransaction.IsZero() && amount.Cmp(w.Stamp.Limits.MinTransaction) < 0 {
		return ErrBelowMinimum
	}
	if !w.Stamp.Limits.MaxSingleTransaction.IsZero() && amount.Cmp(w.Stamp.Limits.MaxSingleTransaction) > 0 {
		return ErrAboveSingleTxLimit
	}
	if now.Sub(w.dailyVolumeReset) > 24*time.Hour {
		w.dailyVolume = decimal.Zero()
		w.dailyVolumeReset = now
	}
	if !w.Stamp.Limits.MaxDailyVolume.IsZero() && w.dailyVolume.Add(amount).Cmp(w.Stamp.Limits.MaxDailyVolume) > 0 {
		return ErrAboveDailyLimit
	}
	return nil
}

// ExecuteTransaction validates compliance, checks the multi-sig gate
// for amounts at or above MultiSigBound, checks sufficient balance, and
// on success debits the wallet and records the transaction. coSigners
// must each sign the canonical transaction body; signatures from
// unknown keys are ignored and do not count toward the threshold.
func (w *Wallet) ExecuteTransaction(kind, to string, amount decimal.Fixed, now time.Time, authorizedCoSigners []ed25519.PublicKey, coSigners []CoSignature) (Transaction, error) {
	if err := w.validateCompliance(kind, amount, now); err != nil {
		return Transaction{}, err
	}
	if amount.Cmp(w.Balance) > 0 {
		return Transaction{}, ErrInsufficientBalance
	}

	body := walletTxBody{From: w.Identity.Address, To: to, Kind: kind, Amount: amount, Timestamp: now.Unix()}
	hash, canonBytes, err := canon.HashObject(canon.TagWalletTx, body)
	if err != nil {
		return Transaction{}, fmt.Errorf("wallet: hash transaction: %w", err)
	}

	if !w.MultiSigBound.IsZero() && amount.Cmp(w.MultiSigBound) >= 0 {
		valid := countValidCoSignatures(canonBytes, authorizedCoSigners, coSigners)
		if valid < w.MultiSigThreshold {
			return Transaction{}, fmt.Errorf("%w: have=%d need=%d", ErrMultiSigRequired, valid, w.MultiSigThreshold)
		}
	}

	w.Balance = w.Balance.Sub(amount)
	w.dailyVolume = w.dailyVolume.Add(amount)
	tx := Transaction{Kind: kind, Amount: amount, To: to, Timestamp: now, Hash: hash}
	w.History = append(w.History, tx)
	return tx, nil
}

// countValidCoSignatures counts how many of coSigners are both signed
// correctly over msg and come from a key in authorizedCoSigners,
// de-duplicating repeated signers.
func countValidCoSignatures(msg []byte, authorizedCoSigners []ed25519.PublicKey, coSigners []CoSignature) int {
	authorized := make(map[string]bool, len(authorizedCoSigners))
	for _, pk := range authorizedCoSigners {
		authorized[string(pk)] = true
	}
	seen := make(map[string]bool)
	count := 0
	for _, cs := range coSigners {
		if !authorized[string(cs.PublicKey)] {
			continue
		}
		if seen[string(cs.PublicKey)] {
			continue
		}
		if !ed25519.Verify(cs.PublicKey, msg, cs.Signature) {
			continue
		}
		seen[string(cs.PublicKey)] = true
		count++
	}
	return count
}
