// Package poe computes the weighted-utility Φ over a billing window's
// usage and derives the mint fraction Γ from it via a monotone
// saturating function, then seals the result into a PoE bundle.
//
// Reworked into a leaner {usage_sum, phi, gamma} bundle using
// pkg/decimal's fixed-point arithmetic throughout — no float32/float64
// anywhere in a signed field.
package poe

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/big"

	"github.com/pravyom/metanode-core/pkg/canon"
	"github.com/pravyom/metanode-core/pkg/decimal"
	"github.com/pravyom/metanode-core/pkg/receipt"
)

// ErrEmptyWindow is returned when a bundle is sealed with no covered
// LogBlocks.
var ErrEmptyWindow = errors.New("poe: billing window has no log blocks")

// Weights assigns a fixed-point weight to each Usage dimension for the
// Φ = Σ w_i · usage_i computation. Weights are policy configuration,
// not derived at runtime.
type Weights struct {
	CPU     decimal.Fixed
	Mem     decimal.Fixed
	Storage decimal.Fixed
	Egress  decimal.Fixed
	Receipts decimal.Fixed
}

// Phi computes the weighted utility of a Usage total under w, entirely
// in fixed-point: Σ w_i * usage_i, with MulInt for the integer counters
// and Mul for the fractional StorageGBDay/EgressMB; no separate "scale"
// step is applied beyond the weight multiply.
func Phi(u receipt.Usage, w Weights) decimal.Fixed {
	sum := decimal.Zero()
	sum = sum.Add(w.CPU.MulInt(int64(u.CPUMs)))
	sum = sum.Add(w.Mem.MulInt(int64(u.MemMBS)))
	sum = sum.Add(w.Storage.Mul(u.StorageGBDay))
	sum = sum.Add(w.Egress.Mul(u.EgressMB))
	sum = sum.Add(w.Receipts.MulInt(int64(u.ReceiptsCount)))
	return sum
}

// GammaFunctionID selects one of the two policy-configured, header-
// anchored saturating functions mapping Φ to Γ ∈ [0,1). The ID travels
// with the block header (see pkg/ledger) so verifiers know exactly
// which function to reproduce.
type GammaFunctionID uint8

const (
	// GammaLinearCap computes Γ = min(Φ · Slope, Cap): a straight line
	// through the origin, clamped at Cap. Simple, cheap, and exactly
	// reproducible in fixed point.
	GammaLinearCap GammaFunctionID = 1

	// GammaRationalSaturating computes Γ = Φ / (Φ + HalfLife) · Cap: a
	// rational curve that approaches Cap asymptotically as Φ grows,
	// with HalfLife controlling how quickly it saturates (Γ = Cap/2
	// when Φ == HalfLife).
	GammaRationalSaturating GammaFunctionID = 2
)

// GammaParams carries the policy knobs for whichever GammaFunctionID is
// configured. Only the fields relevant to the selected function are
// used; both are populated together so the header can hash one fixed
// shape regardless of which function is active.
type GammaParams struct {
	FunctionID GammaFunctionID
	Slope      decimal.Fixed // used by GammaLinearCap
	Cap        decimal.Fixed // used by both
	HalfLife   decimal.Fixed // used by GammaRationalSaturating
}

// Gamma derives Γ from Φ using the configured function. Γ is always in
// [0, Cap] ⊆ [0,1); the function is monotone non-decreasing in Φ.
func Gamma(phi decimal.Fixed, p GammaParams) (decimal.Fixed, error) {
	if phi.Sign() < 0 {
		return decimal.Zero(), fmt.Errorf("poe: phi must be nonnegative, got %s", phi)
	}
	switch p.FunctionID {
	case GammaLinearCap:
		g := phi.Mul(p.Slope)
		if g.Cmp(p.Cap) > 0 {
			g = p.Cap
		}
		return g, nil
	case GammaRationalSaturating:
		if p.HalfLife.IsZero() {
			return decimal.Zero(), errors.New("poe: gamma rational-saturating requires HalfLife > 0")
		}
		denom := phi.Add(p.HalfLife)
		if denom.IsZero() {
			return decimal.Zero(), nil
		}
		// ratio = phi / denom at Scale precision: both operands carry
		// an implicit 10^Scale factor that cancels in a plain
		// division, so rescale the numerator once more before
		// dividing to land back at Scale precision.
		num := new(big.Int).Mul(phi.Value, scaleFactor())
		ratioValue := num.Quo(num, denom.Value)
		ratio := decimal.Fixed{Value: ratioValue}
		return ratio.Mul(p.Cap), nil
	default:
		return decimal.Zero(), fmt.Errorf("poe: unknown gamma function id %d", p.FunctionID)
	}
}

// scaleFactor returns 10^decimal.Scale, matching the implicit scaling
// every decimal.Fixed.Value carries.
func scaleFactor() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(decimal.Scale), nil)
}

// BillingWindow identifies the period a bundle covers.
type BillingWindow struct {
	FromTS int64 `cbor:"1,keyasint"`
	ToTS   int64 `cbor:"2,keyasint"`
}

// bundleBody is the hashed/signed portion of a Bundle.
type bundleBody struct {
	Version        uint32        `cbor:"1,keyasint"`
	App            string        `cbor:"2,keyasint"`
	LogBlockHashes [][32]byte    `cbor:"3,keyasint"`
	UsageSum       receipt.Usage `cbor:"4,keyasint"`
	Phi            decimal.Fixed `cbor:"5,keyasint"`
	Gamma          decimal.Fixed `cbor:"6,keyasint"`
	GammaFunction  GammaFunctionID `cbor:"7,keyasint"`
	BillingWindow  BillingWindow `cbor:"8,keyasint"`
}

// Bundle is a sealed, signed PoE bundle submitted to consensus.
type Bundle struct {
	Version        uint32
	App            string
	LogBlockHashes [][32]byte
	UsageSum       receipt.Usage
	Phi            decimal.Fixed
	Gamma          decimal.Fixed
	GammaFunction  GammaFunctionID
	BillingWindow  BillingWindow
	Sig            []byte
	Hash           [32]byte
}

// Seal aggregates usage across logBlockUsages (each entry the usage sum
// already attributed to one covered LogBlock, keyed by its hash),
// computes Φ and Γ, and signs the sealed bundle. Fails with
// ErrEmptyWindow if no LogBlocks are supplied.
func Seal(signer ed25519.PrivateKey, version uint32, app string, logBlockUsages map[[32]byte]receipt.Usage, w Weights, gp GammaParams, window BillingWindow) (Bundle, error) {
	if len(logBlockUsages) == 0 {
		return Bundle{}, ErrEmptyWindow
	}

	hashes := make([][32]byte, 0, len(logBlockUsages))
	usageSum := receipt.Usage{}
	for h, u := range logBlockUsages {
		hashes = append(hashes, h)
		usageSum = usageSum.Add(u)
	}
	sortHashes(hashes)

	phi := Phi(usageSum, w)
	gamma, err := Gamma(phi, gp)
	if err != nil {
		return Bundle{}, fmt.Errorf("poe: gamma: %w", err)
	}

	body := bundleBody{
		Version:        version,
		App:            app,
		LogBlockHashes: hashes,
		UsageSum:       usageSum,
		Phi:            phi,
		Gamma:          gamma,
		GammaFunction:  gp.FunctionID,
		BillingWindow:  window,
	}
	hash, canonical, err := canon.HashObject(canon.TagPoEBundle, body)
	if err != nil {
		return Bundle{}, fmt.Errorf("poe: hash bundle: %w", err)
	}
	sig := ed25519.Sign(signer, canonical)

	return Bundle{
		Version:        version,
		App:            app,
		LogBlockHashes: hashes,
		UsageSum:       usageSum,
		Phi:            phi,
		Gamma:          gamma,
		GammaFunction:  gp.FunctionID,
		BillingWindow:  window,
		Sig:            sig,
		Hash:           hash,
	}, nil
}

// Verify checks a bundle's signature and that its Hash matches the
// recomputed body hash.
func (b Bundle) Verify(pub ed25519.PublicKey) error {
	body := bundleBody{
		Version:        b.Version,
		App:            b.App,
		LogBlockHashes: b.LogBlockHashes,
		UsageSum:       b.UsageSum,
		Phi:            b.Phi,
		Gamma:          b.Gamma,
		GammaFunction:  b.GammaFunction,
		BillingWindow:  b.BillingWindow,
	}
	hash, canonical, err := canon.HashObject(canon.TagPoEBundle, body)
	if err != nil {
		return fmt.Errorf("poe: hash bundle: %w", err)
	}
	if hash != b.Hash {
		return fmt.Errorf("poe: hash mismatch: recomputed %x, stored %x", hash, b.Hash)
	}
	if !ed25519.Verify(pub, canonical, b.Sig) {
		return errors.New("poe: signature verification failed")
	}
	return nil
}

func sortHashes(hs [][32]byte) {
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && lexLessBytes(hs[j], hs[j-1]); j-- {
			hs[j], hs[j-1] = hs[j-1], hs[j]
		}
	}
}

func lexLessBytes(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
