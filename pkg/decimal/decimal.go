// Package decimal implements the fixed-point representation used for
// every economic quantity that crosses a signed-object boundary (usage
// counters, Φ, Γ, mint amounts, fee splits, settlement amounts). No
// signed field anywhere in the pipeline carries a float64/float32.
//
// Amounts are represented as math/big.Int scaled by a fixed denominator
// rather than a third-party decimal library, matching the idiom already
// used for monetary and gas quantities elsewhere in this codebase.
package decimal

import (
	"fmt"
	"math/big"
)

// Scale is the fixed number of decimal places every Fixed value carries.
// A Fixed of underlying value N represents N / 10^Scale.
const Scale = 6

var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

// Fixed is a signed fixed-point number: Value is the scaled integer
// numerator (e.g. 1.50 at Scale=6 is Value=1_500_000).
type Fixed struct {
	Value *big.Int
}

// Zero returns the fixed-point value 0.
func Zero() Fixed { return Fixed{Value: big.NewInt(0)} }

// FromInt builds a Fixed representing the whole number n.
func FromInt(n int64) Fixed {
	return Fixed{Value: new(big.Int).Mul(big.NewInt(n), scaleFactor)}
}

// FromScaled builds a Fixed directly from its scaled integer numerator.
func FromScaled(scaled int64) Fixed {
	return Fixed{Value: big.NewInt(scaled)}
}

// Parse parses a decimal string such as "1.50" or "-3" into a Fixed,
// rounding toward zero if more than Scale fractional digits are given.
// Used for configuration values (fee splits, PoE weights, settlement
// limits) that arrive as environment or YAML strings.
func Parse(s string) (Fixed, error) {
	neg := false
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac, hasFrac := s, "", false
	for i, c := range s {
		if c == '.' {
			whole, frac = s[:i], s[i+1:]
			hasFrac = true
			break
		}
	}
	_ = hasFrac
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Scale {
		frac = frac[:Scale]
	}
	for len(frac) < Scale {
		frac += "0"
	}
	w, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return Fixed{}, fmt.Errorf("decimal: invalid whole part %q", whole)
	}
	f, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return Fixed{}, fmt.Errorf("decimal: invalid fractional part %q", frac)
	}
	v := new(big.Int).Mul(w, scaleFactor)
	v.Add(v, f)
	if neg {
		v.Neg(v)
	}
	return Fixed{Value: v}, nil
}

// MustParse is Parse, panicking on error. Intended for trusted,
// compile-time-known literals (defaults, tests), not untrusted input.
func MustParse(s string) Fixed {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromRatio builds a Fixed representing num/den (den != 0), rounding
// toward zero at Scale decimal places. Used for configured percentages
// like fee splits and PoE weights, which are stored as rationals.
func FromRatio(num, den int64) Fixed {
	n := new(big.Int).Mul(big.NewInt(num), scaleFactor)
	n.Quo(n, big.NewInt(den))
	return Fixed{Value: n}
}

// val returns a's scaled numerator, treating a zero-value Fixed (as
// produced by a bare Usage{...} struct literal that doesn't mention a
// decimal field) the same as an explicit Zero().
func (a Fixed) val() *big.Int {
	if a.Value == nil {
		return big.NewInt(0)
	}
	return a.Value
}

// Add returns a+b. Addition is exact; there is no saturation.
func (a Fixed) Add(b Fixed) Fixed {
	return Fixed{Value: new(big.Int).Add(a.val(), b.val())}
}

// Sub returns a-b.
func (a Fixed) Sub(b Fixed) Fixed {
	return Fixed{Value: new(big.Int).Sub(a.val(), b.val())}
}

// Mul returns a*b, rescaled back down to Scale decimal places.
func (a Fixed) Mul(b Fixed) Fixed {
	p := new(big.Int).Mul(a.val(), b.val())
	p.Quo(p, scaleFactor)
	return Fixed{Value: p}
}

// MulInt returns a*n for an integer multiplier (no rescale needed).
func (a Fixed) MulInt(n int64) Fixed {
	return Fixed{Value: new(big.Int).Mul(a.val(), big.NewInt(n))}
}

// Cmp compares a to b: -1, 0, or 1.
func (a Fixed) Cmp(b Fixed) int {
	return a.val().Cmp(b.val())
}

// Sign returns -1, 0, or 1 depending on the sign of a.
func (a Fixed) Sign() int {
	return a.val().Sign()
}

// IsZero reports whether a is exactly zero.
func (a Fixed) IsZero() bool {
	return a.val().Sign() == 0
}

// String renders a human-readable decimal string, e.g. "1.500000".
func (a Fixed) String() string {
	neg := a.val().Sign() < 0
	abs := new(big.Int).Abs(a.val())
	whole := new(big.Int).Quo(abs, scaleFactor)
	frac := new(big.Int).Mod(abs, scaleFactor)
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%s.%0*d", sign, whole.String(), Scale, frac)
}

// MarshalCBOR implements cbor.Marshaler by encoding the scaled integer
// as CBOR bigint bytes, never as a float.
func (a Fixed) MarshalCBOR() ([]byte, error) {
	if a.Value == nil {
		a.Value = big.NewInt(0)
	}
	return cborMarshalBigInt(a.Value)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (a *Fixed) UnmarshalCBOR(data []byte) error {
	v, err := cborUnmarshalBigInt(data)
	if err != nil {
		return err
	}
	a.Value = v
	return nil
}

// SplitExact divides N into len(ratios) parts according to ratios
// (each in [0,1], summing to exactly 1 at Scale precision), assigning
// any last-unit rounding remainder to the final part so the parts sum
// to N exactly, with no unit lost or invented to rounding.
func SplitExact(n Fixed, ratios []Fixed) ([]Fixed, error) {
	sum := Zero()
	for _, r := range ratios {
		sum = sum.Add(r)
	}
	if sum.Value.Cmp(FromInt(1).Value) != 0 {
		return nil, fmt.Errorf("decimal: split ratios sum to %s, want 1", sum)
	}
	parts := make([]Fixed, len(ratios))
	assigned := Zero()
	for i, r := range ratios {
		if i == len(ratios)-1 {
			parts[i] = n.Sub(assigned)
			continue
		}
		parts[i] = n.Mul(r)
		assigned = assigned.Add(parts[i])
	}
	return parts, nil
}
