// Package canon implements the canonical encoder and domain-separated
// hasher shared by every signed object in the pipeline (StepReceipts,
// LogBlocks, PoE bundles, ledger blocks, consensus commits, slashing
// proofs, settlement coins, wallet stamps).
//
// Encoding uses RFC 8949 §4.2 deterministic ("canonical") CBOR: map keys
// sorted, definite-length arrays/maps, no floating point. This gives us
// the length-prefixing and ascending-integer-key ordering the encoding
// contract requires without hand-rolling a wire format, the same way
// the go-merklelog family wraps fxamacker/cbor for its own canonical
// log-entry codec.
package canon

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"lukechampine.com/blake3"
)

// Tag is the one-byte domain separator prefixed to every hashed object.
// The enumeration is closed: a tag value is never reused across object
// categories, so hashes can never collide across categories.
type Tag byte

const (
	TagReceipt        Tag = 0x01
	TagLogBlock       Tag = 0x02
	TagPoEBundle      Tag = 0x03
	TagBlockHeader    Tag = 0x04
	TagMerkleLeaf     Tag = 0x05
	TagMerkleInternal Tag = 0x06
	TagEvent          Tag = 0x07
	TagAuditNode      Tag = 0x08
	TagSlashingProof  Tag = 0x09
	TagSettlementCoin Tag = 0x0A
	TagValidatorVote  Tag = 0x0B
	TagCheckpoint     Tag = 0x0C
	TagWalletStamp    Tag = 0x0D
	TagWalletTx       Tag = 0x0E
	TagValidatorSet   Tag = 0x0F
)

// ErrNonCanonical is returned by Decode when the input bytes do not
// round-trip to themselves under canonical re-encoding.
var ErrNonCanonical = errors.New("canon: non-canonical encoding")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("canon: build encode mode: %v", err))
	}
	encMode = m

	dopts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsForbidden,
	}
	dm, err := dopts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("canon: build decode mode: %v", err))
	}
	decMode = dm
}

// Encode deterministically serializes v. Encoding is total over the
// permitted value set (structs of integers, strings, bytes, slices and
// maps — never float32/float64 in a signed field); it is infallible for
// in-range values and only returns an error for values CBOR itself
// cannot represent (e.g. a channel or func field).
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	return b, nil
}

// Decode deserializes data into v, then re-encodes the result and
// requires the bytes to match exactly. This rejects any input that is
// well-formed CBOR but not in canonical form (unsorted map keys,
// indefinite-length items, duplicate keys), satisfying the "decode
// fails on non-canonical input" contract.
func Decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("canon: decode: %w", err)
	}
	reencoded, err := Encode(v)
	if err != nil {
		return fmt.Errorf("canon: decode: re-encode check: %w", err)
	}
	if !bytes.Equal(reencoded, data) {
		return ErrNonCanonical
	}
	return nil
}

// DomainHash computes H(tag || canonical_bytes) using BLAKE3-256.
func DomainHash(tag Tag, canonicalBytes []byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte{byte(tag)})
	h.Write(canonicalBytes)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashObject is a convenience that encodes v and computes its domain
// hash in one step. Callers that need the intermediate canonical bytes
// (e.g. to sign them) should call Encode and DomainHash separately.
func HashObject(tag Tag, v any) ([32]byte, []byte, error) {
	b, err := Encode(v)
	if err != nil {
		return [32]byte{}, nil, err
	}
	return DomainHash(tag, b), b, nil
}
