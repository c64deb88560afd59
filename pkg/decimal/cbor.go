package decimal

import (
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// cborMarshalBigInt/cborUnmarshalBigInt lean on fxamacker/cbor's native
// big.Int support so a Fixed value nests inside any canonically-encoded
// struct as a CBOR integer when it fits in 64 bits, and as a bignum item
// (RFC 8949 §3.4.3, tag 2/3) otherwise, with no floating point involved
// anywhere in the representation.
func cborMarshalBigInt(v *big.Int) ([]byte, error) {
	return cbor.Marshal(v)
}

func cborUnmarshalBigInt(data []byte) (*big.Int, error) {
	var v big.Int
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
