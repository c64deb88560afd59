// Package vrf wraps go-ecvrf's RFC 9381 ECVRF-SECP256K1-SHA256-TAI
// cipher suite for the stake-weighted BFT leader election in
// pkg/consensus: each validator proves, non-interactively and
// verifiably, whether it is the leader for a given (epoch_seed, height,
// round) without revealing its private key.
package vrf

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/vechain/go-ecvrf"
)

// Curve is the secp256k1 curve go-ecvrf's Secp256k1Sha256Tai suite
// operates over. Using decred's pure-Go implementation (already in the
// dependency graph transitively via go-ethereum) avoids a cgo build for
// what is otherwise a pure-Go module.
func Curve() elliptic.Curve { return secp256k1.S256() }

// ErrVerificationFailed is returned by Verify when the VRF proof does
// not validate against the claimed public key and input.
var ErrVerificationFailed = errors.New("vrf: proof verification failed")

// KeyPair is a VRF keypair. Validators keep PrivateKey secret and
// publish PublicKey in their ValidatorInfo (spec's vrf_pubkey field).
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateKeyPair creates a new secp256k1 VRF keypair.
func GenerateKeyPair() (*KeyPair, error) {
	sk, err := ecdsa.GenerateKey(Curve(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("vrf: generate key: %w", err)
	}
	return &KeyPair{PrivateKey: sk, PublicKey: &sk.PublicKey}, nil
}

// PublicKeyToBytes encodes a VRF public key as an uncompressed SEC1
// point, the wire form stored in a Validator's vrf_pubkey field.
func PublicKeyToBytes(pk *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(Curve(), pk.X, pk.Y)
}

// PublicKeyFromBytes decodes an uncompressed SEC1 point back into a VRF
// public key.
func PublicKeyFromBytes(b []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(Curve(), b)
	if x == nil {
		return nil, errors.New("vrf: invalid public key encoding")
	}
	return &ecdsa.PublicKey{Curve: Curve(), X: x, Y: y}, nil
}

// Alpha builds the VRF input string for leader election: the epoch seed
// concatenated with big-endian height and round. Using a fixed,
// unambiguous encoding here matters — two different (height, round)
// pairs must never produce the same alpha.
func Alpha(epochSeed []byte, height uint64, round uint32) []byte {
	buf := make([]byte, len(epochSeed)+8+4)
	n := copy(buf, epochSeed)
	binary.BigEndian.PutUint64(buf[n:], height)
	binary.BigEndian.PutUint32(buf[n+8:], round)
	return buf
}

// Prove computes the VRF output (beta) and proof (pi) for alpha under
// the given private key.
func Prove(sk *ecdsa.PrivateKey, alpha []byte) (beta []byte, pi []byte, err error) {
	beta, pi, err = ecvrf.Secp256k1Sha256Tai.Prove(sk, alpha)
	if err != nil {
		return nil, nil, fmt.Errorf("vrf: prove: %w", err)
	}
	return beta, pi, nil
}

// Verify checks that pi is a valid VRF proof for alpha under pk, and
// returns the resulting VRF output (beta) if so.
func Verify(pk *ecdsa.PublicKey, alpha, pi []byte) (beta []byte, err error) {
	beta, err = ecvrf.Secp256k1Sha256Tai.Verify(pk, alpha, pi)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return beta, nil
}

// IsLeader reports whether beta (a verified VRF output) selects the
// validator for leadership, weighted by its stake share: the validator
// is leader iff the first 8 bytes of beta, read as a uint64 and reduced
// modulo totalStake, fall within [cumulativeStakeBefore,
// cumulativeStakeBefore+validatorStake) — the standard "VRF output as a
// uniform random draw over a stake-weighted range" construction.
func IsLeader(beta []byte, cumulativeStakeBefore, validatorStake, totalStake uint64) (bool, error) {
	if totalStake == 0 {
		return false, errors.New("vrf: total stake must be positive")
	}
	if len(beta) < 8 {
		return false, errors.New("vrf: beta too short")
	}
	draw := binary.BigEndian.Uint64(beta[:8]) % totalStake
	return draw >= cumulativeStakeBefore && draw < cumulativeStakeBefore+validatorStake, nil
}
