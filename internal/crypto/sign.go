// Package crypto provides the ECDSA sign/verify black box the Byzantine
// mutex variant treats as an external collaborator (spec.md §1): sign and
// verify over a 32-byte digest. The specific signature scheme is not
// fixed by the design, so this is a straightforward stdlib implementation
// rather than something grounded in the retrieved pack — there is no
// third-party signing library among the examples to prefer over
// crypto/ecdsa for this narrowly-scoped primitive.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"math/big"
)

// KeyPair is one processor's signing identity.
type KeyPair struct {
	private *ecdsa.PrivateKey
	Public  *ecdsa.PublicKey
}

// GenerateKeyPair creates a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: priv, Public: &priv.PublicKey}, nil
}

// Signature is the raw (r, s) pair over a 32-byte digest.
type Signature struct {
	R, S *big.Int
}

// ErrInvalidSignature is returned by Verify when the signature does not
// match the digest under the given public key.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Sign produces a signature over digest, which must be exactly 32 bytes
// (the contract spec.md §1 assumes for the Byzantine ordering certificate).
func (k *KeyPair) Sign(digest [32]byte) (Signature, error) {
	r, s, err := ecdsa.Sign(rand.Reader, k.private, digest[:])
	if err != nil {
		return Signature{}, err
	}
	return Signature{R: r, S: s}, nil
}

// Verify checks sig against digest under pub.
func Verify(pub *ecdsa.PublicKey, digest [32]byte, sig Signature) error {
	if !ecdsa.Verify(pub, digest[:], sig.R, sig.S) {
		return ErrInvalidSignature
	}
	return nil
}
