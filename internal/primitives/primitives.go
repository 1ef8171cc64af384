// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package primitives defines the cryptographic service used by the root of
// trust, and provides a software implementation of it.
package primitives

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// HashAlg identifies a digest algorithm.
type HashAlg uint8

const (
	SHA256 HashAlg = iota
	SHA384
)

// Size returns the digest length in bytes.
func (h HashAlg) Size() int {
	if h == SHA384 {
		return sha512.Size384
	}
	return sha256.Size
}

func (h HashAlg) String() string {
	if h == SHA384 {
		return "SHA-384"
	}
	return "SHA-256"
}

// Curve identifies an elliptic curve.
type Curve uint8

const (
	P256 Curve = iota
	P384
)

// Size returns the coordinate and scalar length in bytes.
func (c Curve) Size() int {
	if c == P384 {
		return 48
	}
	return 32
}

// Hash returns the digest algorithm paired with the curve.
func (c Curve) Hash() HashAlg {
	if c == P384 {
		return SHA384
	}
	return SHA256
}

func (c Curve) String() string {
	if c == P384 {
		return "P-384"
	}
	return "P-256"
}

func (c Curve) elliptic() elliptic.Curve {
	if c == P384 {
		return elliptic.P384()
	}
	return elliptic.P256()
}

// PublicKey is an uncompressed ECDSA public key with big-endian coordinates
// of Curve.Size() bytes each.
type PublicKey struct {
	Curve Curve
	X     []byte
	Y     []byte
}

// Signature is an ECDSA signature with big-endian scalars.
type Signature struct {
	R []byte
	S []byte
}

// Service is the cryptographic collaborator. Calls are synchronous and
// always return a definite result.
type Service interface {
	// Hash returns the digest of the concatenation of parts, fed in order.
	Hash(alg HashAlg, parts ...[]byte) []byte
	// Verify reports whether sig is a valid signature of digest by key.
	Verify(digest []byte, sig Signature, key PublicKey) bool
	// Sign signs digest with key.
	Sign(digest []byte, key *ecdsa.PrivateKey) (Signature, error)
}

// Software implements Service with the Go cryptographic library.
type Software struct {
	// Rand is the entropy source used for signing, crypto/rand when nil.
	Rand io.Reader
}

func (s *Software) Hash(alg HashAlg, parts ...[]byte) []byte {
	h := crypto.SHA256.New()
	if alg == SHA384 {
		h = crypto.SHA384.New()
	}

	for _, p := range parts {
		h.Write(p)
	}

	return h.Sum(nil)
}

func (s *Software) Verify(digest []byte, sig Signature, key PublicKey) bool {
	c := key.Curve.elliptic()
	x := new(big.Int).SetBytes(key.X)
	y := new(big.Int).SetBytes(key.Y)

	if !c.IsOnCurve(x, y) {
		return false
	}

	pub := &ecdsa.PublicKey{Curve: c, X: x, Y: y}

	return ecdsa.Verify(pub, digest, new(big.Int).SetBytes(sig.R), new(big.Int).SetBytes(sig.S))
}

func (s *Software) Sign(digest []byte, key *ecdsa.PrivateKey) (sig Signature, err error) {
	c, err := CurveOf(key.Curve)
	if err != nil {
		return
	}

	rng := s.Rand
	if rng == nil {
		rng = rand.Reader
	}

	r, ss, err := ecdsa.Sign(rng, key, digest)
	if err != nil {
		return
	}

	sig.R = r.FillBytes(make([]byte, c.Size()))
	sig.S = ss.FillBytes(make([]byte, c.Size()))

	return
}

// CurveOf maps a Go elliptic curve to a supported Curve.
func CurveOf(c elliptic.Curve) (Curve, error) {
	switch c {
	case elliptic.P256():
		return P256, nil
	case elliptic.P384():
		return P384, nil
	}
	return 0, errors.New("unsupported curve")
}

// PublicKeyOf converts an ECDSA public key.
func PublicKeyOf(k *ecdsa.PublicKey) (PublicKey, error) {
	c, err := CurveOf(k.Curve)
	if err != nil {
		return PublicKey{}, err
	}

	if k.X.BitLen() > c.Size()*8 || k.Y.BitLen() > c.Size()*8 {
		return PublicKey{}, fmt.Errorf("invalid %s coordinates", c)
	}

	return PublicKey{
		Curve: c,
		X:     k.X.FillBytes(make([]byte, c.Size())),
		Y:     k.Y.FillBytes(make([]byte, c.Size())),
	}, nil
}
