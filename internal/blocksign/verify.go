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

package blocksign

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-witness-rot/internal/keystore"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

// Policy provides the provisioned trust anchors and anti-rollback state.
type Policy interface {
	RootKeyHashes() ([][]byte, error)
	Cancelled(kind uint32, id uint32) (bool, error)
	Floor(c keystore.Component) (uint32, error)
}

// Expect describes the payload a caller is willing to accept.
type Expect struct {
	// Kind is the required content kind.
	Kind Kind
	// MaxSize bounds the encoded payload length, zero disables the check.
	MaxSize uint32
	// Component selects the security version floor, when empty no floor
	// applies.
	Component keystore.Component
	// SVN extracts the declared security version from the content.
	SVN func(content []byte) (uint32, error)
}

// Verified is a payload which passed every verification step.
type Verified struct {
	*Payload
	// SVN is the declared security version, zero when not extracted.
	SVN uint32
}

// Verifier authenticates signed payloads.
type Verifier struct {
	Crypto primitives.Service
	Policy Policy
}

// RootKeyHash returns the digest under which a root key is provisioned.
func RootKeyHash(c primitives.Service, k primitives.PublicKey) []byte {
	return c.Hash(primitives.SHA256, k.X, k.Y)
}

// Verify checks, in order, the payload structure, its key chain, its content
// digests and its security version against the floor, stopping at the first
// failure.
func (v *Verifier) Verify(buf []byte, e Expect) (*Verified, error) {
	p, err := Decode(buf, e.MaxSize)
	if err != nil {
		return nil, err
	}

	if p.Kind != e.Kind {
		return nil, structuralErr("got %s, want %s", p.Kind, e.Kind)
	}

	if err := v.verifyChain(p); err != nil {
		return nil, err
	}

	if err := v.verifyContent(p); err != nil {
		return nil, err
	}

	res := &Verified{Payload: p}

	if e.SVN == nil {
		return res, nil
	}

	if res.SVN, err = e.SVN(p.Content); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStructural, err)
	}

	if e.Component == "" {
		return res, nil
	}

	floor, err := v.Policy.Floor(e.Component)
	if err != nil {
		return nil, authErr(err, "could not read %s floor", e.Component)
	}

	if res.SVN < floor {
		return nil, authErr(ErrSVNTooLow, "%s declares %d, floor is %d", e.Component, res.SVN, floor)
	}

	return res, nil
}

func (v *Verifier) verifyChain(p *Payload) error {
	roots, err := v.Policy.RootKeyHashes()
	if err != nil {
		return authErr(err, "no trust anchor")
	}

	if p.Root.ID != RootKeyID || p.Root.Permissions != RootKeyID {
		return authErr(ErrUnknownRootKey, "root entry carries key id %#x", p.Root.ID)
	}

	h := RootKeyHash(v.Crypto, p.Root.Public)
	known := false

	for _, r := range roots {
		if subtle.ConstantTimeCompare(h, r) == 1 {
			known = true
		}
	}

	if !known {
		return authErr(ErrUnknownRootKey, "root key hash %x", h)
	}

	signer := &p.Root

	if p.CSK != nil {
		if _, ok := p.Kind.Cancels(); ok {
			return authErr(ErrPermission, "%s must be signed by a root key", p.Kind)
		}

		if !p.CSK.Permits(p.Kind) {
			return authErr(ErrPermission, "CSK %d cannot sign %s", p.CSK.ID, p.Kind)
		}

		if p.CSK.ID >= keystore.MaxKeyID {
			return authErr(ErrPermission, "CSK id %d out of range", p.CSK.ID)
		}

		cancelled, err := v.Policy.Cancelled(uint32(p.Kind), p.CSK.ID)
		if err != nil {
			return authErr(err, "could not read cancellation list")
		}

		if cancelled {
			return authErr(ErrCancelledKey, "CSK %d for %s", p.CSK.ID, p.Kind)
		}

		d := v.Crypto.Hash(p.Root.Public.Curve.Hash(), p.cskBody)
		if !v.Crypto.Verify(d, p.CSKSig, p.Root.Public) {
			return authErr(ErrBadSignature, "CSK entry")
		}

		signer = p.CSK
	}

	d := v.Crypto.Hash(signer.Public.Curve.Hash(), p.block0)
	if !v.Crypto.Verify(d, p.Sig, signer.Public) {
		return authErr(ErrBadSignature, "Block0")
	}

	return nil
}

func (v *Verifier) verifyContent(p *Payload) error {
	if !bytes.Equal(v.Crypto.Hash(primitives.SHA256, p.Content), p.SHA256) {
		return authErr(ErrDigestMismatch, "SHA-256")
	}

	if !bytes.Equal(v.Crypto.Hash(primitives.SHA384, p.Content), p.SHA384) {
		return authErr(ErrDigestMismatch, "SHA-384")
	}

	return nil
}

// cancellationLength is the protected content size of a key cancellation
// certificate.
const cancellationLength = Alignment

// CancellationContent returns the protected content of a certificate
// cancelling key id.
func CancellationContent(id uint32) []byte {
	b := make([]byte, cancellationLength)
	binary.LittleEndian.PutUint32(b, id)
	return b
}

// VerifyCancellation authenticates a key cancellation certificate and
// returns the kind and key identifier it cancels.
func (v *Verifier) VerifyCancellation(buf []byte, maxSize uint32) (kind Kind, id uint32, err error) {
	p, err := Decode(buf, maxSize)
	if err != nil {
		return
	}

	kind, ok := p.Kind.Cancels()
	if !ok {
		return 0, 0, structuralErr("%s is not a cancellation certificate", p.Kind)
	}

	if _, err = v.Verify(buf, Expect{Kind: p.Kind, MaxSize: maxSize}); err != nil {
		return
	}

	if len(p.Content) != cancellationLength {
		return 0, 0, structuralErr("cancellation content of %d bytes", len(p.Content))
	}

	id = binary.LittleEndian.Uint32(p.Content)
	if id >= keystore.MaxKeyID {
		return 0, 0, structuralErr("cancelled key id %d out of range", id)
	}

	return
}

// IsCancellation reports whether buf holds a payload declaring a key
// cancellation certificate kind, without verifying it.
func IsCancellation(buf []byte) bool {
	if len(buf) < Block0Length || binary.LittleEndian.Uint32(buf) != Block0Magic {
		return false
	}
	_, ok := Kind(binary.LittleEndian.Uint32(buf[8:])).Cancels()
	return ok
}
