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

// Package blocksign decodes and verifies signed payloads: a Block0 carrying
// the payload kind, length and digests, and a Block1 carrying the signature
// chain from a provisioned root key, optionally through a code signing key
// (CSK), down to Block0.
package blocksign

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

const (
	Block0Magic      = 0xb6eafd19
	Block1Magic      = 0xf27f28d7
	RootEntryMagic   = 0xa757a046
	CSKEntryMagic    = 0x14711c2f
	Block0EntryMagic = 0x15364367

	curveMagicP256 = 0xc7b88c74
	curveMagicP384 = 0x08f07b47
	sigMagicP256   = 0xde64437d
	sigMagicP384   = 0xea2a50e9

	// Block0Length is the size of Block0.
	Block0Length = 128
	// Block1Length is the size of Block1.
	Block1Length = 896
	// HeaderLength is the size of the signature header preceding the
	// protected content.
	HeaderLength = Block0Length + Block1Length
	// Alignment is the size granularity of the protected content.
	Alignment = 128

	rootEntryOffset   = Block0Length + 16
	rootEntryLength   = 132
	cskEntryOffset    = rootEntryOffset + rootEntryLength
	cskEntryLength    = 232
	cskSignedLength   = 128
	block0EntryLength = 104
	coordLength       = 48

	// RootKeyID is the key identifier and permission mask of root keys.
	RootKeyID = 0xffffffff
)

// Kind is the protected content type declared in Block0.
type Kind uint32

const (
	CPLDCapsule Kind = iota
	PCHPFM
	PCHCapsule
	BMCPFM
	BMCCapsule
	SubManifest
	SubManifestCapsule

	// Cancellation flags a key cancellation certificate for the kind in the
	// low bits.
	Cancellation Kind = 0x100
)

var kindNames = map[Kind]string{
	CPLDCapsule:        "logic capsule",
	PCHPFM:             "PCH PFM",
	PCHCapsule:         "PCH capsule",
	BMCPFM:             "BMC PFM",
	BMCCapsule:         "BMC capsule",
	SubManifest:        "sub-manifest",
	SubManifestCapsule: "sub-manifest capsule",
}

func (k Kind) String() string {
	if t, ok := k.Cancels(); ok {
		return fmt.Sprintf("%s cancellation", t)
	}
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%#x)", uint32(k))
}

// Cancels returns the kind whose keys a cancellation certificate of kind k
// cancels.
func (k Kind) Cancels() (Kind, bool) {
	if k&Cancellation == 0 {
		return 0, false
	}
	return k &^ Cancellation, true
}

func (k Kind) valid() bool {
	t := k &^ Cancellation
	return k&^(Cancellation|0xff) == 0 && t <= SubManifestCapsule
}

// Key is a public key entry of Block1.
type Key struct {
	Public      primitives.PublicKey
	Permissions uint32
	ID          uint32
}

// Permits reports whether the key may sign content of kind k.
func (k *Key) Permits(kind Kind) bool {
	if kind > 31 {
		return false
	}
	return k.Permissions&(1<<kind) != 0
}

// Payload is a decoded, not yet verified, signed payload.
type Payload struct {
	Kind    Kind
	SHA256  []byte
	SHA384  []byte
	Root    Key
	CSK     *Key
	CSKSig  primitives.Signature
	Sig     primitives.Signature
	Content []byte

	block0  []byte
	cskBody []byte
}

// Length returns the encoded length of the payload.
func (p *Payload) Length() int {
	return HeaderLength + len(p.Content)
}

var (
	// ErrStructural is wrapped by errors caused by malformed payloads.
	ErrStructural = errors.New("malformed signed payload")
	// ErrAuthentication is wrapped by errors caused by payloads which fail
	// authentication.
	ErrAuthentication = errors.New("authentication failed")

	ErrUnknownRootKey = errors.New("unknown root key")
	ErrCancelledKey   = errors.New("cancelled signing key")
	ErrPermission     = errors.New("signing key not permitted")
	ErrBadSignature   = errors.New("invalid signature")
	ErrDigestMismatch = errors.New("content digest mismatch")
	ErrSVNTooLow      = errors.New("security version below floor")
)

func structuralErr(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrStructural, fmt.Sprintf(format, a...))
}

func authErr(err error, format string, a ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrAuthentication, err, fmt.Sprintf(format, a...))
}

// Decode checks the structure of a signed payload and decodes its fields.
// Bytes following the declared content length are ignored. A maxSize of zero
// disables the size limit.
func Decode(buf []byte, maxSize uint32) (p *Payload, err error) {
	if len(buf) < HeaderLength {
		return nil, structuralErr("short header (%d bytes)", len(buf))
	}

	if m := binary.LittleEndian.Uint32(buf[0:]); m != Block0Magic {
		return nil, structuralErr("bad Block0 magic %#x", m)
	}

	length := binary.LittleEndian.Uint32(buf[4:])
	p = &Payload{
		Kind:   Kind(binary.LittleEndian.Uint32(buf[8:])),
		SHA256: buf[16:48],
		SHA384: buf[48:96],
		block0: buf[:Block0Length],
	}

	switch {
	case length == 0 || length%Alignment != 0:
		return nil, structuralErr("content length %d is not a non-zero multiple of %d", length, Alignment)
	case uint64(HeaderLength)+uint64(length) > uint64(len(buf)):
		return nil, structuralErr("content length %d exceeds buffer", length)
	case maxSize != 0 && uint64(HeaderLength)+uint64(length) > uint64(maxSize):
		return nil, structuralErr("payload length %d exceeds maximum %d", HeaderLength+length, maxSize)
	case !p.Kind.valid():
		return nil, structuralErr("unknown content kind %#x", uint32(p.Kind))
	}

	p.Content = buf[HeaderLength : HeaderLength+length]

	b1 := buf[Block0Length:HeaderLength]
	if m := binary.LittleEndian.Uint32(b1); m != Block1Magic {
		return nil, structuralErr("bad Block1 magic %#x", m)
	}

	e := buf[rootEntryOffset:]
	if m := binary.LittleEndian.Uint32(e); m != RootEntryMagic {
		return nil, structuralErr("bad root entry magic %#x", m)
	}

	if p.Root, err = decodeKey(e); err != nil {
		return nil, err
	}

	signer := &p.Root
	off := cskEntryOffset

	if binary.LittleEndian.Uint32(buf[off:]) == CSKEntryMagic {
		e = buf[off : off+cskEntryLength]

		csk, err := decodeKey(e)
		if err != nil {
			return nil, err
		}

		p.CSK = &csk
		p.cskBody = e[4 : 4+cskSignedLength]

		if p.CSKSig, err = decodeSignature(e[4+cskSignedLength:], p.Root.Public.Curve); err != nil {
			return nil, fmt.Errorf("CSK entry: %w", err)
		}

		signer = p.CSK
		off += cskEntryLength
	}

	e = buf[off : off+block0EntryLength]
	if m := binary.LittleEndian.Uint32(e); m != Block0EntryMagic {
		return nil, structuralErr("bad Block0 entry magic %#x", m)
	}

	if p.Sig, err = decodeSignature(e[4:], signer.Public.Curve); err != nil {
		return nil, fmt.Errorf("Block0 entry: %w", err)
	}

	return
}

func decodeKey(e []byte) (k Key, err error) {
	switch m := binary.LittleEndian.Uint32(e[4:]); m {
	case curveMagicP256:
		k.Public.Curve = primitives.P256
	case curveMagicP384:
		k.Public.Curve = primitives.P384
	default:
		return k, structuralErr("unknown curve magic %#x", m)
	}

	n := k.Public.Curve.Size()

	k.Permissions = binary.LittleEndian.Uint32(e[8:])
	k.ID = binary.LittleEndian.Uint32(e[12:])
	k.Public.X = e[16 : 16+n]
	k.Public.Y = e[16+coordLength : 16+coordLength+n]

	return
}

func decodeSignature(e []byte, c primitives.Curve) (s primitives.Signature, err error) {
	want := uint32(sigMagicP256)
	if c == primitives.P384 {
		want = sigMagicP384
	}

	if m := binary.LittleEndian.Uint32(e); m != want {
		return s, structuralErr("signature magic %#x does not match %s key", m, c)
	}

	n := c.Size()
	s.R = e[4 : 4+n]
	s.S = e[4+coordLength : 4+coordLength+n]

	return
}
