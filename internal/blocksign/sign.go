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
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

// Signer produces signed payloads, it is used by provisioning tools and
// tests.
type Signer struct {
	Crypto primitives.Service
	// Root is the root signing key.
	Root *ecdsa.PrivateKey
	// CSK is the optional code signing key, signed by Root.
	CSK *ecdsa.PrivateKey
	// CSKID is the CSK identifier.
	CSKID uint32
	// CSKPermissions is the mask of kinds the CSK may sign, see Key.Permits.
	CSKPermissions uint32
}

// Sign returns the signed payload of content, padded with 0xff to
// Alignment.
func (s *Signer) Sign(kind Kind, content []byte) ([]byte, error) {
	content = append([]byte{}, content...)
	for len(content) == 0 || len(content)%Alignment != 0 {
		content = append(content, 0xff)
	}

	buf := make([]byte, HeaderLength, HeaderLength+len(content))

	b0 := buf[:Block0Length]
	binary.LittleEndian.PutUint32(b0[0:], Block0Magic)
	binary.LittleEndian.PutUint32(b0[4:], uint32(len(content)))
	binary.LittleEndian.PutUint32(b0[8:], uint32(kind))
	copy(b0[16:48], s.Crypto.Hash(primitives.SHA256, content))
	copy(b0[48:96], s.Crypto.Hash(primitives.SHA384, content))

	binary.LittleEndian.PutUint32(buf[Block0Length:], Block1Magic)

	root, err := primitives.PublicKeyOf(&s.Root.PublicKey)
	if err != nil {
		return nil, err
	}

	e := buf[rootEntryOffset : rootEntryOffset+rootEntryLength]
	binary.LittleEndian.PutUint32(e, RootEntryMagic)
	putKey(e, root, RootKeyID, RootKeyID)

	signer := s.Root
	off := cskEntryOffset

	if s.CSK != nil {
		csk, err := primitives.PublicKeyOf(&s.CSK.PublicKey)
		if err != nil {
			return nil, err
		}

		e = buf[off : off+cskEntryLength]
		binary.LittleEndian.PutUint32(e, CSKEntryMagic)
		putKey(e, csk, s.CSKPermissions, s.CSKID)

		sig, err := s.Crypto.Sign(s.Crypto.Hash(root.Curve.Hash(), e[4:4+cskSignedLength]), s.Root)
		if err != nil {
			return nil, fmt.Errorf("could not sign CSK entry: %w", err)
		}
		putSignature(e[4+cskSignedLength:], root.Curve, sig)

		signer = s.CSK
		off += cskEntryLength
	}

	pub, err := primitives.PublicKeyOf(&signer.PublicKey)
	if err != nil {
		return nil, err
	}

	sig, err := s.Crypto.Sign(s.Crypto.Hash(pub.Curve.Hash(), b0), signer)
	if err != nil {
		return nil, fmt.Errorf("could not sign Block0: %w", err)
	}

	e = buf[off : off+block0EntryLength]
	binary.LittleEndian.PutUint32(e, Block0EntryMagic)
	putSignature(e[4:], pub.Curve, sig)

	return append(buf, content...), nil
}

func putKey(e []byte, k primitives.PublicKey, perms uint32, id uint32) {
	magic := uint32(curveMagicP256)
	if k.Curve == primitives.P384 {
		magic = curveMagicP384
	}

	binary.LittleEndian.PutUint32(e[4:], magic)
	binary.LittleEndian.PutUint32(e[8:], perms)
	binary.LittleEndian.PutUint32(e[12:], id)
	copy(e[16:], k.X)
	copy(e[16+coordLength:], k.Y)
}

func putSignature(e []byte, c primitives.Curve, s primitives.Signature) {
	magic := uint32(sigMagicP256)
	if c == primitives.P384 {
		magic = sigMagicP384
	}

	binary.LittleEndian.PutUint32(e, magic)
	copy(e[4:], s.R)
	copy(e[4+coordLength:], s.S)
}
