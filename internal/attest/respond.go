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

package attest

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

const responseHeader = "Armored RoT attestation v1"

// keyHash follows the note key hash construction: the first four bytes of
// the hash of the key name, a newline and the encoded public key.
func keyHash(c primitives.Service, name string, k primitives.PublicKey) uint32 {
	h := c.Hash(primitives.SHA256, []byte(name), []byte("\n"), encodeKey(k))
	return binary.BigEndian.Uint32(h)
}

func encodeKey(k primitives.PublicKey) []byte {
	return append([]byte{byte(k.Curve)}, append(k.X, k.Y...)...)
}

// Signer is a note.Signer producing ECDSA signatures through the crypto
// service.
type Signer struct {
	crypto primitives.Service
	name   string
	key    *ecdsa.PrivateKey
	pub    primitives.PublicKey
	hash   uint32
}

// NewSigner returns a note signer for the given key.
func NewSigner(c primitives.Service, name string, key *ecdsa.PrivateKey) (*Signer, error) {
	pub, err := primitives.PublicKeyOf(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Signer{
		crypto: c,
		name:   name,
		key:    key,
		pub:    pub,
		hash:   keyHash(c, name, pub),
	}, nil
}

func (s *Signer) Name() string    { return s.name }
func (s *Signer) KeyHash() uint32 { return s.hash }

// PublicKey returns the public half of the signing key.
func (s *Signer) PublicKey() primitives.PublicKey { return s.pub }

func (s *Signer) Sign(msg []byte) ([]byte, error) {
	sig, err := s.crypto.Sign(s.crypto.Hash(s.pub.Curve.Hash(), msg), s.key)
	if err != nil {
		return nil, err
	}

	return append(sig.R, sig.S...), nil
}

// Verifier is a note.Verifier for signatures made by Signer.
type Verifier struct {
	crypto primitives.Service
	name   string
	pub    primitives.PublicKey
	hash   uint32
}

// NewVerifier returns a note verifier for a response signing key.
func NewVerifier(c primitives.Service, name string, pub primitives.PublicKey) *Verifier {
	return &Verifier{
		crypto: c,
		name:   name,
		pub:    pub,
		hash:   keyHash(c, name, pub),
	}
}

func (v *Verifier) Name() string    { return v.name }
func (v *Verifier) KeyHash() uint32 { return v.hash }

func (v *Verifier) Verify(msg, sig []byte) bool {
	n := v.pub.Curve.Size()
	if len(sig) != 2*n {
		return false
	}

	return v.crypto.Verify(v.crypto.Hash(v.pub.Curve.Hash(), msg), primitives.Signature{R: sig[:n], S: sig[n:]}, v.pub)
}

// DeviceMeasurement holds the manifest digests of a device.
type DeviceMeasurement struct {
	Active   []byte
	Recovery []byte
}

// Measurements is the platform state committed to by a response.
type Measurements struct {
	Devices     [2]DeviceMeasurement
	JournalSize uint64
	JournalRoot []byte
}

// Response is the content of an attestation note.
type Response struct {
	Nonce []byte
	Measurements
	// Transcript is the digest of the nonce followed by every measurement,
	// in response order.
	Transcript []byte
}

// Responder answers self-attestation requests.
type Responder struct {
	Crypto primitives.Service
	Signer note.Signer
}

func (r *Responder) transcript(nonce []byte, m *Measurements) []byte {
	t := &Transcript{Crypto: r.Crypto, Alg: primitives.SHA256}

	t.Add(nonce)
	for _, d := range m.Devices {
		t.Add(d.Active, d.Recovery)
	}

	size := make([]byte, 8)
	binary.LittleEndian.PutUint64(size, m.JournalSize)
	t.Add(size, m.JournalRoot)

	return t.Sum()
}

// Respond returns a signed note binding the caller nonce to the current
// measurements.
func (r *Responder) Respond(nonce []byte, m Measurements) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, errors.New("empty nonce")
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s\n%s\n", responseHeader, encode(nonce))
	for _, d := range api.Devices {
		fmt.Fprintf(&text, "%s %s %s\n", d, encode(m.Devices[d].Active), encode(m.Devices[d].Recovery))
	}
	fmt.Fprintf(&text, "%d\n%s\n", m.JournalSize, encode(m.JournalRoot))
	fmt.Fprintf(&text, "%s\n", encode(r.transcript(nonce, &m)))

	return note.Sign(&note.Note{Text: text.String()}, r.Signer)
}

// encode represents empty fields with a dash so that no line of the note
// is blank.
func encode(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	return base64.StdEncoding.EncodeToString(b)
}

// Open verifies a response note and parses its content.
func Open(msg []byte, v note.Verifier) (*Response, error) {
	n, err := note.Open(msg, note.VerifierList(v))
	if err != nil {
		return nil, fmt.Errorf("open response: %w", err)
	}

	lines := strings.Split(strings.TrimSuffix(n.Text, "\n"), "\n")
	if len(lines) != 7 || lines[0] != responseHeader {
		return nil, errors.New("malformed response")
	}

	dec := func(s string) []byte {
		if err != nil {
			return nil
		}
		if s == "-" {
			return nil
		}
		var b []byte
		b, err = base64.StdEncoding.DecodeString(s)
		return b
	}

	res := &Response{Nonce: dec(lines[1])}

	for i, d := range api.Devices {
		f := strings.Split(lines[2+i], " ")
		if len(f) != 3 || f[0] != d.String() {
			return nil, fmt.Errorf("malformed %s measurement", d)
		}
		res.Devices[d] = DeviceMeasurement{Active: dec(f[1]), Recovery: dec(f[2])}
	}

	res.JournalRoot = dec(lines[5])
	res.Transcript = dec(lines[6])

	if err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}

	if res.JournalSize, err = strconv.ParseUint(lines[4], 10, 64); err != nil {
		return nil, fmt.Errorf("malformed journal size: %w", err)
	}

	return res, nil
}

// Check reports whether the transcript of res matches its content.
func (r *Responder) Check(res *Response) bool {
	return bytes.Equal(r.transcript(res.Nonce, &res.Measurements), res.Transcript)
}
