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

// Package rpmb implements Replay Protected Memory Block (RPMB) access over
// any card transport able to exchange RPMB data frames. The root of trust
// keeps its key hashes, cancellation lists, security version floors and
// event counters in an RPMB partition.
//
// Writes verify that the card counter advanced by exactly one, and callers
// are expected to invalidate uncommitted writes with a dummy write when a
// partition is opened, mitigating CVE-2020-13799:
//
//	https://www.westerndigital.com/support/productsecurity/wdc-20008-replay-attack-vulnerabilities-rpmb-protocol-applications
package rpmb

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of the partition MAC key.
	KeySize = 32
	// SectorSize is the size of the data field of a frame.
	SectorSize = 256

	keyIterations = 4096
)

// Card is the transport to an RPMB partition.
type Card interface {
	// WriteRPMB sends a request frame, reliable requests are written with
	// reliable write semantics.
	WriteRPMB(buf []byte, reliable bool) error
	// ReadRPMB reads the pending response frame.
	ReadRPMB(buf []byte) error
}

// DeriveKey derives a partition MAC key from a device unique secret and a
// diversifier.
func DeriveKey(secret []byte, diversifier []byte) []byte {
	return pbkdf2.Key(secret, diversifier, keyIterations, KeySize, sha256.New)
}

// RPMB is an RPMB partition.
type RPMB struct {
	mu   sync.Mutex
	card Card
	key  [KeySize]byte
}

// Init returns a partition accessed through card with the given MAC key.
// When writeDummy is set, uncommitted writes are invalidated by writing the
// unused dummySector.
func Init(card Card, key []byte, dummySector uint16, writeDummy bool) (*RPMB, error) {
	if card == nil {
		return nil, errors.New("no RPMB card set")
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid MAC key size %d", len(key))
	}

	p := &RPMB{card: card}
	copy(p.key[:], key)

	if writeDummy {
		if err := p.Write(dummySector, nil); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// ProgramKey programs the partition MAC key, this can only be done once in
// the lifetime of a card.
func (p *RPMB) ProgramKey() error {
	req := &Frame{
		MAC:  p.key,
		Type: KeyProgramming,
	}

	_, err := p.do(req, exchange{result: true})

	return err
}

// Counter returns the partition write counter, optionally authenticating
// the response.
func (p *RPMB) Counter(auth bool) (uint32, error) {
	res, err := p.do(&Frame{Type: CounterRead}, exchange{nonce: auth, verify: auth})
	if err != nil {
		return 0, err
	}

	return res.Counter, nil
}

// Write performs an authenticated write of up to SectorSize bytes to a
// sector, the write fails unless the card counter advanced by exactly one.
func (p *RPMB) Write(sector uint16, buf []byte) error {
	if len(buf) > SectorSize {
		return fmt.Errorf("write of %d bytes exceeds sector size", len(buf))
	}

	n, err := p.Counter(true)
	if err != nil {
		return err
	}

	req := &Frame{
		Counter: n,
		Address: sector,
		Count:   1,
		Type:    DataWrite,
	}
	copy(req.Data[:], buf)

	res, err := p.do(req, exchange{sign: true, verify: true, result: true})
	if err != nil {
		return err
	}

	if res.Counter != n+1 {
		return fmt.Errorf("write counter advanced from %d to %d", n, res.Counter)
	}

	return nil
}

// Read performs an authenticated read of up to SectorSize bytes from a
// sector.
func (p *RPMB) Read(sector uint16, buf []byte) error {
	if len(buf) > SectorSize {
		return fmt.Errorf("read of %d bytes exceeds sector size", len(buf))
	}

	req := &Frame{
		Address: sector,
		Count:   1,
		Type:    DataRead,
	}

	res, err := p.do(req, exchange{nonce: true, verify: true})
	if err != nil {
		return err
	}

	copy(buf, res.Data[:])

	return nil
}
