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

// Package keystore implements the root of trust policy over its non-volatile
// key and version store: root key hashes are written once, cancellation
// lists are append only, security version floors only increase and event
// counters never decrease.
//
// Records are CBOR encoded after a version byte and spread over fixed RPMB
// sectors.
package keystore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/rpmb"
)

const (
	// MaxRootKeys is the number of root key hashes which can be provisioned.
	MaxRootKeys = 4
	// MaxKeyID is the number of cancellable signing key identifiers.
	MaxKeyID = 128

	recordVersion = 1

	dummySector = 0
)

// Sector ranges of each record.
var (
	rootKeysSectors      = sectors{1, 2}
	floorsSectors        = sectors{3, 2}
	cancellationsSectors = sectors{5, 4}
	eventLogSectors      = sectors{9, 1}
)

var (
	ErrProvisioned    = errors.New("root keys already provisioned")
	ErrNotProvisioned = errors.New("root keys not provisioned")
	ErrNotMonotonic   = errors.New("counter decrease refused")
)

// Component names a class of firmware protected by its own security version
// floor.
type Component string

const (
	BMC  Component = "bmc"
	PCH  Component = "pch"
	CPLD Component = "cpld"
)

// SubManifest returns the component of the sub-manifest with the given
// identity.
func SubManifest(identity uint16) Component {
	return Component(fmt.Sprintf("sub-%04x", identity))
}

// EventLog holds the persistent panic and recovery counters.
type EventLog struct {
	PanicCount    uint32 `cbor:"1,keyasint"`
	LastPanic     uint8  `cbor:"2,keyasint"`
	RecoveryCount uint32 `cbor:"3,keyasint"`
	LastRecovery  uint8  `cbor:"4,keyasint"`
}

type rootKeys struct {
	Hashes [][]byte `cbor:"1,keyasint"`
}

type floors struct {
	SVN map[Component]uint32 `cbor:"1,keyasint"`
}

type cancellations struct {
	// Kinds maps a payload kind to a bitmap of cancelled key identifiers.
	Kinds map[uint32][]byte `cbor:"1,keyasint"`
}

// Sectors is an authenticated sector store, such as an RPMB partition.
type Sectors interface {
	Read(offset uint16, buf []byte) error
	Write(offset uint16, buf []byte) error
}

type sectors struct {
	first uint16
	count uint16
}

// Store enforces the key and version store policies.
type Store struct {
	dev Sectors
	enc cbor.EncMode
}

// New returns a store over the given sectors.
func New(dev Sectors) *Store {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return &Store{
		dev: dev,
		enc: enc,
	}
}

// OpenRPMB initializes an RPMB partition instance with key, optionally
// programming the key first, and returns a store over it.
func OpenRPMB(card rpmb.Card, key []byte, program bool) (*Store, error) {
	p, err := rpmb.Init(card, key, dummySector, false)
	if err != nil {
		return nil, err
	}

	if program {
		if err = p.ProgramKey(); err != nil {
			return nil, fmt.Errorf("could not program RPMB key: %w", err)
		}
		klog.Infof("programmed RPMB key")
	}

	// invalidate uncommitted writes (CVE-2020-13799)
	if err = p.Write(dummySector, nil); err != nil {
		return nil, fmt.Errorf("could not write dummy sector: %w", err)
	}

	return New(p), nil
}

func (s *Store) load(at sectors, rec any) error {
	buf := make([]byte, int(at.count)*rpmb.SectorSize)

	for i := uint16(0); i < at.count; i++ {
		if err := s.dev.Read(at.first+i, buf[int(i)*rpmb.SectorSize:][:rpmb.SectorSize]); err != nil {
			return fmt.Errorf("could not read sector %d: %w", at.first+i, err)
		}
	}

	switch buf[0] {
	case 0:
		return nil
	case recordVersion:
	default:
		return fmt.Errorf("unsupported record version %d at sector %d", buf[0], at.first)
	}

	// trailing zero padding is left unread
	if err := cbor.NewDecoder(bytes.NewReader(buf[1:])).Decode(rec); err != nil {
		return fmt.Errorf("could not decode record at sector %d: %w", at.first, err)
	}

	return nil
}

func (s *Store) store(at sectors, rec any) error {
	b, err := s.enc.Marshal(rec)
	if err != nil {
		return err
	}

	buf := make([]byte, int(at.count)*rpmb.SectorSize)

	if 1+len(b) > len(buf) {
		return fmt.Errorf("record of %d bytes exceeds %d sectors", len(b), at.count)
	}

	buf[0] = recordVersion
	copy(buf[1:], b)

	for i := uint16(0); i < at.count; i++ {
		if err := s.dev.Write(at.first+i, buf[int(i)*rpmb.SectorSize:][:rpmb.SectorSize]); err != nil {
			return fmt.Errorf("could not write sector %d: %w", at.first+i, err)
		}
	}

	return nil
}

func (s *Store) erase(at sectors) error {
	zero := make([]byte, rpmb.SectorSize)

	for i := uint16(0); i < at.count; i++ {
		if err := s.dev.Write(at.first+i, zero); err != nil {
			return err
		}
	}

	return nil
}

// Provision writes the root key hashes, it can only succeed once.
func (s *Store) Provision(hashes [][]byte) error {
	if len(hashes) == 0 || len(hashes) > MaxRootKeys {
		return fmt.Errorf("invalid number of root key hashes %d", len(hashes))
	}

	for _, h := range hashes {
		if len(h) == 0 {
			return errors.New("empty root key hash")
		}
	}

	if ok, err := s.Provisioned(); err != nil {
		return err
	} else if ok {
		return ErrProvisioned
	}

	return s.store(rootKeysSectors, &rootKeys{Hashes: hashes})
}

// Provisioned reports whether root key hashes have been provisioned.
func (s *Store) Provisioned() (bool, error) {
	h, err := s.RootKeyHashes()
	if err != nil && !errors.Is(err, ErrNotProvisioned) {
		return false, err
	}
	return len(h) > 0, nil
}

// RootKeyHashes returns the provisioned root key hashes.
func (s *Store) RootKeyHashes() ([][]byte, error) {
	r := &rootKeys{}

	if err := s.load(rootKeysSectors, r); err != nil {
		return nil, err
	}

	if len(r.Hashes) == 0 {
		return nil, ErrNotProvisioned
	}

	return r.Hashes, nil
}

// Cancel adds id to the cancellation list of kind.
func (s *Store) Cancel(kind uint32, id uint32) error {
	if id >= MaxKeyID {
		return fmt.Errorf("key id %d out of range", id)
	}

	c := &cancellations{}

	if err := s.load(cancellationsSectors, c); err != nil {
		return err
	}

	if c.Kinds == nil {
		c.Kinds = make(map[uint32][]byte)
	}

	b := c.Kinds[kind]
	if len(b) != MaxKeyID/8 {
		b = append(b, make([]byte, MaxKeyID/8-len(b))...)
	}

	if b[id/8]&(1<<(id%8)) != 0 {
		return nil
	}

	b[id/8] |= 1 << (id % 8)
	c.Kinds[kind] = b

	klog.Infof("cancelled key %d for kind %#x", id, kind)

	return s.store(cancellationsSectors, c)
}

// Cancelled reports whether id is present in the cancellation list of kind.
func (s *Store) Cancelled(kind uint32, id uint32) (bool, error) {
	if id >= MaxKeyID {
		return true, nil
	}

	c := &cancellations{}

	if err := s.load(cancellationsSectors, c); err != nil {
		return false, err
	}

	b := c.Kinds[kind]
	if int(id/8) >= len(b) {
		return false, nil
	}

	return b[id/8]&(1<<(id%8)) != 0, nil
}

// Floor returns the security version floor of c.
func (s *Store) Floor(c Component) (uint32, error) {
	f := &floors{}

	if err := s.load(floorsSectors, f); err != nil {
		return 0, err
	}

	return f.SVN[c], nil
}

// RaiseFloor sets the security version floor of c to svn if it is higher
// than the current one, lower values are ignored.
func (s *Store) RaiseFloor(c Component, svn uint32) (raised bool, err error) {
	f := &floors{}

	if err = s.load(floorsSectors, f); err != nil {
		return
	}

	if svn <= f.SVN[c] {
		return false, nil
	}

	if f.SVN == nil {
		f.SVN = make(map[Component]uint32)
	}

	klog.Infof("raising %s security version floor %d -> %d", c, f.SVN[c], svn)
	f.SVN[c] = svn

	return true, s.store(floorsSectors, f)
}

// EventLog returns the persistent event counters.
func (s *Store) EventLog() (l EventLog, err error) {
	err = s.load(eventLogSectors, &l)
	return
}

// SetEventLog persists the event counters, which must not decrease.
func (s *Store) SetEventLog(l EventLog) error {
	cur, err := s.EventLog()
	if err != nil {
		return err
	}

	if l.PanicCount < cur.PanicCount || l.RecoveryCount < cur.RecoveryCount {
		return ErrNotMonotonic
	}

	return s.store(eventLogSectors, &l)
}

// Decommission erases every record, returning the platform to the
// unprovisioned state and clearing the event counters.
func (s *Store) Decommission() error {
	for _, at := range []sectors{rootKeysSectors, floorsSectors, cancellationsSectors, eventLogSectors} {
		if err := s.erase(at); err != nil {
			return err
		}
	}

	klog.Warning("key store decommissioned")

	return nil
}
