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

// Package pfm decodes platform firmware manifests (PFM) and sub-manifests,
// which describe the regions of a managed flash device, their expected
// digests and their protection rules.
package pfm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

const (
	// Tag identifies a PFM.
	Tag = 0x02b3ce1d
	// SubManifestTag identifies a sub-manifest.
	SubManifestTag = 0xa8e7c2d4

	// HeaderLength is the size of both manifest headers.
	HeaderLength = 32
	// Alignment is the size granularity of encoded manifests.
	Alignment = 128

	// MaxSVN is the highest valid security version.
	MaxSVN = 64
)

// Definition types.
const (
	TypeSPIRegion   = 0x01
	TypeBusRule     = 0x02
	TypeSubManifest = 0x03
	TypeSentinel    = 0xff
)

const (
	spiRegionLength   = 16
	busRuleLength     = 40
	subManifestLength = 20
	busCommandsLength = 32
)

// ProtectMask holds the protection rules of a region.
type ProtectMask uint8

const (
	ReadAllowed  ProtectMask = 1 << 0
	WriteAllowed ProtectMask = 1 << 1
	// RecoverOnFirst restores a dynamic region on the first watchdog
	// recovery, the two following bits on the second and third.
	RecoverOnFirst  ProtectMask = 1 << 2
	RecoverOnSecond ProtectMask = 1 << 3
	RecoverOnThird  ProtectMask = 1 << 4
)

// RecoverOn reports whether the region is restored on a watchdog recovery
// of the given level (1 to 3).
func (m ProtectMask) RecoverOn(level int) bool {
	if level < 1 || level > 3 {
		return false
	}
	return m&(RecoverOnFirst<<(level-1)) != 0
}

// hash info bits
const (
	hashSHA256 = 1 << 0
	hashSHA384 = 1 << 1
)

var digestBits = []struct {
	bit uint16
	alg primitives.HashAlg
}{
	{hashSHA256, primitives.SHA256},
	{hashSHA384, primitives.SHA384},
}

// ErrFormat is wrapped by every decoding error.
var ErrFormat = errors.New("malformed manifest")

func formatErr(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, a...))
}

// Definition is a manifest entry.
type Definition interface {
	definition()
}

// Region is a definition occupying SPI address space.
type Region interface {
	Definition
	Bounds() flash.Range
	Protection() ProtectMask
}

// Digest is an expected measurement of a static region.
type Digest struct {
	Alg primitives.HashAlg
	Sum []byte
}

// StaticRegion is a write protected region, its content must match one of
// Digests when any is listed.
type StaticRegion struct {
	flash.Range
	Mask    ProtectMask
	Digests []Digest
}

// DynamicRegion is a host writable region excluded from measurement.
type DynamicRegion struct {
	flash.Range
	Mask ProtectMask
}

// BusRule restricts the commands a host may send to a bus device.
type BusRule struct {
	BusID    uint8
	RuleID   uint8
	Address  uint8
	Commands [busCommandsLength]byte
}

// SubManifestRef attaches an independently signed sub-manifest.
type SubManifestRef struct {
	Identity uint16
	// Active is the range holding the signed active sub-manifest.
	Active flash.Range
	// Recovery is the range holding the sub-manifest recovery capsule.
	Recovery flash.Range
}

func (StaticRegion) definition()   {}
func (DynamicRegion) definition()  {}
func (BusRule) definition()        {}
func (SubManifestRef) definition() {}

func (r StaticRegion) Bounds() flash.Range      { return r.Range }
func (r StaticRegion) Protection() ProtectMask  { return r.Mask }
func (r DynamicRegion) Bounds() flash.Range     { return r.Range }
func (r DynamicRegion) Protection() ProtectMask { return r.Mask }

// Manifest is a decoded PFM.
type Manifest struct {
	SVN         uint8
	BKC         uint8
	Major       uint8
	Minor       uint8
	OEM         [16]byte
	Definitions []Definition
}

// Version returns the manifest revision.
func (m *Manifest) Version() semver.Version {
	return semver.Version{Major: int64(m.Major), Minor: int64(m.Minor)}
}

// Regions returns the definitions occupying SPI address space.
func (m *Manifest) Regions() []Region {
	return regions(m.Definitions)
}

// SubManifests returns the attached sub-manifest references.
func (m *Manifest) SubManifests() (refs []SubManifestRef) {
	for _, d := range m.Definitions {
		if s, ok := d.(SubManifestRef); ok {
			refs = append(refs, s)
		}
	}
	return
}

// RegionCovers returns the region containing addr, if any.
func (m *Manifest) RegionCovers(addr uint32) Region {
	return covers(m.Definitions, addr)
}

// Validate checks that regions are page aligned, non overlapping and within
// a device of the given size, and that sub-manifest ranges are well formed.
func (m *Manifest) Validate(size uint32) error {
	if err := validate(m.Regions(), size); err != nil {
		return err
	}

	ids := make(map[uint16]bool)
	var slots []flash.Range

	for _, s := range m.SubManifests() {
		if ids[s.Identity] {
			return formatErr("duplicate sub-manifest %#04x", s.Identity)
		}
		ids[s.Identity] = true

		for _, r := range []flash.Range{s.Active, s.Recovery} {
			if r.End <= r.Start || !r.Aligned() || r.End > size {
				return formatErr("sub-manifest %#04x range %s invalid", s.Identity, r)
			}

			for _, o := range slots {
				if r.Overlaps(o) {
					return formatErr("sub-manifest %#04x range %s overlaps slot %s", s.Identity, r, o)
				}
			}

			for _, reg := range m.Regions() {
				if r.Overlaps(reg.Bounds()) {
					return formatErr("sub-manifest %#04x range %s overlaps region %s", s.Identity, r, reg.Bounds())
				}
			}

			slots = append(slots, r)
		}
	}

	return nil
}

func regions(defs []Definition) (r []Region) {
	for _, d := range defs {
		if reg, ok := d.(Region); ok {
			r = append(r, reg)
		}
	}
	return
}

func covers(defs []Definition, addr uint32) Region {
	for _, r := range regions(defs) {
		if r.Bounds().Contains(addr) {
			return r
		}
	}
	return nil
}

func validate(regions []Region, size uint32) error {
	for i, a := range regions {
		ra := a.Bounds()

		if ra.End <= ra.Start {
			return formatErr("empty region %s", ra)
		}
		if !ra.Aligned() {
			return formatErr("region %s is not page aligned", ra)
		}
		if ra.End > size {
			return formatErr("region %s exceeds device size %#x", ra, size)
		}

		for _, b := range regions[i+1:] {
			if ra.Overlaps(b.Bounds()) {
				return formatErr("region %s overlaps %s", ra, b.Bounds())
			}
		}
	}

	return nil
}

// SVNOf returns the security version declared by an encoded PFM or
// sub-manifest, without decoding the definitions.
func SVNOf(buf []byte) (uint32, error) {
	if len(buf) < HeaderLength {
		return 0, formatErr("short header")
	}

	switch binary.LittleEndian.Uint32(buf) {
	case Tag, SubManifestTag:
	default:
		return 0, formatErr("unknown tag %#x", binary.LittleEndian.Uint32(buf))
	}

	return uint32(buf[4]), nil
}

// Parse decodes a PFM.
func Parse(buf []byte) (m *Manifest, err error) {
	if len(buf) < HeaderLength {
		return nil, formatErr("short header")
	}

	if tag := binary.LittleEndian.Uint32(buf[0:]); tag != Tag {
		return nil, formatErr("unexpected tag %#x", tag)
	}

	m = &Manifest{
		SVN:   buf[4],
		BKC:   buf[5],
		Major: buf[6],
		Minor: buf[7],
	}
	copy(m.OEM[:], buf[12:28])

	if m.SVN > MaxSVN {
		return nil, formatErr("security version %d exceeds %d", m.SVN, MaxSVN)
	}

	body, err := body(buf)
	if err != nil {
		return
	}

	m.Definitions, err = parseDefinitions(body, true)

	return
}

// body returns the definitions area delimited by the declared length.
func body(buf []byte) ([]byte, error) {
	length := binary.LittleEndian.Uint32(buf[28:])

	if length < HeaderLength || uint64(length) > uint64(len(buf)) {
		return nil, formatErr("declared length %d outside [%d, %d]", length, HeaderLength, len(buf))
	}

	return buf[HeaderLength:length], nil
}

// parseDefinitions walks definitions until the sentinel or the end of buf,
// any unrecognized type is an error.
func parseDefinitions(buf []byte, pfm bool) (defs []Definition, err error) {
	for off := 0; off < len(buf); {
		var d Definition
		var n int

		switch t := buf[off]; {
		case t == TypeSentinel:
			return
		case t == TypeSPIRegion:
			d, n, err = parseRegion(buf[off:])
		case t == TypeBusRule && pfm:
			d, n, err = parseBusRule(buf[off:])
		case t == TypeSubManifest && pfm:
			d, n, err = parseSubManifestRef(buf[off:])
		default:
			return nil, formatErr("unknown definition type %#x at offset %d", t, HeaderLength+off)
		}

		if err != nil {
			return nil, err
		}

		defs = append(defs, d)
		off += n
	}

	return
}

func parseRegion(buf []byte) (d Definition, n int, err error) {
	if len(buf) < spiRegionLength {
		return nil, 0, formatErr("truncated region definition")
	}

	mask := ProtectMask(buf[1])
	info := binary.LittleEndian.Uint16(buf[2:])
	r := flash.Range{
		Start: binary.LittleEndian.Uint32(buf[8:]),
		End:   binary.LittleEndian.Uint32(buf[12:]),
	}
	n = spiRegionLength

	if info&^(hashSHA256|hashSHA384) != 0 {
		return nil, 0, formatErr("unknown hash info %#x for region %s", info, r)
	}

	if mask&WriteAllowed != 0 {
		if info != 0 {
			return nil, 0, formatErr("dynamic region %s carries digests", r)
		}
		return DynamicRegion{Range: r, Mask: mask}, n, nil
	}

	s := StaticRegion{Range: r, Mask: mask}

	for _, alg := range digestBits {
		if info&alg.bit == 0 {
			continue
		}

		l := alg.alg.Size()
		if len(buf) < n+l {
			return nil, 0, formatErr("truncated %s digest for region %s", alg.alg, r)
		}

		s.Digests = append(s.Digests, Digest{Alg: alg.alg, Sum: append([]byte{}, buf[n:n+l]...)})
		n += l
	}

	return s, n, nil
}

func parseBusRule(buf []byte) (Definition, int, error) {
	if len(buf) < busRuleLength {
		return nil, 0, formatErr("truncated bus rule definition")
	}

	r := BusRule{
		BusID:   buf[5],
		RuleID:  buf[6],
		Address: buf[7],
	}
	copy(r.Commands[:], buf[8:])

	return r, busRuleLength, nil
}

func parseSubManifestRef(buf []byte) (Definition, int, error) {
	if len(buf) < subManifestLength {
		return nil, 0, formatErr("truncated sub-manifest definition")
	}

	active := binary.LittleEndian.Uint32(buf[4:])
	recovery := binary.LittleEndian.Uint32(buf[12:])

	s := SubManifestRef{
		Identity: binary.LittleEndian.Uint16(buf[2:]),
		Active:   flash.Range{Start: active, End: active + binary.LittleEndian.Uint32(buf[8:])},
		Recovery: flash.Range{Start: recovery, End: recovery + binary.LittleEndian.Uint32(buf[16:])},
	}

	if s.Active.End < s.Active.Start || s.Recovery.End < s.Recovery.Start {
		return nil, 0, formatErr("sub-manifest %#04x range overflow", s.Identity)
	}

	return s, subManifestLength, nil
}
