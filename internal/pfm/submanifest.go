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

package pfm

import (
	"encoding/binary"

	"github.com/coreos/go-semver/semver"
)

// SubManifest describes the regions of a component attached to a PFM, it
// carries its own signature and security version.
type SubManifest struct {
	Identity    uint16
	SVN         uint8
	Major       uint8
	Minor       uint8
	OEM         [16]byte
	Definitions []Definition
}

// ParseSubManifest decodes a sub-manifest, which may only hold SPI region
// definitions.
func ParseSubManifest(buf []byte) (s *SubManifest, err error) {
	if len(buf) < HeaderLength {
		return nil, formatErr("short header")
	}

	if tag := binary.LittleEndian.Uint32(buf[0:]); tag != SubManifestTag {
		return nil, formatErr("unexpected tag %#x", tag)
	}

	s = &SubManifest{
		SVN:      buf[4],
		Identity: binary.LittleEndian.Uint16(buf[6:]),
		Major:    buf[8],
		Minor:    buf[9],
	}
	copy(s.OEM[:], buf[12:28])

	if s.SVN > MaxSVN {
		return nil, formatErr("security version %d exceeds %d", s.SVN, MaxSVN)
	}

	body, err := body(buf)
	if err != nil {
		return
	}

	s.Definitions, err = parseDefinitions(body, false)

	return
}

// Version returns the sub-manifest revision.
func (s *SubManifest) Version() semver.Version {
	return semver.Version{Major: int64(s.Major), Minor: int64(s.Minor)}
}

// Regions returns the sub-manifest regions.
func (s *SubManifest) Regions() []Region {
	return regions(s.Definitions)
}

// RegionCovers returns the region containing addr, if any.
func (s *SubManifest) RegionCovers(addr uint32) Region {
	return covers(s.Definitions, addr)
}

// Validate checks that regions are page aligned, non overlapping and within
// a device of the given size.
func (s *SubManifest) Validate(size uint32) error {
	return validate(s.Regions(), size)
}
