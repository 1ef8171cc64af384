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
	"fmt"
)

// Marshal encodes the manifest, padded to Alignment.
func (m *Manifest) Marshal() ([]byte, error) {
	hdr := make([]byte, HeaderLength)
	binary.LittleEndian.PutUint32(hdr[0:], Tag)
	hdr[4] = m.SVN
	hdr[5] = m.BKC
	hdr[6] = m.Major
	hdr[7] = m.Minor
	copy(hdr[12:28], m.OEM[:])

	return marshal(hdr, m.Definitions)
}

// Marshal encodes the sub-manifest, padded to Alignment.
func (s *SubManifest) Marshal() ([]byte, error) {
	hdr := make([]byte, HeaderLength)
	binary.LittleEndian.PutUint32(hdr[0:], SubManifestTag)
	hdr[4] = s.SVN
	binary.LittleEndian.PutUint16(hdr[6:], s.Identity)
	hdr[8] = s.Major
	hdr[9] = s.Minor
	copy(hdr[12:28], s.OEM[:])

	for _, d := range s.Definitions {
		if _, ok := d.(Region); !ok {
			return nil, fmt.Errorf("sub-manifest cannot hold %T", d)
		}
	}

	return marshal(hdr, s.Definitions)
}

func marshal(buf []byte, defs []Definition) ([]byte, error) {
	for _, d := range defs {
		switch d := d.(type) {
		case StaticRegion:
			buf = appendRegion(buf, d.Range.Start, d.Range.End, d.Mask, d.Digests)
		case DynamicRegion:
			buf = appendRegion(buf, d.Range.Start, d.Range.End, d.Mask, nil)
		case BusRule:
			b := make([]byte, busRuleLength)
			b[0] = TypeBusRule
			b[5] = d.BusID
			b[6] = d.RuleID
			b[7] = d.Address
			copy(b[8:], d.Commands[:])
			buf = append(buf, b...)
		case SubManifestRef:
			b := make([]byte, subManifestLength)
			b[0] = TypeSubManifest
			binary.LittleEndian.PutUint16(b[2:], d.Identity)
			binary.LittleEndian.PutUint32(b[4:], d.Active.Start)
			binary.LittleEndian.PutUint32(b[8:], d.Active.End-d.Active.Start)
			binary.LittleEndian.PutUint32(b[12:], d.Recovery.Start)
			binary.LittleEndian.PutUint32(b[16:], d.Recovery.End-d.Recovery.Start)
			buf = append(buf, b...)
		default:
			return nil, fmt.Errorf("unsupported definition %T", d)
		}
	}

	buf = append(buf, TypeSentinel)

	for len(buf)%Alignment != 0 {
		buf = append(buf, TypeSentinel)
	}

	binary.LittleEndian.PutUint32(buf[28:], uint32(len(buf)))

	return buf, nil
}

func appendRegion(buf []byte, start, end uint32, mask ProtectMask, digests []Digest) []byte {
	b := make([]byte, spiRegionLength)
	b[0] = TypeSPIRegion
	b[1] = byte(mask)
	binary.LittleEndian.PutUint32(b[8:], start)
	binary.LittleEndian.PutUint32(b[12:], end)

	var info uint16
	var sums []byte

	// digests are encoded in hash info bit order
	for _, a := range digestBits {
		for _, d := range digests {
			if d.Alg == a.alg {
				info |= a.bit
				sums = append(sums, d.Sum...)
				break
			}
		}
	}

	binary.LittleEndian.PutUint16(b[2:], info)

	return append(append(buf, b...), sums...)
}
