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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

func testManifest() *Manifest {
	return &Manifest{
		SVN:   3,
		BKC:   1,
		Major: 2,
		Minor: 5,
		OEM:   [16]byte{'o', 'e', 'm'},
		Definitions: []Definition{
			StaticRegion{
				Range: flash.Range{Start: 0, End: 0x2000},
				Mask:  ReadAllowed,
				Digests: []Digest{
					{Alg: primitives.SHA256, Sum: bytes.Repeat([]byte{1}, 32)},
					{Alg: primitives.SHA384, Sum: bytes.Repeat([]byte{2}, 48)},
				},
			},
			DynamicRegion{
				Range: flash.Range{Start: 0x2000, End: 0x4000},
				Mask:  ReadAllowed | WriteAllowed | RecoverOnSecond,
			},
			BusRule{BusID: 1, RuleID: 2, Address: 0x70, Commands: [32]byte{0xff}},
			StaticRegion{
				Range: flash.Range{Start: 0x4000, End: 0x5000},
				Mask:  ReadAllowed,
			},
			SubManifestRef{
				Identity: 7,
				Active:   flash.Range{Start: 0x9000, End: 0xa000},
				Recovery: flash.Range{Start: 0x30000, End: 0x34000},
			},
		},
	}
}

func TestParseEncoded(t *testing.T) {
	want := testManifest()

	buf, err := want.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	if len(buf)%Alignment != 0 {
		t.Fatalf("encoded length %d is not aligned", len(buf))
	}

	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("manifest diff (-want +got):\n%s", diff)
	}

	if got.Version().String() != "2.5.0" {
		t.Errorf("got version %s, want 2.5.0", got.Version())
	}

	if svn, err := SVNOf(buf); err != nil || svn != 3 {
		t.Errorf("SVNOf() = %d, %v, want 3", svn, err)
	}

	if n := len(got.Regions()); n != 3 {
		t.Errorf("got %d regions, want 3", n)
	}

	if refs := got.SubManifests(); len(refs) != 1 || refs[0].Identity != 7 {
		t.Errorf("got sub-manifests %+v, want identity 7", refs)
	}
}

func TestParseErrors(t *testing.T) {
	valid, err := testManifest().Marshal()
	if err != nil {
		t.Fatal(err)
	}

	// offset of the sentinel following the definitions
	sentinel := len(valid)
	for valid[sentinel-1] == TypeSentinel {
		sentinel--
	}

	for _, test := range []struct {
		name string
		mod  func(b []byte) []byte
	}{
		{
			name: "short",
			mod:  func(b []byte) []byte { return b[:HeaderLength-1] },
		}, {
			name: "bad tag",
			mod: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b, SubManifestTag)
				return b
			},
		}, {
			name: "length beyond buffer",
			mod: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[28:], uint32(len(b)+1))
				return b
			},
		}, {
			name: "unknown definition before end",
			mod: func(b []byte) []byte {
				b[sentinel] = 0x07
				return b
			},
		}, {
			name: "truncated definition",
			mod: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[28:], HeaderLength+8)
				return b
			},
		}, {
			name: "svn too high",
			mod: func(b []byte) []byte {
				b[4] = MaxSVN + 1
				return b
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := test.mod(append([]byte{}, valid...))

			if _, err := Parse(b); !errors.Is(err, ErrFormat) {
				t.Fatalf("Parse: got %v, want ErrFormat", err)
			}
		})
	}
}

func TestParseStopsAtDeclaredLength(t *testing.T) {
	m := &Manifest{
		Definitions: []Definition{
			DynamicRegion{Range: flash.Range{Start: 0, End: 0x1000}, Mask: WriteAllowed},
		},
	}

	buf, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	// garbage past the declared length is not part of the manifest
	buf = append(buf, 0x07, 0x07, 0x07)

	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(got.Definitions) != 1 {
		t.Fatalf("got %d definitions, want 1", len(got.Definitions))
	}
}

func TestRegionCovers(t *testing.T) {
	m := testManifest()

	for _, test := range []struct {
		addr        uint32
		wantStatic  bool
		wantDynamic bool
	}{
		{addr: 0, wantStatic: true},
		{addr: 0x1fff, wantStatic: true},
		{addr: 0x2000, wantDynamic: true},
		{addr: 0x4fff, wantStatic: true},
		{addr: 0x5000},
		{addr: 0x9000},
	} {
		r := m.RegionCovers(test.addr)

		_, static := r.(StaticRegion)
		_, dynamic := r.(DynamicRegion)

		if static != test.wantStatic || dynamic != test.wantDynamic {
			t.Errorf("RegionCovers(%#x) = %T, want static %v dynamic %v", test.addr, r, test.wantStatic, test.wantDynamic)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name    string
		defs    []Definition
		wantErr bool
	}{
		{
			name: "valid",
			defs: testManifest().Definitions,
		}, {
			name: "overlap",
			defs: []Definition{
				StaticRegion{Range: flash.Range{Start: 0, End: 0x2000}},
				DynamicRegion{Range: flash.Range{Start: 0x1000, End: 0x3000}, Mask: WriteAllowed},
			},
			wantErr: true,
		}, {
			name: "unaligned",
			defs: []Definition{
				StaticRegion{Range: flash.Range{Start: 0x10, End: 0x1000}},
			},
			wantErr: true,
		}, {
			name: "beyond device",
			defs: []Definition{
				StaticRegion{Range: flash.Range{Start: 0x3f000, End: 0x41000}},
			},
			wantErr: true,
		}, {
			name: "empty sub-manifest range",
			defs: []Definition{
				SubManifestRef{Identity: 1, Active: flash.Range{Start: 0x1000, End: 0x1000}, Recovery: flash.Range{Start: 0x2000, End: 0x3000}},
			},
			wantErr: true,
		}, {
			name: "sub-manifest slots overlap",
			defs: []Definition{
				SubManifestRef{Identity: 1, Active: flash.Range{Start: 0x1000, End: 0x3000}, Recovery: flash.Range{Start: 0x2000, End: 0x4000}},
			},
			wantErr: true,
		}, {
			name: "sub-manifests share a slot",
			defs: []Definition{
				SubManifestRef{Identity: 1, Active: flash.Range{Start: 0x1000, End: 0x2000}, Recovery: flash.Range{Start: 0x8000, End: 0xc000}},
				SubManifestRef{Identity: 2, Active: flash.Range{Start: 0x2000, End: 0x3000}, Recovery: flash.Range{Start: 0xa000, End: 0xe000}},
			},
			wantErr: true,
		}, {
			name: "sub-manifest slot over a region",
			defs: []Definition{
				StaticRegion{Range: flash.Range{Start: 0, End: 0x2000}},
				SubManifestRef{Identity: 1, Active: flash.Range{Start: 0x3000, End: 0x4000}, Recovery: flash.Range{Start: 0x1000, End: 0x3000}},
			},
			wantErr: true,
		}, {
			name: "disjoint sub-manifests",
			defs: []Definition{
				StaticRegion{Range: flash.Range{Start: 0, End: 0x2000}},
				SubManifestRef{Identity: 1, Active: flash.Range{Start: 0x2000, End: 0x3000}, Recovery: flash.Range{Start: 0x8000, End: 0xc000}},
				SubManifestRef{Identity: 2, Active: flash.Range{Start: 0x3000, End: 0x4000}, Recovery: flash.Range{Start: 0xc000, End: 0x10000}},
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			m := &Manifest{Definitions: test.defs}

			if gotErr := m.Validate(0x40000) != nil; gotErr != test.wantErr {
				t.Fatalf("Validate() = %v, want err %v", m.Validate(0x40000), test.wantErr)
			}
		})
	}
}

func TestSubManifest(t *testing.T) {
	want := &SubManifest{
		Identity: 0x1234,
		SVN:      2,
		Major:    1,
		Definitions: []Definition{
			StaticRegion{
				Range:   flash.Range{Start: 0xa000, End: 0xc000},
				Digests: []Digest{{Alg: primitives.SHA256, Sum: bytes.Repeat([]byte{9}, 32)}},
			},
		},
	}

	buf, err := want.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	got, err := ParseSubManifest(buf)
	if err != nil {
		t.Fatalf("ParseSubManifest: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sub-manifest diff (-want +got):\n%s", diff)
	}

	if _, err := Parse(buf); err == nil {
		t.Error("Parse accepted a sub-manifest")
	}

	if _, err := (&SubManifest{Definitions: []Definition{BusRule{}}}).Marshal(); err == nil {
		t.Error("Marshal accepted a bus rule in a sub-manifest")
	}

	// bus rules are not valid sub-manifest definitions
	m, err := (&Manifest{Definitions: []Definition{BusRule{}}}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint32(m, SubManifestTag)

	if _, err := ParseSubManifest(m); !errors.Is(err, ErrFormat) {
		t.Errorf("ParseSubManifest with bus rule: got %v, want ErrFormat", err)
	}
}
