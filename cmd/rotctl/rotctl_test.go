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

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/capsule"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
	"github.com/transparency-dev/armored-witness-rot/internal/testonly"
)

const testDescription = `
device: bmc
svn: 3
major: 1
minor: 2
oem: "00112233"
regions:
  - start: 0x0000
    end: 0x2000
    protect: [read]
    digests: [sha256, sha384]
  - start: 0x2000
    end: 0x4000
    protect: [read, write, recover1]
bus_rules:
  - bus: 1
    rule: 2
    address: 0x70
    commands: "0102"
sub_manifests:
  - identity: 0x1234
    active: {start: 0x9000, end: 0xa000}
    recovery: {start: 0x30000, end: 0x34000}
`

func TestDescriptionEncode(t *testing.T) {
	c := &primitives.Software{}

	image := flash.NewMem(testonly.DeviceSize)
	content := bytes.Repeat([]byte{0x5a}, 0x2000)
	testonly.Write(t, image, 0, 0x2000, content)

	d, err := parseDescription([]byte(testDescription))
	if err != nil {
		t.Fatalf("parseDescription: %v", err)
	}

	enc, err := d.Encode(c, image)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	m, err := pfm.Parse(enc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := &pfm.Manifest{
		SVN:   3,
		Major: 1,
		Minor: 2,
		OEM:   [16]byte{0x00, 0x11, 0x22, 0x33},
		Definitions: []pfm.Definition{
			pfm.StaticRegion{
				Range: flash.Range{Start: 0, End: 0x2000},
				Mask:  pfm.ReadAllowed,
				Digests: []pfm.Digest{
					{Alg: primitives.SHA256, Sum: c.Hash(primitives.SHA256, content)},
					{Alg: primitives.SHA384, Sum: c.Hash(primitives.SHA384, content)},
				},
			},
			pfm.DynamicRegion{
				Range: flash.Range{Start: 0x2000, End: 0x4000},
				Mask:  pfm.ReadAllowed | pfm.WriteAllowed | pfm.RecoverOnFirst,
			},
			pfm.BusRule{BusID: 1, RuleID: 2, Address: 0x70, Commands: [32]byte{0x01, 0x02}},
			pfm.SubManifestRef{
				Identity: 0x1234,
				Active:   flash.Range{Start: 0x9000, End: 0xa000},
				Recovery: flash.Range{Start: 0x30000, End: 0x34000},
			},
		},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("manifest diff (-want +got):\n%s", diff)
	}
}

func TestDescriptionErrors(t *testing.T) {
	for _, test := range []struct {
		desc string
		yaml string
	}{
		{
			desc: "unknown protection",
			yaml: "regions: [{start: 0, end: 0x1000, protect: [execute]}]",
		},
		{
			desc: "measured dynamic region",
			yaml: "regions: [{start: 0, end: 0x1000, protect: [write], digests: [sha256]}]",
		},
		{
			desc: "unknown digest",
			yaml: "regions: [{start: 0, end: 0x1000, digests: [md5]}]",
		},
		{
			desc: "overlapping regions",
			yaml: "regions: [{start: 0, end: 0x2000}, {start: 0x1000, end: 0x3000}]",
		},
		{
			desc: "unaligned region",
			yaml: "regions: [{start: 0, end: 0x1001}]",
		},
		{
			desc: "security version",
			yaml: "svn: 65",
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			d, err := parseDescription([]byte(test.yaml))
			if err != nil {
				t.Fatalf("parseDescription: %v", err)
			}
			if _, err := d.Encode(&primitives.Software{}, flash.NewMem(testonly.DeviceSize)); err == nil {
				t.Error("Encode succeeded")
			}
		})
	}

	if _, err := parseDescription([]byte("identity: 1\nbus_rules: [{bus: 1}]")); err == nil {
		t.Error("parseDescription accepted a sub-manifest with bus rules")
	}
}

func TestCapsules(t *testing.T) {
	k := testonly.NewKeys(t)
	img := testonly.NewImage(t, k, api.BMC, 1, 1, 0x10)
	l := testonly.Layout()

	for _, test := range []struct {
		desc      string
		build     func() ([]byte, error)
		wantPages int
		view      flash.Range
	}{
		{
			desc:      "device",
			build:     func() ([]byte, error) { return deviceCapsule(img.Flash, l, false) },
			wantPages: 7,
			view:      testonly.StaticHigh,
		},
		{
			desc:      "device dynamic",
			build:     func() ([]byte, error) { return deviceCapsule(img.Flash, l, true) },
			wantPages: 9 + int(l.StagingSize/flash.PageSize),
			view:      testonly.Dynamic,
		},
		{
			desc:      "sub-manifest",
			build:     func() ([]byte, error) { return subCapsule(img.Flash, l, testonly.SubID, false) },
			wantPages: 3,
			view:      testonly.SubStatic,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			content, err := test.build()
			if err != nil {
				t.Fatalf("build: %v", err)
			}

			c, err := capsule.Parse(content)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}

			if got := c.PBC.Flagged(); got != test.wantPages {
				t.Errorf("Flagged() = %d, want %d", got, test.wantPages)
			}

			got, err := c.PBC.View(test.view)
			if err != nil {
				t.Fatalf("View: %v", err)
			}
			if !bytes.Equal(got, testonly.Dump(t, img.Flash, test.view)) {
				t.Errorf("capsule content of %s differs from the image", test.view)
			}
		})
	}

	if _, err := subCapsule(img.Flash, l, 0x4321, false); err == nil {
		t.Error("subCapsule succeeded for an unknown sub-manifest")
	}
}

func TestInspect(t *testing.T) {
	k := testonly.NewKeys(t)
	img := testonly.NewImage(t, k, api.PCH, 2, 4, 0x10)
	c := &primitives.Software{}

	for _, test := range []struct {
		desc string
		buf  []byte
		want []string
	}{
		{
			desc: "manifest",
			buf:  img.PFM,
			want: []string{"PCH PFM", "PFM 4.0.0 (svn 2", "sub-manifest 0x1234", "dynamic"},
		},
		{
			desc: "capsule",
			buf:  img.Capsule(t, k),
			want: []string{"PCH capsule", "Pages", "PCH PFM", "Code signing key"},
		},
		{
			desc: "sub-manifest capsule",
			buf:  img.SubCapsule(t, k),
			want: []string{"sub-manifest capsule", "Sub-manifest 0x1234 4.0.0"},
		},
		{
			desc: "logic",
			buf:  testonly.LogicCapsule(t, k, 5, 0),
			want: []string{"logic capsule", "svn 5"},
		},
		{
			desc: "cancellation",
			buf:  k.Cancellation(t, testonly.CapsuleKind(api.PCH)),
			want: []string{"PCH capsule cancellation", "key 7"},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			var b bytes.Buffer
			if err := inspect(&b, c, test.buf); err != nil {
				t.Fatalf("inspect: %v", err)
			}
			for _, w := range test.want {
				if !strings.Contains(b.String(), w) {
					t.Errorf("output does not contain %q:\n%s", w, b.String())
				}
			}
		})
	}
}
