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
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

// Region describes a manifest region, digests of static regions are
// computed from the image.
type Region struct {
	Start   uint32   `yaml:"start"`
	End     uint32   `yaml:"end"`
	Protect []string `yaml:"protect"`
	Digests []string `yaml:"digests"`
}

// BusRule describes a bus access rule.
type BusRule struct {
	Bus      uint8  `yaml:"bus"`
	Rule     uint8  `yaml:"rule"`
	Address  uint8  `yaml:"address"`
	Commands string `yaml:"commands"`
}

// SubManifestRef describes the location of a sub-manifest.
type SubManifestRef struct {
	Identity uint16      `yaml:"identity"`
	Active   flash.Range `yaml:"active"`
	Recovery flash.Range `yaml:"recovery"`
}

// Description is the YAML description of a PFM, or of a sub-manifest when
// Identity is set.
type Description struct {
	Device   string `yaml:"device"`
	Identity uint16 `yaml:"identity"`
	SVN      uint8  `yaml:"svn"`
	BKC      uint8  `yaml:"bkc"`
	Major    uint8  `yaml:"major"`
	Minor    uint8  `yaml:"minor"`
	OEM      string `yaml:"oem"`

	Regions      []Region         `yaml:"regions"`
	BusRules     []BusRule        `yaml:"bus_rules"`
	SubManifests []SubManifestRef `yaml:"sub_manifests"`
}

// SubManifest reports whether the description is of a sub-manifest.
func (d *Description) SubManifest() bool {
	return d.Identity != 0
}

func parseDescription(buf []byte) (*Description, error) {
	d := &Description{}

	if err := yaml.Unmarshal(buf, d); err != nil {
		return nil, err
	}

	if d.SubManifest() && (len(d.BusRules) > 0 || len(d.SubManifests) > 0) {
		return nil, fmt.Errorf("sub-manifest %#04x may only hold regions", d.Identity)
	}

	return d, nil
}

var protectBits = map[string]pfm.ProtectMask{
	"read":     pfm.ReadAllowed,
	"write":    pfm.WriteAllowed,
	"recover1": pfm.RecoverOnFirst,
	"recover2": pfm.RecoverOnSecond,
	"recover3": pfm.RecoverOnThird,
}

var digestAlgs = map[string]primitives.HashAlg{
	"sha256": primitives.SHA256,
	"sha384": primitives.SHA384,
}

func (r *Region) definition(c primitives.Service, image flash.Device) (pfm.Definition, error) {
	rg := flash.Range{Start: r.Start, End: r.End}

	var mask pfm.ProtectMask
	for _, p := range r.Protect {
		b, ok := protectBits[strings.ToLower(p)]
		if !ok {
			return nil, fmt.Errorf("region %s: unknown protection %q", rg, p)
		}
		mask |= b
	}

	if mask&pfm.WriteAllowed != 0 {
		if len(r.Digests) > 0 {
			return nil, fmt.Errorf("region %s: writable regions cannot be measured", rg)
		}
		return pfm.DynamicRegion{Range: rg, Mask: mask}, nil
	}

	s := pfm.StaticRegion{Range: rg, Mask: mask}

	if len(r.Digests) == 0 {
		return s, nil
	}

	buf, err := flash.ReadAt(image, rg.Start, rg.End-rg.Start)
	if err != nil {
		return nil, fmt.Errorf("region %s: %w", rg, err)
	}

	for _, name := range r.Digests {
		alg, ok := digestAlgs[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("region %s: unknown digest %q", rg, name)
		}
		s.Digests = append(s.Digests, pfm.Digest{Alg: alg, Sum: c.Hash(alg, buf)})
	}

	return s, nil
}

// Encode returns the encoded manifest described by d, measuring the static
// regions of image.
func (d *Description) Encode(c primitives.Service, image flash.Device) ([]byte, error) {
	var oem [16]byte
	if d.OEM != "" {
		b, err := hex.DecodeString(d.OEM)
		if err != nil || len(b) > len(oem) {
			return nil, fmt.Errorf("invalid OEM data %q", d.OEM)
		}
		copy(oem[:], b)
	}

	var defs []pfm.Definition

	for _, r := range d.Regions {
		def, err := r.definition(c, image)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	if d.SubManifest() {
		s := &pfm.SubManifest{
			Identity:    d.Identity,
			SVN:         d.SVN,
			Major:       d.Major,
			Minor:       d.Minor,
			OEM:         oem,
			Definitions: defs,
		}

		if err := s.Validate(image.Size()); err != nil {
			return nil, err
		}

		return s.Marshal()
	}

	for _, b := range d.BusRules {
		r := pfm.BusRule{BusID: b.Bus, RuleID: b.Rule, Address: b.Address}

		cmds, err := hex.DecodeString(b.Commands)
		if err != nil || len(cmds) > len(r.Commands) {
			return nil, fmt.Errorf("bus rule %d: invalid commands %q", b.Rule, b.Commands)
		}
		copy(r.Commands[:], cmds)

		defs = append(defs, r)
	}

	for _, s := range d.SubManifests {
		defs = append(defs, pfm.SubManifestRef{Identity: s.Identity, Active: s.Active, Recovery: s.Recovery})
	}

	m := &pfm.Manifest{
		SVN:         d.SVN,
		BKC:         d.BKC,
		Major:       d.Major,
		Minor:       d.Minor,
		OEM:         oem,
		Definitions: defs,
	}

	if m.SVN > pfm.MaxSVN {
		return nil, fmt.Errorf("security version %d exceeds %d", m.SVN, pfm.MaxSVN)
	}

	if err := m.Validate(image.Size()); err != nil {
		return nil, err
	}

	return m.Marshal()
}
