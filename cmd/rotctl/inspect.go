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
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/capsule"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

func maskString(m pfm.ProtectMask) string {
	var s []string

	for _, b := range []struct {
		bit  pfm.ProtectMask
		name string
	}{
		{pfm.ReadAllowed, "read"},
		{pfm.WriteAllowed, "write"},
		{pfm.RecoverOnFirst, "recover1"},
		{pfm.RecoverOnSecond, "recover2"},
		{pfm.RecoverOnThird, "recover3"},
	} {
		if m&b.bit != 0 {
			s = append(s, b.name)
		}
	}

	return strings.Join(s, ",")
}

func printDefinitions(w io.Writer, defs []pfm.Definition) {
	for _, d := range defs {
		switch d := d.(type) {
		case pfm.StaticRegion:
			fmt.Fprintf(w, "  static  %s %s\n", d.Range, maskString(d.Mask))
			for _, h := range d.Digests {
				fmt.Fprintf(w, "          %s %x\n", h.Alg, h.Sum)
			}
		case pfm.DynamicRegion:
			fmt.Fprintf(w, "  dynamic %s %s\n", d.Range, maskString(d.Mask))
		case pfm.BusRule:
			fmt.Fprintf(w, "  bus %d rule %d address %#02x\n", d.BusID, d.RuleID, d.Address)
		case pfm.SubManifestRef:
			fmt.Fprintf(w, "  sub-manifest %#04x active %s recovery %s\n", d.Identity, d.Active, d.Recovery)
		}
	}
}

func printManifest(w io.Writer, kind blocksign.Kind, buf []byte) error {
	if kind == blocksign.SubManifest {
		s, err := pfm.ParseSubManifest(buf)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "Sub-manifest %#04x %s (svn %d)\n", s.Identity, s.Version(), s.SVN)
		printDefinitions(w, s.Definitions)

		return nil
	}

	m, err := pfm.Parse(buf)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "PFM %s (svn %d, bkc %d)\n", m.Version(), m.SVN, m.BKC)
	printDefinitions(w, m.Definitions)

	return nil
}

// inspect prints the decoded content of a signed payload, signatures are
// not verified.
func inspect(w io.Writer, c primitives.Service, buf []byte) error {
	p, err := blocksign.Decode(buf, 0)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Kind ...................: %s\n", p.Kind)
	fmt.Fprintf(w, "Length .................: %d\n", p.Length())
	fmt.Fprintf(w, "Root key ...............: %s %x\n", p.Root.Public.Curve, blocksign.RootKeyHash(c, p.Root.Public))

	if p.CSK != nil {
		fmt.Fprintf(w, "Code signing key .......: %s id %d permissions %#x\n", p.CSK.Public.Curve, p.CSK.ID, p.CSK.Permissions)
	}

	if t, ok := p.Kind.Cancels(); ok {
		if len(p.Content) < 4 {
			return fmt.Errorf("short cancellation certificate")
		}
		fmt.Fprintf(w, "Cancels ................: %s key %d\n", t, binary.LittleEndian.Uint32(p.Content))
		return nil
	}

	switch p.Kind {
	case blocksign.PCHPFM, blocksign.BMCPFM, blocksign.SubManifest:
		return printManifest(w, p.Kind, p.Content)

	case blocksign.CPLDCapsule:
		l, err := capsule.ParseLogic(p.Content)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Logic image ............: %d bytes (svn %d)\n", len(l.Image), l.SVN)

	case blocksign.PCHCapsule, blocksign.BMCCapsule, blocksign.SubManifestCapsule:
		cp, err := capsule.Parse(p.Content)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "Pages ..................: %d of %#x bytes\n", cp.PBC.Flagged(), cp.PBC.Size())

		return inspect(w, c, cp.Manifest)
	}

	return nil
}
