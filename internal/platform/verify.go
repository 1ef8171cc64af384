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

package platform

import (
	"bytes"
	"fmt"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/capsule"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/keystore"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
)

// signedPFM is an authenticated PFM.
type signedPFM struct {
	*pfm.Manifest
	// raw is the signed payload.
	raw []byte
	v   *blocksign.Verified
}

// deviceCapsule is an authenticated device capsule.
type deviceCapsule struct {
	pfm     *signedPFM
	capsule *capsule.Capsule
	raw     []byte
	v       *blocksign.Verified
}

func pfmKind(d api.Device) blocksign.Kind {
	if d == api.BMC {
		return blocksign.BMCPFM
	}
	return blocksign.PCHPFM
}

func capsuleKind(d api.Device) blocksign.Kind {
	if d == api.BMC {
		return blocksign.BMCCapsule
	}
	return blocksign.PCHCapsule
}

func component(d api.Device) keystore.Component {
	if d == api.BMC {
		return keystore.BMC
	}
	return keystore.PCH
}

func reader(dev flash.Device) func(flash.Range) ([]byte, error) {
	return func(r flash.Range) ([]byte, error) {
		return flash.ReadAt(dev, r.Start, r.End-r.Start)
	}
}

func mismatch(format string, a ...any) error {
	return fmt.Errorf("%w: %w: %s", blocksign.ErrAuthentication, blocksign.ErrDigestMismatch, fmt.Sprintf(format, a...))
}

// measure checks the content of every static region listing digests
// against them, read returns the content of a range.
func (p *Platform) measure(regions []pfm.Region, read func(flash.Range) ([]byte, error)) error {
	for _, r := range regions {
		s, ok := r.(pfm.StaticRegion)
		if !ok || len(s.Digests) == 0 {
			continue
		}

		buf, err := read(s.Range)
		if err != nil {
			return err
		}

		match := false
		for _, d := range s.Digests {
			if bytes.Equal(p.hw.Crypto.Hash(d.Alg, buf), d.Sum) {
				match = true
				break
			}
		}

		if !match {
			return mismatch("static region %s", s.Range)
		}
	}

	return nil
}

// checkReserved rejects regions overlapping ranges maintained by the root
// of trust.
func checkReserved(regions []pfm.Region, reserved ...flash.Range) error {
	for _, r := range regions {
		for _, res := range reserved {
			if r.Bounds().Overlaps(res) {
				return fmt.Errorf("%w: region %s overlaps reserved range %s", pfm.ErrFormat, r.Bounds(), res)
			}
		}
	}
	return nil
}

// verifyPFM authenticates a signed PFM of d and checks it against the
// device layout.
func (p *Platform) verifyPFM(d api.Device, buf []byte) (*signedPFM, error) {
	l := p.layout(d)

	v, err := p.verifier.Verify(buf, blocksign.Expect{
		Kind:      pfmKind(d),
		MaxSize:   l.PFMSize,
		Component: component(d),
		SVN:       pfm.SVNOf,
	})
	if err != nil {
		return nil, err
	}

	m, err := pfm.Parse(v.Content)
	if err != nil {
		return nil, err
	}

	if err := m.Validate(l.Size); err != nil {
		return nil, err
	}

	if err := checkReserved(m.Regions(), l.PFMArea(), l.RecoveryArea()); err != nil {
		return nil, err
	}

	for _, ref := range m.SubManifests() {
		for _, r := range []flash.Range{ref.Active, ref.Recovery} {
			for _, res := range []flash.Range{l.PFMArea(), l.RecoveryArea(), l.StagingArea()} {
				if r.Overlaps(res) {
					return nil, fmt.Errorf("%w: sub-manifest %#04x slot %s overlaps reserved range %s", pfm.ErrFormat, ref.Identity, r, res)
				}
			}
		}
	}

	return &signedPFM{Manifest: m, raw: buf[:v.Length()], v: v}, nil
}

// verifyActive authenticates the active region of d: the signed PFM and the
// content of its static regions.
func (p *Platform) verifyActive(d api.Device) (*signedPFM, error) {
	l := p.layout(d)
	dev := p.flash[d]

	buf, err := flash.ReadAt(dev, l.ActivePFM, l.PFMSize)
	if err != nil {
		return nil, err
	}

	s, err := p.verifyPFM(d, buf)
	if err != nil {
		return nil, err
	}

	if err := p.measure(s.Regions(), reader(dev)); err != nil {
		return nil, err
	}

	return s, nil
}

// verifyCapsule authenticates a device capsule: its signature, its
// embedded PFM, and the static regions it would produce.
func (p *Platform) verifyCapsule(d api.Device, buf []byte, maxSize uint32) (*deviceCapsule, error) {
	l := p.layout(d)

	v, err := p.verifier.Verify(buf, blocksign.Expect{
		Kind:      capsuleKind(d),
		MaxSize:   maxSize,
		Component: component(d),
		SVN:       capsule.SVN,
	})
	if err != nil {
		return nil, err
	}

	c, err := capsule.Parse(v.Content)
	if err != nil {
		return nil, err
	}

	if c.PBC.Size() > l.Size {
		return nil, fmt.Errorf("%w: capsule covers %#x bytes, device holds %#x", capsule.ErrFormat, c.PBC.Size(), l.Size)
	}

	s, err := p.verifyPFM(d, c.Manifest)
	if err != nil {
		return nil, fmt.Errorf("embedded manifest: %w", err)
	}

	area, err := c.PBC.View(l.PFMArea())
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(area[:len(s.raw)], s.raw) {
		return nil, mismatch("manifest area does not hold the embedded manifest")
	}

	if err := p.measure(s.Regions(), c.PBC.View); err != nil {
		return nil, err
	}

	return &deviceCapsule{pfm: s, capsule: c, raw: buf[:v.Length()], v: v}, nil
}

// verifyRecovery authenticates the recovery region of d.
func (p *Platform) verifyRecovery(d api.Device) (*deviceCapsule, error) {
	l := p.layout(d)

	buf, err := flash.ReadAt(p.flash[d], l.Recovery, l.RecoverySize)
	if err != nil {
		return nil, err
	}

	return p.verifyCapsule(d, buf, l.RecoverySize)
}
