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
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/capsule"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/keystore"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
)

type signedSub struct {
	*pfm.SubManifest
	raw []byte
	v   *blocksign.Verified
}

type subCapsule struct {
	sub     *signedSub
	capsule *capsule.Capsule
	raw     []byte
	v       *blocksign.Verified
}

// reservedFor returns the ranges no sub-manifest region of d may overlap.
func (p *Platform) reservedFor(d api.Device, active *signedPFM) []flash.Range {
	l := p.layout(d)

	r := []flash.Range{l.PFMArea(), l.RecoveryArea(), l.StagingArea()}
	for _, reg := range active.Regions() {
		r = append(r, reg.Bounds())
	}
	for _, ref := range active.SubManifests() {
		r = append(r, ref.Active, ref.Recovery)
	}

	return r
}

func (p *Platform) verifySub(d api.Device, active *signedPFM, ref pfm.SubManifestRef, buf []byte) (*signedSub, error) {
	v, err := p.verifier.Verify(buf, blocksign.Expect{
		Kind:      blocksign.SubManifest,
		MaxSize:   ref.Active.End - ref.Active.Start,
		Component: keystore.SubManifest(ref.Identity),
		SVN:       pfm.SVNOf,
	})
	if err != nil {
		return nil, err
	}

	s, err := pfm.ParseSubManifest(v.Content)
	if err != nil {
		return nil, err
	}

	if s.Identity != ref.Identity {
		return nil, fmt.Errorf("%w: sub-manifest %#04x found in slot of %#04x", pfm.ErrFormat, s.Identity, ref.Identity)
	}

	if err := s.Validate(p.layout(d).Size); err != nil {
		return nil, err
	}

	if err := checkReserved(s.Regions(), p.reservedFor(d, active)...); err != nil {
		return nil, err
	}

	return &signedSub{SubManifest: s, raw: buf[:v.Length()], v: v}, nil
}

func (p *Platform) verifySubActive(d api.Device, active *signedPFM, ref pfm.SubManifestRef) (*signedSub, error) {
	dev := p.flash[d]

	buf, err := flash.ReadAt(dev, ref.Active.Start, ref.Active.End-ref.Active.Start)
	if err != nil {
		return nil, err
	}

	s, err := p.verifySub(d, active, ref, buf)
	if err != nil {
		return nil, err
	}

	if err := p.measure(s.Regions(), reader(dev)); err != nil {
		return nil, err
	}

	return s, nil
}

func (p *Platform) verifySubCapsule(d api.Device, active *signedPFM, ref pfm.SubManifestRef, buf []byte, maxSize uint32) (*subCapsule, error) {
	v, err := p.verifier.Verify(buf, blocksign.Expect{
		Kind:      blocksign.SubManifestCapsule,
		MaxSize:   maxSize,
		Component: keystore.SubManifest(ref.Identity),
		SVN:       capsule.SVN,
	})
	if err != nil {
		return nil, err
	}

	c, err := capsule.Parse(v.Content)
	if err != nil {
		return nil, err
	}

	if c.PBC.Size() > p.layout(d).Size {
		return nil, fmt.Errorf("%w: capsule covers %#x bytes, device holds %#x", capsule.ErrFormat, c.PBC.Size(), p.layout(d).Size)
	}

	s, err := p.verifySub(d, active, ref, c.Manifest)
	if err != nil {
		return nil, fmt.Errorf("embedded sub-manifest: %w", err)
	}

	area, err := c.PBC.View(ref.Active)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(area[:len(s.raw)], s.raw) {
		return nil, mismatch("sub-manifest %#04x area does not hold the embedded sub-manifest", ref.Identity)
	}

	if err := p.measure(s.Regions(), c.PBC.View); err != nil {
		return nil, err
	}

	return &subCapsule{sub: s, capsule: c, raw: buf[:v.Length()], v: v}, nil
}

func (p *Platform) verifySubRecovery(d api.Device, active *signedPFM, ref pfm.SubManifestRef) (*subCapsule, error) {
	size := ref.Recovery.End - ref.Recovery.Start

	buf, err := flash.ReadAt(p.flash[d], ref.Recovery.Start, size)
	if err != nil {
		return nil, err
	}

	return p.verifySubCapsule(d, active, ref, buf, size)
}

// subScope selects the sub-manifest slot and the regions of s, dynamic
// regions only when dynamic is set. The recovery and staging areas of the
// device are never selected.
func subScope(l flash.Layout, ref pfm.SubManifestRef, s *pfm.SubManifest, dynamic bool) capsule.Scope {
	skip := protected(l)

	return func(addr uint32) bool {
		if !outside(addr, skip) {
			return false
		}

		if ref.Active.Contains(addr) {
			return true
		}

		switch s.RegionCovers(addr).(type) {
		case pfm.StaticRegion:
			return true
		case pfm.DynamicRegion:
			return dynamic
		}

		return false
	}
}

// authenticateSubManifests authenticates every sub-manifest attached to the
// active manifest of d, restoring failed ones from their recovery slot. It
// reports false when a sub-manifest has no authentic copy left.
func (p *Platform) authenticateSubManifests(d api.Device) (bool, error) {
	st := &p.devices[d]
	refs := st.active.SubManifests()

	st.subRegions = nil

	if len(refs) == 0 {
		return true, nil
	}

	p.setState(api.StateAuthenticateSubManifests)

	for _, ref := range refs {
		s, activeErr := p.verifySubActive(d, st.active, ref)
		rec, recErr := p.verifySubRecovery(d, st.active, ref)

		switch {
		case activeErr == nil:
			if recErr != nil {
				klog.Warningf("%s: sub-manifest %#04x recovery slot failed authentication: %v", d, ref.Identity, recErr)
			}

		case recErr != nil:
			klog.Errorf("%s: sub-manifest %#04x has no authentic copy: active: %v, recovery: %v", d, ref.Identity, activeErr, recErr)
			return false, nil

		default:
			klog.Warningf("%s: sub-manifest %#04x failed authentication, restoring: %v", d, ref.Identity, activeErr)

			// Dynamic regions hold host data, a failed sub-manifest leaves
			// them alone like an authentication failure of the device does.
			if err := p.applyCapsule(d, rec.capsule, subScope(p.layout(d), ref, rec.sub.SubManifest, false)); err != nil {
				if isHalt(err) {
					return false, err
				}
				klog.Errorf("%s: sub-manifest %#04x restore: %v", d, ref.Identity, err)
				return false, nil
			}

			var err error
			if s, err = p.verifySubActive(d, st.active, ref); err != nil {
				klog.Errorf("%s: restored sub-manifest %#04x failed authentication: %v", d, ref.Identity, err)
				return false, nil
			}

			p.setError(api.MajorAuthFailed, api.MinorSubManifestFailed)

			if err := p.recordRecovery(api.SubManifestRecovery(d)); err != nil {
				return false, err
			}
		}

		klog.Infof("%s: sub-manifest %#04x authenticated %s (svn %d)", d, ref.Identity, s.Version(), s.SVN)

		st.subRegions = append(st.subRegions, s.Regions()...)
	}

	return true, nil
}

// stagedIdentity returns the identity of the sub-manifest carried by a
// staged sub-manifest capsule, without authenticating it.
func stagedIdentity(buf []byte) (uint16, error) {
	p, err := blocksign.Decode(buf, 0)
	if err != nil {
		return 0, err
	}

	if p.Kind != blocksign.SubManifestCapsule {
		return 0, fmt.Errorf("%w: staged %s is not a sub-manifest capsule", blocksign.ErrStructural, p.Kind)
	}

	c, err := capsule.Parse(p.Content)
	if err != nil {
		return 0, err
	}

	m, err := blocksign.Decode(c.Manifest, 0)
	if err != nil {
		return 0, err
	}

	s, err := pfm.ParseSubManifest(m.Content)
	if err != nil {
		return 0, err
	}

	return s.Identity, nil
}

func findRef(active *signedPFM, id uint16) (pfm.SubManifestRef, error) {
	for _, ref := range active.SubManifests() {
		if ref.Identity == id {
			return ref, nil
		}
	}
	return pfm.SubManifestRef{}, errors.New("no such sub-manifest")
}
