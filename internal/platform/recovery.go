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
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
)

// protected returns the ranges no capsule application may write.
func protected(l flash.Layout) []flash.Range {
	return []flash.Range{l.RecoveryArea(), l.StagingArea()}
}

func outside(addr uint32, ranges []flash.Range) bool {
	for _, r := range ranges {
		if r.Contains(addr) {
			return false
		}
	}
	return true
}

// restoreScope selects the pages restored from a recovery capsule: the
// manifest area, the static regions, and the dynamic regions flagged for
// the given watchdog recovery level.
func restoreScope(l flash.Layout, m *pfm.Manifest, level int) capsule.Scope {
	skip := protected(l)

	return func(addr uint32) bool {
		if !outside(addr, skip) {
			return false
		}

		if l.PFMArea().Contains(addr) {
			return true
		}

		switch r := m.RegionCovers(addr).(type) {
		case pfm.StaticRegion:
			return true
		case pfm.DynamicRegion:
			return r.Mask.RecoverOn(level)
		}

		return false
	}
}

// updateScope selects the pages written by an active update: the manifest
// area and the static regions, or every page when dynamic is set.
func updateScope(l flash.Layout, m *pfm.Manifest, dynamic bool) capsule.Scope {
	skip := protected(l)

	return func(addr uint32) bool {
		if !outside(addr, skip) {
			return false
		}

		if dynamic || l.PFMArea().Contains(addr) {
			return true
		}

		_, ok := m.RegionCovers(addr).(pfm.StaticRegion)
		return ok
	}
}

// applyCapsule writes the pages of c selected by scope. A page beyond the
// device is an invariant violation since capsules are checked against the
// device size before being applied.
func (p *Platform) applyCapsule(d api.Device, c *capsule.Capsule, scope capsule.Scope) error {
	s, err := c.PBC.Apply(p.flash[d], scope)
	if errors.Is(err, flash.ErrOutOfRange) {
		return &HaltError{Err: fmt.Errorf("%s: %w", d, err)}
	}

	klog.V(1).Infof("%s: wrote %d pages, skipped %d", d, s.Written, s.Skipped)

	return err
}

// restore copies the recovery capsule of d over its active region and
// authenticates the result.
func (p *Platform) restore(d api.Device, rec *deviceCapsule, level int) (*signedPFM, error) {
	p.setState(api.StateRestoreFromRecovery)

	l := p.layout(d)

	klog.Infof("%s: restoring active region from recovery (level %d)", d, level)

	if err := p.applyCapsule(d, rec.capsule, restoreScope(l, rec.pfm.Manifest, level)); err != nil {
		if isHalt(err) {
			return nil, err
		}
		return nil, fmt.Errorf("restore: %w", err)
	}

	return p.verifyActive(d)
}

// repairRecovery rebuilds the recovery region of d from its staging region
// when it holds a valid capsule for the active manifest.
func (p *Platform) repairRecovery(d api.Device, active *signedPFM) (*deviceCapsule, error) {
	l := p.layout(d)
	dev := p.flash[d]

	buf, err := flash.ReadAt(dev, l.Staging, l.StagingSize)
	if err != nil {
		return nil, err
	}

	if blocksign.IsCancellation(buf) {
		return nil, errors.New("staging holds a cancellation certificate")
	}

	c, err := p.verifyCapsule(d, buf, l.RecoverySize)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(c.pfm.raw, active.raw) {
		return nil, errors.New("staged capsule does not match the active manifest")
	}

	if err := flash.Program(dev, l.Recovery, l.RecoverySize, c.raw); err != nil {
		return nil, err
	}

	return p.verifyRecovery(d)
}
