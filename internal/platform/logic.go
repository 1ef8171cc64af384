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

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/capsule"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/keystore"
)

var errNoLogic = errors.New("logic slot erased")

// Logic image store slots.
const (
	activeSlot = iota
	recoverySlot
)

func erased(buf []byte) bool {
	n := min(len(buf), blocksign.Block0Length)
	return len(bytes.Trim(buf[:n], "\xff")) == 0
}

func (p *Platform) slot(n int) uint32 {
	return uint32(n) * p.cfg.Logic.SlotSize
}

func (p *Platform) verifyLogic(buf []byte) (*blocksign.Verified, *capsule.Logic, error) {
	if erased(buf) {
		return nil, nil, errNoLogic
	}

	v, err := p.verifier.Verify(buf, blocksign.Expect{
		Kind:      blocksign.CPLDCapsule,
		MaxSize:   p.cfg.Logic.SlotSize,
		Component: keystore.CPLD,
		SVN:       capsule.LogicSVN,
	})
	if err != nil {
		return nil, nil, err
	}

	l, err := capsule.ParseLogic(v.Content)
	if err != nil {
		return nil, nil, err
	}

	return v, l, nil
}

func (p *Platform) readSlot(n int) ([]byte, error) {
	return flash.ReadAt(p.hw.Logic, p.slot(n), p.cfg.Logic.SlotSize)
}

func (p *Platform) logicRecoveryValid() (bool, error) {
	buf, err := p.readSlot(recoverySlot)
	if err != nil {
		return false, err
	}

	_, _, err = p.verifyLogic(buf)
	return err == nil, nil
}

// authenticateLogic checks the logic image store, the active slot is
// restored from the recovery slot when it fails authentication.
func (p *Platform) authenticateLogic() error {
	active, err := p.readSlot(activeSlot)
	if err != nil {
		return err
	}

	rec, err := p.readSlot(recoverySlot)
	if err != nil {
		return err
	}

	_, _, activeErr := p.verifyLogic(active)
	rv, _, recErr := p.verifyLogic(rec)

	switch {
	case errors.Is(activeErr, errNoLogic) && errors.Is(recErr, errNoLogic):
		klog.V(1).Info("no logic image installed")
		return nil

	case activeErr == nil:
		if recErr != nil {
			klog.Warningf("logic recovery slot failed authentication: %v", recErr)
		}
		return nil

	case recErr != nil:
		klog.Errorf("logic image has no authentic copy: active: %v, recovery: %v", activeErr, recErr)
		p.setError(api.MajorAuthFailed, api.MinorActiveAndRecoveryFailed)
		return nil
	}

	klog.Warningf("logic active slot failed authentication, restoring: %v", activeErr)

	if err := flash.Program(p.hw.Logic, p.slot(activeSlot), p.cfg.Logic.SlotSize, rec[:rv.Length()]); err != nil {
		return err
	}

	return p.recordRecovery(api.RecoveryCPLDActiveFailed)
}

// updateLogic installs the logic capsule staged in the BMC staging region.
// A recovery update writes both slots and raises the logic security version
// floor.
func (p *Platform) updateLogic(in Intent) (outcome, error) {
	r := p.cfg.LogicStaging()

	buf, err := flash.ReadAt(p.hw.BMC, r.Start, r.End-r.Start)
	if err != nil {
		return stay, err
	}

	if blocksign.IsCancellation(buf) {
		return p.cancel(in, buf, p.cfg.Logic.SlotSize)
	}

	v, l, err := p.verifyLogic(buf)
	if err != nil {
		return p.failedUpdate(in, err)
	}

	raw := buf[:v.Length()]

	slots := []int{activeSlot}
	if in.Recovery {
		slots = append(slots, recoverySlot)
	}

	for _, n := range slots {
		if err := flash.Program(p.hw.Logic, p.slot(n), p.cfg.Logic.SlotSize, raw); err != nil {
			klog.Errorf("%s interrupted: %v", in, err)
			return reset, nil
		}
	}

	if in.Recovery {
		if err := p.raiseFloor(keystore.CPLD, v.SVN); err != nil {
			return stay, err
		}
	}

	klog.Infof("installed logic image of %d bytes (svn %d)", len(l.Image), l.SVN)
	p.updated(in)

	return reset, nil
}
