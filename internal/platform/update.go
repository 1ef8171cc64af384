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
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/keystore"
	"github.com/transparency-dev/armored-witness-rot/internal/mailbox"
)

// Target is the class of image an update intent addresses.
type Target uint8

const (
	Firmware Target = iota
	SubManifests
	Logic
)

func (t Target) String() string {
	switch t {
	case Firmware:
		return "firmware"
	case SubManifests:
		return "sub-manifest"
	case Logic:
		return "logic"
	}
	return fmt.Sprintf("target(%d)", uint8(t))
}

// ErrInvalidIntent is returned for intent register values a host is not
// allowed to write.
var ErrInvalidIntent = errors.New("invalid update intent")

// Intent is a decoded update request.
type Intent struct {
	// From is the device whose intent registers carried the request.
	From api.Device
	// Device is the managed device holding the target image, the BMC for
	// logic images.
	Device   api.Device
	Target   Target
	Recovery bool
	// Dynamic widens an update to the dynamic regions of the image.
	Dynamic bool
	// AtReset defers the update to the next authentication pass.
	AtReset bool
}

func (in Intent) String() string {
	var b strings.Builder

	if in.Target != Logic {
		fmt.Fprintf(&b, "%s ", in.Device)
	}

	kind := "active"
	if in.Recovery {
		kind = "recovery"
	}

	fmt.Fprintf(&b, "%s %s update", kind, in.Target)

	if in.Dynamic {
		b.WriteString(" (dynamic)")
	}

	return b.String()
}

const (
	part1Qualifiers = api.IntentUpdateDynamic | api.IntentUpdateAtReset
	part2Valid      = api.IntentPCHSubActive | api.IntentPCHSubRecovery | api.IntentBMCSubActive | api.IntentBMCSubRecovery
	// pchAllowed holds the bits the PCH may set, it cannot address BMC or
	// logic images.
	pchAllowed  = api.IntentPCHActive | api.IntentPCHRecovery | part1Qualifiers
	pch2Allowed = api.IntentPCHSubActive | api.IntentPCHSubRecovery
)

// DecodeIntent decodes the intent register pair written by a device.
// Qualifier bits alone request nothing. When both the active and the
// recovery bit of a target are set, the recovery update, which also
// rewrites the active image, is requested alone.
//
// Intents are returned in application order: PCH before BMC firmware,
// sub-manifests, then logic.
func DecodeIntent(from api.Device, part1, part2 uint8) ([]Intent, error) {
	if part2&^part2Valid != 0 {
		return nil, fmt.Errorf("%w: reserved bits %#02x", ErrInvalidIntent, part2&^part2Valid)
	}

	if from == api.PCH && (part1&^pchAllowed != 0 || part2&^pch2Allowed != 0) {
		return nil, fmt.Errorf("%w: PCH cannot request %#02x/%#02x", ErrInvalidIntent, part1&^pchAllowed, part2&^pch2Allowed)
	}

	var intents []Intent

	add := func(reg, active, recovery uint8, d api.Device, t Target) {
		if reg&(active|recovery) == 0 {
			return
		}
		intents = append(intents, Intent{
			From:     from,
			Device:   d,
			Target:   t,
			Recovery: reg&recovery != 0,
			Dynamic:  part1&api.IntentUpdateDynamic != 0,
			AtReset:  part1&api.IntentUpdateAtReset != 0,
		})
	}

	add(part1, api.IntentPCHActive, api.IntentPCHRecovery, api.PCH, Firmware)
	add(part1, api.IntentBMCActive, api.IntentBMCRecovery, api.BMC, Firmware)
	add(part2, api.IntentPCHSubActive, api.IntentPCHSubRecovery, api.PCH, SubManifests)
	add(part2, api.IntentBMCSubActive, api.IntentBMCSubRecovery, api.BMC, SubManifests)
	add(part1, api.IntentCPLDActive, api.IntentCPLDRecovery, api.BMC, Logic)

	return intents, nil
}

// outcome is the control flow following an update.
type outcome int

const (
	// stay resumes T0.
	stay outcome = iota
	// reenter runs a new authentication pass.
	reenter
	// reset performs a platform reset.
	reset
)

func (p *Platform) takeIntents(d api.Device) (uint8, uint8) {
	r1, r2 := mailbox.Intent(d)
	return p.hw.Mailbox.Take(r1), p.hw.Mailbox.Take(r2)
}

// refuseIntents consumes pending intents without acting on them.
func (p *Platform) refuseIntents() {
	for _, d := range api.Devices {
		if part1, part2 := p.takeIntents(d); part1|part2 != 0 {
			klog.Warningf("%s intent %#02x/%#02x refused in lockdown", d, part1, part2)
			p.metrics.updates.WithLabelValues("any", "refused").Inc()
		}
	}
}

// dispatchIntents consumes and applies the pending intents of both devices.
func (p *Platform) dispatchIntents() error {
	var pending []Intent

	for _, d := range []api.Device{api.PCH, api.BMC} {
		part1, part2 := p.takeIntents(d)
		if part1|part2 == 0 {
			continue
		}

		intents, err := DecodeIntent(d, part1, part2)
		if err != nil {
			klog.Warningf("%s: %v", d, err)
			p.metrics.updates.WithLabelValues("any", "invalid").Inc()
			p.setError(api.MajorUpdateFailed, api.MinorInvalidIntent)
			if err := p.recordPanic(api.PanicInvalidIntent); err != nil {
				return err
			}
			continue
		}

		pending = append(pending, intents...)
	}

	next := stay

	for _, in := range pending {
		out, err := p.dispatch(in)
		if err != nil {
			return err
		}
		next = max(next, out)
	}

	switch next {
	case reenter:
		return p.tMinus1()
	case reset:
		return p.Reset()
	}

	return nil
}

func (p *Platform) dispatch(in Intent) (outcome, error) {
	if in.AtReset {
		klog.Infof("%s latched until the next reset", in)
		p.metrics.updates.WithLabelValues(in.Target.String(), "latched").Inc()

		in.AtReset = false
		p.latched = append(p.latched, in)

		return stay, nil
	}

	return p.update(in)
}

// applyLatched applies the updates deferred to this authentication pass.
func (p *Platform) applyLatched() error {
	latched := p.latched
	p.latched = nil

	for _, in := range latched {
		if _, err := p.update(in); err != nil {
			return err
		}
	}

	return nil
}

func major(in Intent) api.MajorError {
	if in.Target == Logic {
		return api.MajorCPLDUpdateFailed
	}
	return api.MajorUpdateFailed
}

// update applies the admission policy then performs the update. Once the
// failed attempts of this power cycle reach the configured maximum, intents
// are rejected without reading the staged image.
func (p *Platform) update(in Intent) (outcome, error) {
	if p.failed >= p.cfg.MaxFailedUpdates {
		klog.Warningf("%s rejected, %d failed attempts", in, p.failed)
		p.metrics.updates.WithLabelValues(in.Target.String(), "rejected").Inc()
		p.setError(major(in), api.MinorExceededMaxFailedAttempts)
		return stay, nil
	}

	switch in.Target {
	case Firmware:
		return p.updateFirmware(in)
	case SubManifests:
		return p.updateSubManifest(in)
	}

	ok, err := p.logicRecoveryValid()
	if err != nil {
		return stay, err
	}
	if !p.admit(in, ok) {
		return stay, nil
	}

	return p.updateLogic(in)
}

// admit bans active updates of targets without a valid recovery image.
func (p *Platform) admit(in Intent, recoveryValid bool) bool {
	if in.Recovery || recoveryValid {
		return true
	}

	klog.Warningf("%s not allowed without a valid recovery image", in)
	p.metrics.updates.WithLabelValues(in.Target.String(), "banned").Inc()
	p.setError(major(in), api.MinorActiveUpdateNotAllowed)

	return false
}

// failedUpdate accounts for an update attempt which failed authentication.
func (p *Platform) failedUpdate(in Intent, err error) (outcome, error) {
	p.failed++

	klog.Warningf("%s failed (attempt %d): %v", in, p.failed, err)
	p.metrics.updates.WithLabelValues(in.Target.String(), "failed").Inc()

	minor := api.MinorUpdateAuthFailed
	if errors.Is(err, blocksign.ErrSVNTooLow) {
		minor = api.MinorSVNTooLow
	}
	p.setError(major(in), minor)

	return stay, p.recordPanic(api.PanicUpdateFailed)
}

func (p *Platform) updated(in Intent) {
	klog.Infof("%s applied", in)
	p.metrics.updates.WithLabelValues(in.Target.String(), "applied").Inc()
	p.appendJournal(fmt.Sprintf("update %s", in))
}

// cancel handles a key cancellation certificate staged in place of an
// update capsule, every image is authenticated again once the key is
// cancelled.
func (p *Platform) cancel(in Intent, buf []byte, maxSize uint32) (outcome, error) {
	kind, id, err := p.verifier.VerifyCancellation(buf, maxSize)
	if err != nil {
		return p.failedUpdate(in, err)
	}

	if err := p.hw.Keys.Cancel(uint32(kind), id); err != nil {
		return stay, err
	}

	klog.Infof("%s key %d cancelled", kind, id)
	p.metrics.updates.WithLabelValues(in.Target.String(), "cancelled").Inc()
	p.appendJournal(fmt.Sprintf("cancel %s key %d", kind, id))

	return reenter, nil
}

func (p *Platform) raiseFloor(c keystore.Component, svn uint32) error {
	raised, err := p.hw.Keys.RaiseFloor(c, svn)
	if err != nil {
		return err
	}

	if raised {
		p.appendJournal(fmt.Sprintf("floor %s %d", c, svn))
	}

	return nil
}

// interrupted handles an update whose application did not complete, the
// authentication pass restores the target when needed.
func (p *Platform) interrupted(in Intent, err error) (outcome, error) {
	if isHalt(err) {
		return stay, err
	}

	klog.Errorf("%s interrupted: %v", in, err)
	p.metrics.updates.WithLabelValues(in.Target.String(), "interrupted").Inc()

	return reenter, nil
}

// updateFirmware applies the device capsule staged in the staging region of
// the target device. A recovery update also replaces the recovery region
// and raises the security version floor of the device.
func (p *Platform) updateFirmware(in Intent) (outcome, error) {
	d := in.Device
	l := p.layout(d)
	dev := p.flash[d]

	_, recErr := p.verifyRecovery(d)
	if !p.admit(in, recErr == nil) {
		return stay, nil
	}

	buf, err := flash.ReadAt(dev, l.Staging, l.StagingSize)
	if err != nil {
		return stay, err
	}

	if blocksign.IsCancellation(buf) {
		return p.cancel(in, buf, l.StagingSize)
	}

	maxSize := l.StagingSize
	if in.Recovery {
		maxSize = min(maxSize, l.RecoverySize)
	}

	c, err := p.verifyCapsule(d, buf, maxSize)
	if err != nil {
		return p.failedUpdate(in, err)
	}

	p.setState(api.StateApplyUpdate)
	p.hw.Hosts.Hold(d)

	klog.Infof("%s: applying %s capsule %s (svn %d)", d, in, c.pfm.Version(), c.v.SVN)

	if err := p.applyCapsule(d, c.capsule, updateScope(l, c.pfm.Manifest, in.Dynamic)); err != nil {
		return p.interrupted(in, err)
	}

	active, err := p.verifyActive(d)
	if err == nil && !bytes.Equal(active.raw, c.pfm.raw) {
		err = mismatch("active manifest differs from the applied capsule")
	}
	if err != nil {
		out, err := p.failedUpdate(in, fmt.Errorf("active region changed during update: %w", err))
		return max(out, reenter), err
	}

	if in.Recovery {
		if err := flash.Program(dev, l.Recovery, l.RecoverySize, c.raw); err != nil {
			return p.interrupted(in, err)
		}

		if _, err := p.verifyRecovery(d); err != nil {
			out, err := p.failedUpdate(in, fmt.Errorf("recovery region changed during update: %w", err))
			return max(out, reenter), err
		}

		if err := p.raiseFloor(component(d), c.v.SVN); err != nil {
			return stay, err
		}
	}

	p.updated(in)

	return reenter, nil
}

// updateSubManifest applies the sub-manifest capsule staged in the staging
// region of the target device, the sub-manifest it replaces is selected by
// the identity the capsule declares.
func (p *Platform) updateSubManifest(in Intent) (outcome, error) {
	d := in.Device
	l := p.layout(d)
	dev := p.flash[d]

	buf, err := flash.ReadAt(dev, l.Staging, l.StagingSize)
	if err != nil {
		return stay, err
	}

	if blocksign.IsCancellation(buf) {
		return p.cancel(in, buf, l.StagingSize)
	}

	active, err := p.verifyActive(d)
	if err != nil {
		return p.failedUpdate(in, fmt.Errorf("no authentic %s manifest: %w", d, err))
	}

	id, err := stagedIdentity(buf)
	if err != nil {
		return p.failedUpdate(in, err)
	}

	ref, err := findRef(active, id)
	if err != nil {
		return p.failedUpdate(in, fmt.Errorf("sub-manifest %#04x: %w", id, err))
	}

	_, recErr := p.verifySubRecovery(d, active, ref)
	if !p.admit(in, recErr == nil) {
		return stay, nil
	}

	maxSize := l.StagingSize
	if in.Recovery {
		maxSize = min(maxSize, ref.Recovery.End-ref.Recovery.Start)
	}

	c, err := p.verifySubCapsule(d, active, ref, buf, maxSize)
	if err != nil {
		return p.failedUpdate(in, err)
	}

	p.setState(api.StateApplyUpdate)
	p.hw.Hosts.Hold(d)

	klog.Infof("%s: applying %s %#04x %s (svn %d)", d, in, id, c.sub.Version(), c.v.SVN)

	if err := p.applyCapsule(d, c.capsule, subScope(p.layout(d), ref, c.sub.SubManifest, in.Dynamic)); err != nil {
		return p.interrupted(in, err)
	}

	s, err := p.verifySubActive(d, active, ref)
	if err == nil && !bytes.Equal(s.raw, c.sub.raw) {
		err = mismatch("active sub-manifest differs from the applied capsule")
	}
	if err != nil {
		out, err := p.failedUpdate(in, fmt.Errorf("sub-manifest changed during update: %w", err))
		return max(out, reenter), err
	}

	if in.Recovery {
		if err := flash.Program(dev, ref.Recovery.Start, ref.Recovery.End-ref.Recovery.Start, c.raw); err != nil {
			return p.interrupted(in, err)
		}

		if _, err := p.verifySubRecovery(d, active, ref); err != nil {
			out, err := p.failedUpdate(in, fmt.Errorf("sub-manifest recovery slot changed during update: %w", err))
			return max(out, reenter), err
		}

		if err := p.raiseFloor(keystore.SubManifest(id), c.v.SVN); err != nil {
			return stay, err
		}
	}

	p.updated(in)

	return reenter, nil
}
