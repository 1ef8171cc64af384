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
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/spifilter"
)

func isHalt(err error) bool {
	var h *HaltError
	return errors.As(err, &h)
}

// tMinus1 runs an authentication pass: both hosts are held in reset while
// latched intents are applied and every image is authenticated, recovered
// when needed, and protected.
func (p *Platform) tMinus1() error {
	p.setState(api.StateEnterTMinus1)

	p.entries++
	p.metrics.tMinus1.Inc()

	for _, d := range api.Devices {
		p.hw.Hosts.Hold(d)
	}

	p.watchdogs.DisarmAll()
	p.hw.Mailbox.ClearControl()
	p.hw.Filter.SetEnabled(false)
	p.t0 = T0State{}

	provisioned, err := p.hw.Keys.Provisioned()
	if err != nil {
		return err
	}

	if !provisioned {
		klog.Warning("root keys not provisioned, running unprotected")

		for _, d := range api.Devices {
			p.devices[d].held = false
			p.hw.Hosts.Release(d)
		}

		p.setState(api.StateUnprovisioned)

		return nil
	}

	if err := p.applyLatched(); err != nil {
		return err
	}

	if err := p.authenticateLogic(); err != nil {
		return err
	}

	for _, d := range api.Devices {
		if err := p.authenticateDevice(d); err != nil {
			return err
		}

		if err := p.protect(d); err != nil {
			return err
		}
	}

	p.hw.Filter.SetEnabled(true)

	if p.devices[api.BMC].held && p.devices[api.PCH].held {
		klog.Error("no device authenticated, remaining in T-1")
		p.setState(api.StateAuthHalted)
		return nil
	}

	for _, d := range api.Devices {
		p.t0.Held[d] = p.devices[d].held
		if p.devices[d].held {
			continue
		}

		p.hw.Hosts.Release(d)
	}

	for _, s := range []api.Stage{api.StageBMC, api.StageME} {
		if !p.t0.Held[s.Device()] {
			p.watchdogs.Arm(s, p.cfg.WatchdogTicks(s))
		}
	}

	p.setState(p.t0.State())

	return nil
}

// authenticateDevice decides which image of d goes live: the active region
// when it authenticates, otherwise the recovery region restored over it.
// Devices without any valid image are held in reset.
func (p *Platform) authenticateDevice(d api.Device) error {
	st := &p.devices[d]
	st.held = false
	st.active, st.recovery, st.subRegions = nil, nil, nil

	p.setState(api.StateAuthenticateActive)
	active, activeErr := p.verifyActive(d)
	if activeErr != nil {
		klog.Warningf("%s: active region failed authentication: %v", d, activeErr)
	}

	p.setState(api.StateAuthenticateRecovery)
	rec, recErr := p.verifyRecovery(d)
	if recErr != nil {
		klog.Warningf("%s: recovery region failed authentication: %v", d, recErr)
	}

	st.recovery = rec

	switch {
	case activeErr != nil && recErr != nil:
		return p.fail(d, api.MinorActiveAndRecoveryFailed)

	case recErr == nil && (activeErr != nil || st.forced):
		reason := st.forcedReason
		if activeErr != nil {
			reason = api.ActiveRecovery(d)
		}

		level := 0
		if activeErr == nil {
			level = st.level
		}

		restored, err := p.restore(d, rec, level)
		if isHalt(err) {
			return err
		}
		if err != nil {
			klog.Errorf("%s: restored region failed authentication: %v", d, err)
			return p.fail(d, api.MinorActiveAndRecoveryFailed)
		}

		active = restored
		st.forced = false

		if err := p.recordRecovery(reason); err != nil {
			return err
		}

		if activeErr != nil {
			p.setError(api.MajorAuthFailed, api.MinorActiveAuthFailed)
		}

	case recErr != nil:
		if st.forced {
			klog.Warningf("%s: forced recovery skipped, no valid recovery image", d)
			st.forced = false
		}

		repaired, err := p.repairRecovery(d, active)
		if err != nil {
			klog.Warningf("%s: recovery region not repaired: %v", d, err)
			p.setError(api.MajorAuthFailed, api.MinorRecoveryAuthFailed)
			break
		}

		st.recovery = repaired

		if err := p.recordRecovery(api.RepairRecovery(d)); err != nil {
			return err
		}
	}

	st.active = active

	ok, err := p.authenticateSubManifests(d)
	if err != nil {
		return err
	}
	if !ok {
		return p.fail(d, api.MinorSubManifestFailed)
	}

	klog.Infof("%s: authenticated %s (svn %d)", d, active.Version(), active.SVN)

	return nil
}

// fail holds d in reset after its images failed authentication.
func (p *Platform) fail(d api.Device, minor api.MinorError) error {
	st := &p.devices[d]
	st.held = true
	st.active = nil
	st.forced = false

	klog.Errorf("%s: no authentic image, holding in reset", d)

	p.setError(api.MajorAuthFailed, minor)

	return p.recordPanic(api.PanicAuthenticationFailed)
}

// protect computes and installs the write enable bitmap of d from its
// authenticated manifests, held devices are protected entirely.
func (p *Platform) protect(d api.Device) error {
	st := &p.devices[d]
	l := p.layout(d)

	if st.active == nil {
		return p.hw.Filter.Install(d, spifilter.NewBitmap(l.Size))
	}

	t := spifilter.Target{
		Size:     l.Size,
		Regions:  append(st.active.Regions(), st.subRegions...),
		ReadOnly: []flash.Range{l.PFMArea(), l.RecoveryArea()},
	}

	for _, ref := range st.active.SubManifests() {
		t.ReadOnly = append(t.ReadOnly, ref.Active, ref.Recovery)
	}

	b, err := spifilter.Program(t)
	if err != nil {
		return &HaltError{Err: fmt.Errorf("%s: %w", d, err)}
	}

	return p.hw.Filter.Install(d, b)
}
