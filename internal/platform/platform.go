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

// Package platform implements the root of trust orchestration: the T-1
// authentication and recovery phase, the T0 runtime supervisor and the
// update intent dispatcher.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/attest"
	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/config"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/keystore"
	"github.com/transparency-dev/armored-witness-rot/internal/mailbox"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
	"github.com/transparency-dev/armored-witness-rot/internal/spifilter"
	"github.com/transparency-dev/armored-witness-rot/internal/watchdog"
)

// Hosts controls the reset lines of the managed hosts.
type Hosts interface {
	Hold(d api.Device)
	Release(d api.Device)
}

// Hardware holds the collaborators of the platform.
type Hardware struct {
	BMC flash.Device
	PCH flash.Device
	// Logic is the logic image store, holding the active slot followed by
	// the recovery slot.
	Logic   flash.Device
	Filter  spifilter.Filter
	Hosts   Hosts
	Mailbox *mailbox.Mailbox
	Keys    *keystore.Store
	Crypto  primitives.Service
	// Responder answers self-attestation challenges, optional.
	Responder *attest.Responder
}

// deviceState is the RAM state of a managed device.
type deviceState struct {
	active     *signedPFM
	recovery   *deviceCapsule
	subRegions []pfm.Region
	held       bool

	forced       bool
	forcedReason api.RecoveryReason
	// level is the watchdog recovery level, raised by every watchdog forced
	// recovery and cleared when a stage of the device boots.
	level int
}

// Platform is the root of trust orchestrator. Reset, Poll and Run must be
// called from a single goroutine, Attest may be called from any.
type Platform struct {
	cfg      *config.Config
	hw       Hardware
	flash    [2]flash.Device
	verifier *blocksign.Verifier
	journal  *attest.Journal
	metrics  *metrics

	watchdogs watchdog.Bank

	mu     sync.Mutex
	events []attest.Event

	state   api.State
	t0      T0State
	log     keystore.EventLog
	major   api.MajorError
	minor   api.MinorError
	entries uint32
	failed  uint32
	devices [2]deviceState
	latched []Intent
	halt    error
}

// New returns a platform, Reset must be called before polling it.
func New(cfg *config.Config, hw Hardware, reg prometheus.Registerer) (*Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		cfg:   cfg,
		hw:    hw,
		flash: [2]flash.Device{api.BMC: hw.BMC, api.PCH: hw.PCH},
		verifier: &blocksign.Verifier{
			Crypto: hw.Crypto,
			Policy: hw.Keys,
		},
		journal: attest.NewJournal(),
		metrics: newMetrics(reg),
	}
	p.watchdogs.MaxPause = cfg.Ticks(cfg.Watchdog.MaxPause)

	for _, d := range api.Devices {
		if got, want := p.flash[d].Size(), cfg.Layout(d).Size; got < want {
			return nil, fmt.Errorf("%s flash of %#x bytes is smaller than its layout (%#x)", d, got, want)
		}
	}

	if got, want := hw.Logic.Size(), 2*cfg.Logic.SlotSize; got < want {
		return nil, fmt.Errorf("logic store of %#x bytes cannot hold two slots of %#x bytes", got, cfg.Logic.SlotSize)
	}

	return p, nil
}

func (p *Platform) layout(d api.Device) flash.Layout {
	return p.cfg.Layout(d)
}

func (p *Platform) policy() Policy {
	return Policy{Attestation: p.cfg.Attestation}
}

// Reset models a platform reset: every per power cycle state is cleared,
// except intents latched for application at reset, and a T-1 pass is run.
func (p *Platform) Reset() error {
	klog.Info("platform reset")

	p.halt = nil
	p.failed = 0
	p.major, p.minor = api.MajorNone, api.MinorNone
	p.devices = [2]deviceState{}
	p.t0 = T0State{}

	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()

	l, err := p.hw.Keys.EventLog()
	if err != nil {
		return p.guard(err)
	}
	p.log = l

	return p.guard(p.tMinus1())
}

// Poll runs one supervisor period: it collects checkpoints, watchdog
// expiries and challenge outcomes, steps the supervisor over them and, once
// boot is complete, dispatches update intents.
//
// Any error returned halts the platform until the next Reset.
func (p *Platform) Poll() error {
	if p.halt != nil {
		return p.halt
	}

	err := p.guard(p.poll())
	p.publish()

	return err
}

// Run polls the platform every tick until ctx is done or the platform
// halts.
func (p *Platform) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := p.Poll(); err != nil {
				return err
			}
		}
	}
}

func (p *Platform) guard(err error) error {
	if err == nil {
		return nil
	}

	err = halt(err)
	p.halt = err

	klog.Errorf("%v", err)

	return err
}

func (p *Platform) poll() error {
	switch p.state {
	case api.StateAuthHalted, api.StateUnprovisioned:
		return nil
	}

	if !p.state.Runtime() {
		return p.tMinus1()
	}

	events := p.collect()
	for i, ev := range events {
		next, effects := Step(p.t0, ev, p.policy())
		p.t0 = next

		enter, err := p.apply(effects)
		if err != nil {
			return err
		}

		if enter {
			p.requeue(events[i+1:])
			return p.tMinus1()
		}
	}

	p.setState(p.t0.State())

	switch {
	case p.t0.Lockdown:
		p.refuseIntents()
	case p.t0.AcceptsIntents():
		return p.dispatchIntents()
	}

	return nil
}

// collect gathers the pending supervisor events: checkpoints first, then
// watchdog expiries, then challenge outcomes.
func (p *Platform) collect() (events []Event) {
	for _, s := range api.Stages {
		if v := p.hw.Mailbox.Take(mailbox.Checkpoint(s)); v != 0 {
			events = append(events, Checkpoint{Stage: s, Code: v})
		}
	}

	for _, s := range p.watchdogs.Tick() {
		events = append(events, Expired{Stage: s})
	}

	p.mu.Lock()
	for _, ev := range p.events {
		events = append(events, Challenge{ev})
	}
	p.events = nil
	p.mu.Unlock()

	return
}

// requeue returns the challenge outcomes of events to the pending queue, ahead
// of any reported since. Checkpoints and expiries are dropped, T-1 holds the
// hosts and re-arms the watchdogs.
func (p *Platform) requeue(events []Event) {
	var pending []attest.Event
	for _, ev := range events {
		if c, ok := ev.(Challenge); ok {
			pending = append(pending, c.Event)
		}
	}

	if len(pending) == 0 {
		return
	}

	p.mu.Lock()
	p.events = append(pending, p.events...)
	p.mu.Unlock()
}

func (p *Platform) apply(effects []Effect) (enter bool, err error) {
	for _, e := range effects {
		switch e := e.(type) {
		case Arm:
			p.watchdogs.Arm(e.Stage, p.cfg.WatchdogTicks(e.Stage))
		case Disarm:
			p.watchdogs.Disarm(e.Stage)
		case Pause:
			p.watchdogs.Pause(e.Stage)
		case Resume:
			p.watchdogs.Resume(e.Stage)
		case Booted:
			klog.Infof("%s stage booted", e.Stage)
			p.devices[e.Stage.Device()].level = 0
		case Panic:
			err = p.recordPanic(e.Reason)
		case ForceRecovery:
			st := &p.devices[e.Device]
			st.forced, st.forcedReason = true, e.Reason
			if e.Escalate && st.level < 3 {
				st.level++
			}
			klog.Warningf("%s marked for recovery: %s (level %d)", e.Device, e.Reason, st.level)
		case Hold:
			p.hw.Hosts.Hold(e.Device)
			p.devices[e.Device].held = true
			klog.Warningf("%s held in reset", e.Device)
		case SetError:
			p.setError(e.Major, e.Minor)
		case EnterTMinus1:
			enter = true
		}

		if err != nil {
			return
		}
	}

	return
}

// Attest queues the outcome of a device challenge for the next poll.
func (p *Platform) Attest(ev attest.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, ev)
}

// Challenge answers a self-attestation request with a signed response
// binding nonce to the authenticated manifests and the event journal.
func (p *Platform) Challenge(nonce []byte) ([]byte, error) {
	if p.hw.Responder == nil {
		return nil, errors.New("self-attestation not configured")
	}

	var m attest.Measurements

	for _, d := range api.Devices {
		st := &p.devices[d]
		if st.active != nil {
			m.Devices[d].Active = st.active.v.SHA384
		}
		if st.recovery != nil {
			m.Devices[d].Recovery = st.recovery.v.SHA384
		}
	}

	var err error
	if m.JournalSize, m.JournalRoot, err = p.journal.Checkpoint(); err != nil {
		return nil, err
	}

	return p.hw.Responder.Respond(nonce, m)
}

// State returns the platform state.
func (p *Platform) State() api.State {
	return p.state
}

// Status returns a snapshot of the platform status.
func (p *Platform) Status() api.Status {
	s := api.Status{
		State:          p.state,
		PanicCount:     p.log.PanicCount,
		LastPanic:      api.PanicReason(p.log.LastPanic),
		RecoveryCount:  p.log.RecoveryCount,
		LastRecovery:   api.RecoveryReason(p.log.LastRecovery),
		Major:          p.major,
		Minor:          p.minor,
		TMinus1Entries: p.entries,
		FailedUpdates:  p.failed,
	}

	for _, d := range api.Devices {
		st := &p.devices[d]
		ds := &s.Devices[d]

		if st.active != nil {
			ds.Active = st.active.Version()
			ds.SVN = uint32(st.active.Manifest.SVN)
		}
		if st.recovery != nil {
			ds.Recovery = st.recovery.pfm.Version()
		}
		ds.Held = st.held
	}

	return s
}

func (p *Platform) publish() {
	p.hw.Mailbox.Publish(p.Status())
}

func (p *Platform) setState(s api.State) {
	if p.state != s {
		klog.Infof("state %s -> %s", p.state, s)
	}

	p.state = s
	p.metrics.state.Set(float64(s))
	p.publish()
}
