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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/attest"
	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/config"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/keystore"
	"github.com/transparency-dev/armored-witness-rot/internal/mailbox"
	"github.com/transparency-dev/armored-witness-rot/internal/spifilter"
	"github.com/transparency-dev/armored-witness-rot/internal/testonly"
)

type hosts struct {
	held [2]bool
}

func (h *hosts) Hold(d api.Device)    { h.held[d] = true }
func (h *hosts) Release(d api.Device) { h.held[d] = false }

// failingSectors fails writes once armed.
type failingSectors struct {
	*keystore.Memory
	fail bool
}

func (s *failingSectors) Write(offset uint16, buf []byte) error {
	if s.fail {
		return errors.New("sector write failed")
	}
	return s.Memory.Write(offset, buf)
}

// faultyFlash passes writes through to a device until armed, then lets
// after more writes through before failing the next one. When tamper is set
// that write succeeds and tamper runs instead, once.
type faultyFlash struct {
	*flash.Mem

	armed  bool
	after  int
	tamper func()
}

func (f *faultyFlash) arm(after int, tamper func()) {
	f.armed, f.after, f.tamper = true, after, tamper
}

func (f *faultyFlash) Write(addr uint32, buf []byte) error {
	if !f.armed {
		return f.Mem.Write(addr, buf)
	}

	if f.after > 0 {
		f.after--
		return f.Mem.Write(addr, buf)
	}

	f.armed = false

	if f.tamper == nil {
		return errors.New("flash write failed")
	}

	if err := f.Mem.Write(addr, buf); err != nil {
		return err
	}
	f.tamper()

	return nil
}

type rig struct {
	t *testing.T

	k       *testonly.Keys
	cfg     *config.Config
	img     [2]*testonly.Image
	dev     [2]*flash.Mem
	faults  [2]*faultyFlash
	logic   *flash.Mem
	sectors *failingSectors
	keys    *keystore.Store
	filter  *spifilter.Emulated
	hosts   *hosts
	mb      *mailbox.Mailbox
	signer  *attest.Signer
	p       *Platform
}

type option func(*rig)

func withPolicy(p config.AttestationPolicy) option {
	return func(r *rig) { r.cfg.Attestation = p }
}

func unprovisioned() option {
	return func(r *rig) { r.keys = keystore.New(keystore.NewMemory()) }
}

// withSubDynamic adds a dynamic region to the sub-manifest of d.
func withSubDynamic(d api.Device) option {
	return func(r *rig) {
		r.img[d].WithSubDynamic(r.t, r.k, 0x77)
		r.dev[d] = testonly.Device(r.t, r.k, r.img[d])
	}
}

// newRig returns a platform managing two valid devices, before its first
// reset.
func newRig(t *testing.T, opts ...option) *rig {
	t.Helper()

	k := testonly.NewKeys(t)

	r := &rig{
		t:       t,
		k:       k,
		cfg:     testonly.Config(),
		logic:   flash.NewMem(0x8000),
		sectors: &failingSectors{Memory: keystore.NewMemory()},
		filter:  spifilter.NewEmulated(),
		hosts:   &hosts{held: [2]bool{true, true}},
		mb:      &mailbox.Mailbox{},
	}

	r.keys = keystore.New(r.sectors)
	if err := r.keys.Provision([][]byte{k.RootHash(t)}); err != nil {
		t.Fatal(err)
	}

	for _, d := range api.Devices {
		r.img[d] = testonly.NewImage(t, k, d, 1, 1, byte(d)<<4)
		r.dev[d] = testonly.Device(t, k, r.img[d])
	}

	for _, o := range opts {
		o(r)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if r.signer, err = attest.NewSigner(k.Crypto, "rot.example.com", key); err != nil {
		t.Fatal(err)
	}

	for _, d := range api.Devices {
		r.faults[d] = &faultyFlash{Mem: r.dev[d]}
	}

	r.p, err = New(r.cfg, Hardware{
		BMC:       r.faults[api.BMC],
		PCH:       r.faults[api.PCH],
		Logic:     r.logic,
		Filter:    r.filter,
		Hosts:     r.hosts,
		Mailbox:   r.mb,
		Keys:      r.keys,
		Crypto:    k.Crypto,
		Responder: &attest.Responder{Crypto: k.Crypto, Signer: r.signer},
	}, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return r
}

func (r *rig) reset() {
	r.t.Helper()

	if err := r.p.Reset(); err != nil {
		r.t.Fatalf("Reset: %v", err)
	}
}

func (r *rig) poll() {
	r.t.Helper()

	if err := r.p.Poll(); err != nil {
		r.t.Fatalf("Poll: %v", err)
	}
}

func (r *rig) write(reg mailbox.Register, v uint8) {
	r.t.Helper()

	if err := r.mb.HostWrite(reg, v); err != nil {
		r.t.Fatal(err)
	}
}

func (r *rig) checkpoint(s api.Stage, code uint8) {
	r.t.Helper()
	r.write(mailbox.Checkpoint(s), code)
}

// boot completes every stage and waits for boot complete.
func (r *rig) boot() {
	r.t.Helper()

	for _, s := range api.Stages {
		r.checkpoint(s, api.CheckpointComplete)
	}
	r.poll()

	if got := r.p.State(); got != api.StateBootComplete {
		r.t.Fatalf("state after boot = %s, want %s", got, api.StateBootComplete)
	}
}

func (r *rig) intent(from api.Device, part1, part2 uint8) {
	r.t.Helper()

	r1, r2 := mailbox.Intent(from)
	r.write(r1, part1)
	r.write(r2, part2)
	r.poll()
}

func (r *rig) bus(d api.Device) *spifilter.Bus {
	return &spifilter.Bus{Device: d, Flash: r.dev[d], Filter: r.filter}
}

func (r *rig) floor(c keystore.Component) uint32 {
	r.t.Helper()

	f, err := r.keys.Floor(c)
	if err != nil {
		r.t.Fatal(err)
	}
	return f
}

// image returns the content of r on device d.
func (r *rig) image(d api.Device, rg flash.Range) []byte {
	r.t.Helper()
	return testonly.Dump(r.t, r.dev[d], rg)
}

func (r *rig) original(d api.Device, rg flash.Range) []byte {
	r.t.Helper()
	return testonly.Dump(r.t, r.img[d].Flash, rg)
}

type counters struct {
	Panics, Recoveries uint32
	LastPanic          api.PanicReason
	LastRecovery       api.RecoveryReason
	Major              api.MajorError
	Minor              api.MinorError
}

func (r *rig) counters() counters {
	s := r.p.Status()
	return counters{
		Panics:       s.PanicCount,
		Recoveries:   s.RecoveryCount,
		LastPanic:    s.LastPanic,
		LastRecovery: s.LastRecovery,
		Major:        s.Major,
		Minor:        s.Minor,
	}
}

func TestResetAuthenticates(t *testing.T) {
	r := newRig(t)
	r.reset()

	if got, want := r.p.State(), api.StateT0; got != want {
		t.Errorf("State = %s, want %s", got, want)
	}

	if diff := cmp.Diff(counters{}, r.counters()); diff != "" {
		t.Errorf("counters diff (-want +got):\n%s", diff)
	}

	if r.hosts.held != [2]bool{} {
		t.Errorf("held = %v, want both released", r.hosts.held)
	}

	s := r.p.Status()
	for _, d := range api.Devices {
		ds := s.Devices[d]
		if ds.Active.Major != 1 || ds.Recovery.Major != 1 || ds.SVN != 1 || ds.Held {
			t.Errorf("%s status = %+v", d, ds)
		}
	}

	if got := r.mb.Read(mailbox.PlatformState); got != uint8(api.StateT0) {
		t.Errorf("platform state register = %#x", got)
	}
	if got := r.mb.Read(mailbox.TMinus1Count); got != 1 {
		t.Errorf("T-1 count register = %d, want 1", got)
	}

	l := testonly.Layout()

	for _, test := range []struct {
		desc     string
		addr     uint32
		writable bool
	}{
		{"static", testonly.StaticLow.Start, false},
		{"dynamic", testonly.Dynamic.Start, true},
		{"dynamic end", testonly.Dynamic.End - 1, true},
		{"static high", testonly.StaticHigh.Start, false},
		{"manifest", l.ActivePFM, false},
		{"sub-manifest", testonly.SubActive.Start, false},
		{"sub-manifest region", testonly.SubStatic.Start, false},
		{"recovery", l.Recovery, false},
		{"staging", l.Staging, true},
		{"sub-manifest recovery", testonly.SubRecovery.Start, false},
		{"undeclared", 0xc000, false},
	} {
		t.Run(test.desc, func(t *testing.T) {
			for _, d := range api.Devices {
				if got := r.filter.Writable(d, test.addr); got != test.writable {
					t.Errorf("%s Writable(%#x) = %v, want %v", d, test.addr, got, test.writable)
				}
			}
		})
	}
}

func TestUnprovisioned(t *testing.T) {
	r := newRig(t, unprovisioned())
	r.reset()

	if got, want := r.p.State(), api.StateUnprovisioned; got != want {
		t.Errorf("State = %s, want %s", got, want)
	}
	if r.hosts.held != [2]bool{} {
		t.Errorf("held = %v, want both released", r.hosts.held)
	}
	if !r.filter.Writable(api.BMC, 0) {
		t.Error("filter enabled on unprovisioned platform")
	}

	r.poll()

	if got, want := r.p.State(), api.StateUnprovisioned; got != want {
		t.Errorf("State after poll = %s, want %s", got, want)
	}
}

func TestCorruptedActiveRestored(t *testing.T) {
	r := newRig(t)
	testonly.Corrupt(t, r.dev[api.BMC], testonly.StaticLow.Start+0x10)
	pch := r.image(api.PCH, flash.Range{Start: 0, End: testonly.DeviceSize})

	r.reset()

	want := counters{
		Recoveries:   1,
		LastRecovery: api.RecoveryBMCActiveFailed,
		Major:        api.MajorAuthFailed,
		Minor:        api.MinorActiveAuthFailed,
	}
	if diff := cmp.Diff(want, r.counters()); diff != "" {
		t.Errorf("counters diff (-want +got):\n%s", diff)
	}

	if !bytes.Equal(r.image(api.BMC, testonly.StaticLow), r.original(api.BMC, testonly.StaticLow)) {
		t.Error("static region not restored")
	}
	if !bytes.Equal(r.image(api.PCH, flash.Range{Start: 0, End: testonly.DeviceSize}), pch) {
		t.Error("PCH flash changed")
	}
	if got, want := r.p.State(), api.StateT0; got != want {
		t.Errorf("State = %s, want %s", got, want)
	}
	if r.hosts.held[api.BMC] {
		t.Error("BMC held after recovery")
	}
}

func TestCorruptedManifestRestored(t *testing.T) {
	r := newRig(t)
	testonly.Corrupt(t, r.dev[api.PCH], testonly.Layout().ActivePFM+blocksign.HeaderLength+40)

	r.reset()

	if got, want := r.counters().LastRecovery, api.RecoveryPCHActiveFailed; got != want {
		t.Errorf("LastRecovery = %s, want %s", got, want)
	}
	if got := r.p.Status().Devices[api.PCH].Active.Major; got != 1 {
		t.Errorf("PCH active major = %d, want 1", got)
	}
}

func TestRecoveryRepair(t *testing.T) {
	for _, test := range []struct {
		desc  string
		stage bool
		want  counters
	}{
		{
			desc:  "staged capsule",
			stage: true,
			want: counters{
				Recoveries:   1,
				LastRecovery: api.RecoveryBMCRecoveryRepaired,
			},
		},
		{
			desc: "nothing staged",
			want: counters{
				Major: api.MajorAuthFailed,
				Minor: api.MinorRecoveryAuthFailed,
			},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			r := newRig(t)
			l := testonly.Layout()

			testonly.Corrupt(t, r.dev[api.BMC], l.Recovery+blocksign.HeaderLength+0x100)
			if test.stage {
				testonly.Stage(t, r.dev[api.BMC], r.img[api.BMC].Capsule(t, r.k))
			}

			r.reset()

			if diff := cmp.Diff(test.want, r.counters()); diff != "" {
				t.Errorf("counters diff (-want +got):\n%s", diff)
			}
			if r.hosts.held[api.BMC] {
				t.Error("BMC held with a valid active region")
			}

			_, err := r.p.verifyRecovery(api.BMC)
			if got := err == nil; got != test.stage {
				t.Errorf("recovery valid = %v, want %v (%v)", got, test.stage, err)
			}
		})
	}
}

func TestBothRegionsCorrupted(t *testing.T) {
	r := newRig(t)
	l := testonly.Layout()

	testonly.Corrupt(t, r.dev[api.BMC], testonly.StaticHigh.Start)
	testonly.Corrupt(t, r.dev[api.BMC], l.Recovery+blocksign.HeaderLength+0x100)

	r.reset()

	want := counters{
		Panics:    1,
		LastPanic: api.PanicAuthenticationFailed,
		Major:     api.MajorAuthFailed,
		Minor:     api.MinorActiveAndRecoveryFailed,
	}
	if diff := cmp.Diff(want, r.counters()); diff != "" {
		t.Errorf("counters diff (-want +got):\n%s", diff)
	}

	if want := [2]bool{true, false}; r.hosts.held != want {
		t.Errorf("held = %v, want %v", r.hosts.held, want)
	}
	if !r.p.Status().Devices[api.BMC].Held {
		t.Error("BMC status not held")
	}
	if r.filter.Writable(api.BMC, testonly.Dynamic.Start) {
		t.Error("held device writable")
	}

	// The held device counts as booted.
	r.checkpoint(api.StageME, api.CheckpointComplete)
	r.checkpoint(api.StageBIOS, api.CheckpointComplete)
	r.poll()

	if got, want := r.p.State(), api.StateBootComplete; got != want {
		t.Errorf("State = %s, want %s", got, want)
	}
}

func TestAuthHalted(t *testing.T) {
	r := newRig(t)

	for _, d := range api.Devices {
		testonly.Corrupt(t, r.dev[d], testonly.StaticLow.Start)
		testonly.Corrupt(t, r.dev[d], testonly.Layout().Recovery)
	}

	r.reset()

	if got, want := r.p.State(), api.StateAuthHalted; got != want {
		t.Errorf("State = %s, want %s", got, want)
	}
	if want := [2]bool{true, true}; r.hosts.held != want {
		t.Errorf("held = %v, want %v", r.hosts.held, want)
	}

	entries := r.p.Status().TMinus1Entries
	r.poll()

	if got := r.p.Status().TMinus1Entries; got != entries {
		t.Errorf("T-1 entries %d -> %d while halted", entries, got)
	}
}

func TestBootProgression(t *testing.T) {
	r := newRig(t)
	r.reset()

	for _, step := range []struct {
		stage api.Stage
		code  uint8
		want  api.State
	}{
		{api.StageBMC, api.CheckpointStart, api.StateT0},
		{api.StageBMC, api.CheckpointComplete, api.StateBMCBooted},
		{api.StageME, api.CheckpointComplete, api.StateMEBooted},
		{api.StageBIOS, api.CheckpointPause, api.StateMEBooted},
		{api.StageBIOS, api.CheckpointResume, api.StateMEBooted},
		{api.StageBIOS, api.CheckpointComplete, api.StateBootComplete},
	} {
		r.checkpoint(step.stage, step.code)
		r.poll()

		if got := r.p.State(); got != step.want {
			t.Fatalf("after %s checkpoint %#x: State = %s, want %s", step.stage, step.code, got, step.want)
		}
	}

	if diff := cmp.Diff(counters{}, r.counters()); diff != "" {
		t.Errorf("counters diff (-want +got):\n%s", diff)
	}
}

func TestWatchdogForcedRecovery(t *testing.T) {
	r := newRig(t)
	r.reset()

	// The host changes a dynamic region, which the first watchdog recovery
	// restores.
	if err := flash.Program(r.bus(api.BMC), testonly.Dynamic.Start, flash.PageSize, []byte("host data")); err != nil {
		t.Fatalf("host write to dynamic region: %v", err)
	}
	if err := r.bus(api.BMC).ErasePage(testonly.StaticLow.Start); !errors.Is(err, spifilter.ErrWriteProtected) {
		t.Fatalf("host erase of static region: got %v, want ErrWriteProtected", err)
	}

	r.checkpoint(api.StageME, api.CheckpointComplete)
	r.checkpoint(api.StageBIOS, api.CheckpointComplete)

	pch := r.image(api.PCH, flash.Range{Start: 0, End: testonly.DeviceSize})

	for i := 0; i < 20 && r.counters().Recoveries == 0; i++ {
		r.poll()
	}

	want := counters{
		Panics:       1,
		LastPanic:    api.PanicBMCWatchdog,
		Recoveries:   1,
		LastRecovery: api.RecoveryBMCWatchdog,
	}
	if diff := cmp.Diff(want, r.counters()); diff != "" {
		t.Errorf("counters diff (-want +got):\n%s", diff)
	}

	if !bytes.Equal(r.image(api.BMC, testonly.Dynamic), r.original(api.BMC, testonly.Dynamic)) {
		t.Error("dynamic region not restored")
	}
	if !bytes.Equal(r.image(api.PCH, flash.Range{Start: 0, End: testonly.DeviceSize}), pch) {
		t.Error("PCH flash changed")
	}
	if got, want := r.p.Status().TMinus1Entries, uint32(2); got != want {
		t.Errorf("T-1 entries = %d, want %d", got, want)
	}
	if got, want := r.p.State(), api.StateT0; got != want {
		t.Errorf("State = %s, want %s", got, want)
	}
}

func TestCheckpointAuthFailure(t *testing.T) {
	r := newRig(t)
	r.reset()

	if err := flash.Program(r.bus(api.PCH), testonly.Dynamic.Start, flash.PageSize, []byte("host data")); err != nil {
		t.Fatal(err)
	}

	r.checkpoint(api.StageME, api.CheckpointAuthFail)
	r.poll()

	want := counters{
		Panics:       1,
		LastPanic:    api.PanicMECheckpointAuthFail,
		Recoveries:   1,
		LastRecovery: api.RecoveryMECheckpointAuthFail,
	}
	if diff := cmp.Diff(want, r.counters()); diff != "" {
		t.Errorf("counters diff (-want +got):\n%s", diff)
	}

	// Not a watchdog recovery, dynamic regions are left alone.
	if bytes.Equal(r.image(api.PCH, testonly.Dynamic), r.original(api.PCH, testonly.Dynamic)) {
		t.Error("dynamic region restored")
	}
}

func TestAttestation(t *testing.T) {
	for _, test := range []struct {
		desc      string
		policy    config.AttestationPolicy
		result    attest.Result
		wantState api.State
		want      counters
		wantHeld  [2]bool
	}{
		{
			desc:      "failure, recover",
			policy:    config.Recover,
			result:    attest.Failed,
			wantState: api.StateT0,
			want: counters{
				Panics:       1,
				LastPanic:    api.PanicAttestationFailed,
				Recoveries:   1,
				LastRecovery: api.RecoveryPCHAttestation,
				Major:        api.MajorAttestationFailed,
				Minor:        api.MinorChallengeFailed,
			},
		},
		{
			desc:      "timeout, lockdown",
			policy:    config.Lockdown,
			result:    attest.Timeout,
			wantState: api.StateLockdown,
			want: counters{
				Panics:    1,
				LastPanic: api.PanicAttestationTimeout,
				Major:     api.MajorAttestationFailed,
				Minor:     api.MinorChallengeTimeout,
			},
			wantHeld: [2]bool{false, true},
		},
		{
			desc:      "passed",
			policy:    config.Lockdown,
			result:    attest.Passed,
			wantState: api.StateBootComplete,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			r := newRig(t, withPolicy(test.policy))
			r.reset()
			r.boot()

			r.p.Attest(attest.Event{Device: api.PCH, Result: test.result})
			r.poll()

			if got := r.p.State(); got != test.wantState {
				t.Errorf("State = %s, want %s", got, test.wantState)
			}
			if diff := cmp.Diff(test.want, r.counters()); diff != "" {
				t.Errorf("counters diff (-want +got):\n%s", diff)
			}
			if r.hosts.held != test.wantHeld {
				t.Errorf("held = %v, want %v", r.hosts.held, test.wantHeld)
			}
		})
	}
}

func TestLockdownRefusesIntents(t *testing.T) {
	r := newRig(t, withPolicy(config.Lockdown))
	r.reset()
	r.boot()

	r.p.Attest(attest.Event{Device: api.BMC, Result: attest.Failed})
	r.poll()

	img := testonly.NewImage(t, r.k, api.PCH, 1, 2, 0x55)
	testonly.Stage(t, r.dev[api.PCH], img.Capsule(t, r.k))
	r.intent(api.PCH, api.IntentPCHActive, 0)

	if got := r.p.Status().Devices[api.PCH].Active.Major; got != 1 {
		t.Errorf("PCH active major = %d, want 1", got)
	}
	if got := r.mb.Read(mailbox.PCHIntent); got != 0 {
		t.Errorf("intent register = %#x, want consumed", got)
	}

	// A reset leaves lockdown.
	r.reset()
	if got, want := r.p.State(), api.StateT0; got != want {
		t.Errorf("State after reset = %s, want %s", got, want)
	}
}

func TestChallenge(t *testing.T) {
	r := newRig(t)
	testonly.Corrupt(t, r.dev[api.BMC], testonly.StaticLow.Start)
	r.reset()

	nonce := []byte("fresh nonce")

	msg, err := r.p.Challenge(nonce)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}

	res, err := attest.Open(msg, attest.NewVerifier(r.k.Crypto, r.signer.Name(), r.signer.PublicKey()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if !bytes.Equal(res.Nonce, nonce) {
		t.Errorf("nonce = %q, want %q", res.Nonce, nonce)
	}

	for _, d := range api.Devices {
		st := r.p.devices[d]
		want := attest.DeviceMeasurement{Active: st.active.v.SHA384, Recovery: st.recovery.v.SHA384}
		if diff := cmp.Diff(want, res.Devices[d]); diff != "" {
			t.Errorf("%s measurement diff (-want +got):\n%s", d, diff)
		}
	}

	// The active region restore was journaled.
	if res.JournalSize != 1 {
		t.Errorf("JournalSize = %d, want 1", res.JournalSize)
	}

	if !r.p.hw.Responder.Check(res) {
		t.Error("transcript mismatch")
	}
}

func TestMetrics(t *testing.T) {
	r := newRig(t)
	testonly.Corrupt(t, r.dev[api.PCH], testonly.StaticHigh.Start)
	r.reset()

	r.checkpoint(api.StageBMC, api.CheckpointAuthFail)
	r.poll()

	m := r.p.metrics

	for _, test := range []struct {
		desc string
		c    prometheus.Collector
		want float64
	}{
		{"T-1 entries", m.tMinus1, 2},
		{"active recovery", m.recoveries.WithLabelValues(api.RecoveryPCHActiveFailed.String()), 1},
		{"checkpoint recovery", m.recoveries.WithLabelValues(api.RecoveryBMCCheckpointAuthFail.String()), 1},
		{"checkpoint panic", m.panics.WithLabelValues(api.PanicBMCCheckpointAuthFail.String()), 1},
		{"state", m.state, float64(api.StateT0)},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if got := testutil.ToFloat64(test.c); got != test.want {
				t.Errorf("got %v, want %v", got, test.want)
			}
		})
	}
}

func TestHaltOnStoreFailure(t *testing.T) {
	r := newRig(t)
	r.reset()

	r.sectors.fail = true
	r.checkpoint(api.StageBMC, api.CheckpointAuthFail)

	err := r.p.Poll()

	var h *HaltError
	if !errors.As(err, &h) {
		t.Fatalf("Poll: got %v, want HaltError", err)
	}

	r.sectors.fail = false

	if err := r.p.Poll(); !errors.As(err, &h) {
		t.Errorf("second Poll: got %v, want HaltError", err)
	}

	// A reset clears the halt.
	r.reset()
}

func TestPausedWatchdogExpires(t *testing.T) {
	r := newRig(t)
	r.reset()

	for _, s := range []api.Stage{api.StageBMC, api.StageME} {
		r.checkpoint(s, api.CheckpointComplete)
		r.poll()
	}
	r.checkpoint(api.StageBIOS, api.CheckpointPause)
	r.poll()

	budget := int(r.cfg.Ticks(r.cfg.Watchdog.MaxPause))
	for range budget - 1 {
		r.poll()
	}
	if got := r.counters().Recoveries; got != 0 {
		t.Fatalf("recovery within the pause budget: %d", got)
	}

	for i := 0; i < 5 && r.counters().Recoveries == 0; i++ {
		r.poll()
	}

	want := counters{
		Panics:       1,
		LastPanic:    api.PanicBIOSWatchdog,
		Recoveries:   1,
		LastRecovery: api.RecoveryBIOSWatchdog,
	}
	if diff := cmp.Diff(want, r.counters()); diff != "" {
		t.Errorf("counters diff (-want +got):\n%s", diff)
	}
}

func TestChallengeOutlivesTMinus1(t *testing.T) {
	r := newRig(t, withPolicy(config.Lockdown))
	r.reset()

	// Both events are collected by the same poll, the checkpoint sends the
	// platform back through T-1 first.
	r.checkpoint(api.StageBMC, api.CheckpointAuthFail)
	r.p.Attest(attest.Event{Device: api.PCH, Result: attest.Failed})
	r.poll()

	if got, want := r.p.Status().TMinus1Entries, uint32(2); got != want {
		t.Fatalf("T-1 entries = %d, want %d", got, want)
	}

	r.poll()

	want := counters{
		Panics:       2,
		LastPanic:    api.PanicAttestationFailed,
		Recoveries:   1,
		LastRecovery: api.RecoveryBMCCheckpointAuthFail,
		Major:        api.MajorAttestationFailed,
		Minor:        api.MinorChallengeFailed,
	}
	if diff := cmp.Diff(want, r.counters()); diff != "" {
		t.Errorf("counters diff (-want +got):\n%s", diff)
	}
	if got, want := r.p.State(), api.StateLockdown; got != want {
		t.Errorf("State = %s, want %s", got, want)
	}
	if !r.hosts.held[api.PCH] {
		t.Error("PCH not held after lockdown")
	}
}
