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
	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/attest"
	"github.com/transparency-dev/armored-witness-rot/internal/config"
)

// T0State is the runtime supervisor state.
type T0State struct {
	// Booted records the stages which reported completion.
	Booted [api.NumStages]bool
	// Held records devices kept in reset, their stages count as booted.
	Held [2]bool
	// Lockdown is set by a failed challenge under the lockdown policy, it
	// freezes the supervisor until the next platform reset.
	Lockdown bool
}

func (s T0State) done(st api.Stage) bool {
	return s.Booted[st] || s.Held[st.Device()]
}

// State returns the platform state register value for s.
func (s T0State) State() api.State {
	if s.Lockdown {
		return api.StateLockdown
	}

	all := true
	for _, st := range api.Stages {
		all = all && s.done(st)
	}

	switch {
	case all:
		return api.StateBootComplete
	case s.done(api.StageBIOS):
		return api.StateBIOSBooted
	case s.done(api.StageME):
		return api.StateMEBooted
	case s.done(api.StageBMC):
		return api.StateBMCBooted
	}

	return api.StateT0
}

// AcceptsIntents reports whether update intents may be acted upon.
func (s T0State) AcceptsIntents() bool {
	return s.State() == api.StateBootComplete
}

// Event is an input of the supervisor.
type Event interface {
	isEvent()
}

// Checkpoint is a value written by a host to the checkpoint register of a
// stage.
type Checkpoint struct {
	Stage api.Stage
	Code  uint8
}

// Expired reports the expiry of the watchdog of a stage.
type Expired struct {
	Stage api.Stage
}

// Challenge is the outcome of a device challenge.
type Challenge struct {
	attest.Event
}

func (Checkpoint) isEvent() {}
func (Expired) isEvent()    {}
func (Challenge) isEvent()  {}

// Effect is an action requested by the supervisor.
type Effect interface {
	isEffect()
}

type (
	// Arm starts the watchdog of a stage.
	Arm struct{ Stage api.Stage }
	// Disarm stops the watchdog of a stage.
	Disarm struct{ Stage api.Stage }
	// Pause suspends the watchdog of a stage.
	Pause struct{ Stage api.Stage }
	// Resume continues the watchdog of a stage.
	Resume struct{ Stage api.Stage }
	// Booted reports a stage completion, which resets the watchdog recovery
	// level of its device.
	Booted struct{ Stage api.Stage }
	// Panic records a panic event.
	Panic struct{ Reason api.PanicReason }
	// ForceRecovery marks a device for recovery at the next T-1 pass even if
	// its active region authenticates.
	ForceRecovery struct {
		Device api.Device
		Reason api.RecoveryReason
		// Escalate raises the watchdog recovery level of the device.
		Escalate bool
	}
	// Hold keeps a device in reset.
	Hold struct{ Device api.Device }
	// SetError updates the error code registers.
	SetError struct {
		Major api.MajorError
		Minor api.MinorError
	}
	// EnterTMinus1 re-enters the authentication phase.
	EnterTMinus1 struct{}
)

func (Arm) isEffect()           {}
func (Disarm) isEffect()        {}
func (Pause) isEffect()         {}
func (Resume) isEffect()        {}
func (Booted) isEffect()        {}
func (Panic) isEffect()         {}
func (ForceRecovery) isEffect() {}
func (Hold) isEffect()          {}
func (SetError) isEffect()      {}
func (EnterTMinus1) isEffect()  {}

// Policy holds the configurable supervisor decisions.
type Policy struct {
	Attestation config.AttestationPolicy
}

// Step is the supervisor transition function, it returns the next state and
// the effects to carry out in order.
func Step(s T0State, ev Event, pol Policy) (T0State, []Effect) {
	if s.Lockdown {
		return s, nil
	}

	switch ev := ev.(type) {
	case Checkpoint:
		return checkpoint(s, ev)
	case Expired:
		if s.done(ev.Stage) {
			return s, nil
		}
		return s, []Effect{
			Panic{api.WatchdogPanic(ev.Stage)},
			ForceRecovery{Device: ev.Stage.Device(), Reason: api.WatchdogRecovery(ev.Stage), Escalate: true},
			EnterTMinus1{},
		}
	case Challenge:
		return challenge(s, ev, pol)
	}

	return s, nil
}

func checkpoint(s T0State, ev Checkpoint) (T0State, []Effect) {
	st := ev.Stage

	if s.Held[st.Device()] {
		return s, nil
	}

	switch ev.Code {
	case api.CheckpointStart:
		s.Booted[st] = false
		return s, []Effect{Arm{st}}
	case api.CheckpointPause:
		return s, []Effect{Pause{st}}
	case api.CheckpointResume:
		return s, []Effect{Resume{st}}
	case api.CheckpointComplete:
		if s.Booted[st] {
			return s, nil
		}

		s.Booted[st] = true
		effects := []Effect{Disarm{st}, Booted{st}}

		if st == api.StageME {
			effects = append(effects, Arm{api.StageBIOS})
		}

		return s, effects
	case api.CheckpointAuthFail:
		return s, []Effect{
			Disarm{st},
			Panic{api.CheckpointPanic(st)},
			ForceRecovery{Device: st.Device(), Reason: api.CheckpointRecovery(st)},
			EnterTMinus1{},
		}
	}

	return s, nil
}

func challenge(s T0State, ev Challenge, pol Policy) (T0State, []Effect) {
	d := ev.Device

	if ev.Result == attest.Passed || s.Held[d] {
		return s, nil
	}

	reason, minor := api.PanicAttestationFailed, api.MinorChallengeFailed
	if ev.Result == attest.Timeout {
		reason, minor = api.PanicAttestationTimeout, api.MinorChallengeTimeout
	}

	effects := []Effect{
		Panic{reason},
		SetError{api.MajorAttestationFailed, minor},
	}

	if pol.Attestation == config.Lockdown {
		s.Lockdown = true
		s.Held[d] = true

		effects = append(effects, Hold{d})
		for _, st := range api.Stages {
			if st.Device() == d {
				effects = append(effects, Disarm{st})
			}
		}

		return s, effects
	}

	return s, append(effects,
		ForceRecovery{Device: d, Reason: api.AttestationRecovery(d)},
		EnterTMinus1{},
	)
}
