// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package api defines the codes exchanged through the status and control
// register file between the root of trust and the managed hosts.
package api

import (
	"fmt"
)

// Device identifies a managed flash device and the host booting from it.
type Device uint8

const (
	// BMC is the baseboard management controller (device class A).
	BMC Device = iota
	// PCH is the platform controller hub (device class B).
	PCH
)

// Devices lists the managed devices in authentication order.
var Devices = []Device{BMC, PCH}

func (d Device) String() string {
	switch d {
	case BMC:
		return "BMC"
	case PCH:
		return "PCH"
	}
	return fmt.Sprintf("device(%d)", uint8(d))
}

// Stage identifies a monitored boot stage.
type Stage uint8

const (
	// StageBMC is the BMC firmware boot.
	StageBMC Stage = iota
	// StageME is the first PCH boot stage.
	StageME
	// StageBIOS is the second PCH boot stage, armed once StageME completes.
	StageBIOS

	NumStages = 3
)

// Stages lists the monitored stages in boot order.
var Stages = []Stage{StageBMC, StageME, StageBIOS}

// Device returns the managed device whose firmware runs the stage.
func (s Stage) Device() Device {
	if s == StageBMC {
		return BMC
	}
	return PCH
}

func (s Stage) String() string {
	switch s {
	case StageBMC:
		return "BMC"
	case StageME:
		return "ME"
	case StageBIOS:
		return "BIOS"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// State is the platform state register value.
type State uint8

const (
	StateEnterTMinus1             State = 0x01
	StateAuthenticateActive       State = 0x02
	StateAuthenticateRecovery     State = 0x03
	StateRestoreFromRecovery      State = 0x04
	StateAuthenticateSubManifests State = 0x05
	StateApplyUpdate              State = 0x06
	StateT0                       State = 0x10
	StateBMCBooted                State = 0x11
	StateMEBooted                 State = 0x12
	StateBIOSBooted               State = 0x13
	StateBootComplete             State = 0x14
	StateLockdown                 State = 0x20
	StateAuthHalted               State = 0x21
	StateUnprovisioned            State = 0x22
)

var stateNames = map[State]string{
	StateEnterTMinus1:             "enter T-1",
	StateAuthenticateActive:       "authenticate active",
	StateAuthenticateRecovery:     "authenticate recovery",
	StateRestoreFromRecovery:      "restore from recovery",
	StateAuthenticateSubManifests: "authenticate sub-manifests",
	StateApplyUpdate:              "apply update",
	StateT0:                       "T0",
	StateBMCBooted:                "BMC booted",
	StateMEBooted:                 "ME booted",
	StateBIOSBooted:               "BIOS booted",
	StateBootComplete:             "boot complete",
	StateLockdown:                 "lockdown",
	StateAuthHalted:               "authentication halted",
	StateUnprovisioned:            "unprovisioned",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%#02x)", uint8(s))
}

// Runtime reports whether the state belongs to T0.
func (s State) Runtime() bool {
	return s >= StateT0
}

// Checkpoint codes written by hosts to their stage checkpoint register.
const (
	CheckpointStart    = 0x01
	CheckpointPause    = 0x07
	CheckpointResume   = 0x08
	CheckpointComplete = 0x09
	CheckpointAuthFail = 0x0b
)

// Update intent part 1 bits.
const (
	IntentPCHActive     = 1 << 0
	IntentPCHRecovery   = 1 << 1
	IntentCPLDActive    = 1 << 2
	IntentBMCActive     = 1 << 3
	IntentBMCRecovery   = 1 << 4
	IntentCPLDRecovery  = 1 << 5
	IntentUpdateDynamic = 1 << 6
	IntentUpdateAtReset = 1 << 7
)

// Update intent part 2 bits.
const (
	IntentPCHSubActive   = 1 << 0
	IntentPCHSubRecovery = 1 << 1
	IntentBMCSubActive   = 1 << 2
	IntentBMCSubRecovery = 1 << 3
)

// PanicReason tags a panic event.
type PanicReason uint8

const (
	PanicNone PanicReason = iota
	PanicBMCWatchdog
	PanicMEWatchdog
	PanicBIOSWatchdog
	PanicBMCCheckpointAuthFail
	PanicMECheckpointAuthFail
	PanicBIOSCheckpointAuthFail
	PanicUpdateFailed
	PanicInvalidIntent
	PanicAttestationFailed
	PanicAttestationTimeout
	PanicAuthenticationFailed
)

// WatchdogPanic returns the panic reason for a watchdog expiry of s.
func WatchdogPanic(s Stage) PanicReason {
	return PanicBMCWatchdog + PanicReason(s)
}

// CheckpointPanic returns the panic reason for an authentication failure
// reported by stage s.
func CheckpointPanic(s Stage) PanicReason {
	return PanicBMCCheckpointAuthFail + PanicReason(s)
}

var panicNames = map[PanicReason]string{
	PanicNone:                   "none",
	PanicBMCWatchdog:            "BMC watchdog expired",
	PanicMEWatchdog:             "ME watchdog expired",
	PanicBIOSWatchdog:           "BIOS watchdog expired",
	PanicBMCCheckpointAuthFail:  "BMC reported authentication failure",
	PanicMECheckpointAuthFail:   "ME reported authentication failure",
	PanicBIOSCheckpointAuthFail: "BIOS reported authentication failure",
	PanicUpdateFailed:           "update intent failed",
	PanicInvalidIntent:          "invalid update intent",
	PanicAttestationFailed:      "attestation challenge failed",
	PanicAttestationTimeout:     "attestation challenge timed out",
	PanicAuthenticationFailed:   "active and recovery authentication failed",
}

func (r PanicReason) String() string {
	if n, ok := panicNames[r]; ok {
		return n
	}
	return fmt.Sprintf("panic(%d)", uint8(r))
}

// RecoveryReason tags a region swap.
type RecoveryReason uint8

const (
	RecoveryNone RecoveryReason = iota
	RecoveryBMCActiveFailed
	RecoveryPCHActiveFailed
	RecoveryBMCRecoveryRepaired
	RecoveryPCHRecoveryRepaired
	RecoveryBMCWatchdog
	RecoveryMEWatchdog
	RecoveryBIOSWatchdog
	RecoveryBMCCheckpointAuthFail
	RecoveryMECheckpointAuthFail
	RecoveryBIOSCheckpointAuthFail
	RecoveryBMCAttestation
	RecoveryPCHAttestation
	RecoveryBMCSubManifest
	RecoveryPCHSubManifest
	RecoveryCPLDActiveFailed
)

// ActiveRecovery returns the reason for restoring an active region of d
// which failed authentication.
func ActiveRecovery(d Device) RecoveryReason {
	return RecoveryBMCActiveFailed + RecoveryReason(d)
}

// RepairRecovery returns the reason for rebuilding the recovery region of d
// from its staging region.
func RepairRecovery(d Device) RecoveryReason {
	return RecoveryBMCRecoveryRepaired + RecoveryReason(d)
}

// WatchdogRecovery returns the reason for a forced recovery following a
// watchdog expiry of s.
func WatchdogRecovery(s Stage) RecoveryReason {
	return RecoveryBMCWatchdog + RecoveryReason(s)
}

// CheckpointRecovery returns the reason for a forced recovery following an
// authentication failure checkpoint from s.
func CheckpointRecovery(s Stage) RecoveryReason {
	return RecoveryBMCCheckpointAuthFail + RecoveryReason(s)
}

// AttestationRecovery returns the reason for a forced recovery following a
// failed attestation challenge of d.
func AttestationRecovery(d Device) RecoveryReason {
	return RecoveryBMCAttestation + RecoveryReason(d)
}

// SubManifestRecovery returns the reason for restoring a sub-manifest of d.
func SubManifestRecovery(d Device) RecoveryReason {
	return RecoveryBMCSubManifest + RecoveryReason(d)
}

var recoveryNames = map[RecoveryReason]string{
	RecoveryNone:                   "none",
	RecoveryBMCActiveFailed:        "BMC active region failed authentication",
	RecoveryPCHActiveFailed:        "PCH active region failed authentication",
	RecoveryBMCRecoveryRepaired:    "BMC recovery region rebuilt from staging",
	RecoveryPCHRecoveryRepaired:    "PCH recovery region rebuilt from staging",
	RecoveryBMCWatchdog:            "BMC watchdog expired",
	RecoveryMEWatchdog:             "ME watchdog expired",
	RecoveryBIOSWatchdog:           "BIOS watchdog expired",
	RecoveryBMCCheckpointAuthFail:  "BMC reported authentication failure",
	RecoveryMECheckpointAuthFail:   "ME reported authentication failure",
	RecoveryBIOSCheckpointAuthFail: "BIOS reported authentication failure",
	RecoveryBMCAttestation:         "BMC attestation failed",
	RecoveryPCHAttestation:         "PCH attestation failed",
	RecoveryBMCSubManifest:         "BMC sub-manifest failed authentication",
	RecoveryPCHSubManifest:         "PCH sub-manifest failed authentication",
	RecoveryCPLDActiveFailed:       "logic image failed authentication",
}

func (r RecoveryReason) String() string {
	if n, ok := recoveryNames[r]; ok {
		return n
	}
	return fmt.Sprintf("recovery(%d)", uint8(r))
}

// MajorError is the major error code register value.
type MajorError uint8

const (
	MajorNone MajorError = iota
	MajorAuthFailed
	MajorUpdateFailed
	MajorCPLDUpdateFailed
	MajorAttestationFailed
)

func (e MajorError) String() string {
	switch e {
	case MajorNone:
		return "none"
	case MajorAuthFailed:
		return "authentication failed"
	case MajorUpdateFailed:
		return "update failed"
	case MajorCPLDUpdateFailed:
		return "logic update failed"
	case MajorAttestationFailed:
		return "attestation failed"
	}
	return fmt.Sprintf("major(%d)", uint8(e))
}

// MinorError is the minor error code register value.
type MinorError uint8

const (
	MinorNone MinorError = iota
	MinorActiveAuthFailed
	MinorRecoveryAuthFailed
	MinorActiveAndRecoveryFailed
	MinorSubManifestFailed
	MinorInvalidIntent
	MinorSVNTooLow
	MinorUpdateAuthFailed
	MinorExceededMaxFailedAttempts
	MinorActiveUpdateNotAllowed
	MinorChallengeFailed
	MinorChallengeTimeout
)

var minorNames = map[MinorError]string{
	MinorNone:                      "none",
	MinorActiveAuthFailed:          "active authentication failed",
	MinorRecoveryAuthFailed:        "recovery authentication failed",
	MinorActiveAndRecoveryFailed:   "active and recovery authentication failed",
	MinorSubManifestFailed:         "sub-manifest authentication failed",
	MinorInvalidIntent:             "invalid update intent",
	MinorSVNTooLow:                 "security version too low",
	MinorUpdateAuthFailed:          "update authentication failed",
	MinorExceededMaxFailedAttempts: "max attempts exceeded",
	MinorActiveUpdateNotAllowed:    "active update not allowed",
	MinorChallengeFailed:           "challenge failed",
	MinorChallengeTimeout:          "challenge timed out",
}

func (e MinorError) String() string {
	if n, ok := minorNames[e]; ok {
		return n
	}
	return fmt.Sprintf("minor(%d)", uint8(e))
}
