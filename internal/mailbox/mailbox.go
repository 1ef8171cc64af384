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

// Package mailbox implements the status and control register file shared
// between the root of trust and the managed hosts.
package mailbox

import (
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-witness-rot/api"
)

// Register is a register file address.
type Register uint8

// Status registers, written by the root of trust.
const (
	PlatformState     Register = 0x03
	TMinus1Count      Register = 0x04
	RecoveryCount     Register = 0x05
	LastRecovery      Register = 0x06
	PanicCount        Register = 0x07
	LastPanic         Register = 0x08
	MajorError        Register = 0x09
	MinorError        Register = 0x0a
	FailedUpdateCount Register = 0x0b

	// Per device manifest revisions.
	BMCActiveMajor   Register = 0x14
	BMCActiveMinor   Register = 0x15
	BMCRecoveryMajor Register = 0x16
	BMCRecoveryMinor Register = 0x17
	PCHActiveMajor   Register = 0x18
	PCHActiveMinor   Register = 0x19
	PCHRecoveryMajor Register = 0x1a
	PCHRecoveryMinor Register = 0x1b
)

// Control registers, written by the hosts.
const (
	BMCCheckpoint  Register = 0x0f
	MECheckpoint   Register = 0x10
	BIOSCheckpoint Register = 0x11

	PCHIntent  Register = 0x12
	PCHIntent2 Register = 0x13
	BMCIntent  Register = 0x1c
	BMCIntent2 Register = 0x1d
)

// ErrReadOnly is returned for host writes to status registers.
var ErrReadOnly = errors.New("read only register")

// Checkpoint returns the checkpoint register of a stage.
func Checkpoint(s api.Stage) Register {
	return BMCCheckpoint + Register(s)
}

// Intent returns the pair of intent registers of a device.
func Intent(d api.Device) (Register, Register) {
	if d == api.BMC {
		return BMCIntent, BMCIntent2
	}
	return PCHIntent, PCHIntent2
}

func writable(r Register) bool {
	switch r {
	case BMCCheckpoint, MECheckpoint, BIOSCheckpoint, PCHIntent, PCHIntent2, BMCIntent, BMCIntent2:
		return true
	}
	return false
}

// Mailbox is the register file.
type Mailbox struct {
	mu   sync.Mutex
	regs [256]uint8
	// status is the snapshot last published, served to hosts in full.
	status api.Status
}

// Read returns the value of a register.
func (m *Mailbox) Read(r Register) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.regs[r]
}

// HostWrite performs a host write. Only checkpoint and intent registers are
// host writable.
func (m *Mailbox) HostWrite(r Register, v uint8) error {
	if !writable(r) {
		return fmt.Errorf("register %#02x: %w", uint8(r), ErrReadOnly)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.regs[r] = v

	return nil
}

// Take returns the value of a control register and clears it, so every
// value written by a host is consumed exactly once.
func (m *Mailbox) Take(r Register) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.regs[r]
	m.regs[r] = 0

	return v
}

// ClearControl clears every control register.
func (m *Mailbox) ClearControl() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for r := range m.regs {
		if writable(Register(r)) {
			m.regs[r] = 0
		}
	}
}

func saturate(v uint32) uint8 {
	if v > 0xff {
		return 0xff
	}
	return uint8(v)
}

// Publish updates the status registers from a snapshot.
func (m *Mailbox) Publish(s api.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = s

	m.regs[PlatformState] = uint8(s.State)
	m.regs[TMinus1Count] = saturate(s.TMinus1Entries)
	m.regs[RecoveryCount] = saturate(s.RecoveryCount)
	m.regs[LastRecovery] = uint8(s.LastRecovery)
	m.regs[PanicCount] = saturate(s.PanicCount)
	m.regs[LastPanic] = uint8(s.LastPanic)
	m.regs[MajorError] = uint8(s.Major)
	m.regs[MinorError] = uint8(s.Minor)
	m.regs[FailedUpdateCount] = saturate(s.FailedUpdates)

	for i, base := range []Register{BMCActiveMajor, PCHActiveMajor} {
		d := s.Devices[i]
		m.regs[base] = uint8(d.Active.Major)
		m.regs[base+1] = uint8(d.Active.Minor)
		m.regs[base+2] = uint8(d.Recovery.Major)
		m.regs[base+3] = uint8(d.Recovery.Minor)
	}
}

// Status returns the snapshot last published.
func (m *Mailbox) Status() api.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}
