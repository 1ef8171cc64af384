// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package api

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"google.golang.org/protobuf/encoding/protowire"
)

// DeviceStatus represents the externally visible state of a managed device.
type DeviceStatus struct {
	Active   semver.Version
	Recovery semver.Version
	SVN      uint32
	Held     bool
}

// Status represents a snapshot of the status register file.
type Status struct {
	State          State
	PanicCount     uint32
	LastPanic      PanicReason
	RecoveryCount  uint32
	LastRecovery   RecoveryReason
	Major          MajorError
	Minor          MinorError
	TMinus1Entries uint32
	FailedUpdates  uint32
	Devices        [2]DeviceStatus
}

// Print returns the platform status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------- Root of Trust ----\n")
	status.WriteString(fmt.Sprintf("State ..................: %s\n", p.State))
	status.WriteString(fmt.Sprintf("Panics .................: %d (%s)\n", p.PanicCount, p.LastPanic))
	status.WriteString(fmt.Sprintf("Recoveries .............: %d (%s)\n", p.RecoveryCount, p.LastRecovery))
	status.WriteString(fmt.Sprintf("Error ..................: %s / %s\n", p.Major, p.Minor))
	status.WriteString(fmt.Sprintf("T-1 entries ............: %d\n", p.TMinus1Entries))
	status.WriteString(fmt.Sprintf("Failed updates .........: %d\n", p.FailedUpdates))

	for _, d := range Devices {
		s := p.Devices[d]
		status.WriteString(fmt.Sprintf("%-4s active ............: %s (svn %d, held %v)\n", d, s.Active, s.SVN, s.Held))
		status.WriteString(fmt.Sprintf("%-4s recovery ..........: %s\n", d, s.Recovery))
	}

	return status.String()
}

// Status field numbers.
const (
	fieldState protowire.Number = iota + 1
	fieldPanicCount
	fieldLastPanic
	fieldRecoveryCount
	fieldLastRecovery
	fieldMajor
	fieldMinor
	fieldTMinus1Entries
	fieldFailedUpdates
	fieldDevice
)

// DeviceStatus field numbers.
const (
	fieldActiveMajor protowire.Number = iota + 1
	fieldActiveMinor
	fieldRecoveryMajor
	fieldRecoveryMinor
	fieldSVN
	fieldHeld
)

// Bytes serializes the status in protocol buffer wire format.
func (p *Status) Bytes() (buf []byte) {
	for _, f := range []struct {
		n protowire.Number
		v uint64
	}{
		{fieldState, uint64(p.State)},
		{fieldPanicCount, uint64(p.PanicCount)},
		{fieldLastPanic, uint64(p.LastPanic)},
		{fieldRecoveryCount, uint64(p.RecoveryCount)},
		{fieldLastRecovery, uint64(p.LastRecovery)},
		{fieldMajor, uint64(p.Major)},
		{fieldMinor, uint64(p.Minor)},
		{fieldTMinus1Entries, uint64(p.TMinus1Entries)},
		{fieldFailedUpdates, uint64(p.FailedUpdates)},
	} {
		buf = protowire.AppendTag(buf, f.n, protowire.VarintType)
		buf = protowire.AppendVarint(buf, f.v)
	}

	for _, d := range p.Devices {
		buf = protowire.AppendTag(buf, fieldDevice, protowire.BytesType)
		buf = protowire.AppendBytes(buf, d.bytes())
	}

	return
}

func (d *DeviceStatus) bytes() (buf []byte) {
	for _, f := range []struct {
		n protowire.Number
		v uint64
	}{
		{fieldActiveMajor, uint64(d.Active.Major)},
		{fieldActiveMinor, uint64(d.Active.Minor)},
		{fieldRecoveryMajor, uint64(d.Recovery.Major)},
		{fieldRecoveryMinor, uint64(d.Recovery.Minor)},
		{fieldSVN, uint64(d.SVN)},
		{fieldHeld, protowire.EncodeBool(d.Held)},
	} {
		buf = protowire.AppendTag(buf, f.n, protowire.VarintType)
		buf = protowire.AppendVarint(buf, f.v)
	}
	return
}

// ParseStatus decodes a status serialized with Bytes. Unknown fields are
// skipped.
func ParseStatus(buf []byte) (*Status, error) {
	p := &Status{}
	dev := 0

	err := walk(buf, func(n protowire.Number, v uint64, b []byte) error {
		switch n {
		case fieldState:
			p.State = State(v)
		case fieldPanicCount:
			p.PanicCount = uint32(v)
		case fieldLastPanic:
			p.LastPanic = PanicReason(v)
		case fieldRecoveryCount:
			p.RecoveryCount = uint32(v)
		case fieldLastRecovery:
			p.LastRecovery = RecoveryReason(v)
		case fieldMajor:
			p.Major = MajorError(v)
		case fieldMinor:
			p.Minor = MinorError(v)
		case fieldTMinus1Entries:
			p.TMinus1Entries = uint32(v)
		case fieldFailedUpdates:
			p.FailedUpdates = uint32(v)
		case fieldDevice:
			if dev >= len(p.Devices) {
				return errors.New("too many device entries")
			}
			if err := p.Devices[dev].parse(b); err != nil {
				return err
			}
			dev++
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return p, nil
}

func (d *DeviceStatus) parse(buf []byte) error {
	return walk(buf, func(n protowire.Number, v uint64, _ []byte) error {
		switch n {
		case fieldActiveMajor:
			d.Active.Major = int64(v)
		case fieldActiveMinor:
			d.Active.Minor = int64(v)
		case fieldRecoveryMajor:
			d.Recovery.Major = int64(v)
		case fieldRecoveryMinor:
			d.Recovery.Minor = int64(v)
		case fieldSVN:
			d.SVN = uint32(v)
		case fieldHeld:
			d.Held = protowire.DecodeBool(v)
		}
		return nil
	})
}

// walk calls fn for every varint or bytes field in buf.
func walk(buf []byte, fn func(n protowire.Number, v uint64, b []byte) error) error {
	for len(buf) > 0 {
		n, typ, l := protowire.ConsumeTag(buf)
		if l < 0 {
			return protowire.ParseError(l)
		}
		buf = buf[l:]

		var v uint64
		var b []byte

		switch typ {
		case protowire.VarintType:
			v, l = protowire.ConsumeVarint(buf)
		case protowire.BytesType:
			b, l = protowire.ConsumeBytes(buf)
		default:
			l = protowire.ConsumeFieldValue(n, typ, buf)
		}

		if l < 0 {
			return protowire.ParseError(l)
		}
		buf = buf[l:]

		if err := fn(n, v, b); err != nil {
			return err
		}
	}

	return nil
}
