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

package mailbox

import (
	"errors"
	"testing"

	"github.com/coreos/go-semver/semver"

	"github.com/transparency-dev/armored-witness-rot/api"
)

func TestHostWrite(t *testing.T) {
	var m Mailbox

	for _, test := range []struct {
		name    string
		reg     Register
		wantErr error
	}{
		{name: "BMC checkpoint", reg: Checkpoint(api.StageBMC)},
		{name: "BIOS checkpoint", reg: Checkpoint(api.StageBIOS)},
		{name: "PCH intent", reg: PCHIntent},
		{name: "BMC intent part 2", reg: BMCIntent2},
		{name: "platform state", reg: PlatformState, wantErr: ErrReadOnly},
		{name: "panic count", reg: PanicCount, wantErr: ErrReadOnly},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := m.HostWrite(test.reg, 0x5a); !errors.Is(err, test.wantErr) {
				t.Fatalf("HostWrite: got %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestTake(t *testing.T) {
	var m Mailbox

	a, b := Intent(api.PCH)
	if a != PCHIntent || b != PCHIntent2 {
		t.Fatalf("Intent(PCH) = %#x, %#x", a, b)
	}

	if err := m.HostWrite(a, api.IntentPCHActive); err != nil {
		t.Fatal(err)
	}

	if got := m.Take(a); got != api.IntentPCHActive {
		t.Errorf("Take = %#x, want %#x", got, api.IntentPCHActive)
	}
	if got := m.Take(a); got != 0 {
		t.Errorf("second Take = %#x, want 0", got)
	}

	if err := m.HostWrite(MECheckpoint, api.CheckpointStart); err != nil {
		t.Fatal(err)
	}
	m.ClearControl()
	if got := m.Read(MECheckpoint); got != 0 {
		t.Errorf("checkpoint after ClearControl = %#x", got)
	}
}

func TestPublish(t *testing.T) {
	var m Mailbox

	s := api.Status{
		State:         api.StateBootComplete,
		PanicCount:    300,
		LastPanic:     api.PanicMEWatchdog,
		RecoveryCount: 2,
		Major:         api.MajorAuthFailed,
		Minor:         api.MinorActiveAuthFailed,
	}
	s.Devices[api.PCH].Active = *semver.New("3.7.0")
	s.Devices[api.BMC].Recovery = *semver.New("1.2.0")

	m.Publish(s)

	for _, test := range []struct {
		reg  Register
		want uint8
	}{
		{PlatformState, uint8(api.StateBootComplete)},
		{PanicCount, 0xff},
		{LastPanic, uint8(api.PanicMEWatchdog)},
		{RecoveryCount, 2},
		{MajorError, uint8(api.MajorAuthFailed)},
		{MinorError, uint8(api.MinorActiveAuthFailed)},
		{PCHActiveMajor, 3},
		{PCHActiveMinor, 7},
		{BMCRecoveryMajor, 1},
		{BMCRecoveryMinor, 2},
	} {
		if got := m.Read(test.reg); got != test.want {
			t.Errorf("register %#02x = %#x, want %#x", uint8(test.reg), got, test.want)
		}
	}

	if got := m.Status(); got.PanicCount != 300 {
		t.Errorf("Status().PanicCount = %d, want 300", got.PanicCount)
	}
}
