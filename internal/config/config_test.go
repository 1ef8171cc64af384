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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-rot/api"
)

func TestDefault(t *testing.T) {
	c := Default()

	if err := c.Validate(); err != nil {
		t.Fatalf("default configuration is invalid: %v", err)
	}

	for _, test := range []struct {
		stage api.Stage
		want  uint32
	}{
		{api.StageBMC, 15000},
		{api.StageME, 2250},
		{api.StageBIOS, 3000},
	} {
		if got := c.WatchdogTicks(test.stage); got != test.want {
			t.Errorf("WatchdogTicks(%s) = %d, want %d", test.stage, got, test.want)
		}
	}

	if got, want := c.Ticks(c.Watchdog.MaxPause), uint32(30000); got != want {
		t.Errorf("Ticks(MaxPause) = %d, want %d", got, want)
	}
}

func TestParse(t *testing.T) {
	want := Default()
	want.Tick = 10 * time.Millisecond
	want.Attestation = Lockdown
	want.PCH.StagingSize = 0x800000

	got, err := Parse([]byte(`
tick: 10ms
attestation_policy: lockdown
pch:
  size: 0x4000000
  active_pfm: 0x1ff0000
  pfm_size: 0x10000
  recovery: 0x2000000
  recovery_size: 0x1000000
  staging: 0x3000000
  staging_size: 0x800000
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	for _, test := range []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "tock: 1s\n",
			wantErr: "invalid configuration",
		}, {
			name:    "zero tick",
			yaml:    "tick: 0s\n",
			wantErr: "tick must be positive",
		}, {
			name:    "watchdog shorter than tick",
			yaml:    "watchdog:\n  me: 1ms\n",
			wantErr: "me watchdog timeout",
		}, {
			name:    "no pause budget",
			yaml:    "watchdog:\n  max_pause: 0s\n",
			wantErr: "max pause watchdog timeout",
		}, {
			name:    "no update attempts",
			yaml:    "max_failed_updates: 0\n",
			wantErr: "max_failed_updates",
		}, {
			name:    "unknown policy",
			yaml:    "attestation_policy: ignore\n",
			wantErr: "unknown attestation policy",
		}, {
			name:    "overlapping regions",
			yaml:    "bmc:\n  recovery: 0x3000000\n",
			wantErr: "BMC layout",
		}, {
			name:    "logic staging outside BMC staging",
			yaml:    "logic:\n  staging_offset: 0xe00000\n",
			wantErr: "exceeds BMC staging",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.yaml))
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("Parse: got %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rot.yaml")

	if err := os.WriteFile(path, []byte("max_failed_updates: 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if c.MaxFailedUpdates != 5 {
		t.Errorf("MaxFailedUpdates = %d, want 5", c.MaxFailedUpdates)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
