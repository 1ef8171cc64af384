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

package watchdog

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-witness-rot/api"
)

func TestTick(t *testing.T) {
	var b Bank

	b.Arm(api.StageBMC, 3)
	b.Arm(api.StageME, 1)

	if diff := cmp.Diff([]api.Stage{api.StageME}, b.Tick()); diff != "" {
		t.Fatalf("first tick: diff (-want +got):\n%s", diff)
	}
	if b.Armed(api.StageME) {
		t.Error("expired timer still armed")
	}

	b.Pause(api.StageBMC)
	for range 10 {
		if got := b.Tick(); len(got) != 0 {
			t.Fatalf("paused timer expired: %v", got)
		}
	}
	if got := b.Remaining(api.StageBMC); got != 2 {
		t.Fatalf("Remaining = %d, want 2", got)
	}

	b.Resume(api.StageBMC)
	b.Tick()
	if diff := cmp.Diff([]api.Stage{api.StageBMC}, b.Tick()); diff != "" {
		t.Fatalf("resumed timer: diff (-want +got):\n%s", diff)
	}
}

func TestRearmAndDisarm(t *testing.T) {
	var b Bank

	b.Arm(api.StageBIOS, 2)
	b.Tick()
	b.Arm(api.StageBIOS, 2)
	if got := b.Tick(); len(got) != 0 {
		t.Fatalf("re-armed timer expired early: %v", got)
	}

	b.Disarm(api.StageBIOS)
	if got := b.Tick(); len(got) != 0 {
		t.Fatalf("disarmed timer expired: %v", got)
	}

	b.Arm(api.StageBMC, 1)
	b.Arm(api.StageME, 1)
	b.DisarmAll()
	if got := b.Tick(); len(got) != 0 {
		t.Fatalf("DisarmAll left timers running: %v", got)
	}
}

func TestPauseBudget(t *testing.T) {
	for _, test := range []struct {
		name string
		// pauses lists the length of consecutive pauses, separated by one
		// running tick each.
		pauses []int
		want   []api.Stage
	}{
		{
			name:   "within budget",
			pauses: []int{4},
		}, {
			name:   "single pause over budget",
			pauses: []int{5},
			want:   []api.Stage{api.StageBIOS},
		}, {
			name:   "pauses add up",
			pauses: []int{2, 3},
			want:   []api.Stage{api.StageBIOS},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := Bank{MaxPause: 4}
			b.Arm(api.StageBIOS, 100)

			var got []api.Stage
			for _, n := range test.pauses {
				b.Pause(api.StageBIOS)
				for range n {
					got = append(got, b.Tick()...)
				}
				b.Resume(api.StageBIOS)
				got = append(got, b.Tick()...)
			}

			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("expired: diff (-want +got):\n%s", diff)
			}
			if b.Armed(api.StageBIOS) != (len(test.want) == 0) {
				t.Errorf("Armed = %v after expiry %v", b.Armed(api.StageBIOS), got)
			}
		})
	}
}

func TestRearmResetsPauseBudget(t *testing.T) {
	b := Bank{MaxPause: 2}

	b.Arm(api.StageME, 10)
	b.Pause(api.StageME)
	b.Tick()
	b.Tick()

	b.Arm(api.StageME, 10)
	b.Pause(api.StageME)
	for range 2 {
		if got := b.Tick(); len(got) != 0 {
			t.Fatalf("re-armed timer expired within its pause budget: %v", got)
		}
	}
	if diff := cmp.Diff([]api.Stage{api.StageME}, b.Tick()); diff != "" {
		t.Fatalf("diff (-want +got):\n%s", diff)
	}
}
