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

// Package watchdog implements the boot stage watchdog timers.
package watchdog

import (
	"sync"

	"github.com/transparency-dev/armored-witness-rot/api"
)

type timer struct {
	armed  bool
	paused bool
	left   uint32
	// idle counts the ticks spent paused since the timer was armed.
	idle uint32
}

// Bank holds one countdown timer per boot stage. Timers are advanced by Tick,
// which the supervisor calls once per period.
type Bank struct {
	sync.Mutex

	// MaxPause is the number of ticks a timer may spend paused per arming
	// before it expires, zero leaves pauses unbounded.
	MaxPause uint32

	timers [api.NumStages]timer
}

// Arm starts or restarts the timer of s with the given number of ticks.
func (b *Bank) Arm(s api.Stage, ticks uint32) {
	b.Lock()
	defer b.Unlock()

	b.timers[s] = timer{armed: true, left: ticks}
}

// Disarm stops the timer of s.
func (b *Bank) Disarm(s api.Stage) {
	b.Lock()
	defer b.Unlock()

	b.timers[s] = timer{}
}

// DisarmAll stops every timer.
func (b *Bank) DisarmAll() {
	b.Lock()
	defer b.Unlock()

	b.timers = [api.NumStages]timer{}
}

// Pause suspends the countdown of s without losing the remaining ticks. The
// pause counts against MaxPause until the timer is re-armed.
func (b *Bank) Pause(s api.Stage) {
	b.Lock()
	defer b.Unlock()

	if b.timers[s].armed {
		b.timers[s].paused = true
	}
}

// Resume continues a paused countdown.
func (b *Bank) Resume(s api.Stage) {
	b.Lock()
	defer b.Unlock()

	b.timers[s].paused = false
}

// Armed reports whether the timer of s is running or paused.
func (b *Bank) Armed(s api.Stage) bool {
	b.Lock()
	defer b.Unlock()

	return b.timers[s].armed
}

// Remaining returns the ticks left on the timer of s.
func (b *Bank) Remaining(s api.Stage) uint32 {
	b.Lock()
	defer b.Unlock()

	return b.timers[s].left
}

// Tick advances every running timer by one tick and returns the stages
// whose timers expired, in boot order. Expired timers are disarmed.
func (b *Bank) Tick() (expired []api.Stage) {
	b.Lock()
	defer b.Unlock()

	for _, s := range api.Stages {
		t := &b.timers[s]

		if !t.armed {
			continue
		}

		if t.paused {
			t.idle++
			if b.MaxPause == 0 || t.idle <= b.MaxPause {
				continue
			}
		} else if t.left > 0 {
			t.left--
		}

		if t.left == 0 || t.paused {
			*t = timer{}
			expired = append(expired, s)
		}
	}

	return
}
