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

package spifilter

import (
	"errors"
	"testing"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
)

const testSize = 32 * flash.PageSize

func testTarget() Target {
	return Target{
		Size: testSize,
		Regions: []pfm.Region{
			pfm.StaticRegion{Range: flash.Range{Start: 0, End: 0x2000}},
			pfm.DynamicRegion{Range: flash.Range{Start: 0x2000, End: 0x6000}, Mask: pfm.WriteAllowed},
			pfm.StaticRegion{Range: flash.Range{Start: 0x6000, End: 0x7000}},
			// overlaps the recovery area below
			pfm.DynamicRegion{Range: flash.Range{Start: 0x10000, End: 0x14000}, Mask: pfm.WriteAllowed},
			pfm.DynamicRegion{Range: flash.Range{Start: 0x18000, End: 0x20000}, Mask: pfm.WriteAllowed},
		},
		ReadOnly: []flash.Range{
			{Start: 0x8000, End: 0x9000},
			{Start: 0x12000, End: 0x13000},
		},
	}
}

func TestProgram(t *testing.T) {
	b, err := Program(testTarget())
	if err != nil {
		t.Fatal(err)
	}

	if b.Pages() != 32 {
		t.Fatalf("got %d pages, want 32", b.Pages())
	}

	for _, test := range []struct {
		addr uint32
		want bool
	}{
		{addr: 0, want: false},
		{addr: 0x1fff, want: false},
		{addr: 0x2000, want: true},
		{addr: 0x5fff, want: true},
		{addr: 0x6000, want: false},
		{addr: 0x7000, want: false},
		{addr: 0x8000, want: false},
		{addr: 0x11000, want: true},
		{addr: 0x12000, want: false},
		{addr: 0x13000, want: true},
		{addr: 0x1f000, want: true},
		{addr: testSize, want: false},
	} {
		if got := b.Writable(test.addr); got != test.want {
			t.Errorf("Writable(%#x) = %v, want %v", test.addr, got, test.want)
		}
	}
}

// Every address outside dynamic regions is protected, and every address
// inside one is writable unless a protected range claims it.
func TestProgramCoverage(t *testing.T) {
	target := testTarget()

	b, err := Program(target)
	if err != nil {
		t.Fatal(err)
	}

	for addr := uint32(0); addr < testSize; addr += flash.PageSize / 4 {
		dynamic := false
		for _, r := range target.Regions {
			if _, ok := r.(pfm.DynamicRegion); ok && r.Bounds().Contains(addr) {
				dynamic = true
			}
		}

		claimed := false
		for _, r := range target.ReadOnly {
			if r.Contains(addr) {
				claimed = true
			}
		}

		if want := dynamic && !claimed; b.Writable(addr) != want {
			t.Errorf("Writable(%#x) = %v, want %v", addr, b.Writable(addr), want)
		}
	}
}

func TestProgramOutOfRange(t *testing.T) {
	target := testTarget()
	target.Regions = append(target.Regions, pfm.DynamicRegion{Range: flash.Range{Start: testSize, End: testSize + flash.PageSize}})

	if _, err := Program(target); !errors.Is(err, flash.ErrOutOfRange) {
		t.Fatalf("Program: got %v, want ErrOutOfRange", err)
	}
}

func TestBus(t *testing.T) {
	b, err := Program(testTarget())
	if err != nil {
		t.Fatal(err)
	}

	f := NewEmulated()
	bus := &Bus{Device: api.PCH, Flash: flash.NewMem(testSize), Filter: f}

	if err := bus.Write(0x2000, []byte{0}); !errors.Is(err, ErrWriteProtected) {
		t.Fatalf("write before install: got %v, want ErrWriteProtected", err)
	}

	if err := f.Install(api.PCH, b); err != nil {
		t.Fatal(err)
	}

	if err := bus.ErasePage(0x2000); err != nil {
		t.Errorf("erase of dynamic page: %v", err)
	}
	if err := bus.Write(0x2ff0, make([]byte, 0x20)); err != nil {
		t.Errorf("write across dynamic pages: %v", err)
	}
	if err := bus.Write(0x5ff0, make([]byte, 0x20)); !errors.Is(err, ErrWriteProtected) {
		t.Errorf("write crossing into static page: got %v, want ErrWriteProtected", err)
	}
	if err := bus.ErasePage(0); !errors.Is(err, ErrWriteProtected) {
		t.Errorf("erase of static page: got %v, want ErrWriteProtected", err)
	}
	if f.Writable(api.BMC, 0x2000) {
		t.Error("bitmap of PCH applied to BMC")
	}

	f.SetEnabled(false)
	if err := bus.ErasePage(0); err != nil {
		t.Errorf("erase with filtering disabled: %v", err)
	}
}
