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

// Package flash defines the managed SPI flash device contract and the layout
// of the regions the root of trust maintains on it.
package flash

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

const (
	// PageShift is the log2 of the erase page size.
	PageShift = 12
	// PageSize is the erase and protection granularity.
	PageSize = 1 << PageShift
	// Erased is the value of an erased flash byte.
	Erased = 0xff

	batchPages = 16
)

// ErrOutOfRange is returned for accesses beyond the device bounds.
var ErrOutOfRange = errors.New("address out of range")

// Device is a managed flash device as seen from the root of trust, which has
// exclusive access to it while hosts are held in reset or filtered.
type Device interface {
	// Size returns the device size in bytes, a multiple of PageSize.
	Size() uint32
	// Read fills buf with the content at addr.
	Read(addr uint32, buf []byte) error
	// ErasePage sets the page at the page aligned addr to Erased.
	ErasePage(addr uint32) error
	// Write programs buf at addr, which must lie in erased pages.
	Write(addr uint32, buf []byte) error
}

// Range is a half open address range [Start, End).
type Range struct {
	Start uint32
	End   uint32
}

// Contains reports whether addr lies in the range.
func (r Range) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// Overlaps reports whether two ranges share any address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Aligned reports whether both bounds are page aligned.
func (r Range) Aligned() bool {
	return r.Start%PageSize == 0 && r.End%PageSize == 0
}

func (r Range) String() string {
	return fmt.Sprintf("%#x-%#x", r.Start, r.End)
}

// Layout describes the fixed regions the root of trust maintains on a
// managed device.
type Layout struct {
	// Size is the device size in bytes.
	Size uint32 `yaml:"size"`
	// ActivePFM is the offset of the signed manifest of the active region.
	ActivePFM uint32 `yaml:"active_pfm"`
	// PFMSize is the space reserved for the signed active manifest.
	PFMSize uint32 `yaml:"pfm_size"`
	// Recovery is the offset of the recovery capsule.
	Recovery uint32 `yaml:"recovery"`
	// RecoverySize is the size of the recovery region.
	RecoverySize uint32 `yaml:"recovery_size"`
	// Staging is the offset of the host writable staging region.
	Staging uint32 `yaml:"staging"`
	// StagingSize is the size of the staging region.
	StagingSize uint32 `yaml:"staging_size"`
}

// PFMArea returns the range reserved for the active manifest.
func (l Layout) PFMArea() Range {
	return Range{l.ActivePFM, l.ActivePFM + l.PFMSize}
}

// RecoveryArea returns the recovery region range.
func (l Layout) RecoveryArea() Range {
	return Range{l.Recovery, l.Recovery + l.RecoverySize}
}

// StagingArea returns the staging region range.
func (l Layout) StagingArea() Range {
	return Range{l.Staging, l.Staging + l.StagingSize}
}

// Validate checks that the regions are page aligned, lie within the device
// and do not overlap.
func (l Layout) Validate() error {
	if l.Size == 0 || l.Size%PageSize != 0 {
		return fmt.Errorf("device size %#x is not a non-zero multiple of %#x", l.Size, PageSize)
	}

	regions := []struct {
		name string
		r    Range
	}{
		{"pfm", l.PFMArea()},
		{"recovery", l.RecoveryArea()},
		{"staging", l.StagingArea()},
	}

	for i, a := range regions {
		if a.r.End <= a.r.Start {
			return fmt.Errorf("%s region is empty", a.name)
		}
		if !a.r.Aligned() {
			return fmt.Errorf("%s region %s is not page aligned", a.name, a.r)
		}
		if a.r.End > l.Size {
			return fmt.Errorf("%s region %s exceeds device size %#x", a.name, a.r, l.Size)
		}
		for _, b := range regions[i+1:] {
			if a.r.Overlaps(b.r) {
				return fmt.Errorf("%s region %s overlaps %s region %s", a.name, a.r, b.name, b.r)
			}
		}
	}

	return nil
}

// ReadAt returns n bytes at addr.
func ReadAt(dev Device, addr uint32, n uint32) ([]byte, error) {
	if uint64(addr)+uint64(n) > uint64(dev.Size()) {
		return nil, fmt.Errorf("%w: read %#x+%#x", ErrOutOfRange, addr, n)
	}

	buf := make([]byte, n)

	if err := dev.Read(addr, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// Program erases the pages of the region at addr and writes buf to it, the
// region must be page aligned and large enough to hold buf.
//
// Since this function erases whole pages, trailing bytes of the last page
// are left erased.
func Program(dev Device, addr uint32, size uint32, buf []byte) (err error) {
	if addr%PageSize != 0 {
		return fmt.Errorf("unaligned program address %#x", addr)
	}

	if uint32(len(buf)) > size {
		return fmt.Errorf("%d bytes do not fit region of %d bytes", len(buf), size)
	}

	if uint64(addr)+uint64(size) > uint64(dev.Size()) {
		return fmt.Errorf("%w: program %#x+%#x", ErrOutOfRange, addr, size)
	}

	pages := (size + PageSize - 1) / PageSize
	batch := uint32(batchPages)

	for i := uint32(0); i < pages; i += batch {
		if i+batch > pages {
			batch = pages - i
		}

		for p := i; p < i+batch; p++ {
			a := addr + p*PageSize

			if err = dev.ErasePage(a); err != nil {
				return
			}

			if off := p * PageSize; off < uint32(len(buf)) {
				end := min(off+PageSize, uint32(len(buf)))

				if err = dev.Write(a, buf[off:end]); err != nil {
					return
				}
			}
		}

		klog.V(2).Infof("programmed %d/%d pages at %#x", i+batch, pages, addr)
	}

	return
}
