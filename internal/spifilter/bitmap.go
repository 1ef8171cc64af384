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

// Package spifilter derives per-page write enable bitmaps from manifests and
// installs them into the SPI filter placed between the hosts and their
// flash devices.
package spifilter

import (
	"fmt"

	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
)

// Bitmap holds one write enable bit per device page, addressed by
// addr >> flash.PageShift.
type Bitmap struct {
	pages uint32
	bits  []byte
}

// NewBitmap returns a bitmap for a device of size bytes with every page
// write protected.
func NewBitmap(size uint32) *Bitmap {
	pages := size >> flash.PageShift

	return &Bitmap{
		pages: pages,
		bits:  make([]byte, (pages+7)/8),
	}
}

// Pages returns the number of pages covered.
func (b *Bitmap) Pages() uint32 {
	return b.pages
}

func (b *Bitmap) set(page uint32, writable bool) {
	if writable {
		b.bits[page/8] |= 1 << (page % 8)
	} else {
		b.bits[page/8] &^= 1 << (page % 8)
	}
}

// Writable reports whether the page holding addr is write enabled.
func (b *Bitmap) Writable(addr uint32) bool {
	page := addr >> flash.PageShift
	if page >= b.pages {
		return false
	}
	return b.bits[page/8]&(1<<(page%8)) != 0
}

// WritableRange reports whether every page touched by r is write enabled.
func (b *Bitmap) WritableRange(r flash.Range) bool {
	if r.End <= r.Start {
		return true
	}

	for a := r.Start &^ (flash.PageSize - 1); a < r.End; a += flash.PageSize {
		if !b.Writable(a) {
			return false
		}
	}

	return true
}

// Bytes returns the bitmap in the filter register layout, least significant
// bit first.
func (b *Bitmap) Bytes() []byte {
	return append([]byte{}, b.bits...)
}

// Target describes what Program needs to know about a device.
type Target struct {
	// Size is the device size.
	Size uint32
	// Regions are the regions of the active manifest and of its
	// sub-manifests.
	Regions []pfm.Region
	// ReadOnly are ranges protected regardless of the manifests, such as
	// the manifest storage and the recovery areas.
	ReadOnly []flash.Range
}

// Program computes the write enable bitmap of a device from scratch: pages
// fully inside a dynamic region are writable, pages touching the manifest
// storage, a recovery area or a static region are read only, and every other
// page is read only.
func Program(t Target) (*Bitmap, error) {
	b := NewBitmap(t.Size)

	var protect []flash.Range

	for _, r := range t.Regions {
		if err := check(r.Bounds(), t.Size); err != nil {
			return nil, err
		}

		if _, ok := r.(pfm.DynamicRegion); !ok {
			protect = append(protect, r.Bounds())
			continue
		}

		start := (r.Bounds().Start + flash.PageSize - 1) >> flash.PageShift
		end := r.Bounds().End >> flash.PageShift

		for p := start; p < end; p++ {
			b.set(p, true)
		}
	}

	for _, r := range append(protect, t.ReadOnly...) {
		if err := check(r, t.Size); err != nil {
			return nil, err
		}

		if r.End <= r.Start {
			continue
		}

		for p := r.Start >> flash.PageShift; p <= (r.End-1)>>flash.PageShift; p++ {
			b.set(p, false)
		}
	}

	return b, nil
}

func check(r flash.Range, size uint32) error {
	if r.End > size || r.Start > r.End {
		return fmt.Errorf("%w: region %s outside device of size %#x", flash.ErrOutOfRange, r, size)
	}
	return nil
}
