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
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
)

// ErrWriteProtected is returned for host writes to protected pages.
var ErrWriteProtected = errors.New("write protected")

// Filter is the SPI filter device.
type Filter interface {
	// Install replaces the write enable bitmap of a device.
	Install(d api.Device, b *Bitmap) error
	// Writable reports whether hosts may write the page holding addr.
	Writable(d api.Device, addr uint32) bool
	// SetEnabled enables or disables filtering of every device.
	SetEnabled(enabled bool)
}

// Emulated is an in-memory filter.
type Emulated struct {
	mu      sync.Mutex
	bitmaps map[api.Device]*Bitmap
	enabled bool

	// Installs counts bitmap installations.
	Installs int
}

// NewEmulated returns an enabled filter protecting every page until
// bitmaps are installed.
func NewEmulated() *Emulated {
	return &Emulated{
		bitmaps: make(map[api.Device]*Bitmap),
		enabled: true,
	}
}

func (f *Emulated) Install(d api.Device, b *Bitmap) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bitmaps[d] = &Bitmap{pages: b.pages, bits: b.Bytes()}
	f.Installs++

	klog.V(1).Infof("installed %s write enable bitmap (%d pages)", d, b.pages)

	return nil
}

func (f *Emulated) Writable(d api.Device, addr uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return true
	}

	b, ok := f.bitmaps[d]
	return ok && b.Writable(addr)
}

func (f *Emulated) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.enabled = enabled
}

// Bus is the host side view of a managed flash device: reads pass through,
// erases and writes are checked against the filter.
type Bus struct {
	Device api.Device
	Flash  flash.Device
	Filter Filter
}

func (b *Bus) Size() uint32 {
	return b.Flash.Size()
}

func (b *Bus) Read(addr uint32, buf []byte) error {
	return b.Flash.Read(addr, buf)
}

func (b *Bus) ErasePage(addr uint32) error {
	if !b.Filter.Writable(b.Device, addr) {
		return fmt.Errorf("%s erase at %#x: %w", b.Device, addr, ErrWriteProtected)
	}
	return b.Flash.ErasePage(addr)
}

func (b *Bus) Write(addr uint32, buf []byte) error {
	for a := addr &^ (flash.PageSize - 1); a < addr+uint32(len(buf)); a += flash.PageSize {
		if !b.Filter.Writable(b.Device, a) {
			return fmt.Errorf("%s write at %#x: %w", b.Device, a, ErrWriteProtected)
		}
	}
	return b.Flash.Write(addr, buf)
}
