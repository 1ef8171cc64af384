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

// Package capsule decodes update capsules and applies their page compressed
// backup (PBC) payload onto a managed flash device.
//
// A device capsule is the signed manifest of the image followed by the PBC:
// a bitmap with one bit per device page, most significant bit first, and the
// literal content of every flagged page in ascending page order.
package capsule

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
)

const (
	// Tag identifies a PBC header.
	Tag = 0x5f504243
	// Version is the supported PBC version.
	Version = 2
	// HeaderLength is the PBC header size.
	HeaderLength = 128

	pattern = flash.Erased
)

// ErrFormat is wrapped by every decoding error.
var ErrFormat = errors.New("malformed capsule")

func formatErr(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, a...))
}

// Scope selects the device addresses an application may write.
type Scope func(addr uint32) bool

// All is the scope including every page.
func All(uint32) bool { return true }

// PBC is a decoded page compressed backup.
type PBC struct {
	pages   uint32
	bitmap  []byte
	payload []byte
	// offsets maps flagged pages to their literal offset in payload.
	offsets map[uint32]uint32
}

// ParsePBC decodes a PBC, bytes past the declared payload are ignored.
func ParsePBC(buf []byte) (p *PBC, err error) {
	if len(buf) < HeaderLength {
		return nil, formatErr("short PBC header")
	}

	h := struct {
		tag, version, pageSize, patternSize, pattern, nbit, length uint32
	}{
		binary.LittleEndian.Uint32(buf[0:]),
		binary.LittleEndian.Uint32(buf[4:]),
		binary.LittleEndian.Uint32(buf[8:]),
		binary.LittleEndian.Uint32(buf[12:]),
		binary.LittleEndian.Uint32(buf[16:]),
		binary.LittleEndian.Uint32(buf[20:]),
		binary.LittleEndian.Uint32(buf[24:]),
	}

	switch {
	case h.tag != Tag:
		return nil, formatErr("bad PBC tag %#x", h.tag)
	case h.version != Version:
		return nil, formatErr("unsupported PBC version %d", h.version)
	case h.pageSize != flash.PageSize:
		return nil, formatErr("unsupported page size %#x", h.pageSize)
	case h.patternSize != 1 || h.pattern != pattern:
		return nil, formatErr("unsupported erase pattern %#x/%d", h.pattern, h.patternSize)
	case h.nbit == 0 || h.nbit%8 != 0:
		return nil, formatErr("bitmap size %d is not a non-zero multiple of 8", h.nbit)
	}

	end := uint64(HeaderLength) + uint64(h.nbit/8)
	if end > uint64(len(buf)) {
		return nil, formatErr("truncated bitmap")
	}

	p = &PBC{
		pages:   h.nbit,
		bitmap:  buf[HeaderLength:end],
		offsets: make(map[uint32]uint32),
	}

	var n uint32
	for _, b := range p.bitmap {
		n += uint32(bits.OnesCount8(b))
	}

	if uint64(h.length) != uint64(n)*flash.PageSize {
		return nil, formatErr("payload length %d does not match %d flagged pages", h.length, n)
	}

	if end+uint64(h.length) > uint64(len(buf)) {
		return nil, formatErr("truncated payload")
	}

	p.payload = buf[end : end+uint64(h.length)]

	off := uint32(0)
	for page := uint32(0); page < p.pages; page++ {
		if p.flagged(page) {
			p.offsets[page] = off
			off += flash.PageSize
		}
	}

	return
}

func (p *PBC) flagged(page uint32) bool {
	return p.bitmap[page/8]&(0x80>>(page%8)) != 0
}

// Size returns the size of the address space covered by the bitmap.
func (p *PBC) Size() uint32 {
	return p.pages * flash.PageSize
}

// Flagged returns the number of pages carried by the PBC.
func (p *PBC) Flagged() int {
	return len(p.offsets)
}

// Page returns the literal content of the page at the page aligned addr, if
// the PBC carries it.
func (p *PBC) Page(addr uint32) ([]byte, bool) {
	off, ok := p.offsets[addr>>flash.PageShift]
	if !ok || addr%flash.PageSize != 0 {
		return nil, false
	}
	return p.payload[off : off+flash.PageSize], true
}

// View returns the content of r as left by applying the PBC to an erased
// device.
func (p *PBC) View(r flash.Range) ([]byte, error) {
	if r.End < r.Start || r.End > p.Size() {
		return nil, formatErr("view %s outside %#x", r, p.Size())
	}

	buf := make([]byte, r.End-r.Start)

	for a := r.Start; a < r.End; {
		base := a &^ (flash.PageSize - 1)
		n := min(base+flash.PageSize, r.End) - a

		if page, ok := p.Page(base); ok {
			copy(buf[a-r.Start:], page[a-base:a-base+n])
		} else {
			for i := a - r.Start; i < a-r.Start+n; i++ {
				buf[i] = pattern
			}
		}

		a += n
	}

	return buf, nil
}

// Stats summarizes an application.
type Stats struct {
	Written int
	Skipped int
}

// Apply walks the bitmap in ascending page order, for every flagged page
// within scope it erases the page and writes its literal content, pages out
// of scope still consume their literal content and unflagged pages are left
// untouched.
//
// Every page is erased and written as a unit, an interrupted application
// leaves unflagged pages intact and can be resumed by applying again.
func (p *PBC) Apply(dev flash.Device, scope Scope) (s Stats, err error) {
	for page := uint32(0); page < p.pages; page++ {
		off, ok := p.offsets[page]
		if !ok {
			continue
		}

		addr := page << flash.PageShift

		if !scope(addr) {
			s.Skipped++
			continue
		}

		if uint64(addr)+flash.PageSize > uint64(dev.Size()) {
			return s, fmt.Errorf("%w: page %#x beyond device size %#x", flash.ErrOutOfRange, addr, dev.Size())
		}

		if err = dev.ErasePage(addr); err != nil {
			return
		}

		if err = dev.Write(addr, p.payload[off:off+flash.PageSize]); err != nil {
			return
		}

		s.Written++
		klog.V(2).Infof("applied page %#x", addr)
	}

	return
}

// Capsule is a decoded device or sub-manifest capsule.
type Capsule struct {
	// Manifest is the embedded signed manifest.
	Manifest []byte
	PBC      *PBC
}

// Parse decodes the protected content of a capsule, the embedded manifest
// is not verified.
func Parse(content []byte) (*Capsule, error) {
	m, err := blocksign.Decode(content, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: embedded manifest: %w", ErrFormat, err)
	}

	pbc, err := ParsePBC(content[m.Length():])
	if err != nil {
		return nil, err
	}

	return &Capsule{
		Manifest: content[:m.Length()],
		PBC:      pbc,
	}, nil
}

// SVN returns the security version of the manifest embedded in the
// protected content of a capsule.
func SVN(content []byte) (uint32, error) {
	if len(content) < blocksign.HeaderLength {
		return 0, formatErr("short capsule")
	}
	return pfm.SVNOf(content[blocksign.HeaderLength:])
}
