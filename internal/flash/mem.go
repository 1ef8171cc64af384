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

package flash

import (
	"fmt"
	"sync"
)

// Mem is an in-memory flash device.
//
// Rather than allocating the entire device, it uses a map internally to
// associate page buffers with page numbers, pages absent from the map read
// as erased.
type Mem struct {
	mu    sync.Mutex
	size  uint32
	pages map[uint32][]byte

	// Erases counts page erase operations.
	Erases int
	// OnErase, when set, is invoked after every page erase.
	OnErase func(addr uint32)
}

// NewMem creates an erased in-memory device of size bytes.
func NewMem(size uint32) *Mem {
	if size%PageSize != 0 {
		panic(fmt.Sprintf("device size %#x is not page aligned", size))
	}

	return &Mem{
		size:  size,
		pages: make(map[uint32][]byte),
	}
}

func (m *Mem) Size() uint32 {
	return m.size
}

func (m *Mem) check(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(m.size) {
		return fmt.Errorf("%w: %#x+%#x exceeds %#x", ErrOutOfRange, addr, n, m.size)
	}
	return nil
}

func (m *Mem) Read(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(addr, len(buf)); err != nil {
		return err
	}

	for i := 0; i < len(buf); {
		a := addr + uint32(i)
		off := a % PageSize
		n := min(int(PageSize-off), len(buf)-i)

		if p, ok := m.pages[a>>PageShift]; ok {
			copy(buf[i:i+n], p[off:])
		} else {
			for j := i; j < i+n; j++ {
				buf[j] = Erased
			}
		}

		i += n
	}

	return nil
}

func (m *Mem) ErasePage(addr uint32) error {
	m.mu.Lock()

	if addr%PageSize != 0 {
		m.mu.Unlock()
		return fmt.Errorf("unaligned erase at %#x", addr)
	}

	if err := m.check(addr, PageSize); err != nil {
		m.mu.Unlock()
		return err
	}

	delete(m.pages, addr>>PageShift)
	m.Erases++
	hook := m.OnErase
	m.mu.Unlock()

	if hook != nil {
		hook(addr)
	}

	return nil
}

// Write programs buf at addr, emulating NOR flash semantics where
// programming can only clear bits.
func (m *Mem) Write(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(addr, len(buf)); err != nil {
		return err
	}

	for i := 0; i < len(buf); {
		a := addr + uint32(i)
		off := a % PageSize
		n := min(int(PageSize-off), len(buf)-i)

		p, ok := m.pages[a>>PageShift]
		if !ok {
			p = make([]byte, PageSize)
			for j := range p {
				p[j] = Erased
			}
			m.pages[a>>PageShift] = p
		}

		for j := 0; j < n; j++ {
			p[int(off)+j] &= buf[i+j]
		}

		i += n
	}

	return nil
}
