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

package keystore

import (
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-witness-rot/rpmb"
)

// Memory is an in-memory Sectors implementation.
type Memory struct {
	mu      sync.Mutex
	sectors map[uint16][]byte

	// Writes counts sector writes.
	Writes int
}

// NewMemory returns an empty in-memory sector store.
func NewMemory() *Memory {
	return &Memory{sectors: make(map[uint16][]byte)}
}

func (m *Memory) Read(offset uint16, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(buf) > rpmb.SectorSize {
		return fmt.Errorf("read of %d bytes exceeds sector size", len(buf))
	}

	b := m.sectors[offset]
	n := copy(buf, b)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}

	return nil
}

func (m *Memory) Write(offset uint16, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(buf) > rpmb.SectorSize {
		return fmt.Errorf("write of %d bytes exceeds sector size", len(buf))
	}

	b := make([]byte, rpmb.SectorSize)
	copy(b, buf)
	m.sectors[offset] = b
	m.Writes++

	return nil
}
