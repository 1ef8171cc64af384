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

package attest

import (
	"fmt"
	"sync"

	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"
)

// Journal is an append-only Merkle log of platform events. Only the compact
// range is kept, which is enough to commit to every entry ever appended.
type Journal struct {
	mu sync.Mutex
	r  *compact.Range
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	rf := &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}

	return &Journal{
		r: rf.NewEmptyRange(0),
	}
}

// Append adds an entry and returns its index.
func (j *Journal) Append(entry string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	idx := j.r.End()

	if err := j.r.Append(rfc6962.DefaultHasher.HashLeaf([]byte(entry)), nil); err != nil {
		return 0, fmt.Errorf("journal append: %w", err)
	}

	return idx, nil
}

// Checkpoint returns the current journal size and root hash.
func (j *Journal) Checkpoint() (size uint64, root []byte, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.r.End() == 0 {
		return 0, rfc6962.DefaultHasher.EmptyRoot(), nil
	}

	if root, err = j.r.GetRootHash(nil); err != nil {
		return 0, nil, fmt.Errorf("journal root: %w", err)
	}

	return j.r.End(), root, nil
}
