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

package capsule

import (
	"encoding/binary"

	"github.com/transparency-dev/armored-witness-rot/internal/flash"
)

// Build encodes a PBC carrying the pages of dev selected by include. The
// optional progress callback is invoked after every page.
func Build(dev flash.Device, include Scope, progress func(done, total uint32)) ([]byte, error) {
	pages := dev.Size() >> flash.PageShift
	nbit := (pages + 7) &^ 7

	bitmap := make([]byte, nbit/8)
	var payload []byte

	for page := uint32(0); page < pages; page++ {
		addr := page << flash.PageShift

		if include(addr) {
			buf, err := flash.ReadAt(dev, addr, flash.PageSize)
			if err != nil {
				return nil, err
			}

			bitmap[page/8] |= 0x80 >> (page % 8)
			payload = append(payload, buf...)
		}

		if progress != nil {
			progress(page+1, pages)
		}
	}

	hdr := make([]byte, HeaderLength)
	binary.LittleEndian.PutUint32(hdr[0:], Tag)
	binary.LittleEndian.PutUint32(hdr[4:], Version)
	binary.LittleEndian.PutUint32(hdr[8:], flash.PageSize)
	binary.LittleEndian.PutUint32(hdr[12:], 1)
	binary.LittleEndian.PutUint32(hdr[16:], pattern)
	binary.LittleEndian.PutUint32(hdr[20:], nbit)
	binary.LittleEndian.PutUint32(hdr[24:], uint32(len(payload)))

	return append(append(hdr, bitmap...), payload...), nil
}
