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

package main

import (
	"fmt"

	"github.com/cheggaaa/pb/v3"

	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/capsule"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
)

// progress returns a page progress callback drawing a bar on the terminal.
func progress() (func(done, total uint32), func()) {
	var bar *pb.ProgressBar

	update := func(done, total uint32) {
		if bar == nil {
			bar = pb.StartNew(int(total))
		}
		bar.SetCurrent(int64(done))
	}

	finish := func() {
		if bar != nil {
			bar.Finish()
		}
	}

	return update, finish
}

func within(ranges []flash.Range) capsule.Scope {
	return func(addr uint32) bool {
		for _, r := range ranges {
			if r.Contains(addr) {
				return true
			}
		}
		return false
	}
}

func buildPBC(image flash.Device, ranges []flash.Range) ([]byte, error) {
	update, finish := progress()
	defer finish()

	return capsule.Build(image, within(ranges), update)
}

// regionRanges returns the ranges of regions, dynamic regions only when
// dynamic is set.
func regionRanges(regions []pfm.Region, dynamic bool) (ranges []flash.Range) {
	for _, r := range regions {
		if _, ok := r.(pfm.DynamicRegion); ok && !dynamic {
			continue
		}
		ranges = append(ranges, r.Bounds())
	}
	return
}

// activeManifest returns the signed PFM held by image.
func activeManifest(image flash.Device, l flash.Layout) ([]byte, *pfm.Manifest, error) {
	buf, err := flash.ReadAt(image, l.ActivePFM, l.PFMSize)
	if err != nil {
		return nil, nil, err
	}

	p, err := blocksign.Decode(buf, l.PFMSize)
	if err != nil {
		return nil, nil, fmt.Errorf("active manifest: %w", err)
	}

	m, err := pfm.Parse(p.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("active manifest: %w", err)
	}

	return buf[:p.Length()], m, nil
}

// deviceCapsule returns the protected content of a device capsule carrying
// the manifest area and the regions of image.
func deviceCapsule(image flash.Device, l flash.Layout, dynamic bool) ([]byte, error) {
	signed, m, err := activeManifest(image, l)
	if err != nil {
		return nil, err
	}

	pbc, err := buildPBC(image, append(regionRanges(m.Regions(), dynamic), l.PFMArea()))
	if err != nil {
		return nil, err
	}

	return append(append([]byte{}, signed...), pbc...), nil
}

// subCapsule returns the protected content of the capsule of sub-manifest
// id, as referenced by the active manifest of image.
func subCapsule(image flash.Device, l flash.Layout, id uint16, dynamic bool) ([]byte, error) {
	_, m, err := activeManifest(image, l)
	if err != nil {
		return nil, err
	}

	for _, ref := range m.SubManifests() {
		if ref.Identity != id {
			continue
		}

		buf, err := flash.ReadAt(image, ref.Active.Start, ref.Active.End-ref.Active.Start)
		if err != nil {
			return nil, err
		}

		p, err := blocksign.Decode(buf, ref.Active.End-ref.Active.Start)
		if err != nil {
			return nil, fmt.Errorf("sub-manifest %#04x: %w", id, err)
		}

		s, err := pfm.ParseSubManifest(p.Content)
		if err != nil {
			return nil, fmt.Errorf("sub-manifest %#04x: %w", id, err)
		}

		pbc, err := buildPBC(image, append(regionRanges(s.Regions(), dynamic), ref.Active))
		if err != nil {
			return nil, err
		}

		return append(append([]byte{}, buf[:p.Length()]...), pbc...), nil
	}

	return nil, fmt.Errorf("no sub-manifest %#04x in the active manifest", id)
}
