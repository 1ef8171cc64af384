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

// Package testonly provides keys, images and capsules for tests of the root
// of trust.
package testonly

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/capsule"
	"github.com/transparency-dev/armored-witness-rot/internal/config"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/keystore"
	"github.com/transparency-dev/armored-witness-rot/internal/pfm"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

const (
	// DeviceSize is the size of both test flash devices.
	DeviceSize = 0x40000
	// SubID is the identity of the sub-manifest attached to test images.
	SubID = 0x1234
	// CSKID is the identifier of the test code signing key.
	CSKID = 7
)

// Regions of the test images.
var (
	StaticLow   = flash.Range{Start: 0x0000, End: 0x2000}
	Dynamic     = flash.Range{Start: 0x2000, End: 0x4000}
	StaticHigh  = flash.Range{Start: 0x4000, End: 0x8000}
	SubActive   = flash.Range{Start: 0x9000, End: 0xa000}
	SubStatic   = flash.Range{Start: 0xa000, End: 0xc000}
	SubRecovery = flash.Range{Start: 0x30000, End: 0x34000}
	// SubDynamic is declared by sub-manifests built with WithSubDynamic.
	SubDynamic = flash.Range{Start: 0xc000, End: 0xd000}
)

// Layout returns the layout of both test devices.
func Layout() flash.Layout {
	return flash.Layout{
		Size:         DeviceSize,
		ActivePFM:    0x8000,
		PFMSize:      0x1000,
		Recovery:     0x10000,
		RecoverySize: 0x10000,
		Staging:      0x20000,
		StagingSize:  0x10000,
	}
}

// Config returns a platform configuration with short timeouts.
func Config() *config.Config {
	c := config.Default()

	c.Tick = time.Millisecond
	c.Watchdog = config.Watchdog{
		BMC:      10 * time.Millisecond,
		ME:       5 * time.Millisecond,
		BIOS:     5 * time.Millisecond,
		MaxPause: 50 * time.Millisecond,
	}
	c.MaxFailedUpdates = 3
	c.BMC = Layout()
	c.PCH = Layout()
	c.Logic = config.Logic{
		StagingOffset: 0xc000,
		SlotSize:      0x4000,
	}

	return c
}

// Keys holds a root key and a code signing key allowed to sign every
// content kind.
type Keys struct {
	Crypto *primitives.Software
	Root   *ecdsa.PrivateKey
	CSK    *ecdsa.PrivateKey
}

// NewKeys generates fresh keys.
func NewKeys(t testing.TB) *Keys {
	t.Helper()

	k := &Keys{Crypto: &primitives.Software{}}

	var err error
	if k.Root, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader); err != nil {
		t.Fatal(err)
	}
	if k.CSK, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		t.Fatal(err)
	}

	return k
}

// RootHash returns the provisioning hash of the root key.
func (k *Keys) RootHash(t testing.TB) []byte {
	t.Helper()

	pub, err := primitives.PublicKeyOf(&k.Root.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	return blocksign.RootKeyHash(k.Crypto, pub)
}

// Provision returns a key store holding the root key hash.
func (k *Keys) Provision(t testing.TB) *keystore.Store {
	t.Helper()

	s := keystore.New(keystore.NewMemory())
	if err := s.Provision([][]byte{k.RootHash(t)}); err != nil {
		t.Fatal(err)
	}

	return s
}

// Signer returns a signer using the code signing key.
func (k *Keys) Signer() *blocksign.Signer {
	return &blocksign.Signer{
		Crypto:         k.Crypto,
		Root:           k.Root,
		CSK:            k.CSK,
		CSKID:          CSKID,
		CSKPermissions: uint32(1)<<(blocksign.SubManifestCapsule+1) - 1,
	}
}

// Sign signs content with the code signing key.
func (k *Keys) Sign(t testing.TB, kind blocksign.Kind, content []byte) []byte {
	t.Helper()

	b, err := k.Signer().Sign(kind, content)
	if err != nil {
		t.Fatal(err)
	}

	return b
}

// Cancellation returns a root signed certificate cancelling the code signing
// key for kind.
func (k *Keys) Cancellation(t testing.TB, kind blocksign.Kind) []byte {
	t.Helper()

	s := &blocksign.Signer{Crypto: k.Crypto, Root: k.Root}

	b, err := s.Sign(kind|blocksign.Cancellation, blocksign.CancellationContent(CSKID))
	if err != nil {
		t.Fatal(err)
	}

	return b
}

// Image is a firmware image for one of the test devices.
type Image struct {
	Device      api.Device
	Manifest    *pfm.Manifest
	SubManifest *pfm.SubManifest
	// PFM and Sub are the signed manifests.
	PFM []byte
	Sub []byte
	// Flash holds the active image, its recovery and staging regions are
	// erased.
	Flash *flash.Mem
}

func fill(t testing.TB, dev flash.Device, r flash.Range, seed byte) []byte {
	t.Helper()

	buf := make([]byte, r.End-r.Start)
	for i := range buf {
		buf[i] = seed ^ byte(i) ^ byte(i>>8)
	}

	if err := flash.Program(dev, r.Start, r.End-r.Start, buf); err != nil {
		t.Fatal(err)
	}

	return buf
}

func pfmKind(d api.Device) blocksign.Kind {
	if d == api.BMC {
		return blocksign.BMCPFM
	}
	return blocksign.PCHPFM
}

// CapsuleKind returns the capsule content kind of d.
func CapsuleKind(d api.Device) blocksign.Kind {
	if d == api.BMC {
		return blocksign.BMCCapsule
	}
	return blocksign.PCHCapsule
}

// NewImage builds an image of d declaring the given security version and
// major revision, seed varies the content of its regions.
func NewImage(t testing.TB, k *Keys, d api.Device, svn, major uint8, seed byte) *Image {
	t.Helper()

	l := Layout()
	img := &Image{Device: d, Flash: flash.NewMem(DeviceSize)}

	low := fill(t, img.Flash, StaticLow, seed)
	fill(t, img.Flash, Dynamic, seed+1)
	high := fill(t, img.Flash, StaticHigh, seed+2)
	sub := fill(t, img.Flash, SubStatic, seed+3)

	img.SubManifest = &pfm.SubManifest{
		Identity: SubID,
		SVN:      svn,
		Major:    major,
		Definitions: []pfm.Definition{
			pfm.StaticRegion{
				Range:   SubStatic,
				Mask:    pfm.ReadAllowed,
				Digests: []pfm.Digest{{Alg: primitives.SHA256, Sum: k.Crypto.Hash(primitives.SHA256, sub)}},
			},
		},
	}

	enc, err := img.SubManifest.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	img.Sub = k.Sign(t, blocksign.SubManifest, enc)

	img.Manifest = &pfm.Manifest{
		SVN:   svn,
		Major: major,
		Definitions: []pfm.Definition{
			pfm.StaticRegion{
				Range:   StaticLow,
				Mask:    pfm.ReadAllowed,
				Digests: []pfm.Digest{{Alg: primitives.SHA256, Sum: k.Crypto.Hash(primitives.SHA256, low)}},
			},
			pfm.DynamicRegion{
				Range: Dynamic,
				Mask:  pfm.ReadAllowed | pfm.WriteAllowed | pfm.RecoverOnFirst,
			},
			pfm.StaticRegion{
				Range:   StaticHigh,
				Mask:    pfm.ReadAllowed,
				Digests: []pfm.Digest{{Alg: primitives.SHA384, Sum: k.Crypto.Hash(primitives.SHA384, high)}},
			},
			pfm.BusRule{BusID: 1, RuleID: 1, Address: 0x70},
			pfm.SubManifestRef{Identity: SubID, Active: SubActive, Recovery: SubRecovery},
			pfm.DynamicRegion{
				Range: l.StagingArea(),
				Mask:  pfm.ReadAllowed | pfm.WriteAllowed,
			},
		},
	}

	if enc, err = img.Manifest.Marshal(); err != nil {
		t.Fatal(err)
	}
	img.PFM = k.Sign(t, pfmKind(d), enc)

	if err := flash.Program(img.Flash, SubActive.Start, SubActive.End-SubActive.Start, img.Sub); err != nil {
		t.Fatal(err)
	}

	if err := flash.Program(img.Flash, l.ActivePFM, l.PFMSize, img.PFM); err != nil {
		t.Fatal(err)
	}

	return img
}

func within(ranges ...flash.Range) capsule.Scope {
	return func(addr uint32) bool {
		for _, r := range ranges {
			if r.Contains(addr) {
				return true
			}
		}
		return false
	}
}

// Capsule returns the signed device capsule of the image.
func (img *Image) Capsule(t testing.TB, k *Keys) []byte {
	t.Helper()

	pbc, err := capsule.Build(img.Flash, within(StaticLow, Dynamic, StaticHigh, Layout().PFMArea()), nil)
	if err != nil {
		t.Fatal(err)
	}

	return k.Sign(t, CapsuleKind(img.Device), append(append([]byte{}, img.PFM...), pbc...))
}

// WithSubDynamic declares a dynamic region over SubDynamic in the
// sub-manifest of the image, and signs the sub-manifest again.
func (img *Image) WithSubDynamic(t testing.TB, k *Keys, seed byte) {
	t.Helper()

	fill(t, img.Flash, SubDynamic, seed)

	img.SubManifest.Definitions = append(img.SubManifest.Definitions, pfm.DynamicRegion{
		Range: SubDynamic,
		Mask:  pfm.ReadAllowed | pfm.WriteAllowed | pfm.RecoverOnFirst,
	})

	enc, err := img.SubManifest.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	img.Sub = k.Sign(t, blocksign.SubManifest, enc)

	Write(t, img.Flash, SubActive.Start, SubActive.End-SubActive.Start, img.Sub)
}

// SubCapsule returns the signed sub-manifest capsule of the image, covering
// the sub-manifest slot and every region it declares.
func (img *Image) SubCapsule(t testing.TB, k *Keys) []byte {
	t.Helper()

	scope := []flash.Range{SubActive}
	for _, r := range img.SubManifest.Regions() {
		scope = append(scope, r.Bounds())
	}

	pbc, err := capsule.Build(img.Flash, within(scope...), nil)
	if err != nil {
		t.Fatal(err)
	}

	return k.Sign(t, blocksign.SubManifestCapsule, append(append([]byte{}, img.Sub...), pbc...))
}

// LogicCapsule returns a signed logic image capsule.
func LogicCapsule(t testing.TB, k *Keys, svn uint32, seed byte) []byte {
	t.Helper()

	image := make([]byte, 0x800)
	for i := range image {
		image[i] = seed ^ byte(i)
	}

	return k.Sign(t, blocksign.CPLDCapsule, capsule.MarshalLogic(&capsule.Logic{SVN: svn, Image: image}))
}

// Device returns a flash device holding the active image, with its
// capsules in the recovery region and sub-manifest recovery slot.
func Device(t testing.TB, k *Keys, img *Image) *flash.Mem {
	t.Helper()

	l := Layout()
	dev := flash.NewMem(DeviceSize)

	buf, err := flash.ReadAt(img.Flash, 0, DeviceSize)
	if err != nil {
		t.Fatal(err)
	}

	if err := flash.Program(dev, 0, DeviceSize, buf); err != nil {
		t.Fatal(err)
	}

	Write(t, dev, l.Recovery, l.RecoverySize, img.Capsule(t, k))
	Write(t, dev, SubRecovery.Start, SubRecovery.End-SubRecovery.Start, img.SubCapsule(t, k))

	return dev
}

// Write programs buf into the region of dev at addr.
func Write(t testing.TB, dev flash.Device, addr, size uint32, buf []byte) {
	t.Helper()

	if err := flash.Program(dev, addr, size, buf); err != nil {
		t.Fatal(err)
	}
}

// Stage writes buf at the start of the staging region of dev, only the
// pages it needs are erased.
func Stage(t testing.TB, dev flash.Device, buf []byte) {
	t.Helper()

	size := (uint32(len(buf)) + flash.PageSize - 1) &^ (flash.PageSize - 1)
	Write(t, dev, Layout().Staging, size, buf)
}

// StageLogic writes a logic capsule into the logic staging range of the BMC
// device.
func StageLogic(t testing.TB, dev flash.Device, buf []byte) {
	t.Helper()

	r := Config().LogicStaging()
	Write(t, dev, r.Start, r.End-r.Start, buf)
}

// Corrupt flips a byte of dev at addr.
func Corrupt(t testing.TB, dev flash.Device, addr uint32) {
	t.Helper()

	page := addr &^ (flash.PageSize - 1)

	buf, err := flash.ReadAt(dev, page, flash.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	buf[addr-page] ^= 0xff

	Write(t, dev, page, flash.PageSize, buf)
}

// Dump returns the content of r.
func Dump(t testing.TB, dev flash.Device, r flash.Range) []byte {
	t.Helper()

	buf, err := flash.ReadAt(dev, r.Start, r.End-r.Start)
	if err != nil {
		t.Fatal(err)
	}

	return buf
}
