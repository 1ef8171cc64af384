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

// The rotctl tool builds and inspects signed manifests, update capsules and
// key cancellation certificates for the root of trust.
//
// Usage: rotctl [flags] genkey|manifest|capsule|cancel|logic|inspect [file...]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/capsule"
	"github.com/transparency-dev/armored-witness-rot/internal/config"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

var (
	rootKey     = flag.String("root_key", "", "PEM root private key.")
	cskKey      = flag.String("csk_key", "", "PEM code signing private key, payloads are signed by the root key when empty.")
	cskID       = flag.Uint("csk_id", 0, "Code signing key identifier.")
	cskPerms    = flag.Uint("csk_permissions", 0x7f, "Mask of the content kinds the code signing key may sign.")
	curveName   = flag.String("curve", "p384", "Curve of generated keys (p256, p384).")
	configFile  = flag.String("config_file", "", "YAML platform configuration holding the device layouts.")
	device      = flag.String("device", "bmc", "Managed device (bmc, pch).")
	description = flag.String("description", "", "YAML manifest description.")
	imageFile   = flag.String("image", "", "Flash image or logic image.")
	dynamic     = flag.Bool("dynamic", false, "Include dynamic regions in capsules.")
	subID       = flag.Uint("sub", 0, "Build the capsule of this sub-manifest instead of the device capsule.")
	kind        = flag.String("kind", "", "Content kind whose code signing key is cancelled.")
	svn         = flag.Uint("svn", 0, "Security version of logic capsules.")
	output      = flag.String("output", "", "Output file.")
)

var kinds = map[string]blocksign.Kind{
	"logic":                blocksign.CPLDCapsule,
	"pch-pfm":              blocksign.PCHPFM,
	"pch-capsule":          blocksign.PCHCapsule,
	"bmc-pfm":              blocksign.BMCPFM,
	"bmc-capsule":          blocksign.BMCCapsule,
	"sub-manifest":         blocksign.SubManifest,
	"sub-manifest-capsule": blocksign.SubManifestCapsule,
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] genkey|manifest|capsule|cancel|logic|inspect [file...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		klog.Exitf("%s: %v", flag.Arg(0), err)
	}
}

func run(cmd string, args []string) error {
	c := &primitives.Software{}

	switch cmd {
	case "genkey":
		if *output == "" {
			return fmt.Errorf("-output is required")
		}
		return generateKey(*output, *curveName)

	case "inspect":
		for _, path := range args {
			buf, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			fmt.Printf("%s:\n", path)
			if err := inspect(os.Stdout, c, buf); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		return nil
	}

	if *output == "" {
		return fmt.Errorf("-output is required")
	}

	s, err := signer(c)
	if err != nil {
		return err
	}

	var k blocksign.Kind
	var content []byte

	switch cmd {
	case "manifest":
		k, content, err = manifest(c)
	case "capsule":
		k, content, err = deviceOrSubCapsule()
	case "logic":
		k, content, err = logic()
	case "cancel":
		k, content, err = cancellation()
		// certificates are signed by the root key
		s.CSK = nil
	default:
		return fmt.Errorf("unknown command")
	}
	if err != nil {
		return err
	}

	buf, err := s.Sign(k, content)
	if err != nil {
		return err
	}

	if err := os.WriteFile(*output, buf, 0o644); err != nil {
		return err
	}

	klog.Infof("wrote %d bytes of %s to %q", len(buf), k, *output)

	return nil
}

func signer(c primitives.Service) (*blocksign.Signer, error) {
	if *rootKey == "" {
		return nil, fmt.Errorf("-root_key is required")
	}

	root, err := loadPrivateKey(*rootKey)
	if err != nil {
		return nil, err
	}

	s := &blocksign.Signer{Crypto: c, Root: root}

	if *cskKey != "" {
		if s.CSK, err = loadPrivateKey(*cskKey); err != nil {
			return nil, err
		}
		s.CSKID = uint32(*cskID)
		s.CSKPermissions = uint32(*cskPerms)
	}

	return s, nil
}

func managedDevice() (api.Device, error) {
	for _, d := range api.Devices {
		if strings.EqualFold(d.String(), *device) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown device %q", *device)
}

func layout() (flash.Layout, error) {
	d, err := managedDevice()
	if err != nil {
		return flash.Layout{}, err
	}

	cfg := config.Default()
	if *configFile != "" {
		if cfg, err = config.Load(*configFile); err != nil {
			return flash.Layout{}, err
		}
	}

	return cfg.Layout(d), nil
}

// loadImage returns an emulated device of the given size holding the
// image file.
func loadImage(size uint32) (*flash.Mem, error) {
	buf, err := os.ReadFile(*imageFile)
	if err != nil {
		return nil, err
	}

	if uint64(len(buf)) > uint64(size) {
		return nil, fmt.Errorf("image of %d bytes exceeds device size %#x", len(buf), size)
	}

	dev := flash.NewMem(size)
	if err := flash.Program(dev, 0, (uint32(len(buf))+flash.PageSize-1)&^(flash.PageSize-1), buf); err != nil {
		return nil, err
	}

	return dev, nil
}

func manifest(c primitives.Service) (blocksign.Kind, []byte, error) {
	buf, err := os.ReadFile(*description)
	if err != nil {
		return 0, nil, err
	}

	desc, err := parseDescription(buf)
	if err != nil {
		return 0, nil, err
	}

	if desc.Device != "" {
		*device = desc.Device
	}

	l, err := layout()
	if err != nil {
		return 0, nil, err
	}

	image, err := loadImage(l.Size)
	if err != nil {
		return 0, nil, err
	}

	enc, err := desc.Encode(c, image)
	if err != nil {
		return 0, nil, err
	}

	d, _ := managedDevice()

	switch {
	case desc.SubManifest():
		return blocksign.SubManifest, enc, nil
	case d == api.BMC:
		return blocksign.BMCPFM, enc, nil
	}

	return blocksign.PCHPFM, enc, nil
}

func deviceOrSubCapsule() (blocksign.Kind, []byte, error) {
	l, err := layout()
	if err != nil {
		return 0, nil, err
	}

	image, err := loadImage(l.Size)
	if err != nil {
		return 0, nil, err
	}

	if *subID != 0 {
		content, err := subCapsule(image, l, uint16(*subID), *dynamic)
		return blocksign.SubManifestCapsule, content, err
	}

	content, err := deviceCapsule(image, l, *dynamic)
	if err != nil {
		return 0, nil, err
	}

	if d, _ := managedDevice(); d == api.BMC {
		return blocksign.BMCCapsule, content, nil
	}

	return blocksign.PCHCapsule, content, nil
}

func logic() (blocksign.Kind, []byte, error) {
	image, err := os.ReadFile(*imageFile)
	if err != nil {
		return 0, nil, err
	}

	return blocksign.CPLDCapsule, capsule.MarshalLogic(&capsule.Logic{SVN: uint32(*svn), Image: image}), nil
}

func cancellation() (blocksign.Kind, []byte, error) {
	k, ok := kinds[*kind]
	if !ok {
		return 0, nil, fmt.Errorf("unknown kind %q", *kind)
	}

	return k | blocksign.Cancellation, blocksign.CancellationContent(uint32(*cskID)), nil
}
