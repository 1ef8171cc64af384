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

// The rotsim tool runs the root of trust control loop against emulated
// flash devices, key store and hosts, only useful for development work.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/attest"
	"github.com/transparency-dev/armored-witness-rot/internal/blocksign"
	"github.com/transparency-dev/armored-witness-rot/internal/config"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
	"github.com/transparency-dev/armored-witness-rot/internal/keystore"
	"github.com/transparency-dev/armored-witness-rot/internal/mailbox"
	"github.com/transparency-dev/armored-witness-rot/internal/platform"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
	"github.com/transparency-dev/armored-witness-rot/internal/spifilter"
	"github.com/transparency-dev/armored-witness-rot/rpmb"
)

// Build information, set with -ldflags "-X main.Version=... -X main.Revision=...".
var (
	Version  string
	Revision string
)

// rpmbSectors is the size of the emulated RPMB partition.
const rpmbSectors = 64

var (
	configFile     = flag.String("config_file", "", "YAML platform configuration, defaults apply when empty.")
	bmcImage       = flag.String("bmc_image", "", "BMC flash image.")
	pchImage       = flag.String("pch_image", "", "PCH flash image.")
	logicImage     = flag.String("logic_image", "", "Optional logic image store content.")
	rootKeyFiles   = flag.String("root_key_files", "", "Comma separated PEM root public keys to provision, the platform stays unprovisioned when empty.")
	rpmbSecret     = flag.String("rpmb_secret", "00", "Hex encoded secret the RPMB key is derived from.")
	persist        = flag.Bool("persist", false, "Write the flash images back on exit.")
	listen         = flag.String("listen", ":8080", "Address serving /metrics.")
	bootDelay      = flag.Duration("boot_delay", time.Second, "Time taken by every emulated boot stage.")
	hangStages     = flag.String("hang", "", "Comma separated boot stages (bmc, me, bios) which never complete.")
	statusInterval = flag.Duration("status_interval", 10*time.Second, "Period of status reports.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	klog.Infof("rotsim %s (%s)", Version, Revision)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		klog.Exitf("%v", err)
	}
}

func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		return config.Default(), nil
	}
	return config.Load(*configFile)
}

// loadFlash returns an emulated flash device of the given size holding the
// content of path, if any.
func loadFlash(path string, size uint32) (*flash.Mem, error) {
	dev := flash.NewMem(size)

	if path == "" {
		return dev, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if uint64(len(buf)) > uint64(size) {
		return nil, fmt.Errorf("%s: %d bytes exceed device size %#x", path, len(buf), size)
	}

	// images are programmed as a whole, the tail is left erased
	if err := flash.Program(dev, 0, (uint32(len(buf))+flash.PageSize-1)&^(flash.PageSize-1), buf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return dev, nil
}

func saveFlash(path string, dev flash.Device) error {
	if path == "" {
		return nil
	}

	buf, err := flash.ReadAt(dev, 0, dev.Size())
	if err != nil {
		return err
	}

	return os.WriteFile(path, buf, 0o644)
}

func rootKeyHashes(c primitives.Service) (hashes [][]byte, err error) {
	if *rootKeyFiles == "" {
		return
	}

	for _, path := range strings.Split(*rootKeyFiles, ",") {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		b, _ := pem.Decode(buf)
		if b == nil {
			return nil, fmt.Errorf("%s: no PEM block", path)
		}

		k, err := x509.ParsePKIXPublicKey(b.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		ec, ok := k.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s: %T is not an ECDSA key", path, k)
		}

		pub, err := primitives.PublicKeyOf(ec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		hashes = append(hashes, blocksign.RootKeyHash(c, pub))
	}

	return
}

func parseStages(s string) (stages []api.Stage, err error) {
	if s == "" {
		return
	}

	for _, name := range strings.Split(s, ",") {
		found := false

		for _, st := range api.Stages {
			if strings.EqualFold(st.String(), name) {
				stages = append(stages, st)
				found = true
			}
		}

		if !found {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
	}

	return
}

func openKeys(c primitives.Service) (*keystore.Store, error) {
	secret, err := hex.DecodeString(*rpmbSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid RPMB secret: %w", err)
	}

	keys, err := keystore.OpenRPMB(rpmb.NewEmulator(rpmbSectors), rpmb.DeriveKey(secret, []byte("armored-rot")), true)
	if err != nil {
		return nil, err
	}

	hashes, err := rootKeyHashes(c)
	if err != nil {
		return nil, err
	}

	if len(hashes) > 0 {
		if err := keys.Provision(hashes); err != nil {
			return nil, err
		}
		klog.Infof("provisioned %d root keys", len(hashes))
	}

	return keys, nil
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hang, err := parseStages(*hangStages)
	if err != nil {
		return err
	}

	c := &primitives.Software{}

	keys, err := openKeys(c)
	if err != nil {
		return err
	}

	bmc, err := loadFlash(*bmcImage, cfg.BMC.Size)
	if err != nil {
		return err
	}

	pch, err := loadFlash(*pchImage, cfg.PCH.Size)
	if err != nil {
		return err
	}

	logic, err := loadFlash(*logicImage, 2*cfg.Logic.SlotSize)
	if err != nil {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	signer, err := attest.NewSigner(c, "rotsim", key)
	if err != nil {
		return err
	}
	klog.Infof("attestation key hash %08x", signer.KeyHash())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mb := &mailbox.Mailbox{}
	h := newHosts(mb, hang)

	p, err := platform.New(cfg, platform.Hardware{
		BMC:       bmc,
		PCH:       pch,
		Logic:     logic,
		Filter:    spifilter.NewEmulated(),
		Hosts:     h,
		Mailbox:   mb,
		Keys:      keys,
		Crypto:    c,
		Responder: &attest.Responder{Crypto: c, Signer: signer},
	}, reg)
	if err != nil {
		return err
	}

	if err := p.Reset(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    *listen,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(ctx)
	})

	g.Go(func() error {
		return h.Run(ctx, *bootDelay)
	})

	g.Go(func() error {
		klog.Infof("serving metrics on %s", *listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(sctx)
	})

	g.Go(func() error {
		t := time.NewTicker(*statusInterval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				s := mb.Status()
				klog.Info(s.Print())
			}
		}
	})

	err = g.Wait()

	if *persist {
		for path, dev := range map[string]flash.Device{*bmcImage: bmc, *pchImage: pch, *logicImage: logic} {
			if err := saveFlash(path, dev); err != nil {
				klog.Errorf("could not save %s: %v", path, err)
			}
		}
	}

	return err
}
