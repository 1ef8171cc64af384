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

// Package config holds the platform configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/flash"
)

// AttestationPolicy selects the action taken when a device challenge fails.
type AttestationPolicy string

const (
	// Recover forces recovery of the challenged device.
	Recover AttestationPolicy = "recover"
	// Lockdown holds the challenged device in reset and refuses any further
	// progression until the next platform reset.
	Lockdown AttestationPolicy = "lockdown"
)

// Watchdog holds the boot stage timeouts.
type Watchdog struct {
	BMC  time.Duration `yaml:"bmc"`
	ME   time.Duration `yaml:"me"`
	BIOS time.Duration `yaml:"bios"`
	// MaxPause bounds the time a boot stage watchdog may spend paused per
	// arming, a stage paused for longer is treated as expired.
	MaxPause time.Duration `yaml:"max_pause"`
}

// Logic describes the reconfigurable logic image store.
type Logic struct {
	// StagingOffset is the offset of logic capsules within the BMC staging
	// region.
	StagingOffset uint32 `yaml:"staging_offset"`
	// SlotSize is the size of the active and recovery slots of the logic
	// image store, and the maximum logic capsule size.
	SlotSize uint32 `yaml:"slot_size"`
}

// Config is the platform configuration.
type Config struct {
	// Tick is the supervisor polling period, all timeouts are converted to
	// ticks.
	Tick     time.Duration `yaml:"tick"`
	Watchdog Watchdog      `yaml:"watchdog"`
	// MaxFailedUpdates is the number of failed update attempts allowed
	// within a power cycle.
	MaxFailedUpdates uint32            `yaml:"max_failed_updates"`
	Attestation      AttestationPolicy `yaml:"attestation_policy"`

	BMC   flash.Layout `yaml:"bmc"`
	PCH   flash.Layout `yaml:"pch"`
	Logic Logic        `yaml:"logic"`
}

// Default returns the default platform configuration.
func Default() *Config {
	return &Config{
		Tick: 20 * time.Millisecond,
		Watchdog: Watchdog{
			BMC:      300 * time.Second,
			ME:       45 * time.Second,
			BIOS:     60 * time.Second,
			MaxPause: 600 * time.Second,
		},
		MaxFailedUpdates: 3,
		Attestation:      Recover,
		BMC: flash.Layout{
			Size:         0x4000000,
			ActivePFM:    0x0080000,
			PFMSize:      0x0010000,
			Recovery:     0x2000000,
			RecoverySize: 0x1000000,
			Staging:      0x3000000,
			StagingSize:  0x1000000,
		},
		PCH: flash.Layout{
			Size:         0x4000000,
			ActivePFM:    0x1ff0000,
			PFMSize:      0x0010000,
			Recovery:     0x2000000,
			RecoverySize: 0x1000000,
			Staging:      0x3000000,
			StagingSize:  0x1000000,
		},
		Logic: Logic{
			StagingOffset: 0xc00000,
			SlotSize:      0x400000,
		},
	}
}

// Load reads a YAML configuration file, fields it omits keep their default
// value.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(buf)
}

// Parse decodes a YAML configuration over the defaults and validates it.
func Parse(buf []byte) (*Config, error) {
	c := Default()

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Layout returns the layout of a managed device.
func (c *Config) Layout(d api.Device) flash.Layout {
	if d == api.BMC {
		return c.BMC
	}
	return c.PCH
}

// Ticks converts a duration to supervisor ticks, rounding up.
func (c *Config) Ticks(d time.Duration) uint32 {
	return uint32((d + c.Tick - 1) / c.Tick)
}

// WatchdogTicks returns the timeout of a boot stage in ticks.
func (c *Config) WatchdogTicks(s api.Stage) uint32 {
	switch s {
	case api.StageBMC:
		return c.Ticks(c.Watchdog.BMC)
	case api.StageME:
		return c.Ticks(c.Watchdog.ME)
	}
	return c.Ticks(c.Watchdog.BIOS)
}

// LogicStaging returns the range of the BMC device holding staged logic
// capsules.
func (c *Config) LogicStaging() flash.Range {
	start := c.BMC.Staging + c.Logic.StagingOffset
	return flash.Range{Start: start, End: start + c.Logic.SlotSize}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %v", c.Tick)
	}

	for _, w := range []struct {
		name string
		d    time.Duration
	}{
		{"bmc", c.Watchdog.BMC},
		{"me", c.Watchdog.ME},
		{"bios", c.Watchdog.BIOS},
		{"max pause", c.Watchdog.MaxPause},
	} {
		if w.d < c.Tick {
			return fmt.Errorf("%s watchdog timeout %v is shorter than a tick", w.name, w.d)
		}
	}

	if c.MaxFailedUpdates == 0 {
		return errors.New("max_failed_updates must be at least 1")
	}

	switch c.Attestation {
	case Recover, Lockdown:
	default:
		return fmt.Errorf("unknown attestation policy %q", c.Attestation)
	}

	for _, d := range api.Devices {
		if err := c.Layout(d).Validate(); err != nil {
			return fmt.Errorf("%s layout: %w", d, err)
		}
	}

	r := c.LogicStaging()

	if c.Logic.SlotSize == 0 || !r.Aligned() {
		return fmt.Errorf("logic staging range %s is empty or not page aligned", r)
	}

	if r.End > c.BMC.StagingArea().End {
		return fmt.Errorf("logic staging range %s exceeds BMC staging region %s", r, c.BMC.StagingArea())
	}

	return nil
}
