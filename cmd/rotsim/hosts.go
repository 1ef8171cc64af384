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
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/mailbox"
)

// hosts emulates the BMC and PCH: once released from reset a host reports
// the completion of its boot stages, one stage per boot delay.
type hosts struct {
	mu   sync.Mutex
	held [2]bool
	// epoch counts the releases of each host, a stage reports completion
	// once per epoch.
	epoch [2]uint64

	mb     *mailbox.Mailbox
	booted map[api.Stage]uint64
	// hang lists stages which never complete, to exercise the watchdogs.
	hang map[api.Stage]bool
}

func newHosts(mb *mailbox.Mailbox, hang []api.Stage) *hosts {
	h := &hosts{
		held:   [2]bool{true, true},
		mb:     mb,
		booted: make(map[api.Stage]uint64),
		hang:   make(map[api.Stage]bool),
	}

	for _, s := range hang {
		h.hang[s] = true
	}

	return h
}

func (h *hosts) Hold(d api.Device) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.held[d] {
		klog.Infof("%s held in reset", d)
	}
	h.held[d] = true
}

func (h *hosts) Release(d api.Device) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.held[d] {
		klog.Infof("%s released from reset", d)
		h.epoch[d]++
	}
	h.held[d] = false
}

// next returns the first stage of a running host which has not yet
// completed in the current epoch.
func (h *hosts) next() (api.Stage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range api.Stages {
		d := s.Device()

		if h.held[d] || h.booted[s] == h.epoch[d] {
			continue
		}

		h.booted[s] = h.epoch[d]

		if h.hang[s] {
			klog.Warningf("%s stage hangs", s)
			continue
		}

		return s, true
	}

	return 0, false
}

// Run reports boot progress until ctx is done.
func (h *hosts) Run(ctx context.Context, delay time.Duration) error {
	t := time.NewTicker(delay)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		s, ok := h.next()
		if !ok {
			continue
		}

		klog.Infof("%s stage complete", s)

		if err := h.mb.HostWrite(mailbox.Checkpoint(s), api.CheckpointComplete); err != nil {
			return err
		}
	}
}
