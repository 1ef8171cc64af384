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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/mailbox"
)

func drain(h *hosts) (stages []api.Stage) {
	for {
		s, ok := h.next()
		if !ok {
			return
		}
		stages = append(stages, s)
	}
}

func TestHostsBoot(t *testing.T) {
	for _, test := range []struct {
		desc      string
		release   []api.Device
		hang      []api.Stage
		want      []api.Stage
		rerelease []api.Device
		again     []api.Stage
	}{
		{
			desc: "held",
		},
		{
			desc:    "both released",
			release: []api.Device{api.BMC, api.PCH},
			want:    []api.Stage{api.StageBMC, api.StageME, api.StageBIOS},
		},
		{
			desc:    "PCH only",
			release: []api.Device{api.PCH},
			want:    []api.Stage{api.StageME, api.StageBIOS},
		},
		{
			desc:    "hung stage",
			release: []api.Device{api.BMC, api.PCH},
			hang:    []api.Stage{api.StageME},
			want:    []api.Stage{api.StageBMC, api.StageBIOS},
		},
		{
			desc:      "reset",
			release:   []api.Device{api.BMC, api.PCH},
			want:      []api.Stage{api.StageBMC, api.StageME, api.StageBIOS},
			rerelease: []api.Device{api.BMC},
			again:     []api.Stage{api.StageBMC},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			h := newHosts(&mailbox.Mailbox{}, test.hang)

			for _, d := range test.release {
				h.Release(d)
			}
			if diff := cmp.Diff(test.want, drain(h)); diff != "" {
				t.Errorf("stages diff (-want +got):\n%s", diff)
			}

			for _, d := range test.rerelease {
				h.Hold(d)
				h.Release(d)
			}
			if diff := cmp.Diff(test.again, drain(h)); diff != "" {
				t.Errorf("stages after reset diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseStages(t *testing.T) {
	got, err := parseStages("bmc,BIOS")
	if err != nil {
		t.Fatalf("parseStages: %v", err)
	}
	if diff := cmp.Diff([]api.Stage{api.StageBMC, api.StageBIOS}, got); diff != "" {
		t.Errorf("stages diff (-want +got):\n%s", diff)
	}

	if _, err := parseStages("bootloader"); err == nil {
		t.Error("parseStages accepted an unknown stage")
	}
}
