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

package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	tMinus1    prometheus.Counter
	panics     *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	updates    *prometheus.CounterVec
	state      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		tMinus1: f.NewCounter(prometheus.CounterOpts{
			Name: "rot_tminus1_entries_total",
			Help: "Number of entries into the T-1 authentication phase.",
		}),
		panics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rot_panics_total",
			Help: "Number of panic events by reason.",
		}, []string{"reason"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rot_recoveries_total",
			Help: "Number of region recoveries by reason.",
		}, []string{"reason"}),
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rot_updates_total",
			Help: "Number of update intents by target and outcome.",
		}, []string{"target", "outcome"}),
		state: f.NewGauge(prometheus.GaugeOpts{
			Name: "rot_platform_state",
			Help: "Current platform state register value.",
		}),
	}
}
