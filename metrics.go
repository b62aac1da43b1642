// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jdomain

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters an upstream increments. Create one per
// process with NewMetrics and share it across upstreams via WithMetrics.
type Metrics struct {
	resolutions      *prometheus.CounterVec
	fallbackInstalls prometheus.Counter
	peerPicks        prometheus.Counter
	attemptFailures  prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg. Passing nil
// skips registration, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jdomain_resolutions_total",
				Help: "Total completed resolution queries by outcome",
			},
			[]string{"outcome"},
		),
		fallbackInstalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jdomain_fallback_installs_total",
				Help: "Total snapshots installed from the static fallback",
			},
		),
		peerPicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jdomain_peer_picks_total",
				Help: "Total peer selections handed to the host",
			},
		),
		attemptFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jdomain_attempt_failures_total",
				Help: "Total reported connection attempt failures",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.resolutions, m.fallbackInstalls, m.peerPicks, m.attemptFailures)
	}
	return m
}
