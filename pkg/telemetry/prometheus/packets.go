// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	livekitNamespace string = "livekit"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

var (
	initialized atomic.Bool

	atomicPacketsIn        atomic.Uint64
	atomicPacketsOut       atomic.Uint64
	atomicPacketsRewritten atomic.Uint64
	atomicPacketsDropped   atomic.Uint64

	promPacketLabels = []string{"direction"}

	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "packet",
		Name:      "total",
	}, promPacketLabels)
	promRewrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "splice",
		Name:      "rewritten_total",
	})
	promDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "splice",
		Name:      "dropped_total",
	}, []string{"reason"})
	promSourceSwitchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "splice",
		Name:      "source_switch_total",
	})
	promIntervalsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "splice",
		Name:      "intervals_evicted_total",
	})
	promReportBlocksUpgradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "rtcp",
		Name:      "report_blocks_upgraded_total",
	})
	promRembSubstitutedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "rtcp",
		Name:      "remb_substituted_total",
	})
)

// Init registers the collectors with the default registry. Counters can be
// incremented before Init, they are only exported once registered.
func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	reg := prometheus.WrapRegistererWith(prometheus.Labels{"node_id": nodeID}, prometheus.DefaultRegisterer)
	reg.MustRegister(promPacketTotal)
	reg.MustRegister(promRewrittenTotal)
	reg.MustRegister(promDroppedTotal)
	reg.MustRegister(promSourceSwitchTotal)
	reg.MustRegister(promIntervalsEvictedTotal)
	reg.MustRegister(promReportBlocksUpgradedTotal)
	reg.MustRegister(promRembSubstitutedTotal)
	reg.MustRegister(promNumCPUsGauge)
	reg.MustRegister(promCPULoadGauge)
	reg.MustRegister(promMemoryLoadGauge)
	reg.MustRegister(promLoadAvgGauge)
	reg.MustRegister(promPacketRateGauge)
}

func IncrementPackets(direction Direction, count uint64) {
	promPacketTotal.WithLabelValues(string(direction)).Add(float64(count))
	if direction == Incoming {
		atomicPacketsIn.Add(count)
	} else {
		atomicPacketsOut.Add(count)
	}
}

func IncrementRewritten() {
	promRewrittenTotal.Inc()
	atomicPacketsRewritten.Inc()
}

func IncrementDropped(reason string) {
	promDroppedTotal.WithLabelValues(reason).Inc()
	atomicPacketsDropped.Inc()
}

func IncrementSourceSwitch() {
	promSourceSwitchTotal.Inc()
}

func AddIntervalsEvicted(count int) {
	if count > 0 {
		promIntervalsEvictedTotal.Add(float64(count))
	}
}

func AddReportBlocksUpgraded(count int) {
	if count > 0 {
		promReportBlocksUpgradedTotal.Add(float64(count))
	}
}

func IncrementRembSubstituted() {
	promRembSubstitutedTotal.Inc()
}

// GetSpliceStats returns the number of packets rewritten and dropped since start.
func GetSpliceStats() (rewritten uint64, dropped uint64) {
	return atomicPacketsRewritten.Load(), atomicPacketsDropped.Load()
}
