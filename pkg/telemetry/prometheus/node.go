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
	"time"

	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promNumCPUsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "node",
		Name:      "num_cpus",
	})
	promCPULoadGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "node",
		Name:      "cpu_load",
	})
	promMemoryLoadGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "node",
		Name:      "memory_load",
	})
	promLoadAvgGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "node",
		Name:      "load_avg",
	}, []string{"window"})
	promPacketRateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "node",
		Name:      "packets_per_sec",
	}, promPacketLabels)
)

type NodeStats struct {
	StartedAt        time.Time
	UpdatedAt        time.Time
	NumCPUs          uint32
	CPULoad          float32
	MemoryLoad       float32
	LoadAvgLast1Min  float32
	LoadAvgLast5Min  float32
	LoadAvgLast15Min float32
	PacketsIn        uint64
	PacketsOut       uint64
	PacketsInPerSec  float32
	PacketsOutPerSec float32
	Rewritten        uint64
	Dropped          uint64
}

func NewNodeStats(now time.Time) *NodeStats {
	return &NodeStats{
		StartedAt: now,
		UpdatedAt: now,
	}
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

// GetUpdatedNodeStats samples system load and packet counters, rates are
// computed against prev.
func GetUpdatedNodeStats(prev *NodeStats) (*NodeStats, error) {
	loadAvg, err := getLoadAvg()
	if err != nil {
		return nil, err
	}

	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		return nil, err
	}

	// On MacOS, get "\"vm_stat\": executable file not found in $PATH" although it is in /usr/bin
	// So, do not error out. Use the information if it is available.
	memoryLoad, _ := getMemoryStats()

	rewritten, dropped := GetSpliceStats()
	now := time.Now()
	stats := &NodeStats{
		StartedAt:        prev.StartedAt,
		UpdatedAt:        now,
		NumCPUs:          numCPUs,
		CPULoad:          cpuLoad,
		MemoryLoad:       memoryLoad,
		LoadAvgLast1Min:  float32(loadAvg.Loadavg1),
		LoadAvgLast5Min:  float32(loadAvg.Loadavg5),
		LoadAvgLast15Min: float32(loadAvg.Loadavg15),
		PacketsIn:        atomicPacketsIn.Load(),
		PacketsOut:       atomicPacketsOut.Load(),
		Rewritten:        rewritten,
		Dropped:          dropped,
	}

	if elapsed := now.Sub(prev.UpdatedAt).Seconds(); elapsed > 0 {
		stats.PacketsInPerSec = perSec(prev.PacketsIn, stats.PacketsIn, elapsed)
		stats.PacketsOutPerSec = perSec(prev.PacketsOut, stats.PacketsOut, elapsed)
	}

	promNumCPUsGauge.Set(float64(stats.NumCPUs))
	promCPULoadGauge.Set(float64(stats.CPULoad))
	promMemoryLoadGauge.Set(float64(stats.MemoryLoad))
	promLoadAvgGauge.WithLabelValues("1m").Set(float64(stats.LoadAvgLast1Min))
	promLoadAvgGauge.WithLabelValues("5m").Set(float64(stats.LoadAvgLast5Min))
	promLoadAvgGauge.WithLabelValues("15m").Set(float64(stats.LoadAvgLast15Min))
	promPacketRateGauge.WithLabelValues(string(Incoming)).Set(float64(stats.PacketsInPerSec))
	promPacketRateGauge.WithLabelValues(string(Outgoing)).Set(float64(stats.PacketsOutPerSec))

	return stats, nil
}

func perSec(prev, curr uint64, secs float64) float32 {
	if curr < prev {
		return 0
	}
	return float32(float64(curr-prev) / secs)
}
