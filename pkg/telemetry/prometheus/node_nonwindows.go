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

//go:build !windows

package prometheus

import (
	"runtime"
	"sync"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/loadavg"
)

// cpuSample keeps the previous counters, load is the busy share since then
type cpuSample struct {
	lock  sync.Mutex
	total uint64
	idle  uint64
}

var lastCPUSample cpuSample

func getLoadAvg() (*loadavg.Stats, error) {
	return loadavg.Get()
}

func getCPUStats() (cpuLoad float32, numCPUs uint32, err error) {
	cpuInfo, err := cpu.Get()
	if err != nil {
		return
	}

	lastCPUSample.lock.Lock()
	if lastCPUSample.total > 0 && lastCPUSample.total < cpuInfo.Total {
		cpuLoad = 1 - float32(cpuInfo.Idle-lastCPUSample.idle)/float32(cpuInfo.Total-lastCPUSample.total)
	}
	lastCPUSample.total = cpuInfo.Total
	lastCPUSample.idle = cpuInfo.Idle
	lastCPUSample.lock.Unlock()

	return cpuLoad, uint32(runtime.NumCPU()), nil
}
