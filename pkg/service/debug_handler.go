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

package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/sfu/rewriter"
	"github.com/livekit/rtp-splicer/pkg/sfu/termination"
	"github.com/livekit/rtp-splicer/pkg/telemetry/prometheus"
)

type DebugHandler struct {
	engine   *rewriter.Engine
	strategy *termination.HighestQualityStrategy
	logger   logger.Logger
}

func NewDebugHandler(engine *rewriter.Engine, strategy *termination.HighestQualityStrategy, l logger.Logger) *DebugHandler {
	return &DebugHandler{
		engine:   engine,
		strategy: strategy,
		logger:   l,
	}
}

func (h *DebugHandler) groupsHTTPHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	table := tablewriter.NewWriter(w)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Target",
		"Active",
		"Sources",
		"Switches",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
	})

	for _, g := range h.engine.Groups() {
		active := "-"
		if ssrc, ok := g.ActiveSSRC(); ok {
			active = strconv.FormatUint(uint64(ssrc), 10)
		}
		table.Append([]string{
			strconv.FormatUint(uint64(g.TargetSSRC()), 10),
			active,
			strconv.Itoa(g.SourceCount()),
			strconv.Itoa(g.Switches()),
		})
	}

	table.Render()

	rewritten, dropped := prometheus.GetSpliceStats()
	_, _ = fmt.Fprintf(w, "rewritten: %d, dropped: %d\n", rewritten, dropped)
}

func (h *DebugHandler) stateHTTPHandler(w http.ResponseWriter, _ *http.Request) {
	info := map[string]interface{}{
		"Rewriter":    h.engine.DebugInfo(),
		"Termination": h.strategy.DebugInfo(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		handleError(w, h.logger, http.StatusInternalServerError, fmt.Errorf("encode response %w", err))
	}
}

func handleError(w http.ResponseWriter, l logger.Logger, status int, err error) {
	l.Warnw("debug request failed", err, "status", status)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(err.Error()))
}
