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
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/config"
	"github.com/livekit/rtp-splicer/pkg/sfu/rewriter"
	"github.com/livekit/rtp-splicer/pkg/sfu/termination"
	"github.com/livekit/rtp-splicer/pkg/telemetry/prometheus"
)

type SplicerServer struct {
	config     *config.Config
	engine     *rewriter.Engine
	strategy   *termination.HighestQualityStrategy
	relay      *Relay
	httpServer *http.Server
	running    atomic.Bool
	doneChan   chan struct{}
	closedChan chan struct{}
}

func NewSplicerServer(conf *config.Config) (*SplicerServer, error) {
	l := logger.GetLogger().WithValues("nodeID", conf.Relay.NodeID)

	engine := rewriter.NewEngine(rewriter.EngineParams{
		MaxIntervals:   conf.Rewriter.MaxIntervals,
		MaxIntervalAge: conf.Rewriter.MaxIntervalAge,
		Logger:         l,
	})
	strategy := termination.NewHighestQualityStrategy(termination.HighestQualityParams{
		MaxReporters:   conf.Termination.MaxReporters,
		SnapshotMaxAge: conf.Termination.SnapshotMaxAge,
		Logger:         l,
	})

	relay, err := NewRelay(RelayParams{
		Config:      &conf.Relay,
		Engine:      engine,
		Strategy:    strategy,
		LogInterval: conf.Rewriter.LogInterval,
		Logger:      l,
	})
	if err != nil {
		return nil, err
	}
	if err := relay.RegisterStreams(conf.Streams); err != nil {
		return nil, err
	}

	s := &SplicerServer{
		config:     conf,
		engine:     engine,
		strategy:   strategy,
		relay:      relay,
		doneChan:   make(chan struct{}),
		closedChan: make(chan struct{}),
	}

	if conf.Relay.PrometheusPort != 0 {
		debugHandler := NewDebugHandler(engine, strategy, l)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/groups", debugHandler.groupsHTTPHandler)
		mux.HandleFunc("/debug/state", debugHandler.stateHTTPHandler)

		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.Relay.PrometheusPort),
			Handler: cors.Default().Handler(mux),
		}
	}

	return s, nil
}

func (s *SplicerServer) Engine() *rewriter.Engine {
	return s.engine
}

func (s *SplicerServer) IsRunning() bool {
	return s.running.Load()
}

// Start runs the relay and blocks until Stop is called.
func (s *SplicerServer) Start() error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}

	prometheus.Init(s.config.Relay.NodeID)

	defer close(s.closedChan)

	if s.httpServer != nil {
		// ensure we could listen
		ln, err := net.Listen("tcp", s.httpServer.Addr)
		if err != nil {
			s.running.Store(false)
			return err
		}
		go func() {
			logger.Infow("starting metrics server", "address", s.httpServer.Addr)
			if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Errorw("metrics server failed", err)
			}
		}()
	}

	if err := s.relay.Start(); err != nil {
		s.running.Store(false)
		return err
	}

	go s.statsWorker()

	<-s.doneChan

	s.relay.Stop()
	s.engine.Close()

	if s.httpServer != nil {
		// wait for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}

	logger.Infow("server stopped")
	return nil
}

func (s *SplicerServer) statsWorker() {
	ticker := time.NewTicker(config.StatsUpdateInterval)
	defer ticker.Stop()

	stats := prometheus.NewNodeStats(time.Now())
	for {
		select {
		case <-s.doneChan:
			return

		case <-ticker.C:
			updated, err := prometheus.GetUpdatedNodeStats(stats)
			if err != nil {
				logger.Warnw("could not update node stats", err)
				continue
			}
			stats = updated
			logger.Debugw("node stats",
				"cpuLoad", stats.CPULoad,
				"memoryLoad", stats.MemoryLoad,
				"packetsInPerSec", stats.PacketsInPerSec,
				"packetsOutPerSec", stats.PacketsOutPerSec,
				"rewritten", stats.Rewritten,
				"dropped", stats.Dropped,
			)
		}
	}
}

func (s *SplicerServer) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.doneChan)
	<-s.closedChan
}
