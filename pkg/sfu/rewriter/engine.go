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

package rewriter

import (
	"fmt"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/telemetry/prometheus"
)

type EngineParams struct {
	MaxIntervals   int
	MaxIntervalAge time.Duration
	Logger         logger.Logger
}

func DefaultEngineParams() EngineParams {
	return EngineParams{
		MaxIntervals:   DefaultMaxIntervals,
		MaxIntervalAge: DefaultMaxIntervalAge,
	}
}

// Engine is the registry of a session's rewriting state. The maps are written
// on session (re)configuration and read for every packet. The engine lock is
// taken before any group lock and never while one is held.
type Engine struct {
	params EngineParams
	logger logger.Logger

	lock            sync.RWMutex
	closed          bool
	rtxToPrimary    map[uint32]uint32
	redPayloadTypes map[uint32]uint8
	fecPayloadTypes map[uint32]uint8
	sources         map[uint32]*SourceRewriter
	groups          *orderedmap.OrderedMap[uint32, *GroupRewriter]
}

func NewEngine(params EngineParams) *Engine {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Engine{
		params:          params,
		logger:          params.Logger,
		rtxToPrimary:    make(map[uint32]uint32),
		redPayloadTypes: make(map[uint32]uint8),
		fecPayloadTypes: make(map[uint32]uint8),
		sources:         make(map[uint32]*SourceRewriter),
		groups:          orderedmap.NewOrderedMap[uint32, *GroupRewriter](),
	}
}

// AddSource lets sourceSSRC feed targetSSRC. Adding an existing mapping again is a no-op.
func (e *Engine) AddSource(sourceSSRC uint32, targetSSRC uint32) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	if s, ok := e.sources[sourceSSRC]; ok {
		if s.targetSSRC == targetSSRC {
			return nil
		}
		return fmt.Errorf("%w: source %d, target %d, requested %d", ErrSourceExists, sourceSSRC, s.targetSSRC, targetSSRC)
	}

	g, ok := e.groups.Get(targetSSRC)
	if !ok {
		g = NewGroupRewriter(targetSSRC, e.logger)
		e.groups.Set(targetSSRC, g)
	}

	s := NewSourceRewriter(SourceRewriterParams{
		SSRC:           sourceSSRC,
		TargetSSRC:     targetSSRC,
		MaxIntervals:   e.params.MaxIntervals,
		MaxIntervalAge: e.params.MaxIntervalAge,
		Logger:         e.logger,
	})
	g.addSource(s)
	e.sources[sourceSSRC] = s

	e.logger.Debugw("source added", "sourceSSRC", sourceSSRC, "targetSSRC", targetSSRC)
	return nil
}

// RemoveSource forgets a source along with its RTX/RED/FEC registrations.
// The target keeps its numbering for whichever source feeds it next.
func (e *Engine) RemoveSource(sourceSSRC uint32) {
	e.lock.Lock()
	defer e.lock.Unlock()

	s, ok := e.sources[sourceSSRC]
	if !ok {
		return
	}
	delete(e.sources, sourceSSRC)
	delete(e.rtxToPrimary, sourceSSRC)
	delete(e.redPayloadTypes, sourceSSRC)
	delete(e.fecPayloadTypes, sourceSSRC)

	if g, ok := e.groups.Get(s.targetSSRC); ok {
		g.removeSource(s)
	}
}

// RemoveTarget drops a target and every source feeding it.
func (e *Engine) RemoveTarget(targetSSRC uint32) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if _, ok := e.groups.Get(targetSSRC); !ok {
		return
	}
	e.groups.Delete(targetSSRC)

	for ssrc, s := range e.sources {
		if s.targetSSRC != targetSSRC {
			continue
		}
		delete(e.sources, ssrc)
		delete(e.rtxToPrimary, ssrc)
		delete(e.redPayloadTypes, ssrc)
		delete(e.fecPayloadTypes, ssrc)
	}
}

func (e *Engine) SetRTX(rtxSSRC uint32, primarySSRC uint32) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.rtxToPrimary[rtxSSRC] = primarySSRC
}

func (e *Engine) SetRED(ssrc uint32, payloadType uint8) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.redPayloadTypes[ssrc] = payloadType
}

func (e *Engine) SetFEC(ssrc uint32, payloadType uint8) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.fecPayloadTypes[ssrc] = payloadType
}

func (e *Engine) PrimarySSRC(ssrc uint32) (uint32, bool) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	primary, ok := e.rtxToPrimary[ssrc]
	return primary, ok
}

func (e *Engine) REDPayloadType(ssrc uint32) (uint8, bool) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	pt, ok := e.redPayloadTypes[ssrc]
	return pt, ok
}

func (e *Engine) FECPayloadType(ssrc uint32) (uint8, bool) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	pt, ok := e.fecPayloadTypes[ssrc]
	return pt, ok
}

// Resolve maps a sequence number of primarySSRC into its target's space using
// the primary stream's own history.
func (e *Engine) Resolve(primarySSRC uint32, sn uint16) (uint16, bool) {
	s := e.Source(primarySSRC)
	if s == nil {
		return 0, false
	}
	return s.Resolve(sn)
}

func (e *Engine) Source(ssrc uint32) *SourceRewriter {
	e.lock.RLock()
	defer e.lock.RUnlock()

	return e.sources[ssrc]
}

func (e *Engine) Group(targetSSRC uint32) *GroupRewriter {
	e.lock.RLock()
	defer e.lock.RUnlock()

	g, _ := e.groups.Get(targetSSRC)
	return g
}

// Groups returns the target groups in the order they were created.
func (e *Engine) Groups() []*GroupRewriter {
	e.lock.RLock()
	defer e.lock.RUnlock()

	groups := make([]*GroupRewriter, 0, e.groups.Len())
	for el := e.groups.Front(); el != nil; el = el.Next() {
		groups = append(groups, el.Value)
	}
	return groups
}

// Rewrite rewrites pkt in place. It returns nil and the reason when the packet
// has to be dropped, drops are never fatal.
func (e *Engine) Rewrite(pkt *rtp.Packet) (*rtp.Packet, error) {
	e.lock.RLock()
	if e.closed {
		e.lock.RUnlock()
		return nil, ErrEngineClosed
	}
	s := e.sources[pkt.SSRC]
	var g *GroupRewriter
	var sc streamContext
	if s != nil {
		g, _ = e.groups.Get(s.targetSSRC)
		sc = e.streamContextLocked(s)
	}
	e.lock.RUnlock()

	if g == nil {
		prometheus.IncrementDropped(DropReason(ErrUnknownSource))
		return nil, ErrUnknownSource
	}

	out, err := g.rewriteRTP(pkt, sc)
	if err != nil {
		prometheus.IncrementDropped(DropReason(err))
		return nil, err
	}

	prometheus.IncrementRewritten()
	return out, nil
}

// streamContextLocked snapshots the registrations of s. Called with the
// engine lock held.
func (e *Engine) streamContextLocked(s *SourceRewriter) streamContext {
	sc := streamContext{
		primary:     s,
		primarySSRC: s.ssrc,
	}
	if primarySSRC, ok := e.rtxToPrimary[s.ssrc]; ok {
		sc.isRTX = true
		sc.primarySSRC = primarySSRC
		sc.primary = e.sources[primarySSRC]
	}
	sc.redPT, sc.hasRED = e.redPayloadTypes[s.ssrc]
	sc.fecPT, sc.hasFEC = e.fecPayloadTypes[s.ssrc]
	return sc
}

// RewriteRaw rewrites a marshalled RTP packet and returns the marshalled result.
func (e *Engine) RewriteRaw(buf []byte) ([]byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		prometheus.IncrementDropped(DropReason(ErrShortBuffer))
		return nil, fmt.Errorf("%w: %v", ErrShortBuffer, err)
	}

	out, err := e.Rewrite(&pkt)
	if err != nil {
		return nil, err
	}
	return out.Marshal()
}

// Close tears down the session, every later call to Rewrite fails.
func (e *Engine) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.closed = true
	e.rtxToPrimary = make(map[uint32]uint32)
	e.redPayloadTypes = make(map[uint32]uint8)
	e.fecPayloadTypes = make(map[uint32]uint8)
	e.sources = make(map[uint32]*SourceRewriter)
	e.groups = orderedmap.NewOrderedMap[uint32, *GroupRewriter]()
}

func (e *Engine) DebugInfo() map[string]interface{} {
	groups := e.Groups()
	e.lock.RLock()
	numRTX := len(e.rtxToPrimary)
	e.lock.RUnlock()

	groupInfos := make([]map[string]interface{}, 0, len(groups))
	for _, g := range groups {
		groupInfos = append(groupInfos, g.DebugInfo())
	}
	return map[string]interface{}{
		"Groups": groupInfos,
		"NumRTX": numRTX,
	}
}
