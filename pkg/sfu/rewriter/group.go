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
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/telemetry/prometheus"
)

// GroupRewriter owns one target SSRC and the sources that may feed it. The
// source of the most recent non-late packet is the active one, a packet from a
// different source switches over and opens a new interval continuing the
// target numbering.
//
// Lock order is engine, group, then one source at a time. Nothing called with
// the group lock held takes the engine lock.
type GroupRewriter struct {
	targetSSRC uint32
	logger     logger.Logger

	lock    sync.Mutex
	sources map[uint32]*SourceRewriter
	active  *SourceRewriter
	// open interval of the active source, kept after the source goes away
	// so that the next interval continues where it stopped
	current  *Interval
	switches int
}

func NewGroupRewriter(targetSSRC uint32, l logger.Logger) *GroupRewriter {
	if l == nil {
		l = logger.GetLogger()
	}
	return &GroupRewriter{
		targetSSRC: targetSSRC,
		logger:     l.WithValues("targetSSRC", targetSSRC),
		sources:    make(map[uint32]*SourceRewriter),
	}
}

func (g *GroupRewriter) TargetSSRC() uint32 {
	return g.targetSSRC
}

func (g *GroupRewriter) ActiveSSRC() (uint32, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.active == nil {
		return 0, false
	}
	return g.active.ssrc, true
}

func (g *GroupRewriter) SourceCount() int {
	g.lock.Lock()
	defer g.lock.Unlock()

	return len(g.sources)
}

// Switches returns how many times the active source changed.
func (g *GroupRewriter) Switches() int {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.switches
}

func (g *GroupRewriter) addSource(s *SourceRewriter) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.sources[s.ssrc] = s
}

func (g *GroupRewriter) removeSource(s *SourceRewriter) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.sources[s.ssrc] != s {
		return
	}
	delete(g.sources, s.ssrc)

	if g.active == s {
		s.lock.Lock()
		s.closeLocked()
		s.lock.Unlock()
		g.active = nil
	}
}

// rewriteRTP rewrites a packet of one of the group's sources in place.
// Returns nil and an error if the packet has to be dropped.
func (g *GroupRewriter) rewriteRTP(pkt *rtp.Packet, sc streamContext) (*rtp.Packet, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	s, ok := g.sources[pkt.SSRC]
	if !ok {
		return nil, ErrUnknownSource
	}

	iv, extendedSeq, err := g.selectInterval(s, pkt, time.Now())
	if err != nil {
		return nil, err
	}

	return iv.rewriteRTP(pkt, extendedSeq, sc)
}

// selectInterval picks the interval pkt belongs to, growing the open interval
// or switching sources as needed. Called with the group lock held.
func (g *GroupRewriter) selectInterval(s *SourceRewriter, pkt *rtp.Packet, now time.Time) (*Interval, uint32, error) {
	s.lock.Lock()
	extendedSeq, ok := s.extender.Extend(pkt.SequenceNumber)
	if !ok {
		s.lock.Unlock()
		s.logger.Debugw("dropping packet from before first cycle", "sn", pkt.SequenceNumber)
		return nil, 0, ErrStaleSequenceNumber
	}

	s.pruneLocked(now)

	isActive := s == g.active && s.open != nil
	if isActive {
		iv := s.open
		// the extender only hands out values above the max when they are in-order
		if extendedSeq > iv.extendedMaxOrig {
			iv.extendedMaxOrig = extendedSeq
		}
		if iv.Contains(extendedSeq) {
			iv.lastSeen = now
			s.lock.Unlock()
			return iv, extendedSeq, nil
		}
	}

	// late packet from an older interval, rewritten without switching
	if iv := s.findLocked(extendedSeq); iv != nil {
		iv.lastSeen = now
		s.lock.Unlock()
		return iv, extendedSeq, nil
	}

	if isActive {
		s.lock.Unlock()
		s.logger.Debugw("dropping packet older than retained history", "sn", pkt.SequenceNumber, "extSN", extendedSeq)
		return nil, 0, ErrStaleSequenceNumber
	}

	if lastMax, ok := s.lastMaxLocked(); ok && extendedSeq <= lastMax {
		s.lock.Unlock()
		s.logger.Debugw("dropping packet not forwarded while inactive", "sn", pkt.SequenceNumber, "extSN", extendedSeq, "lastMax", lastMax)
		return nil, 0, ErrStaleSequenceNumber
	}
	s.lock.Unlock()

	return g.switchTo(s, pkt, extendedSeq, now), extendedSeq, nil
}

// switchTo freezes the current interval and opens one for s continuing the
// target's sequence number and timestamp domains. The very first interval of
// a group is an identity mapping.
func (g *GroupRewriter) switchTo(s *SourceRewriter, pkt *rtp.Packet, extendedSeq uint32, now time.Time) *Interval {
	extendedBaseTarget := extendedSeq
	timestampTarget := pkt.Timestamp

	var previous *Interval
	if g.current != nil {
		previous = g.current
		prev := previous.owner
		prev.lock.Lock()
		extendedBaseTarget = previous.ExtendedMaxTarget() + 1
		timestampTarget = previous.nextTimestamp()
		if prev.open == previous {
			prev.closeLocked()
		}
		prev.lock.Unlock()
	}

	s.lock.Lock()
	iv := s.openLocked(extendedSeq, extendedBaseTarget, pkt.Timestamp, timestampTarget, now)
	s.lock.Unlock()

	if previous != nil {
		g.switches++
		prometheus.IncrementSourceSwitch()
		g.logger.Debugw("switching source",
			"fromSSRC", previous.owner.ssrc,
			"toSSRC", s.ssrc,
			"previous", previous,
			"next", iv,
		)
	} else {
		g.logger.Debugw("starting source", "ssrc", s.ssrc, "interval", iv)
	}

	g.active = s
	g.current = iv
	return iv
}

func (g *GroupRewriter) DebugInfo() map[string]interface{} {
	g.lock.Lock()
	defer g.lock.Unlock()

	sources := make([]map[string]interface{}, 0, len(g.sources))
	for _, s := range g.sources {
		sources = append(sources, s.DebugInfo())
	}

	info := map[string]interface{}{
		"TargetSSRC": g.targetSSRC,
		"Switches":   g.switches,
		"Sources":    sources,
	}
	if g.active != nil {
		info["ActiveSSRC"] = g.active.ssrc
	}
	return info
}
