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
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/sfu/utils"
	"github.com/livekit/rtp-splicer/pkg/telemetry/prometheus"
)

const (
	DefaultMaxIntervals   = 64
	DefaultMaxIntervalAge = 30 * time.Second
)

// streamContext carries the registrations of a packet's stream. It is
// captured under the engine lock before any group or source lock is taken, so
// rewriting never reaches back into the engine.
type streamContext struct {
	// primary resolves RED/FEC/RTX references, it is the stream itself unless
	// the stream is RTX
	primary     *SourceRewriter
	primarySSRC uint32
	isRTX       bool

	redPT  uint8
	hasRED bool
	fecPT  uint8
	hasFEC bool
}

// resolve maps a sequence number of the primary stream into target space.
func (c streamContext) resolve(sn uint16) (uint16, bool) {
	if c.primary == nil {
		return 0, false
	}
	return c.primary.Resolve(sn)
}

type SourceRewriterParams struct {
	SSRC       uint32
	TargetSSRC uint32
	// MaxIntervals and MaxIntervalAge bound the history, zero disables a bound.
	MaxIntervals   int
	MaxIntervalAge time.Duration
	Logger         logger.Logger
}

// SourceRewriter owns the interval history of one source SSRC feeding one
// target SSRC. A single lock guards the extender and every interval, whether
// the caller is this stream or an RTX/FEC stream resolving a reference.
type SourceRewriter struct {
	ssrc           uint32
	targetSSRC     uint32
	maxIntervals   int
	maxIntervalAge time.Duration
	logger         logger.Logger

	lock      sync.Mutex
	extender  *utils.SequenceExtender
	intervals deque.Deque[*Interval]
	open      *Interval
}

func NewSourceRewriter(params SourceRewriterParams) *SourceRewriter {
	l := params.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	return &SourceRewriter{
		ssrc:           params.SSRC,
		targetSSRC:     params.TargetSSRC,
		maxIntervals:   params.MaxIntervals,
		maxIntervalAge: params.MaxIntervalAge,
		logger:         l.WithValues("sourceSSRC", params.SSRC, "targetSSRC", params.TargetSSRC),
		extender:       utils.NewSequenceExtender(),
	}
}

func (s *SourceRewriter) SSRC() uint32 {
	return s.ssrc
}

func (s *SourceRewriter) TargetSSRC() uint32 {
	return s.targetSSRC
}

// Resolve returns the rewritten value of sn, false when no retained interval
// covers it. The extender is consulted without being advanced so that a
// reference from another stream never moves this stream's state.
func (s *SourceRewriter) Resolve(sn uint16) (uint16, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	extendedSeq, ok := s.extender.Peek(sn)
	if !ok {
		return 0, false
	}

	iv := s.findLocked(extendedSeq)
	if iv == nil {
		return 0, false
	}
	return uint16(iv.RewriteSeq(extendedSeq)), true
}

// Intervals returns a snapshot of the retained history, oldest first.
func (s *SourceRewriter) Intervals() []*Interval {
	s.lock.Lock()
	defer s.lock.Unlock()

	intervals := make([]*Interval, 0, s.intervals.Len())
	for i := 0; i < s.intervals.Len(); i++ {
		intervals = append(intervals, s.intervals.At(i))
	}
	return intervals
}

func (s *SourceRewriter) IsOpen() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.open != nil
}

func (s *SourceRewriter) DebugInfo() map[string]interface{} {
	s.lock.Lock()
	defer s.lock.Unlock()

	info := map[string]interface{}{
		"SSRC":            s.ssrc,
		"TargetSSRC":      s.targetSSRC,
		"ExtendedHighest": s.extender.GetExtendedHighest(),
		"NumIntervals":    s.intervals.Len(),
	}
	if s.open != nil {
		info["Open"] = s.open.String()
	}
	return info
}

// findLocked returns the interval containing extendedSeq. Most lookups are for
// recent packets so the newest interval is tried before searching.
func (s *SourceRewriter) findLocked(extendedSeq uint32) *Interval {
	n := s.intervals.Len()
	if n == 0 {
		return nil
	}

	if back := s.intervals.Back(); back.Contains(extendedSeq) {
		return back
	}

	idx := sort.Search(n, func(i int) bool {
		return s.intervals.At(i).extendedMinOrig > extendedSeq
	}) - 1
	if idx < 0 {
		return nil
	}

	if iv := s.intervals.At(idx); iv.Contains(extendedSeq) {
		return iv
	}
	return nil
}

// openLocked starts a new interval. It must begin above every retained
// interval so that closed intervals never overlap.
func (s *SourceRewriter) openLocked(extendedBaseOrig, extendedBaseTarget, timestampOrig, timestampTarget uint32, now time.Time) *Interval {
	iv := newInterval(s, extendedBaseOrig, extendedBaseTarget, timestampOrig, timestampTarget, now)
	s.intervals.PushBack(iv)
	s.open = iv
	s.pruneLocked(now)
	return iv
}

// closeLocked freezes the open interval, it stays in history for late packets
// and retransmissions.
func (s *SourceRewriter) closeLocked() *Interval {
	iv := s.open
	s.open = nil
	return iv
}

// lastMaxLocked is the highest extended sequence number covered by history.
func (s *SourceRewriter) lastMaxLocked() (uint32, bool) {
	if s.intervals.Len() == 0 {
		return 0, false
	}
	return s.intervals.Back().extendedMaxOrig, true
}

// pruneLocked evicts the oldest intervals beyond the count cap or not seen for
// longer than the age cap. The open interval is never evicted.
func (s *SourceRewriter) pruneLocked(now time.Time) {
	evicted := 0
	for s.intervals.Len() > 0 {
		front := s.intervals.Front()
		if front == s.open {
			break
		}

		tooMany := s.maxIntervals > 0 && s.intervals.Len() > s.maxIntervals
		tooOld := s.maxIntervalAge > 0 && now.Sub(front.lastSeen) > s.maxIntervalAge
		if !tooMany && !tooOld {
			break
		}

		s.intervals.PopFront()
		evicted++
	}

	if evicted > 0 {
		s.logger.Debugw("evicted intervals", "count", evicted, "remaining", s.intervals.Len())
		prometheus.AddIntervalsEvicted(evicted)
	}
}
