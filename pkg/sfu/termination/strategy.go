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

package termination

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/rtcp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/telemetry/prometheus"
)

const (
	DefaultMaxReporters   = 512
	DefaultSnapshotMaxAge = 30 * time.Second
)

// Strategy transforms the RTCP packets of a compound packet before they are
// forwarded to the media senders.
type Strategy interface {
	TransformRTCP(pkts []rtcp.Packet) []rtcp.Packet
}

type HighestQualityParams struct {
	// MaxReporters bounds the number of reporter snapshots kept for each of
	// report blocks and REMB.
	MaxReporters int
	// SnapshotMaxAge ignores snapshots older than this, zero keeps them forever.
	SnapshotMaxAge time.Duration
	Logger         logger.Logger
}

type reporterSnapshot struct {
	receivedAt time.Time
	blocks     []rtcp.ReceptionReport
}

type rembSnapshot struct {
	receivedAt time.Time
	mantissa   uint32
	exp        uint8
}

// HighestQualityStrategy forwards, for every reported stream, the best report
// block known from any receiver and the highest REMB known from any receiver,
// so that senders adapt to the best receiver rather than the worst.
type HighestQualityStrategy struct {
	params HighestQualityParams
	logger logger.Logger
	now    func() time.Time

	reportsLock sync.Mutex
	reporters   *lru.Cache[uint32, *reporterSnapshot]

	rembLock sync.Mutex
	rembs    *lru.Cache[uint32, *rembSnapshot]
}

var _ Strategy = (*HighestQualityStrategy)(nil)

func NewHighestQualityStrategy(params HighestQualityParams) *HighestQualityStrategy {
	if params.MaxReporters <= 0 {
		params.MaxReporters = DefaultMaxReporters
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	// only fails for a non-positive size
	reporters, _ := lru.New[uint32, *reporterSnapshot](params.MaxReporters)
	rembs, _ := lru.New[uint32, *rembSnapshot](params.MaxReporters)
	return &HighestQualityStrategy{
		params:    params,
		logger:    params.Logger,
		now:       time.Now,
		reporters: reporters,
		rembs:     rembs,
	}
}

func (s *HighestQualityStrategy) TransformRTCP(pkts []rtcp.Packet) []rtcp.Packet {
	return s.Consolidate(pkts)
}

// Consolidate returns the packets to forward in place of pkts. Receiver and
// sender reports are replaced by copies carrying the best known report blocks,
// REMB messages carry the best known bitrate, anything else passes through.
func (s *HighestQualityStrategy) Consolidate(pkts []rtcp.Packet) []rtcp.Packet {
	if len(pkts) == 0 {
		return pkts
	}

	out := make([]rtcp.Packet, 0, len(pkts))
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			out = append(out, &rtcp.ReceiverReport{
				SSRC:              p.SSRC,
				Reports:           s.consolidateReports(p.SSRC, p.Reports),
				ProfileExtensions: p.ProfileExtensions,
			})

		case *rtcp.SenderReport:
			out = append(out, &rtcp.SenderReport{
				SSRC:              p.SSRC,
				NTPTime:           p.NTPTime,
				RTPTime:           p.RTPTime,
				PacketCount:       p.PacketCount,
				OctetCount:        p.OctetCount,
				Reports:           s.consolidateReports(p.SSRC, p.Reports),
				ProfileExtensions: p.ProfileExtensions,
			})

		case *REMB:
			out = append(out, s.consolidateREMB(p))

		case *rtcp.ReceiverEstimatedMaximumBitrate:
			// pion normalizes on marshal, go through the exact form and back
			remb := s.consolidateREMB(NewREMB(p.SenderSSRC, float64(p.Bitrate), p.SSRCs))
			out = append(out, &rtcp.ReceiverEstimatedMaximumBitrate{
				SenderSSRC: remb.SenderSSRC,
				Bitrate:    float32(remb.Bitrate()),
				SSRCs:      remb.SSRCs,
			})

		default:
			out = append(out, pkt)
		}
	}
	return out
}

// ConsolidateRaw consolidates a marshalled compound packet. A compound packet
// that does not parse is returned unchanged so that feedback it carries still
// reaches the senders.
func (s *HighestQualityStrategy) ConsolidateRaw(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	pkts, err := Unmarshal(raw)
	if err != nil {
		s.logger.Debugw("forwarding unparsable rtcp unchanged", "error", err, "size", len(raw))
		return raw, nil
	}
	if len(pkts) == 0 {
		return raw, nil
	}
	return rtcp.Marshal(s.Consolidate(pkts))
}

// CompareReportBlocks returns a positive value when a is of higher quality
// than b, negative when lower and zero when equivalent. Only the fraction lost
// ranks blocks.
func CompareReportBlocks(a, b rtcp.ReceptionReport) int {
	return int(b.FractionLost) - int(a.FractionLost)
}

// consolidateReports returns the blocks to forward for a report from reporter
// and replaces the reporter's snapshot with its own blocks.
func (s *HighestQualityStrategy) consolidateReports(reporter uint32, blocks []rtcp.ReceptionReport) []rtcp.ReceptionReport {
	now := s.now()

	s.reportsLock.Lock()
	defer s.reportsLock.Unlock()

	var forwarded []rtcp.ReceptionReport
	if len(blocks) != 0 {
		forwarded = make([]rtcp.ReceptionReport, len(blocks))
	}

	upgraded := 0
	for i, block := range blocks {
		best := block
		bestReporter := reporter
		for _, other := range s.reporters.Keys() {
			if other == reporter {
				continue
			}
			snapshot, ok := s.reporters.Peek(other)
			if !ok || s.isExpired(snapshot.receivedAt, now) {
				continue
			}

			for _, candidate := range snapshot.blocks {
				if candidate.SSRC == block.SSRC && CompareReportBlocks(candidate, best) > 0 {
					best = candidate
					bestReporter = other
				}
			}
		}

		if bestReporter != reporter {
			upgraded++
			s.logger.Debugw("upgrading report block",
				"reporter", reporter,
				"bestReporter", bestReporter,
				"ssrc", block.SSRC,
				"fractionLost", block.FractionLost,
				"bestFractionLost", best.FractionLost,
				"lostDelta", int64(block.TotalLost)-int64(best.TotalLost),
				"jitterDelta", int64(block.Jitter)-int64(best.Jitter),
			)
		}
		forwarded[i] = best
	}

	s.reporters.Add(reporter, &reporterSnapshot{
		receivedAt: now,
		blocks:     append([]rtcp.ReceptionReport(nil), blocks...),
	})

	prometheus.AddReportBlocksUpgraded(upgraded)
	return forwarded
}

// consolidateREMB forwards remb when it beats every known estimate and the
// best known estimate otherwise. The forwarded value is remembered for the
// sender of remb.
func (s *HighestQualityStrategy) consolidateREMB(remb *REMB) *REMB {
	now := s.now()

	s.rembLock.Lock()
	defer s.rembLock.Unlock()

	forwarded := &REMB{
		SenderSSRC: remb.SenderSSRC,
		Mantissa:   remb.Mantissa,
		Exp:        remb.Exp,
		SSRCs:      append([]uint32(nil), remb.SSRCs...),
	}

	if best := s.bestREMBLocked(now); best != nil && remb.Bitrate() <= best.Bitrate() {
		forwarded.Mantissa = best.Mantissa
		forwarded.Exp = best.Exp

		prometheus.IncrementRembSubstituted()
		s.logger.Debugw("substituting remb", "received", remb, "forwarded", forwarded)
	}

	s.rembs.Add(remb.SenderSSRC, &rembSnapshot{
		receivedAt: now,
		mantissa:   forwarded.Mantissa,
		exp:        forwarded.Exp,
	})
	return forwarded
}

func (s *HighestQualityStrategy) bestREMBLocked(now time.Time) *REMB {
	var best *REMB
	for _, sender := range s.rembs.Keys() {
		snapshot, ok := s.rembs.Peek(sender)
		if !ok || s.isExpired(snapshot.receivedAt, now) {
			continue
		}

		candidate := &REMB{Mantissa: snapshot.mantissa, Exp: snapshot.exp}
		if best == nil || candidate.Bitrate() > best.Bitrate() {
			best = candidate
		}
	}
	return best
}

func (s *HighestQualityStrategy) isExpired(receivedAt time.Time, now time.Time) bool {
	return s.params.SnapshotMaxAge > 0 && now.Sub(receivedAt) > s.params.SnapshotMaxAge
}

func (s *HighestQualityStrategy) DebugInfo() map[string]interface{} {
	s.reportsLock.Lock()
	reporters := s.reporters.Len()
	s.reportsLock.Unlock()

	s.rembLock.Lock()
	var bestBitrate float64
	if best := s.bestREMBLocked(s.now()); best != nil {
		bestBitrate = best.Bitrate()
	}
	rembs := s.rembs.Len()
	s.rembLock.Unlock()

	return map[string]interface{}{
		"Reporters":       reporters,
		"REMBSenders":     rembs,
		"BestREMBBitrate": bestBitrate,
	}
}
