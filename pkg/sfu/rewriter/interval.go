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
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap/zapcore"
)

// Interval maps a contiguous run of a source's extended sequence numbers onto
// a contiguous run of the target's extended sequence numbers with a fixed
// offset. It also carries one anchored RTP timestamp correspondence.
//
// extendedMaxOrig, lastSeen and maxTimestamp are guarded by the owner's lock.
// Everything else is fixed at creation.
type Interval struct {
	owner *SourceRewriter

	extendedMinOrig    uint32
	extendedBaseTarget uint32
	timestampOrig      uint32
	timestampTarget    uint32

	extendedMaxOrig uint32
	lastSeen        time.Time
	maxTimestamp    uint32
	hasMaxTimestamp bool
}

func newInterval(owner *SourceRewriter, extendedBaseOrig, extendedBaseTarget, timestampOrig, timestampTarget uint32, now time.Time) *Interval {
	return &Interval{
		owner:              owner,
		extendedMinOrig:    extendedBaseOrig,
		extendedMaxOrig:    extendedBaseOrig,
		extendedBaseTarget: extendedBaseTarget,
		timestampOrig:      timestampOrig,
		timestampTarget:    timestampTarget,
		lastSeen:           now,
	}
}

func (i *Interval) ExtendedMin() uint32 {
	return i.extendedMinOrig
}

func (i *Interval) ExtendedMax() uint32 {
	return i.extendedMaxOrig
}

func (i *Interval) ExtendedBaseTarget() uint32 {
	return i.extendedBaseTarget
}

// ExtendedMaxTarget is the target extended sequence number ExtendedMax maps to.
func (i *Interval) ExtendedMaxTarget() uint32 {
	return i.RewriteSeq(i.extendedMaxOrig)
}

func (i *Interval) LastSeen() time.Time {
	return i.lastSeen
}

// Length spans all 32 bits as an interval can cover several cycles.
func (i *Interval) Length() uint32 {
	return i.extendedMaxOrig - i.extendedMinOrig
}

func (i *Interval) Contains(extendedSeq uint32) bool {
	return i.extendedMinOrig <= extendedSeq && extendedSeq <= i.extendedMaxOrig
}

// RewriteSeq is only meaningful when Contains(extendedSeq) holds.
func (i *Interval) RewriteSeq(extendedSeq uint32) uint32 {
	return i.extendedBaseTarget + (extendedSeq - i.extendedMinOrig)
}

func (i *Interval) String() string {
	return fmt.Sprintf("Interval{orig: [%d, %d], target: %d, ts: %d -> %d}",
		i.extendedMinOrig, i.extendedMaxOrig, i.extendedBaseTarget, i.timestampOrig, i.timestampTarget)
}

func (i *Interval) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if i == nil {
		return nil
	}

	e.AddUint32("extendedMinOrig", i.extendedMinOrig)
	e.AddUint32("extendedMaxOrig", i.extendedMaxOrig)
	e.AddUint32("extendedBaseTarget", i.extendedBaseTarget)
	e.AddUint32("timestampOrig", i.timestampOrig)
	e.AddUint32("timestampTarget", i.timestampTarget)
	e.AddUint32("maxTimestamp", i.maxTimestamp)
	e.AddTime("lastSeen", i.lastSeen)
	return nil
}

// nextTimestamp is the target timestamp a following interval is anchored at.
// Called with the owner's lock held.
func (i *Interval) nextTimestamp() uint32 {
	if !i.hasMaxTimestamp {
		return i.timestampTarget + 1
	}
	return i.maxTimestamp + 1
}

// rewriteRTP rewrites SSRC, sequence number, embedded RED/FEC/RTX sequence
// numbers and timestamp of pkt in place. extendedSeq is the extended form of
// the packet's sequence number and must be contained in the interval.
// Returns nil and an error when the packet has to be dropped.
//
// Called without the owner's lock held, resolving references to the primary
// stream takes that stream's lock.
func (i *Interval) rewriteRTP(pkt *rtp.Packet, extendedSeq uint32, sc streamContext) (*rtp.Packet, error) {
	owner := i.owner

	pkt.SSRC = owner.targetSSRC
	pkt.SequenceNumber = uint16(i.RewriteSeq(extendedSeq))

	// the original sequence number precedes RED/FEC data in a retransmission
	payload := pkt.Payload
	if sc.isRTX {
		if len(payload) < rtxOSNSize {
			owner.logger.Warnw("rtx packet too short", nil, "payloadSize", len(payload))
			return nil, fmt.Errorf("%w: rtx payload size %d", ErrShortBuffer, len(payload))
		}
		payload = payload[rtxOSNSize:]
	}

	if sc.hasRED && sc.redPT == pkt.PayloadType {
		if err := i.rewriteRED(sc, payload); err != nil {
			return nil, err
		}
	}

	if sc.hasFEC && sc.fecPT == pkt.PayloadType {
		// also covers a FEC packet retransmitted in an RTX packet
		if err := i.rewriteFEC(sc, payload); err != nil {
			return nil, err
		}
	}

	if sc.isRTX {
		if err := i.rewriteRTX(sc, pkt.Payload); err != nil {
			return nil, err
		}
	}

	// after RED/FEC/RTX so that a dropped packet does not move timestamp state
	i.rewriteTimestamp(pkt)
	return pkt, nil
}

func (i *Interval) rewriteRED(sc streamContext, payload []byte) error {
	blocks, err := ParseRED(payload)
	if err != nil {
		i.owner.logger.Warnw("could not parse red payload", err, "payloadSize", len(payload))
		return err
	}

	if !sc.hasFEC {
		return nil
	}

	for _, block := range blocks {
		if block.PayloadType != sc.fecPT {
			continue
		}
		if err := i.rewriteFEC(sc, payload[block.Offset:block.Offset+block.Length]); err != nil {
			return err
		}
	}
	return nil
}

func (i *Interval) rewriteFEC(sc streamContext, fec []byte) error {
	snBase, err := readFECSNBase(fec)
	if err != nil {
		i.owner.logger.Warnw("invalid fec header", err)
		return err
	}

	rewritten, ok := sc.resolve(snBase)
	if !ok {
		i.owner.logger.Debugw("could not find a sequence number interval for fec", "primarySSRC", sc.primarySSRC, "snBase", snBase)
		return ErrUnresolvedFECBase
	}

	writeFECSNBase(fec, rewritten)
	return nil
}

func (i *Interval) rewriteRTX(sc streamContext, payload []byte) error {
	osn, err := readRTXOSN(payload)
	if err != nil {
		i.owner.logger.Warnw("invalid rtx payload", err)
		return err
	}

	rewritten, ok := sc.resolve(osn)
	if !ok {
		i.owner.logger.Debugw("could not find a sequence number interval for rtx", "primarySSRC", sc.primarySSRC, "osn", osn)
		return ErrUnresolvedOSN
	}

	writeRTXOSN(payload, rewritten)
	return nil
}

func (i *Interval) rewriteTimestamp(pkt *rtp.Packet) {
	if pkt.Timestamp == i.timestampOrig {
		pkt.Timestamp = i.timestampTarget
	}

	i.owner.lock.Lock()
	if !i.hasMaxTimestamp || int32(pkt.Timestamp-i.maxTimestamp) > 0 {
		i.maxTimestamp = pkt.Timestamp
		i.hasMaxTimestamp = true
	}
	i.owner.lock.Unlock()
}
