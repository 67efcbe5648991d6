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

package transform

import (
	"fmt"

	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
)

const DefaultLogInterval = 1000

// PacketTransformer transforms batches of packets in place. A nil element is
// a packet dropped by an earlier stage and is skipped.
type PacketTransformer interface {
	Transform(pkts []*rtp.Packet) []*rtp.Packet
	ReverseTransform(pkts []*rtp.Packet) []*rtp.Packet
}

// Func transforms one packet. Returning an error drops the packet.
type Func func(pkt *rtp.Packet) (*rtp.Packet, error)

type SinglePacketTransformerParams struct {
	Transform        Func
	ReverseTransform Func
	// LogInterval rate limits logging of failures of the same kind to the
	// first and then every LogInterval-th one.
	LogInterval uint64
	Logger      logger.Logger
}

type direction struct {
	name   string
	fn     Func
	errors atomic.Uint64
	panics atomic.Uint64
}

// SinglePacketTransformer applies a per packet function to every packet of a
// batch. Either function may be nil, that direction then passes through.
type SinglePacketTransformer struct {
	logInterval uint64
	logger      logger.Logger

	forward *direction
	reverse *direction
}

var _ PacketTransformer = (*SinglePacketTransformer)(nil)

func NewSinglePacketTransformer(params SinglePacketTransformerParams) *SinglePacketTransformer {
	if params.LogInterval == 0 {
		params.LogInterval = DefaultLogInterval
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &SinglePacketTransformer{
		logInterval: params.LogInterval,
		logger:      params.Logger,
		forward:     &direction{name: "transform", fn: params.Transform},
		reverse:     &direction{name: "reverseTransform", fn: params.ReverseTransform},
	}
}

func (s *SinglePacketTransformer) Transform(pkts []*rtp.Packet) []*rtp.Packet {
	return s.run(s.forward, pkts)
}

func (s *SinglePacketTransformer) ReverseTransform(pkts []*rtp.Packet) []*rtp.Packet {
	return s.run(s.reverse, pkts)
}

// Stats returns the number of dropped packets and of panics for each direction.
func (s *SinglePacketTransformer) Stats() map[string]uint64 {
	return map[string]uint64{
		"transformErrors":        s.forward.errors.Load(),
		"transformPanics":        s.forward.panics.Load(),
		"reverseTransformErrors": s.reverse.errors.Load(),
		"reverseTransformPanics": s.reverse.panics.Load(),
	}
}

func (s *SinglePacketTransformer) run(d *direction, pkts []*rtp.Packet) []*rtp.Packet {
	if d.fn == nil {
		return pkts
	}

	for i, pkt := range pkts {
		if pkt == nil {
			continue
		}
		pkts[i] = s.apply(d, pkt)
	}
	return pkts
}

// apply drops the packet on error. A panic is logged and raised again, it is
// a bug and not a property of the packet.
func (s *SinglePacketTransformer) apply(d *direction, pkt *rtp.Packet) *rtp.Packet {
	ssrc, sn := pkt.SSRC, pkt.SequenceNumber
	defer func() {
		if r := recover(); r != nil {
			if count := d.panics.Inc(); s.shouldLog(count) {
				s.logger.Errorw("panic in packet transform", fmt.Errorf("%v", r),
					"direction", d.name,
					"ssrc", ssrc,
					"sn", sn,
					"count", count,
				)
			}
			panic(r)
		}
	}()

	out, err := d.fn(pkt)
	if err != nil {
		if count := d.errors.Inc(); s.shouldLog(count) {
			s.logger.Debugw("dropping packet", "error", err, "direction", d.name, "ssrc", ssrc, "sn", sn, "count", count)
		}
		return nil
	}
	return out
}

func (s *SinglePacketTransformer) shouldLog(count uint64) bool {
	return count == 1 || count%s.logInterval == 0
}
