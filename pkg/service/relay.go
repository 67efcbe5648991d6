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
	"errors"
	"net"

	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/config"
	"github.com/livekit/rtp-splicer/pkg/sfu/rewriter"
	"github.com/livekit/rtp-splicer/pkg/sfu/termination"
	"github.com/livekit/rtp-splicer/pkg/sfu/transform"
	"github.com/livekit/rtp-splicer/pkg/sfu/utils"
	"github.com/livekit/rtp-splicer/pkg/telemetry/prometheus"
)

// IsRTCP reports whether a datagram multiplexed on one port is RTCP, RTCP
// packet types 192-223 collide with no RTP payload type in use.
func IsRTCP(buf []byte) bool {
	return len(buf) >= 2 && buf[1] >= 192 && buf[1] <= 223
}

type RelayParams struct {
	Config   *config.RelayConfig
	Engine   *rewriter.Engine
	Strategy *termination.HighestQualityStrategy
	// LogInterval rate limits logging of dropped packets
	LogInterval uint64
	Logger      logger.Logger
}

// Relay receives RTP from senders and RTCP from receivers on one UDP socket.
// RTP is rewritten and forwarded to the configured receiver, RTCP is
// consolidated and sent back to the sender media was last received from.
type Relay struct {
	params      RelayParams
	logger      logger.Logger
	transformer *transform.SinglePacketTransformer

	listen      *net.UDPAddr
	forward     *net.UDPAddr
	rtcpForward *net.UDPAddr
	lastSender  atomic.Pointer[net.UDPAddr]

	// feedback is consolidated off the media read loop, in arrival order
	rtcpWorker *workerpool.WorkerPool

	conn    *net.UDPConn
	running atomic.Bool
	stop    core.Fuse
	done    chan struct{}
}

func NewRelay(params RelayParams) (*Relay, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	r := &Relay{
		params: params,
		logger: params.Logger,
		stop:   core.NewFuse(),
		done:   make(chan struct{}),

		rtcpWorker: workerpool.New(1),
	}

	var err error
	if r.listen, err = net.ResolveUDPAddr("udp", params.Config.ListenAddress); err != nil {
		return nil, err
	}
	if r.forward, err = net.ResolveUDPAddr("udp", params.Config.ForwardAddress); err != nil {
		return nil, err
	}
	if params.Config.RTCPForwardAddress != "" {
		if r.rtcpForward, err = net.ResolveUDPAddr("udp", params.Config.RTCPForwardAddress); err != nil {
			return nil, err
		}
	}

	engine := params.Engine
	r.transformer = transform.NewSinglePacketTransformer(transform.SinglePacketTransformerParams{
		Transform: func(pkt *rtp.Packet) (*rtp.Packet, error) {
			out, err := engine.Rewrite(pkt)
			if errors.Is(err, rewriter.ErrUnknownSource) {
				// not spliced
				return pkt, nil
			}
			return out, err
		},
		LogInterval: params.LogInterval,
		Logger:      r.logger,
	})
	return r, nil
}

// RegisterStreams adds the configured source to target mappings to the engine.
func (r *Relay) RegisterStreams(streams []config.StreamConfig) error {
	for _, s := range streams {
		if err := r.params.Engine.AddSource(s.Source, s.Target); err != nil {
			return err
		}
		if s.REDPayloadType != 0 {
			r.params.Engine.SetRED(s.Source, s.REDPayloadType)
		}
		if s.FECPayloadType != 0 {
			r.params.Engine.SetFEC(s.Source, s.FECPayloadType)
		}
		if s.RTX != 0 {
			if err := r.params.Engine.AddSource(s.RTX, s.RTXTarget); err != nil {
				return err
			}
			r.params.Engine.SetRTX(s.RTX, s.Source)
		}
		r.logger.Debugw("registered stream",
			"source", s.Source,
			"target", s.Target,
			"rtx", s.RTX,
			"rtxTarget", s.RTXTarget,
			"redPT", s.REDPayloadType,
			"fecPT", s.FECPayloadType,
		)
	}
	return nil
}

func (r *Relay) Start() error {
	if r.running.Swap(true) {
		return ErrAlreadyRunning
	}

	conn, err := net.ListenUDP("udp", r.listen)
	if err != nil {
		r.running.Store(false)
		return err
	}
	r.conn = conn

	r.logger.Infow("relay started",
		"listen", conn.LocalAddr().String(),
		"forward", r.forward.String(),
	)
	go r.readWorker()
	return nil
}

// Addr returns the bound local address, nil before Start.
func (r *Relay) Addr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *Relay) Stop() {
	if !r.running.Load() {
		return
	}
	if r.stop.IsBroken() {
		return
	}
	r.stop.Break()
	_ = r.conn.Close()
	<-r.done
	r.rtcpWorker.StopWait()

	r.logger.Infow("relay stopped", "transformerStats", r.transformer.Stats())
}

func (r *Relay) readWorker() {
	defer close(r.done)

	buf := make([]byte, r.params.Config.ReadBufferSize)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.stop.IsBroken() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warnw("could not read packet", err)
			continue
		}

		if IsRTCP(buf[:n]) {
			r.handleRTCP(buf[:n])
		} else {
			r.handleRTP(buf[:n], from)
		}
	}
}

func (r *Relay) handleRTP(buf []byte, from *net.UDPAddr) {
	prometheus.IncrementPackets(prometheus.Incoming, 1)

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		prometheus.IncrementDropped(rewriter.DropReason(rewriter.ErrShortBuffer))
		r.logger.Debugw("could not unmarshal rtp packet", "error", err, "size", len(buf))
		return
	}
	if err := utils.ValidateRTPPacket(&pkt); err != nil {
		prometheus.IncrementDropped("invalid_rtp")
		r.logger.Debugw("dropping rtp packet", "error", err, "ssrc", pkt.SSRC)
		return
	}
	r.lastSender.Store(from)

	out := r.transformer.Transform([]*rtp.Packet{&pkt})[0]
	if out == nil {
		return
	}

	b, err := out.Marshal()
	if err != nil {
		r.logger.Warnw("could not marshal rtp packet", err, "ssrc", out.SSRC)
		return
	}
	r.write(b, r.forward)
}

func (r *Relay) handleRTCP(buf []byte) {
	prometheus.IncrementPackets(prometheus.Incoming, 1)

	to := r.rtcpForward
	if to == nil {
		to = r.lastSender.Load()
	}
	if to == nil {
		r.logger.Debugw("dropping rtcp", "error", ErrNoRTCPRecipient)
		return
	}

	raw := append([]byte(nil), buf...)
	r.rtcpWorker.Submit(func() {
		b, err := r.params.Strategy.ConsolidateRaw(raw)
		if err != nil {
			r.logger.Debugw("could not consolidate rtcp", "error", err, "size", len(raw))
			return
		}
		if r.stop.IsBroken() {
			return
		}
		r.write(b, to)
	})
}

func (r *Relay) write(b []byte, to *net.UDPAddr) {
	if _, err := r.conn.WriteToUDP(b, to); err != nil {
		r.logger.Warnw("could not write packet", err, "to", to.String())
		return
	}
	prometheus.IncrementPackets(prometheus.Outgoing, 1)
}
