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
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/rtp-splicer/pkg/config"
	"github.com/livekit/rtp-splicer/pkg/sfu/rewriter"
	"github.com/livekit/rtp-splicer/pkg/sfu/termination"
)

type relayHarness struct {
	relay    *Relay
	engine   *rewriter.Engine
	sender   *net.UDPConn
	receiver *net.UDPConn
}

func newRelayHarness(t *testing.T, streams []config.StreamConfig) *relayHarness {
	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close() })

	engine := rewriter.NewEngine(rewriter.DefaultEngineParams())
	strategy := termination.NewHighestQualityStrategy(termination.HighestQualityParams{})
	relay, err := NewRelay(RelayParams{
		Config: &config.RelayConfig{
			ListenAddress:  "127.0.0.1:0",
			ForwardAddress: receiver.LocalAddr().String(),
			ReadBufferSize: config.DefaultReadBufferSize,
		},
		Engine:   engine,
		Strategy: strategy,
	})
	require.NoError(t, err)
	require.NoError(t, relay.RegisterStreams(streams))
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Stop)

	sender, err := net.DialUDP("udp", nil, relay.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })

	return &relayHarness{
		relay:    relay,
		engine:   engine,
		sender:   sender,
		receiver: receiver,
	}
}

func (h *relayHarness) sendRTP(t *testing.T, ssrc uint32, sn uint16, ts uint32) {
	b, err := (&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: sn,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: []byte{0x01, 0x02, 0x03},
	}).Marshal()
	require.NoError(t, err)
	_, err = h.sender.Write(b)
	require.NoError(t, err)
}

func (h *relayHarness) receiveRTP(t *testing.T) *rtp.Packet {
	buf := make([]byte, 1500)
	require.NoError(t, h.receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := h.receiver.ReadFromUDP(buf)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return &pkt
}

func (h *relayHarness) sendRR(t *testing.T, reporter uint32, ssrc uint32, fractionLost uint8) {
	b, err := (&rtcp.ReceiverReport{
		SSRC: reporter,
		Reports: []rtcp.ReceptionReport{
			{SSRC: ssrc, FractionLost: fractionLost},
		},
	}).Marshal()
	require.NoError(t, err)
	_, err = h.receiver.WriteToUDP(b, h.relay.Addr().(*net.UDPAddr))
	require.NoError(t, err)
}

func (h *relayHarness) receiveRR(t *testing.T) *rtcp.ReceiverReport {
	buf := make([]byte, 1500)
	require.NoError(t, h.sender.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := h.sender.Read(buf)
	require.NoError(t, err)

	pkts, err := rtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	rr, ok := pkts[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	return rr
}

func TestIsRTCP(t *testing.T) {
	require.False(t, IsRTCP(nil))
	require.False(t, IsRTCP([]byte{0x80}))
	require.False(t, IsRTCP([]byte{0x80, 96}))
	require.False(t, IsRTCP([]byte{0x80, 96 | 0x80}))
	require.True(t, IsRTCP([]byte{0x80, rtcpTypeByte(rtcp.TypeReceiverReport)}))
	require.True(t, IsRTCP([]byte{0x80, rtcpTypeByte(rtcp.TypeSenderReport)}))
	require.True(t, IsRTCP([]byte{0x8f, rtcpTypeByte(rtcp.TypePayloadSpecificFeedback)}))
}

func rtcpTypeByte(t rtcp.PacketType) byte {
	return byte(t)
}

func TestRelaySplicesSources(t *testing.T) {
	h := newRelayHarness(t, []config.StreamConfig{
		{Source: 1111, Target: 5000},
		{Source: 2222, Target: 5000},
	})

	h.sendRTP(t, 1111, 100, 1000)
	pkt := h.receiveRTP(t)
	require.Equal(t, uint32(5000), pkt.SSRC)
	require.Equal(t, uint16(100), pkt.SequenceNumber)
	require.Equal(t, uint32(1000), pkt.Timestamp)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, pkt.Payload)

	// switching sources continues the target numbering
	h.sendRTP(t, 2222, 7000, 90000)
	pkt = h.receiveRTP(t)
	require.Equal(t, uint32(5000), pkt.SSRC)
	require.Equal(t, uint16(101), pkt.SequenceNumber)
	require.Equal(t, uint32(1001), pkt.Timestamp)

	h.sendRTP(t, 2222, 7001, 93000)
	pkt = h.receiveRTP(t)
	require.Equal(t, uint16(102), pkt.SequenceNumber)
	require.Equal(t, uint32(4001), pkt.Timestamp)

	ssrc, ok := h.engine.Group(5000).ActiveSSRC()
	require.True(t, ok)
	require.Equal(t, uint32(2222), ssrc)
}

func TestRelayPassesThroughUnknownSources(t *testing.T) {
	h := newRelayHarness(t, []config.StreamConfig{
		{Source: 1111, Target: 5000},
	})

	h.sendRTP(t, 3333, 42, 4242)
	pkt := h.receiveRTP(t)
	require.Equal(t, uint32(3333), pkt.SSRC)
	require.Equal(t, uint16(42), pkt.SequenceNumber)
	require.Equal(t, uint32(4242), pkt.Timestamp)
}

func TestRelayDropsInvalidVersion(t *testing.T) {
	h := newRelayHarness(t, []config.StreamConfig{
		{Source: 1111, Target: 5000},
	})

	// version 1 header, otherwise well formed
	_, err := h.sender.Write([]byte{0x40, 96, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x04, 0x57, 0x01})
	require.NoError(t, err)

	h.sendRTP(t, 1111, 100, 1000)
	pkt := h.receiveRTP(t)
	require.Equal(t, uint32(5000), pkt.SSRC)
	require.Equal(t, uint16(100), pkt.SequenceNumber)
}

func TestRelayConsolidatesRTCP(t *testing.T) {
	h := newRelayHarness(t, []config.StreamConfig{
		{Source: 1111, Target: 5000},
	})

	// media establishes where feedback goes
	h.sendRTP(t, 1111, 1, 1)
	h.receiveRTP(t)

	h.sendRR(t, 9, 5000, 50)
	rr := h.receiveRR(t)
	require.Equal(t, uint32(9), rr.SSRC)
	require.Equal(t, uint8(50), rr.Reports[0].FractionLost)

	h.sendRR(t, 10, 5000, 10)
	rr = h.receiveRR(t)
	require.Equal(t, uint32(10), rr.SSRC)
	require.Equal(t, uint8(10), rr.Reports[0].FractionLost)

	// the worse receiver is replaced by the better one
	h.sendRR(t, 9, 5000, 50)
	rr = h.receiveRR(t)
	require.Equal(t, uint32(9), rr.SSRC)
	require.Equal(t, uint32(5000), rr.Reports[0].SSRC)
	require.Equal(t, uint8(10), rr.Reports[0].FractionLost)
}

func TestRelayForwardsUnparsableRTCP(t *testing.T) {
	h := newRelayHarness(t, []config.StreamConfig{
		{Source: 1111, Target: 5000},
	})

	h.sendRTP(t, 1111, 1, 1)
	h.receiveRTP(t)

	pli, err := (&rtcp.PictureLossIndication{SenderSSRC: 9, MediaSSRC: 5000}).Marshal()
	require.NoError(t, err)
	malformed := append(pli, 0x81, 0xc9, 0x00, 0x07)
	_, err = h.receiver.WriteToUDP(malformed, h.relay.Addr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 1500)
	require.NoError(t, h.sender.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := h.sender.Read(buf)
	require.NoError(t, err)
	require.Equal(t, malformed, buf[:n])
}

func TestRelayRegisterStreams(t *testing.T) {
	h := newRelayHarness(t, []config.StreamConfig{
		{Source: 1111, Target: 5000, RTX: 1112, RTXTarget: 5001, REDPayloadType: 63, FECPayloadType: 116},
	})

	primary, ok := h.engine.PrimarySSRC(1112)
	require.True(t, ok)
	require.Equal(t, uint32(1111), primary)
	require.Equal(t, uint32(5001), h.engine.Source(1112).TargetSSRC())

	pt, ok := h.engine.REDPayloadType(1111)
	require.True(t, ok)
	require.Equal(t, uint8(63), pt)

	pt, ok = h.engine.FECPayloadType(1111)
	require.True(t, ok)
	require.Equal(t, uint8(116), pt)

	require.ErrorIs(t, h.relay.RegisterStreams([]config.StreamConfig{{Source: 1111, Target: 6000}}), rewriter.ErrSourceExists)
}

func TestRelayStartStop(t *testing.T) {
	h := newRelayHarness(t, nil)
	require.ErrorIs(t, h.relay.Start(), ErrAlreadyRunning)

	h.relay.Stop()
	// idempotent
	h.relay.Stop()
}
