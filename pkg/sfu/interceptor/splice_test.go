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

package interceptor

import (
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/rtp-splicer/pkg/sfu/rewriter"
	"github.com/livekit/rtp-splicer/pkg/sfu/termination"
)

type writtenPacket struct {
	header  rtp.Header
	payload []byte
}

func newTestSplice(t *testing.T) (*rewriter.Engine, *Splice) {
	engine := rewriter.NewEngine(rewriter.DefaultEngineParams())
	factory := NewSpliceFactory(SpliceFactoryParams{
		Engine:   engine,
		Strategy: termination.NewHighestQualityStrategy(termination.HighestQualityParams{}),
	})
	i, err := factory.NewInterceptor("test")
	require.NoError(t, err)
	return engine, i.(*Splice)
}

func TestSpliceBindLocalStream(t *testing.T) {
	engine, splice := newTestSplice(t)
	require.NoError(t, engine.AddSource(1, 100))
	require.NoError(t, engine.AddSource(2, 100))

	var written []writtenPacket
	writer := splice.BindLocalStream(&interceptor.StreamInfo{SSRC: 1, PayloadType: 96, MimeType: "video/VP8"},
		interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			written = append(written, writtenPacket{header: *header, payload: payload})
			return header.MarshalSize() + len(payload), nil
		}),
	)

	payload := []byte{0x10, 0x00}
	write := func(ssrc uint32, sn uint16) {
		_, err := writer.Write(&rtp.Header{Version: 2, PayloadType: 96, SSRC: ssrc, SequenceNumber: sn}, payload, nil)
		require.NoError(t, err)
	}

	write(1, 10)
	write(2, 500)
	write(1, 5)  // stale, dropped without error
	write(7, 33) // not spliced, passes through

	require.Len(t, written, 3)
	require.Equal(t, uint32(100), written[0].header.SSRC)
	require.Equal(t, uint16(10), written[0].header.SequenceNumber)
	require.Equal(t, uint32(100), written[1].header.SSRC)
	require.Equal(t, uint16(11), written[1].header.SequenceNumber)
	require.Equal(t, uint32(7), written[2].header.SSRC)
	require.Equal(t, uint16(33), written[2].header.SequenceNumber)
}

func TestSpliceRegistersPayloadTypes(t *testing.T) {
	engine, splice := newTestSplice(t)

	noop := interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
		return 0, nil
	})
	splice.BindLocalStream(&interceptor.StreamInfo{SSRC: 1, PayloadType: 63, MimeType: "audio/red"}, noop)
	splice.BindLocalStream(&interceptor.StreamInfo{SSRC: 2, PayloadType: 117, MimeType: "video/ulpfec"}, noop)

	pt, ok := engine.REDPayloadType(1)
	require.True(t, ok)
	require.Equal(t, uint8(63), pt)

	pt, ok = engine.FECPayloadType(2)
	require.True(t, ok)
	require.Equal(t, uint8(117), pt)
}

func TestSpliceBindRTCPWriter(t *testing.T) {
	_, splice := newTestSplice(t)

	var written []rtcp.Packet
	writer := splice.BindRTCPWriter(interceptor.RTCPWriterFunc(func(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
		written = pkts
		return 0, nil
	}))

	_, err := writer.Write([]rtcp.Packet{&termination.REMB{SenderSSRC: 1, Mantissa: 50, Exp: 2}}, nil)
	require.NoError(t, err)
	_, err = writer.Write([]rtcp.Packet{&termination.REMB{SenderSSRC: 2, Mantissa: 10}}, nil)
	require.NoError(t, err)

	require.Len(t, written, 1)
	remb := written[0].(*termination.REMB)
	require.Equal(t, uint32(2), remb.SenderSSRC)
	require.Equal(t, uint32(50), remb.Mantissa)
	require.Equal(t, uint8(2), remb.Exp)
}
