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
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"
)

const (
	testMidExtID  = 1
	testRIDExtID  = 2
	testRSIDExtID = 3
)

type testRegistrar struct {
	lock sync.Mutex
	rtx  map[uint32]uint32
	red  map[uint32]uint8
	fec  map[uint32]uint8
}

func newTestRegistrar() *testRegistrar {
	return &testRegistrar{
		rtx: make(map[uint32]uint32),
		red: make(map[uint32]uint8),
		fec: make(map[uint32]uint8),
	}
}

func (r *testRegistrar) SetRTX(rtxSSRC uint32, primarySSRC uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.rtx[rtxSSRC] = primarySSRC
}

func (r *testRegistrar) SetRED(ssrc uint32, payloadType uint8) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.red[ssrc] = payloadType
}

func (r *testRegistrar) SetFEC(ssrc uint32, payloadType uint8) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.fec[ssrc] = payloadType
}

func (r *testRegistrar) primary(rtxSSRC uint32) (uint32, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	primary, ok := r.rtx[rtxSSRC]
	return primary, ok
}

func streamPacket(t *testing.T, ssrc uint32, mid, rid, rsid string) []byte {
	t.Helper()

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SSRC: ssrc, SequenceNumber: 1}, Payload: []byte{0x01}}
	require.NoError(t, pkt.Header.SetExtension(testMidExtID, []byte(mid)))
	if rid != "" {
		require.NoError(t, pkt.Header.SetExtension(testRIDExtID, []byte(rid)))
	}
	if rsid != "" {
		require.NoError(t, pkt.Header.SetExtension(testRSIDExtID, []byte(rsid)))
	}
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}

func bindRemote(t *testing.T, factory *RTXInfoExtractorFactory, ssrc uint32, buf []byte) interceptor.RTPReader {
	i, err := factory.NewInterceptor("test")
	require.NoError(t, err)

	info := &interceptor.StreamInfo{
		SSRC:     ssrc,
		MimeType: "video/VP8",
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{
			{URI: sdp.SDESMidURI, ID: testMidExtID},
			{URI: sdp.SDESRTPStreamIDURI, ID: testRIDExtID},
			{URI: SDESRepairRTPStreamIDURI, ID: testRSIDExtID},
		},
	}
	return i.BindRemoteStream(info, interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		return copy(b, buf), a, nil
	}))
}

func TestRTXInfoExtractor(t *testing.T) {
	registrar := newTestRegistrar()
	factory := NewRTXInfoExtractorFactory(registrar, nil)

	b := make([]byte, 1500)
	_, _, err := bindRemote(t, factory, 1000, streamPacket(t, 1000, "0", "f", "")).Read(b, nil)
	require.NoError(t, err)

	// wait for the base stream to be recorded before its repair stream shows up
	require.Eventually(t, func() bool {
		factory.lock.Lock()
		defer factory.lock.Unlock()
		ssrc, ok := factory.bases[streamKey{mid: "0", rid: "f"}]
		return ok && ssrc == 1000
	}, time.Second, 10*time.Millisecond)

	_, _, err = bindRemote(t, factory, 2000, streamPacket(t, 2000, "0", "", "f")).Read(b, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		primary, ok := registrar.primary(2000)
		return ok && primary == 1000
	}, time.Second, 10*time.Millisecond)
}

func TestRTXInfoExtractorRepairFirst(t *testing.T) {
	registrar := newTestRegistrar()
	factory := NewRTXInfoExtractorFactory(registrar, nil)

	rtxSSRC, primarySSRC, paired := factory.pair(2000, streamIDs{mid: "1", rsid: "h"})
	require.False(t, paired)

	// a base stream on another layer does not match
	_, _, paired = factory.pair(3000, streamIDs{mid: "1", rid: "f"})
	require.False(t, paired)

	rtxSSRC, primarySSRC, paired = factory.pair(1000, streamIDs{mid: "1", rid: "h"})
	require.True(t, paired)
	require.Equal(t, uint32(2000), rtxSSRC)
	require.Equal(t, uint32(1000), primarySSRC)
	require.Empty(t, factory.repairs)
}

func TestRTXInfoReaderStopsLooking(t *testing.T) {
	registrar := newTestRegistrar()
	factory := NewRTXInfoExtractorFactory(registrar, nil)

	// mid without rid or rsid never identifies the stream
	buf := streamPacket(t, 1000, "0", "", "")
	reader := bindRemote(t, factory, 1000, buf)
	rtxReader, ok := reader.(*rtxInfoReader)
	require.True(t, ok)

	b := make([]byte, 1500)
	for i := 0; i < rtxProbeCount+2; i++ {
		_, _, err := reader.Read(b, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 0, rtxReader.probesLeft)
}

func TestRTXInfoExtractorWithoutExtensions(t *testing.T) {
	registrar := newTestRegistrar()
	factory := NewRTXInfoExtractorFactory(registrar, nil)

	i, err := factory.NewInterceptor("test")
	require.NoError(t, err)

	reader := interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		return 0, a, nil
	})
	bound := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1, PayloadType: 63, MimeType: "audio/red"}, reader)
	_, isRTXReader := bound.(*rtxInfoReader)
	require.False(t, isRTXReader)

	registrar.lock.Lock()
	defer registrar.lock.Unlock()
	require.Equal(t, uint8(63), registrar.red[1])
}
