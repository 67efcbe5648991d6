// Copyright 2024 LiveKit, Inc.
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

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/sfu/mime"
	"github.com/livekit/rtp-splicer/pkg/sfu/utils"
)

const (
	SDESRepairRTPStreamIDURI = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"

	rtxProbeCount = 10
)

// StreamRegistrar takes the stream relations discovered on the wire.
type StreamRegistrar interface {
	SetRTX(rtxSSRC uint32, primarySSRC uint32)
	SetRED(ssrc uint32, payloadType uint8)
	SetFEC(ssrc uint32, payloadType uint8)
}

// streamKey identifies a simulcast layer inside a transceiver. Base streams
// are keyed by their rid, repair streams by the rid they repair.
type streamKey struct {
	mid string
	rid string
}

// RTXInfoExtractorFactory pairs repair streams with the streams they repair
// by matching mid and rid/rsid header extensions of remote streams.
type RTXInfoExtractorFactory struct {
	registrar StreamRegistrar
	logger    logger.Logger

	lock    sync.Mutex
	bases   map[streamKey]uint32
	repairs map[streamKey]uint32
}

func NewRTXInfoExtractorFactory(registrar StreamRegistrar, l logger.Logger) *RTXInfoExtractorFactory {
	if l == nil {
		l = logger.GetLogger()
	}
	return &RTXInfoExtractorFactory{
		registrar: registrar,
		logger:    l,
		bases:     make(map[streamKey]uint32),
		repairs:   make(map[streamKey]uint32),
	}
}

func (f *RTXInfoExtractorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	return &RTXInfoExtractor{
		factory: f,
		logger:  f.logger.WithValues("interceptorID", id),
	}, nil
}

// addStream records a stream identified on the wire and registers the RTX
// relation once both sides of a pair have been seen.
func (f *RTXInfoExtractorFactory) addStream(ssrc uint32, ids streamIDs) {
	rtxSSRC, primarySSRC, paired := f.pair(ssrc, ids)
	if !paired {
		return
	}

	f.logger.Debugw("rtx pair found", "rtxSSRC", rtxSSRC, "primarySSRC", primarySSRC, "mid", ids.mid)
	f.registrar.SetRTX(rtxSSRC, primarySSRC)
}

func (f *RTXInfoExtractorFactory) pair(ssrc uint32, ids streamIDs) (rtxSSRC uint32, primarySSRC uint32, paired bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if ids.rsid != "" {
		key := streamKey{mid: ids.mid, rid: ids.rsid}
		if base, ok := f.bases[key]; ok {
			delete(f.bases, key)
			return ssrc, base, true
		}
		f.repairs[key] = ssrc
		return 0, 0, false
	}

	key := streamKey{mid: ids.mid, rid: ids.rid}
	if repair, ok := f.repairs[key]; ok {
		delete(f.repairs, key)
		return repair, ssrc, true
	}
	f.bases[key] = ssrc
	return 0, 0, false
}

type RTXInfoExtractor struct {
	interceptor.NoOp

	factory *RTXInfoExtractorFactory
	logger  logger.Logger
}

func (u *RTXInfoExtractor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	registerPayloadTypes(u.factory.registrar, info)

	extIDs := make([]uint8, 0, 3)
	for _, uri := range []string{sdp.SDESMidURI, sdp.SDESRTPStreamIDURI, SDESRepairRTPStreamIDURI} {
		id, err := utils.HeaderExtensionID(info.RTPHeaderExtensions, uri)
		if err != nil {
			u.logger.Debugw("not probing stream for rtx", "ssrc", info.SSRC, "error", err)
			return reader
		}
		extIDs = append(extIDs, id)
	}

	return &rtxInfoReader{
		probesLeft: rtxProbeCount,
		reader:     reader,
		midExtID:   extIDs[0],
		ridExtID:   extIDs[1],
		rsidExtID:  extIDs[2],
		factory:    u.factory,
		logger:     u.logger,
	}
}

type streamIDs struct {
	mid  string
	rid  string
	rsid string
}

func (s streamIDs) complete() bool {
	return s.mid != "" && (s.rid != "" || s.rsid != "")
}

// rtxInfoReader inspects the first packets of a remote stream for its
// identification extensions and stops looking once found or after
// rtxProbeCount media packets.
type rtxInfoReader struct {
	probesLeft int
	reader     interceptor.RTPReader
	midExtID   uint8
	ridExtID   uint8
	rsidExtID  uint8
	factory    *RTXInfoExtractorFactory
	logger     logger.Logger
}

func (r *rtxInfoReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	n, a, err := r.reader.Read(b, a)
	if r.probesLeft <= 0 || err != nil {
		return n, a, err
	}

	if a == nil {
		a = make(interceptor.Attributes)
	}
	header, err := a.GetRTPHeader(b[:n])
	if err != nil {
		return n, a, nil
	}

	ids := streamIDs{
		mid:  string(header.GetExtension(r.midExtID)),
		rid:  string(header.GetExtension(r.ridExtID)),
		rsid: string(header.GetExtension(r.rsidExtID)),
	}
	if ids.complete() {
		r.logger.Debugw("stream found", "mid", ids.mid, "rid", ids.rid, "rsid", ids.rsid, "ssrc", header.SSRC)
		r.probesLeft = 0
		go r.factory.addStream(header.SSRC, ids)
		return n, a, nil
	}

	// padding only probes do not count
	if !header.Padding || n-header.MarshalSize()-int(b[n-1]) != 0 {
		r.probesLeft--
	}
	return n, a, nil
}

// registerPayloadTypes records RED and ULPFEC payload types from the
// negotiated codec of a stream.
func registerPayloadTypes(registrar StreamRegistrar, info *interceptor.StreamInfo) {
	switch {
	case mime.IsMimeTypeStringRED(info.MimeType):
		registrar.SetRED(info.SSRC, info.PayloadType)
	case mime.IsMimeTypeStringULPFEC(info.MimeType):
		registrar.SetFEC(info.SSRC, info.PayloadType)
	}
}
