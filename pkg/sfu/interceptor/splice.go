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
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/sfu/rewriter"
	"github.com/livekit/rtp-splicer/pkg/sfu/termination"
	"github.com/livekit/rtp-splicer/pkg/sfu/transform"
)

type SpliceFactoryParams struct {
	Engine   *rewriter.Engine
	Strategy termination.Strategy
	Logger   logger.Logger
}

// SpliceFactory creates interceptors rewriting outgoing RTP through a shared
// engine and consolidating outgoing RTCP through a shared strategy.
type SpliceFactory struct {
	params      SpliceFactoryParams
	transformer *transform.SinglePacketTransformer
}

func NewSpliceFactory(params SpliceFactoryParams) *SpliceFactory {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	engine := params.Engine
	return &SpliceFactory{
		params: params,
		transformer: transform.NewSinglePacketTransformer(transform.SinglePacketTransformerParams{
			Transform: func(pkt *rtp.Packet) (*rtp.Packet, error) {
				out, err := engine.Rewrite(pkt)
				if errors.Is(err, rewriter.ErrUnknownSource) {
					// not spliced
					return pkt, nil
				}
				return out, err
			},
			Logger: params.Logger,
		}),
	}
}

func (f *SpliceFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	return &Splice{
		factory: f,
		logger:  f.params.Logger.WithValues("interceptorID", id),
	}, nil
}

type Splice struct {
	interceptor.NoOp

	factory *SpliceFactory
	logger  logger.Logger
}

func (s *Splice) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	registerPayloadTypes(s.factory.params.Engine, info)

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		// sub-headers are rewritten in place, the caller may still own the payload
		pkt := &rtp.Packet{
			Header:  header.Clone(),
			Payload: append([]byte(nil), payload...),
		}

		out := s.factory.transformer.Transform([]*rtp.Packet{pkt})[0]
		if out == nil {
			// dropped packets are not an error for the sender
			return header.MarshalSize() + len(payload), nil
		}
		return writer.Write(&out.Header, out.Payload, attributes)
	})
}

func (s *Splice) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	if s.factory.params.Strategy == nil {
		return writer
	}

	return interceptor.RTCPWriterFunc(func(pkts []rtcp.Packet, attributes interceptor.Attributes) (int, error) {
		return writer.Write(s.factory.params.Strategy.TransformRTCP(pkts), attributes)
	})
}
