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

package buffer

import (
	"errors"

	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/sfu/mime"
	"github.com/livekit/rtp-splicer/pkg/sfu/rewriter"
)

// IsKeyFrame reports whether the RTP packet in buf starts an intra frame of
// the codec negotiated as codecPT. When redPT is set and the packet is RED,
// the primary block is inspected. Malformed input and unsupported codecs are
// logged and reported as not being a keyframe.
func IsKeyFrame(buf []byte, redPT *uint8, codecPT uint8, mimeType string) bool {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		logger.Warnw("could not unmarshal rtp packet", err, "size", len(buf))
		return false
	}

	payload := pkt.Payload
	payloadType := pkt.PayloadType
	if redPT != nil && payloadType == *redPT {
		primary, pt, err := ExtractPrimaryEncodingForRED(payload)
		if err != nil {
			logger.Warnw("could not extract primary encoding", err, "ssrc", pkt.SSRC, "sn", pkt.SequenceNumber)
			return false
		}
		payload, payloadType = primary, pt
	}

	if payloadType != codecPT {
		return false
	}

	isKeyFrame, err := IsKeyFramePayload(payload, mimeType)
	switch {
	case errors.Is(err, ErrUnsupportedCodec):
		logger.Errorw("could not detect keyframe", err, "mimeType", mimeType, "ssrc", pkt.SSRC)
		return false
	case err != nil:
		logger.Warnw("could not parse payload", err, "mimeType", mimeType, "ssrc", pkt.SSRC, "sn", pkt.SequenceNumber)
		return false
	}
	return isKeyFrame
}

var keyFrameDetectors = map[mime.MimeType]keyFrameDetector{
	mime.MimeTypeVP8:  vp8KeyFrame,
	mime.MimeTypeVP9:  vp9KeyFrame,
	mime.MimeTypeH264: h264KeyFrame,
	mime.MimeTypeAV1:  av1KeyFrame,
}

// IsKeyFramePayload dispatches on the codec of mimeType.
func IsKeyFramePayload(payload []byte, mimeType string) (bool, error) {
	detect, ok := keyFrameDetectors[mime.NormalizeMimeType(mimeType)]
	if !ok {
		return false, ErrUnsupportedCodec
	}
	return detect(payload)
}

// ExtractPrimaryEncodingForRED returns the primary (last) block of a RED
// payload along with its payload type.
func ExtractPrimaryEncodingForRED(payload []byte) ([]byte, uint8, error) {
	blocks, err := rewriter.ParseRED(payload)
	if err != nil {
		return nil, 0, err
	}

	primary := blocks[len(blocks)-1]
	return payload[primary.Offset : primary.Offset+primary.Length], primary.PayloadType, nil
}
