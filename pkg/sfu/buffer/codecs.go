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
	"github.com/pion/rtp/codecs"
)

// keyFrameDetector reports whether an RTP payload opens an intra frame.
type keyFrameDetector func(payload []byte) (bool, error)

// vp8KeyFrame checks the P bit of the VP8 payload header on the first packet
// of a partition.
func vp8KeyFrame(payload []byte) (bool, error) {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil {
		return false, err
	}
	if vp8.L == 1 && vp8.T == 0 {
		return false, errInvalidPacket
	}
	if vp8.S == 0 || len(frame) == 0 {
		return false, nil
	}
	return frame[0]&0x01 == 0, nil
}

// vp9KeyFrame accepts the beginning of a non inter-predicted frame on the
// base spatial layer.
func vp9KeyFrame(payload []byte) (bool, error) {
	var vp9 codecs.VP9Packet
	if _, err := vp9.Unmarshal(payload); err != nil {
		return false, err
	}
	if vp9.F && !vp9.I {
		return false, nil
	}
	if vp9.P || !vp9.B {
		return false, nil
	}
	if vp9.L && (vp9.SID != 0 || vp9.TID != 0) {
		return false, nil
	}
	return true, nil
}

const (
	h264NALUTypeMask = 0x1f
	h264NALUTypeSPS  = 7
	h264NALUSTAPA    = 24
	h264NALUSTAPB    = 25
	h264NALUMTAP16   = 26
	h264NALUMTAP24   = 27
	h264NALUFUA      = 28
	h264NALUFUB      = 29
	h264FUStartBit   = 0x80
)

// h264KeyFrame looks for a sequence parameter set, either as a single NAL
// unit, inside an aggregation packet or at the start of a fragmented unit.
func h264KeyFrame(payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, errShortPacket
	}

	naluType := payload[0] & h264NALUTypeMask
	switch {
	case naluType == 0:
		return false, nil

	case naluType < h264NALUSTAPA:
		return naluType == h264NALUTypeSPS, nil

	case naluType <= h264NALUMTAP24:
		return h264AggregateHasSPS(payload, naluType), nil

	case naluType == h264NALUFUA || naluType == h264NALUFUB:
		if len(payload) < 2 || payload[1]&h264FUStartBit == 0 {
			return false, nil
		}
		return payload[1]&h264NALUTypeMask == h264NALUTypeSPS, nil
	}
	return false, nil
}

func h264AggregateHasSPS(payload []byte, naluType byte) bool {
	idx := 1
	if naluType != h264NALUSTAPA {
		// decoding order number
		idx += 2
	}

	// MTAP units carry a DOND and a 16 or 24 bit timestamp offset
	unitOffset := 0
	switch naluType {
	case h264NALUMTAP16:
		unitOffset = 3
	case h264NALUMTAP24:
		unitOffset = 4
	}

	for idx+2 <= len(payload) {
		size := int(payload[idx])<<8 | int(payload[idx+1])
		idx += 2
		if idx+size > len(payload) || unitOffset >= size {
			return false
		}
		if payload[idx+unitOffset]&h264NALUTypeMask == h264NALUTypeSPS {
			return true
		}
		idx += size
	}
	return false
}

const (
	av1OBUSequenceHeader = 1
	av1OBUFrameHeader    = 3
	av1OBUFrame          = 6
)

// av1KeyFrame expects a packet that starts a coded video sequence: a sequence
// header OBU followed by a shown key frame.
func av1KeyFrame(payload []byte) (bool, error) {
	if len(payload) < 2 {
		return false, errShortPacket
	}
	// Z=0, N=1
	if payload[0]&0x88 != 0x08 {
		return false, nil
	}
	count := int(payload[0]&0x30) >> 4

	rest := payload[1:]
	for i := 0; ; i++ {
		last := count != 0 && i == count-1
		obu, next, ok := nextAV1OBU(rest, last)
		if len(obu) == 0 {
			return false, nil
		}

		obuType := (obu[0] & 0x78) >> 3
		if i == 0 {
			if obuType != av1OBUSequenceHeader {
				return false, nil
			}
		} else if obuType == av1OBUFrameHeader || obuType == av1OBUFrame {
			if len(obu) < 2 {
				return false, nil
			}
			// show_existing_frame == 0 and frame_type == KEY_FRAME
			return obu[1]&0xe0 == 0, nil
		}

		if !ok || last {
			return false, nil
		}
		rest = next
	}
}

// nextAV1OBU splits off the next OBU element of an aggregation payload. The
// last element of a packet with a non-zero W field has no length prefix. ok is
// false when the element is truncated.
func nextAV1OBU(data []byte, last bool) (obu []byte, rest []byte, ok bool) {
	if last {
		return data, nil, true
	}

	size, n := readLEB128(data)
	if n == 0 {
		return nil, nil, false
	}
	data = data[n:]
	if uint64(len(data)) < size {
		return data, nil, false
	}
	return data[:size], data[size:], true
}

func readLEB128(data []byte) (uint64, int) {
	var value uint64
	for i := 0; i < len(data) && i < 8; i++ {
		value |= uint64(data[i]&0x7f) << (7 * i)
		if data[i]&0x80 == 0 {
			return value, i + 1
		}
	}
	return 0, 0
}
