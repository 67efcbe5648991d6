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

package termination

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pion/rtcp"
)

const (
	rembLength      = 20
	rembMaxSSRCs    = 0xff
	rembMaxMantissa = 1<<18 - 1
	rembMaxExp      = 1<<6 - 1
)

var rembIdentifier = []byte{'R', 'E', 'M', 'B'}

// REMB is a Receiver Estimated Maximum Bitrate message that keeps the
// mantissa and exponent exactly as they were received, re-marshalling it
// yields the same bits.
//
// https://datatracker.ietf.org/doc/html/draft-alvestrand-rmcat-remb-03#section-2.2
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V=2|P| FMT=15  |   PT=206      |             length            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                  SSRC of packet sender                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                  SSRC of media source                         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  Unique identifier 'R' 'E' 'M' 'B'                            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  Num SSRC     | BR Exp    |  BR Mantissa                      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   SSRC feedback                                               |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type REMB struct {
	SenderSSRC uint32
	Mantissa   uint32
	Exp        uint8
	SSRCs      []uint32
}

var _ rtcp.Packet = (*REMB)(nil)

// NewREMB normalizes bitrate into the smallest exponent whose mantissa fits.
func NewREMB(senderSSRC uint32, bitrate float64, ssrcs []uint32) *REMB {
	mantissa, exp := splitBitrate(bitrate)
	return &REMB{
		SenderSSRC: senderSSRC,
		Mantissa:   mantissa,
		Exp:        exp,
		SSRCs:      ssrcs,
	}
}

func splitBitrate(bitrate float64) (uint32, uint8) {
	if bitrate <= 0 {
		return 0, 0
	}

	exp := uint8(0)
	for bitrate > rembMaxMantissa && exp < rembMaxExp {
		bitrate /= 2
		exp++
	}
	return uint32(bitrate), exp
}

// Bitrate is mantissa * 2^exp in bits per second.
func (r *REMB) Bitrate() float64 {
	return math.Ldexp(float64(r.Mantissa), int(r.Exp))
}

func (r *REMB) MarshalSize() int {
	return rembLength + 4*len(r.SSRCs)
}

func (r *REMB) Marshal() ([]byte, error) {
	if len(r.SSRCs) > rembMaxSSRCs {
		return nil, fmt.Errorf("%w: %d", ErrTooManySSRCs, len(r.SSRCs))
	}
	if r.Mantissa > rembMaxMantissa || r.Exp > rembMaxExp {
		return nil, fmt.Errorf("%w: mantissa %d, exp %d", ErrInvalidBitrate, r.Mantissa, r.Exp)
	}

	size := r.MarshalSize()
	buf := make([]byte, size)

	h := rtcp.Header{
		Count:  rtcp.FormatREMB,
		Type:   rtcp.TypePayloadSpecificFeedback,
		Length: uint16(size/4 - 1),
	}
	hData, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	copy(buf, hData)

	binary.BigEndian.PutUint32(buf[4:], r.SenderSSRC)
	// media source SSRC is always zero
	copy(buf[12:], rembIdentifier)
	buf[16] = byte(len(r.SSRCs))
	buf[17] = r.Exp<<2 | byte(r.Mantissa>>16)
	buf[18] = byte(r.Mantissa >> 8)
	buf[19] = byte(r.Mantissa)

	for i, ssrc := range r.SSRCs {
		binary.BigEndian.PutUint32(buf[rembLength+4*i:], ssrc)
	}
	return buf, nil
}

func (r *REMB) Unmarshal(raw []byte) error {
	if len(raw) < rembLength {
		return fmt.Errorf("%w: %d", ErrPacketTooShort, len(raw))
	}

	var h rtcp.Header
	if err := h.Unmarshal(raw); err != nil {
		return err
	}
	if h.Type != rtcp.TypePayloadSpecificFeedback || h.Count != rtcp.FormatREMB {
		return fmt.Errorf("%w: type %d, fmt %d", ErrWrongType, h.Type, h.Count)
	}
	if (int(h.Length)+1)*4 > len(raw) {
		return fmt.Errorf("%w: length %d, have %d", ErrPacketTooShort, h.Length, len(raw))
	}
	if string(raw[12:16]) != string(rembIdentifier) {
		return ErrMissingREMBIdentifier
	}

	numSSRCs := int(raw[16])
	if rembLength+4*numSSRCs > len(raw) {
		return fmt.Errorf("%w: %d ssrcs, have %d bytes", ErrPacketTooShort, numSSRCs, len(raw))
	}

	r.SenderSSRC = binary.BigEndian.Uint32(raw[4:])
	r.Exp = raw[17] >> 2
	r.Mantissa = uint32(raw[17]&0x03)<<16 | uint32(raw[18])<<8 | uint32(raw[19])
	r.SSRCs = make([]uint32, numSSRCs)
	for i := range r.SSRCs {
		r.SSRCs[i] = binary.BigEndian.Uint32(raw[rembLength+4*i:])
	}
	return nil
}

func (r *REMB) DestinationSSRC() []uint32 {
	return r.SSRCs
}

func (r *REMB) String() string {
	return fmt.Sprintf("REMB from %x: %s (mantissa %d, exp %d), ssrcs %v",
		r.SenderSSRC, humanize.SIWithDigits(r.Bitrate(), 2, "bps"), r.Mantissa, r.Exp, r.SSRCs)
}

// Unmarshal splits a compound RTCP packet. REMB messages are decoded as
// REMB, everything else as the corresponding pion/rtcp packet.
func Unmarshal(raw []byte) ([]rtcp.Packet, error) {
	var pkts []rtcp.Packet
	for len(raw) != 0 {
		var h rtcp.Header
		if err := h.Unmarshal(raw); err != nil {
			return nil, err
		}

		size := (int(h.Length) + 1) * 4
		if size > len(raw) {
			return nil, fmt.Errorf("%w: length %d, have %d", ErrPacketTooShort, h.Length, len(raw))
		}

		if h.Type == rtcp.TypePayloadSpecificFeedback && h.Count == rtcp.FormatREMB {
			remb := &REMB{}
			if err := remb.Unmarshal(raw[:size]); err == nil {
				pkts = append(pkts, remb)
				raw = raw[size:]
				continue
			}
		}

		decoded, err := rtcp.Unmarshal(raw[:size])
		if err != nil {
			return nil, err
		}
		pkts = append(pkts, decoded...)
		raw = raw[size:]
	}
	return pkts, nil
}
