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

package rewriter

import (
	"encoding/binary"
	"fmt"
)

const (
	redHeaderSize     = 4
	redLastHeaderSize = 1

	// ULPFEC header, https://datatracker.ietf.org/doc/html/rfc5109#section-7.3
	//  0                   1                   2                   3
	//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	// |E|L|P|X|  CC   |M| PT recovery |            SN base            |
	// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	fecSNBaseOffset = 2
	fecSNBaseSize   = 2

	// RTX payload, https://datatracker.ietf.org/doc/html/rfc4588#section-4
	rtxOSNSize = 2
)

// REDBlock describes one block of a RED payload. Offset and Length locate the
// block data relative to the start of the RED payload.
type REDBlock struct {
	PayloadType     uint8
	TimestampOffset uint16
	Offset          int
	Length          int
}

func (b REDBlock) String() string {
	return fmt.Sprintf("REDBlock{pt: %d, tsOffset: %d, offset: %d, length: %d}", b.PayloadType, b.TimestampOffset, b.Offset, b.Length)
}

// ParseRED walks the block headers of a RED payload and returns every block,
// the primary (last) one included.
func ParseRED(payload []byte) ([]REDBlock, error) {
	/* RED payload https://datatracker.ietf.org/doc/html/rfc2198#section-3
		0                   1                    2                   3
	    0 1 2 3 4 5 6 7 8 9 0 1 2 3  4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |F|   block PT  |  timestamp offset         |   block length    |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	var blocks []REDBlock
	idx := 0
	for {
		if idx+redLastHeaderSize > len(payload) {
			return nil, fmt.Errorf("%w: missing last block header", ErrMalformedRED)
		}
		if payload[idx]&0x80 == 0 {
			break
		}
		if idx+redHeaderSize > len(payload) {
			return nil, fmt.Errorf("%w: incomplete block header at %d", ErrMalformedRED, idx)
		}

		header := binary.BigEndian.Uint32(payload[idx:])
		blocks = append(blocks, REDBlock{
			PayloadType:     uint8(header>>24) & 0x7f,
			TimestampOffset: uint16(header>>10) & 0x3fff,
			Length:          int(header & 0x03ff),
		})
		idx += redHeaderSize
	}

	primary := REDBlock{PayloadType: payload[idx] & 0x7f}
	idx += redLastHeaderSize

	for i := range blocks {
		blocks[i].Offset = idx
		idx += blocks[i].Length
	}
	if idx > len(payload) {
		return nil, fmt.Errorf("%w: blocks exceed payload, need %d, have %d", ErrMalformedRED, idx, len(payload))
	}

	primary.Offset = idx
	primary.Length = len(payload) - idx
	return append(blocks, primary), nil
}

func readFECSNBase(fec []byte) (uint16, error) {
	if len(fec) < fecSNBaseOffset+fecSNBaseSize {
		return 0, fmt.Errorf("%w: fec header, need %d, have %d", ErrShortBuffer, fecSNBaseOffset+fecSNBaseSize, len(fec))
	}
	return binary.BigEndian.Uint16(fec[fecSNBaseOffset:]), nil
}

func writeFECSNBase(fec []byte, sn uint16) {
	binary.BigEndian.PutUint16(fec[fecSNBaseOffset:], sn)
}

func readRTXOSN(payload []byte) (uint16, error) {
	if len(payload) < rtxOSNSize {
		return 0, fmt.Errorf("%w: rtx payload, need %d, have %d", ErrShortBuffer, rtxOSNSize, len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

func writeRTXOSN(payload []byte, sn uint16) {
	binary.BigEndian.PutUint16(payload, sn)
}
