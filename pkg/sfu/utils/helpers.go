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

package utils

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

var (
	ErrInvalidRTPVersion       = errors.New("invalid RTP version")
	ErrUnexpectedPayloadType   = errors.New("unexpected RTP payload type")
	ErrHeaderExtensionNotFound = errors.New("header extension not negotiated")
)

// HeaderExtensionID returns the one-byte id negotiated for uri.
func HeaderExtensionID(extensions []interceptor.RTPHeaderExtension, uri string) (uint8, error) {
	for _, ext := range extensions {
		if ext.URI != uri {
			continue
		}
		if ext.ID <= 0 || ext.ID > 255 {
			return 0, fmt.Errorf("%w: %s has id %d", ErrHeaderExtensionNotFound, uri, ext.ID)
		}
		return uint8(ext.ID), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrHeaderExtensionNotFound, uri)
}

// ValidateRTPPacket rejects packets that are not RTP version 2 and, when
// payloadTypes is not empty, packets carrying any other payload type.
func ValidateRTPPacket(pkt *rtp.Packet, payloadTypes ...uint8) error {
	if pkt.Version != 2 {
		return fmt.Errorf("%w: %d", ErrInvalidRTPVersion, pkt.Version)
	}

	if len(payloadTypes) != 0 && !slices.Contains(payloadTypes, pkt.PayloadType) {
		return fmt.Errorf("%w: %d, accepted %v", ErrUnexpectedPayloadType, pkt.PayloadType, payloadTypes)
	}
	return nil
}
