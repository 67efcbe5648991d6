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

package mime

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

const (
	MimeTypePrefixAudio = "audio/"
	MimeTypePrefixVideo = "video/"
)

type MimeTypeCodec string

const (
	MimeTypeCodecUnknown MimeTypeCodec = "MimeTypeCodecUnknown"
	MimeTypeCodecH264    MimeTypeCodec = "H264"
	MimeTypeCodecOpus    MimeTypeCodec = "opus"
	MimeTypeCodecRED     MimeTypeCodec = "red"
	MimeTypeCodecULPFEC  MimeTypeCodec = "ulpfec"
	MimeTypeCodecVP8     MimeTypeCodec = "VP8"
	MimeTypeCodecVP9     MimeTypeCodec = "VP9"
	MimeTypeCodecAV1     MimeTypeCodec = "AV1"
	MimeTypeCodecRTX     MimeTypeCodec = "rtx"
)

var knownCodecs = []MimeTypeCodec{
	MimeTypeCodecH264,
	MimeTypeCodecOpus,
	MimeTypeCodecRED,
	MimeTypeCodecULPFEC,
	MimeTypeCodecVP8,
	MimeTypeCodecVP9,
	MimeTypeCodecAV1,
	MimeTypeCodecRTX,
}

func (m MimeTypeCodec) String() string {
	return string(m)
}

// NormalizeMimeTypeCodec accepts a codec name with or without the media prefix.
func NormalizeMimeTypeCodec(codec string) MimeTypeCodec {
	if idx := strings.IndexByte(codec, '/'); idx >= 0 {
		codec = codec[idx+1:]
	}
	return lookup(knownCodecs, codec, MimeTypeCodecUnknown)
}

type MimeType string

const (
	MimeTypeUnknown  MimeType = "MimeTypeUnknown"
	MimeTypeH264     MimeType = webrtc.MimeTypeH264
	MimeTypeOpus     MimeType = webrtc.MimeTypeOpus
	MimeTypeRED      MimeType = MimeTypePrefixAudio + MimeType(MimeTypeCodecRED)
	MimeTypeVideoRED MimeType = MimeTypePrefixVideo + MimeType(MimeTypeCodecRED)
	MimeTypeULPFEC   MimeType = MimeTypePrefixVideo + MimeType(MimeTypeCodecULPFEC)
	MimeTypeVP8      MimeType = webrtc.MimeTypeVP8
	MimeTypeVP9      MimeType = webrtc.MimeTypeVP9
	MimeTypeAV1      MimeType = webrtc.MimeTypeAV1
	MimeTypeRTX      MimeType = MimeTypePrefixVideo + MimeType(MimeTypeCodecRTX)
)

var knownMimeTypes = []MimeType{
	MimeTypeH264,
	MimeTypeOpus,
	MimeTypeRED,
	MimeTypeVideoRED,
	MimeTypeULPFEC,
	MimeTypeVP8,
	MimeTypeVP9,
	MimeTypeAV1,
	MimeTypeRTX,
}

func (m MimeType) String() string {
	return string(m)
}

// NormalizeMimeType maps a case-insensitive "kind/codec" string onto the
// canonical spelling.
func NormalizeMimeType(mime string) MimeType {
	return lookup(knownMimeTypes, mime, MimeTypeUnknown)
}

func lookup[T ~string](known []T, s string, unknown T) T {
	for _, k := range known {
		if strings.EqualFold(s, string(k)) {
			return k
		}
	}
	return unknown
}

// IsMimeTypeStringRED matches both audio and video redundancy.
func IsMimeTypeStringRED(mime string) bool {
	return NormalizeMimeTypeCodec(mime) == MimeTypeCodecRED
}

func IsMimeTypeStringULPFEC(mime string) bool {
	return NormalizeMimeTypeCodec(mime) == MimeTypeCodecULPFEC
}

func IsMimeTypeStringRTX(mime string) bool {
	return NormalizeMimeTypeCodec(mime) == MimeTypeCodecRTX
}
