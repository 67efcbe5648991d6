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
	"testing"

	"github.com/stretchr/testify/require"
)

type keyFrameCase struct {
	name     string
	payload  []byte
	keyFrame bool
	wantErr  bool
}

func runKeyFrameCases(t *testing.T, detect keyFrameDetector, cases []keyFrameCase) {
	t.Helper()

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keyFrame, err := detect(tc.payload)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.keyFrame, keyFrame)
		})
	}
}

func TestVP8KeyFrame(t *testing.T) {
	runKeyFrameCases(t, vp8KeyFrame, []keyFrameCase{
		{name: "empty", payload: []byte{}, wantErr: true},
		{name: "keyframe", payload: []byte{0x10, 0x00, 0x9d}, keyFrame: true},
		{name: "delta frame", payload: []byte{0x10, 0x01, 0x9d}},
		{name: "not partition start", payload: []byte{0x00, 0x00, 0x9d}},
		{name: "keyframe with picture id", payload: []byte{0x90, 0x80, 0x05, 0x00}, keyFrame: true},
		{name: "tl0picidx without tid", payload: []byte{0x90, 0x40, 0x01, 0x00}, wantErr: true},
	})
}

func TestVP9KeyFrame(t *testing.T) {
	runKeyFrameCases(t, vp9KeyFrame, []keyFrameCase{
		{name: "empty", payload: []byte{}, wantErr: true},
		{name: "keyframe", payload: []byte{0x08, 0x00}, keyFrame: true},
		{name: "inter predicted", payload: []byte{0x48, 0x00}},
		{name: "not frame start", payload: []byte{0x00, 0x00}},
		{name: "base spatial layer", payload: []byte{0x28, 0x00, 0x00, 0x00}, keyFrame: true},
		{name: "upper spatial layer", payload: []byte{0x28, 0x02, 0x00, 0x00}},
	})
}

func TestH264KeyFrame(t *testing.T) {
	runKeyFrameCases(t, h264KeyFrame, []keyFrameCase{
		{name: "empty", payload: nil, wantErr: true},
		{name: "sps", payload: []byte{0x67, 0x42, 0x00, 0x1f}, keyFrame: true},
		{name: "non-idr slice", payload: []byte{0x41, 0x9a}},
		{name: "stap-a with sps", payload: []byte{0x78, 0x00, 0x02, 0x67, 0x42, 0x00, 0x01, 0x68}, keyFrame: true},
		{name: "stap-a truncated", payload: []byte{0x78, 0x00, 0x09, 0x67}},
		{name: "fu-a start with sps", payload: []byte{0x7c, 0x87, 0x00}, keyFrame: true},
		{name: "fu-a continuation", payload: []byte{0x7c, 0x07, 0x00}},
	})
}

func TestAV1KeyFrame(t *testing.T) {
	runKeyFrameCases(t, av1KeyFrame, []keyFrameCase{
		{name: "short", payload: []byte{0x08}, wantErr: true},
		{name: "sequence header and key frame", payload: []byte{0x28, 0x02, 0x08, 0x00, 0x30, 0x10}, keyFrame: true},
		{name: "unbounded element count", payload: []byte{0x08, 0x02, 0x08, 0x00, 0x02, 0x30, 0x10}, keyFrame: true},
		{name: "inter frame", payload: []byte{0x28, 0x02, 0x08, 0x00, 0x30, 0x30}},
		{name: "continuation of previous packet", payload: []byte{0xa8, 0x02, 0x08, 0x00, 0x30, 0x10}},
		{name: "no sequence header", payload: []byte{0x18, 0x30, 0x10}},
	})
}
