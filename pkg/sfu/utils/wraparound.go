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
	"unsafe"
)

type number interface {
	uint16 | uint32
}

type extendedNumber interface {
	uint32 | uint64
}

// WrapAround unwraps a rolling counter (RTP sequence number or timestamp)
// into a monotonically increasing extended value by counting rollovers.
//
// Not safe for concurrent use, callers serialize access.
type WrapAround[T number, ET extendedNumber] struct {
	fullRange ET
	halfRange T

	initialized bool
	highest     T
	cycles      ET
}

// SequenceExtender unwraps 16-bit RTP sequence numbers into 32-bit extended ones.
type SequenceExtender = WrapAround[uint16, uint32]

func NewWrapAround[T number, ET extendedNumber]() *WrapAround[T, ET] {
	var t T
	bits := unsafe.Sizeof(t) * 8
	return &WrapAround[T, ET]{
		fullRange: 1 << bits,
		halfRange: 1 << (bits - 1),
	}
}

func NewSequenceExtender() *SequenceExtender {
	return NewWrapAround[uint16, uint32]()
}

// Extend returns the extended value of val and advances the highest seen value
// when val is in-order. The second return is false when val lies before the
// first cycle and cannot be represented.
func (w *WrapAround[T, ET]) Extend(val T) (ET, bool) {
	if !w.initialized {
		w.initialized = true
		w.highest = val
		return ET(val), true
	}

	extended, inOrder, ok := w.compute(val)
	if inOrder {
		if val < w.highest {
			w.cycles++
		}
		w.highest = val
	}
	return extended, ok
}

// Peek returns the extended value of val without changing any state.
func (w *WrapAround[T, ET]) Peek(val T) (ET, bool) {
	if !w.initialized {
		return ET(val), true
	}

	extended, _, ok := w.compute(val)
	return extended, ok
}

func (w *WrapAround[T, ET]) IsInitialized() bool {
	return w.initialized
}

func (w *WrapAround[T, ET]) GetHighest() T {
	return w.highest
}

func (w *WrapAround[T, ET]) GetExtendedHighest() ET {
	return w.cycles*w.fullRange + ET(w.highest)
}

func (w *WrapAround[T, ET]) compute(val T) (extended ET, inOrder bool, ok bool) {
	gap := val - w.highest
	if gap < w.halfRange {
		// in-order, possibly wrapping into the next cycle
		cycles := w.cycles
		if val < w.highest {
			cycles++
		}
		return cycles*w.fullRange + ET(val), gap != 0, true
	}

	// out-of-order, possibly from before the last wrap
	if val > w.highest {
		if w.cycles == 0 {
			return ET(val), false, false
		}
		return (w.cycles-1)*w.fullRange + ET(val), false, true
	}
	return w.cycles*w.fullRange + ET(val), false, true
}
