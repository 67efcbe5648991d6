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

import "errors"

var (
	ErrEngineClosed        = errors.New("rewriting engine closed")
	ErrSourceExists        = errors.New("source already feeds a different target")
	ErrUnknownSource       = errors.New("no rewriter for source")
	ErrStaleSequenceNumber = errors.New("sequence number not covered by any interval")
	ErrUnresolvedOSN       = errors.New("rtx original sequence number could not be resolved")
	ErrUnresolvedFECBase   = errors.New("fec sequence number base could not be resolved")
	ErrMalformedRED        = errors.New("malformed red payload")
	ErrShortBuffer         = errors.New("buffer is not large enough")
)

// DropReason maps a rewrite error to a short label suitable for metrics.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSource):
		return "unknown_source"
	case errors.Is(err, ErrStaleSequenceNumber):
		return "stale"
	case errors.Is(err, ErrUnresolvedOSN):
		return "unresolved_osn"
	case errors.Is(err, ErrUnresolvedFECBase):
		return "unresolved_fec"
	case errors.Is(err, ErrMalformedRED):
		return "malformed_red"
	case errors.Is(err, ErrShortBuffer):
		return "short_buffer"
	case errors.Is(err, ErrEngineClosed):
		return "closed"
	}
	return "other"
}
