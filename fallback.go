// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jdomain

import "github.com/deancouch/ngx-upstream-jdomain/resolver"

// fallbackAction is the decision for a failed (or empty) resolution.
type fallbackAction int

const (
	// keepCache leaves the current snapshot serving; the failure is
	// absorbed.
	keepCache fallbackAction = iota

	// useFallback installs a snapshot containing only the fallback peer.
	useFallback
)

// decideFallback classifies a resolution outcome against the fallback
// policy. A success that yielded zero addresses is treated like
// host-not-found. Definitive name failures (not found, format error) use
// the fallback whenever one is configured; transient failures (timeout,
// server failure, connection refused, other) use it only in strict mode.
func decideFallback(outcome resolver.Outcome, haveFallback, strict bool) fallbackAction {
	if !haveFallback {
		return keepCache
	}
	switch outcome {
	case resolver.Success, resolver.HostNotFound, resolver.FormatError:
		return useFallback
	default:
		if strict {
			return useFallback
		}
		return keepCache
	}
}
