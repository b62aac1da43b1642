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

// Package picker implements peer selection over a resolved address set.
package picker

import (
	"errors"
	"net/netip"
	"sync/atomic"
)

// ErrNoPeers is returned when selection is attempted against an empty
// address set.
var ErrNoPeers = errors.New("picker: no peers available")

// RoundRobin selects addresses in sequential order. The zero value is
// ready to use. The cursor persists across calls and across address-set
// changes: when the set shrinks or grows between calls, the position wraps
// modulo the new length rather than resetting, so load stays evenly
// distributed over the long run. Safe for concurrent use.
type RoundRobin struct {
	// +checkatomic
	counter atomic.Uint64
}

// Pick returns the address at the cursor and advances it.
func (r *RoundRobin) Pick(addrs []netip.AddrPort) (netip.AddrPort, error) {
	if len(addrs) == 0 {
		return netip.AddrPort{}, ErrNoPeers
	}
	return addrs[r.Next(len(addrs))], nil
}

// Next returns the cursor position modulo n and advances the cursor.
// n must be positive.
func (r *RoundRobin) Next(n int) uint64 {
	return (r.counter.Add(1) - 1) % uint64(n)
}
