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

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// Source records where a snapshot's addresses came from.
type Source int

const (
	// SourceResolved means the addresses came from a resolution.
	SourceResolved Source = iota

	// SourceFallback means the configured fallback was substituted.
	SourceFallback
)

func (s Source) String() string {
	if s == SourceFallback {
		return "fallback"
	}
	return "resolved"
}

// Snapshot is one immutable, point-in-time view of an upstream's address
// set. A snapshot is never modified after publication: readers that
// obtained one keep using it to completion while later requests observe
// the replacement.
type Snapshot struct {
	// Addrs holds the peers in resolver response order, at most the
	// upstream's max_ips of them.
	Addrs []netip.AddrPort

	// LastRefresh is when the resolution (or fallback substitution) that
	// produced this snapshot completed. The zero value marks the initial
	// snapshot, so the first request always starts a resolution.
	LastRefresh time.Time

	// Source is whether the addresses were resolved or substituted.
	Source Source
}

// cache is the single-slot address cache. Publication is an atomic pointer
// swap, so readers always observe either the old or the new complete
// snapshot.
type cache struct {
	snap atomic.Pointer[Snapshot]
}

func (c *cache) current() *Snapshot {
	return c.snap.Load()
}

func (c *cache) replace(snap *Snapshot) {
	c.snap.Store(snap)
}
