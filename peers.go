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
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/deancouch/ngx-upstream-jdomain/picker"
)

// ErrNoPeersAvailable is returned when selection is attempted while the
// cache is empty and no usable fallback exists.
var ErrNoPeersAvailable = picker.ErrNoPeers

// Peers is the narrow interface a connection-establishment loop consumes:
// ask for the next peer, attempt a connection, report how it went, and ask
// again on failure. PeerIter implements it.
type Peers interface {
	NextPeer() (netip.AddrPort, error)
	ReportAttempt(addr netip.AddrPort, err error)
}

// Peers begins peer selection for one request. Calling it may trigger an
// asynchronous refresh, but the returned iterator is bound to the snapshot
// that was current beforehand, so the triggering request is always served
// from the pre-refresh address set.
func (u *Upstream) Peers() *PeerIter {
	snap := u.cache.current()
	u.maybeRefresh(snap)
	return &PeerIter{upstream: u, snap: snap}
}

// PeerIter iterates peers for a single request. The first NextPeer draws
// the request's start position from the shared round-robin cursor; after a
// reported failure, NextPeer walks forward from that position through the
// same snapshot until every peer has been tried once for this request, so
// a request never revisits a peer even when other requests are advancing
// the cursor concurrently. The cursor itself is never reset, so load stays
// evenly distributed over the long run.
type PeerIter struct {
	upstream *Upstream
	snap     *Snapshot
	start    uint64
	tried    int
	lastErr  error
}

// NextPeer returns the peer to attempt next. It fails with
// ErrNoPeersAvailable when the snapshot is empty, and with an error
// wrapping the last reported attempt failure once retry is exhausted
// (immediately after the first failure when retry_off is set).
func (it *PeerIter) NextPeer() (netip.AddrPort, error) {
	total := len(it.snap.Addrs)
	if total == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: upstream %q", ErrNoPeersAvailable, it.upstream.config.Domain)
	}
	if it.tried > 0 && (it.upstream.config.RetryOff || it.tried >= total) {
		return netip.AddrPort{}, it.exhausted()
	}
	if it.tried == 0 {
		it.start = it.upstream.rr.Next(total)
	}
	addr := it.snap.Addrs[(it.start+uint64(it.tried))%uint64(total)]
	it.tried++
	if m := it.upstream.metrics; m != nil {
		m.peerPicks.Inc()
	}
	return addr, nil
}

// ReportAttempt records the outcome of a connection attempt to addr. A nil
// err means the attempt succeeded; a non-nil err makes the next NextPeer
// call advance (or fail, per retry policy).
func (it *PeerIter) ReportAttempt(addr netip.AddrPort, err error) {
	if err == nil {
		it.lastErr = nil
		return
	}
	it.lastErr = err
	if m := it.upstream.metrics; m != nil {
		m.attemptFailures.Inc()
	}
	it.upstream.logger.Debug().Stringer("peer", addr).Err(err).Msg("connection attempt failed")
}

func (it *PeerIter) exhausted() error {
	if it.lastErr != nil {
		return fmt.Errorf("jdomain: upstream %q: tried %d peer(s): %w",
			it.upstream.config.Domain, it.tried, it.lastErr)
	}
	return fmt.Errorf("jdomain: upstream %q: tried %d peer(s) without a reported failure",
		it.upstream.config.Domain, it.tried)
}

// DialContext connects to the upstream, driving the NextPeer/ReportAttempt
// loop around the configured dialer. It returns the first successful
// connection, advancing through cached peers on failure per the retry
// policy.
func (u *Upstream) DialContext(ctx context.Context, network string) (net.Conn, error) {
	peers := u.Peers()
	for {
		addr, err := peers.NextPeer()
		if err != nil {
			return nil, err
		}
		conn, dialErr := u.dialFunc(ctx, network, addr.String())
		peers.ReportAttempt(addr, dialErr)
		if dialErr == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, dialErr
		}
	}
}
