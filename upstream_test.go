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
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deancouch/ngx-upstream-jdomain/internal/clocktest"
	"github.com/deancouch/ngx-upstream-jdomain/resolver"
)

// manualResolver queues queries so tests control exactly when and how each
// one completes.
type manualResolver struct {
	mu      sync.Mutex
	pending []func(resolver.Result)
	issued  int
}

func (r *manualResolver) Resolve(_ context.Context, _ string, done func(resolver.Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued++
	r.pending = append(r.pending, done)
}

func (r *manualResolver) issuedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issued
}

// complete finishes the oldest pending query.
func (r *manualResolver) complete(t *testing.T, res resolver.Result) {
	t.Helper()
	r.mu.Lock()
	require.NotEmpty(t, r.pending, "no pending query to complete")
	done := r.pending[0]
	r.pending = r.pending[1:]
	r.mu.Unlock()
	done(res)
}

// drain completes any leftover queries so Close does not wait forever.
func (r *manualResolver) drain() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, done := range pending {
		done(resolver.Result{Outcome: resolver.Other, Err: errors.New("drained")})
	}
}

// syncResolver completes each query inline with the next queued result,
// standing in for a resolution that finishes before the caller returns.
type syncResolver struct {
	results []resolver.Result
}

func (r *syncResolver) Resolve(_ context.Context, _ string, done func(resolver.Result)) {
	if len(r.results) == 0 {
		done(resolver.Result{Outcome: resolver.Other, Err: errors.New("no queued result")})
		return
	}
	res := r.results[0]
	r.results = r.results[1:]
	done(res)
}

func newTestUpstream(t *testing.T, directive string, res resolver.Resolver) (*Upstream, clocktest.FakeClock) {
	t.Helper()
	cfg, err := ParseDirective(directive)
	require.NoError(t, err)
	upstream, err := NewFromConfig(cfg, WithResolver(res))
	require.NoError(t, err)
	clk := clocktest.NewFakeClock()
	upstream.clock = clk
	t.Cleanup(func() {
		if manual, ok := res.(*manualResolver); ok {
			manual.drain()
		}
		assert.NoError(t, upstream.Close())
	})
	return upstream, clk
}

func ips(strs ...string) []netip.Addr {
	result := make([]netip.Addr, len(strs))
	for i, s := range strs {
		result[i] = netip.MustParseAddr(s)
	}
	return result
}

func resolved(strs ...string) resolver.Result {
	return resolver.Result{Addrs: ips(strs...), Outcome: resolver.Success}
}

func failed(outcome resolver.Outcome) resolver.Result {
	return resolver.Result{Outcome: outcome, Err: &resolver.Error{Outcome: outcome}}
}

func TestRefreshIntervalGate(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, clk := newTestUpstream(t, "example.com interval=5", res)

	upstream.Peers()
	require.Equal(t, 1, res.issuedCount())
	res.complete(t, resolved("10.0.0.1"))

	// Requests inside the window must not resolve again.
	for _, advance := range []time.Duration{time.Second, 3 * time.Second} {
		clk.Advance(advance)
		upstream.Peers()
		assert.Equal(t, 1, res.issuedCount())
	}

	// At exactly interval seconds since the last refresh, one query fires.
	clk.Advance(time.Second)
	upstream.Peers()
	assert.Equal(t, 2, res.issuedCount())
	res.complete(t, resolved("10.0.0.1"))
}

func TestInFlightGate(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com interval=0", res)

	// Two back-to-back requests before any completion: the second finds
	// the first query still in flight and must not issue another, even
	// with a zero interval.
	upstream.Peers()
	upstream.Peers()
	assert.Equal(t, 1, res.issuedCount())

	res.complete(t, resolved("10.0.0.1"))
	upstream.Peers()
	assert.Equal(t, 2, res.issuedCount())
}

func TestTriggeringRequestServedStale(t *testing.T) {
	t.Parallel()

	res := &syncResolver{results: []resolver.Result{
		resolved("10.0.0.1"),
		resolved("10.0.0.9"),
	}}
	upstream, clk := newTestUpstream(t, "example.com interval=1", res)

	// First request installs 10.0.0.1 (completing synchronously); its own
	// iterator saw the empty initial snapshot.
	upstream.Peers()
	clk.Advance(time.Second)

	// The second request triggers a refresh that completes before Peers
	// returns, yet its iterator must still be bound to the pre-refresh
	// snapshot.
	peers := upstream.Peers()
	addr, err := peers.NextPeer()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:80"), addr)

	// Future requests see the new snapshot.
	assert.Equal(t,
		[]netip.AddrPort{netip.MustParseAddrPort("10.0.0.9:80")},
		upstream.Snapshot().Addrs)
}

func TestSnapshotTruncatedToMaxIPs(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com port=8080 max_ips=2", res)

	upstream.Peers()
	res.complete(t, resolved("10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"))

	snap := upstream.Snapshot()
	assert.Equal(t, SourceResolved, snap.Source)
	// First max_ips addresses in response order, each carrying the
	// upstream's port.
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:8080"),
		netip.MustParseAddrPort("10.0.0.2:8080"),
	}, snap.Addrs)
}

func TestFallbackOnHostNotFound(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com fallback=127.0.0.2:8080", res)

	upstream.Peers()
	res.complete(t, failed(resolver.HostNotFound))

	snap := upstream.Snapshot()
	assert.Equal(t, SourceFallback, snap.Source)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.2:8080")}, snap.Addrs)
	assert.False(t, snap.LastRefresh.IsZero())
}

func TestFallbackOnEmptyAnswer(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com fallback=127.0.0.2", res)

	upstream.Peers()
	res.complete(t, resolver.Result{Outcome: resolver.Success})

	snap := upstream.Snapshot()
	assert.Equal(t, SourceFallback, snap.Source)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.2:80")}, snap.Addrs)
}

func TestTransientFailureKeepsCache(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, clk := newTestUpstream(t, "example.com interval=1 fallback=127.0.0.2", res)

	upstream.Peers()
	res.complete(t, resolved("10.0.0.1"))
	before := upstream.Snapshot()

	// Timeout without strict: the stale snapshot keeps serving.
	clk.Advance(time.Second)
	upstream.Peers()
	res.complete(t, failed(resolver.Timeout))
	assert.Same(t, before, upstream.Snapshot())
}

func TestStrictAppliesFallbackToTransientFailures(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, clk := newTestUpstream(t, "example.com interval=1 fallback=127.0.0.2 strict", res)

	upstream.Peers()
	res.complete(t, resolved("10.0.0.1"))

	clk.Advance(time.Second)
	upstream.Peers()
	res.complete(t, failed(resolver.Timeout))

	snap := upstream.Snapshot()
	assert.Equal(t, SourceFallback, snap.Source)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.2:80")}, snap.Addrs)
}

func TestNoFallbackSilentDegrade(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, clk := newTestUpstream(t, "example.com interval=1", res)

	upstream.Peers()
	res.complete(t, resolved("10.0.0.1"))
	before := upstream.Snapshot()

	clk.Advance(time.Second)
	upstream.Peers()
	res.complete(t, failed(resolver.HostNotFound))
	assert.Same(t, before, upstream.Snapshot())
}

func TestEagerFallbackSeed(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com fallback=127.0.0.2:9000", res)

	// Usable before any resolution completes.
	snap := upstream.Snapshot()
	assert.Equal(t, SourceFallback, snap.Source)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.2:9000")}, snap.Addrs)
	assert.True(t, snap.LastRefresh.IsZero())

	// The seed does not satisfy the interval gate: the first request
	// still triggers a resolution and is served from the seed.
	peers := upstream.Peers()
	assert.Equal(t, 1, res.issuedCount())
	addr, err := peers.NextPeer()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.2:9000"), addr)
}

func TestEmptyCacheNoPeers(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com", res)

	peers := upstream.Peers()
	_, err := peers.NextPeer()
	assert.ErrorIs(t, err, ErrNoPeersAvailable)
}

func TestRoundRobinAcrossRequests(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com interval=30", res)

	upstream.Peers()
	res.complete(t, resolved("10.0.0.1", "10.0.0.2", "10.0.0.3"))

	// One pick per request: each address is visited exactly once per
	// cycle, then the cursor wraps. The cursor is not reset per request.
	want := []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.1:80"}
	for i, expected := range want {
		addr, err := upstream.Peers().NextPeer()
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddrPort(expected), addr, "request %d", i)
	}
}

func TestInterleavedRetriesVisitDistinctPeers(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com interval=30", res)

	upstream.Peers()
	res.complete(t, resolved("10.0.0.1", "10.0.0.2"))

	// Two requests retrying in lockstep: each walks forward from its own
	// start position, so neither is handed the same peer twice no matter
	// how the other advances the shared cursor in between.
	attemptErr := errors.New("connect: connection refused")
	first := upstream.Peers()
	second := upstream.Peers()
	var firstSeen, secondSeen []netip.AddrPort
	for i := 0; i < 2; i++ {
		addr, err := first.NextPeer()
		require.NoError(t, err, "first request attempt %d", i)
		firstSeen = append(firstSeen, addr)
		first.ReportAttempt(addr, attemptErr)

		addr, err = second.NextPeer()
		require.NoError(t, err, "second request attempt %d", i)
		secondSeen = append(secondSeen, addr)
		second.ReportAttempt(addr, attemptErr)
	}

	all := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:80"),
		netip.MustParseAddrPort("10.0.0.2:80"),
	}
	assert.ElementsMatch(t, all, firstSeen)
	assert.ElementsMatch(t, all, secondSeen)
}

func TestRetryExhaustsSnapshot(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com interval=30", res)

	upstream.Peers()
	res.complete(t, resolved("10.0.0.1", "10.0.0.2", "10.0.0.3"))

	attemptErr := errors.New("connect: connection refused")
	peers := upstream.Peers()
	for i := 0; i < 3; i++ {
		addr, err := peers.NextPeer()
		require.NoError(t, err, "attempt %d", i)
		peers.ReportAttempt(addr, attemptErr)
	}
	_, err := peers.NextPeer()
	require.Error(t, err)
	assert.ErrorIs(t, err, attemptErr)
}

func TestRetryOff(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com interval=30 retry_off", res)

	upstream.Peers()
	res.complete(t, resolved("10.0.0.1", "10.0.0.2", "10.0.0.3"))

	attemptErr := errors.New("connect: connection refused")
	peers := upstream.Peers()
	addr, err := peers.NextPeer()
	require.NoError(t, err)
	peers.ReportAttempt(addr, attemptErr)

	// No second peer: the failure surfaces immediately.
	_, err = peers.NextPeer()
	assert.ErrorIs(t, err, attemptErr)
}

func TestPrewarm(t *testing.T) {
	t.Parallel()

	res := &syncResolver{results: []resolver.Result{resolved("10.0.0.1")}}
	upstream, _ := newTestUpstream(t, "example.com", res)

	require.NoError(t, upstream.Prewarm(context.Background()))
	assert.Equal(t,
		[]netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:80")},
		upstream.Snapshot().Addrs)
}

func TestPrewarmNoAddresses(t *testing.T) {
	t.Parallel()

	res := &syncResolver{results: []resolver.Result{failed(resolver.HostNotFound)}}
	upstream, _ := newTestUpstream(t, "example.com", res)

	err := upstream.Prewarm(context.Background())
	assert.ErrorIs(t, err, ErrNoPeersAvailable)
}

func TestDialContextRetries(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com interval=30", res)
	upstream.Peers()
	res.complete(t, resolved("10.0.0.1", "10.0.0.2"))

	var dialed []string
	upstream.dialFunc = func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		if addr == "10.0.0.1:80" {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	}

	conn, err := upstream.DialContext(context.Background(), "tcp")
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, conn.Close())
	}()
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80"}, dialed)
}

func TestDialContextRetryOff(t *testing.T) {
	t.Parallel()

	res := &manualResolver{}
	upstream, _ := newTestUpstream(t, "example.com interval=30 retry_off", res)
	upstream.Peers()
	res.complete(t, resolved("10.0.0.1", "10.0.0.2"))

	dialErr := errors.New("connection refused")
	var dials int
	upstream.dialFunc = func(context.Context, string, string) (net.Conn, error) {
		dials++
		return nil, dialErr
	}

	_, err := upstream.DialContext(context.Background(), "tcp")
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 1, dials)
}

func TestMetricsCounters(t *testing.T) {
	t.Parallel()

	cfg, err := ParseDirective("example.com fallback=127.0.0.2")
	require.NoError(t, err)
	res := &syncResolver{results: []resolver.Result{failed(resolver.HostNotFound)}}
	metrics := NewMetrics(nil)
	upstream, err := NewFromConfig(cfg, WithResolver(res), WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, upstream.Close())
	})

	require.NoError(t, upstream.Prewarm(context.Background()))
	assert.Equal(t, 1.0, counterValue(t, metrics.fallbackInstalls))
}
