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
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deancouch/ngx-upstream-jdomain/internal"
	"github.com/deancouch/ngx-upstream-jdomain/picker"
	"github.com/deancouch/ngx-upstream-jdomain/resolver"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// Upstream is a live, self-refreshing pool of backend addresses for one
// domain name. It resolves lazily: resolution is triggered by traffic,
// never by a background timer, and the triggering request is served from
// the snapshot that existed before the refresh completed.
//
// An Upstream is created at configuration-load time and lives until Close.
// All methods are safe for concurrent use.
type Upstream struct {
	config   Config
	resolver resolver.Resolver
	dialFunc DialFunc
	logger   zerolog.Logger
	metrics  *Metrics
	clock    internal.Clock

	cache cache
	rr    picker.RoundRobin

	mu sync.Mutex
	// inflight is non-nil while a query is pending and is closed by the
	// completion handler. At most one query is ever in flight; a second
	// refresh is refused rather than the first cancelled.
	// +checklocks:mu
	inflight chan struct{}

	wg sync.WaitGroup
}

// New creates an upstream for the given domain. See ParseDirective for the
// equivalent directive surface.
func New(domain string, opts ...Option) (*Upstream, error) {
	cfg := Config{Domain: domain}
	return NewFromConfig(cfg, opts...)
}

// NewFromConfig creates an upstream from an already-built Config, normally
// one produced by ParseDirective. Options that set Config fields override
// the record.
func NewFromConfig(cfg Config, opts ...Option) (*Upstream, error) {
	applied := options{config: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt.apply(&applied)
	}
	if err := applied.applyDefaults(); err != nil {
		return nil, err
	}
	if err := applied.config.validate(); err != nil {
		return nil, err
	}
	u := &Upstream{
		config:   applied.config,
		resolver: applied.resolver,
		dialFunc: applied.dialFunc,
		logger:   applied.logger.With().Str("upstream", applied.config.Domain).Logger(),
		metrics:  applied.metrics,
		clock:    internal.NewRealClock(),
	}
	u.cache.replace(u.initialSnapshot())
	return u, nil
}

// initialSnapshot seeds the cache. With a fallback configured the pool is
// usable before the first resolution completes; the zero LastRefresh keeps
// the first request eligible to trigger one.
func (u *Upstream) initialSnapshot() *Snapshot {
	if u.config.Fallback.IsValid() {
		return &Snapshot{
			Addrs:  []netip.AddrPort{u.config.Fallback},
			Source: SourceFallback,
		}
	}
	return &Snapshot{}
}

// Config returns the upstream's immutable configuration record.
func (u *Upstream) Config() Config {
	return u.config
}

// Snapshot returns the active address snapshot. The returned value is
// immutable; it remains valid after being superseded.
func (u *Upstream) Snapshot() *Snapshot {
	return u.cache.current()
}

// maybeRefresh issues an asynchronous resolution query iff the interval
// has elapsed since the given snapshot was installed and no query is in
// flight. It never blocks: the caller proceeds against its pre-refresh
// snapshot in all cases.
func (u *Upstream) maybeRefresh(snap *Snapshot) {
	if u.clock.Since(snap.LastRefresh) < u.config.Interval {
		return
	}
	u.refresh()
}

// refresh starts a query unless one is pending, returning a channel that
// is closed when the pending query (new or existing) has completed and
// installed its result.
func (u *Upstream) refresh() <-chan struct{} {
	u.mu.Lock()
	if u.inflight != nil {
		ch := u.inflight
		u.mu.Unlock()
		return ch
	}
	ch := make(chan struct{})
	u.inflight = ch
	u.mu.Unlock()

	u.wg.Add(1)
	u.resolver.Resolve(context.Background(), u.config.Domain, func(res resolver.Result) {
		defer u.wg.Done()
		u.onResolved(res)
		u.mu.Lock()
		u.inflight = nil
		u.mu.Unlock()
		close(ch)
	})
	return ch
}

// onResolved is the completion handler: it classifies the result, applies
// the fallback policy and performs at most one cache swap.
func (u *Upstream) onResolved(res resolver.Result) {
	if u.metrics != nil {
		u.metrics.resolutions.WithLabelValues(res.Outcome.String()).Inc()
	}
	now := u.clock.Now()
	if res.Outcome == resolver.Success && len(res.Addrs) > 0 {
		addrs := res.Addrs
		if len(addrs) > u.config.MaxIPs {
			addrs = addrs[:u.config.MaxIPs]
		}
		peers := make([]netip.AddrPort, len(addrs))
		for i, addr := range addrs {
			peers[i] = netip.AddrPortFrom(addr, u.config.Port)
		}
		u.cache.replace(&Snapshot{Addrs: peers, LastRefresh: now, Source: SourceResolved})
		u.logger.Debug().Int("peers", len(peers)).Msg("installed resolved snapshot")
		return
	}

	switch decideFallback(res.Outcome, u.config.Fallback.IsValid(), u.config.Strict) {
	case useFallback:
		u.cache.replace(&Snapshot{
			Addrs:       []netip.AddrPort{u.config.Fallback},
			LastRefresh: now,
			Source:      SourceFallback,
		})
		if u.metrics != nil {
			u.metrics.fallbackInstalls.Inc()
		}
		u.logger.Warn().
			Stringer("outcome", res.Outcome).
			Err(res.Err).
			Stringer("fallback", u.config.Fallback).
			Msg("resolution failed, installed fallback")
	case keepCache:
		// Silent degrade: the stale snapshot keeps serving.
		u.logger.Warn().
			Stringer("outcome", res.Outcome).
			Err(res.Err).
			Msg("resolution failed, keeping cached peers")
	}
}

// Prewarm performs one blocking resolution, waiting for the result to be
// installed. It is intended for startup paths that want a resolved pool
// before taking traffic; regular requests never wait like this. If a query
// is already in flight, Prewarm waits for that one instead of issuing
// another.
func (u *Upstream) Prewarm(ctx context.Context) error {
	select {
	case <-u.refresh():
	case <-ctx.Done():
		return ctx.Err()
	}
	if len(u.cache.current().Addrs) == 0 {
		return fmt.Errorf("%w: upstream %q", ErrNoPeersAvailable, u.config.Domain)
	}
	return nil
}

// Close waits for any in-flight query to complete and releases the
// resolver. The upstream must not be used after Close returns.
func (u *Upstream) Close() error {
	u.wg.Wait()
	if closer, ok := u.resolver.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
