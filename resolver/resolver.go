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

package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Outcome classifies the terminal result of a resolution query. Every
// query ends in exactly one outcome; the fallback policy of the upstream
// is keyed on it.
type Outcome int

const (
	// Success means the query completed and returned addresses (possibly
	// zero of them).
	Success Outcome = iota

	// HostNotFound means the name does not exist (NXDOMAIN).
	HostNotFound

	// FormatError means the server rejected the query as malformed.
	FormatError

	// Timeout means the query did not complete in time.
	Timeout

	// ServerFailure means the server answered but could not process the
	// query (SERVFAIL or equivalent).
	ServerFailure

	// ConnectionRefused means the server could not be reached at all.
	ConnectionRefused

	// Other covers every failure that fits none of the above classes.
	Other
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case HostNotFound:
		return "host_not_found"
	case FormatError:
		return "format_error"
	case Timeout:
		return "timeout"
	case ServerFailure:
		return "server_failure"
	case ConnectionRefused:
		return "connection_refused"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Error is a resolution failure carrying its outcome class. Probers that
// can observe the failure class directly (such as the wire-level DNS
// prober) return *Error so that Classify does not have to guess.
type Error struct {
	Outcome Outcome
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve: %s: %v", e.Outcome, e.Err)
	}
	return fmt.Sprintf("resolve: %s", e.Outcome)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the terminal result of one resolution query, delivered to the
// completion callback. When Outcome is Success, Addrs holds the resolved
// addresses in response order and Err is nil. Otherwise Addrs is nil and
// Err describes the failure.
type Result struct {
	Addrs   []netip.Addr
	Outcome Outcome
	Err     error
}

// Prober performs single-shot name resolution. The returned addresses are
// in response order. Implementations own their timeout policy; the caller
// never cancels a query once issued.
type Prober interface {
	ResolveOnce(ctx context.Context, domain string) ([]netip.Addr, error)
}

// Resolver issues asynchronous resolution queries. Resolve returns
// immediately; the done callback is invoked exactly once, later, with the
// classified result. Implementations that hold resources should also
// implement io.Closer; Close must not return until every issued query has
// completed and delivered its callback.
type Resolver interface {
	Resolve(ctx context.Context, domain string, done func(Result))
}

// NewAsync wraps a single-shot prober as an asynchronous resolver. Each
// query runs on its own goroutine; Close waits for all of them.
func NewAsync(prober Prober) Resolver {
	return &asyncResolver{prober: prober}
}

type asyncResolver struct {
	prober Prober
	group  errgroup.Group
}

func (r *asyncResolver) Resolve(ctx context.Context, domain string, done func(Result)) {
	r.group.Go(func() error {
		done(Do(ctx, r.prober, domain))
		return nil
	})
}

func (r *asyncResolver) Close() error {
	return r.group.Wait()
}

// Do runs one query on the given prober and classifies its result.
func Do(ctx context.Context, prober Prober, domain string) Result {
	addrs, err := prober.ResolveOnce(ctx, domain)
	if err != nil {
		return Result{Outcome: Classify(err), Err: err}
	}
	return Result{Addrs: addrs, Outcome: Success}
}

// Classify maps a resolution error onto its outcome class. A nil error is
// Success. Errors produced by this package's probers carry their class
// explicitly; everything else is classified from the standard library's
// error taxonomy, falling back to Other.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	var resErr *Error
	if errors.As(err, &resErr) {
		return resErr.Outcome
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return HostNotFound
		case dnsErr.IsTimeout:
			return Timeout
		case dnsErr.IsTemporary:
			// net marks SERVFAIL-style responses as temporary.
			return ServerFailure
		}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ConnectionRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return Other
}

// NewNetProber creates a prober backed by the given net.Resolver. The
// network selects the address family and must be one of "ip", "ip4" or
// "ip6", as with net.Resolver.LookupNetIP. Passing nil uses
// net.DefaultResolver.
func NewNetProber(resolver *net.Resolver, network string) Prober {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &netProber{resolver: resolver, network: network}
}

type netProber struct {
	resolver *net.Resolver
	network  string
}

func (p *netProber) ResolveOnce(ctx context.Context, domain string) ([]netip.Addr, error) {
	addrs, err := p.resolver.LookupNetIP(ctx, p.network, domain)
	if err != nil {
		return nil, err
	}
	results := make([]netip.Addr, len(addrs))
	for i, addr := range addrs {
		results[i] = addr.Unmap()
	}
	return results, nil
}
