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
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const defaultQueryTimeout = 5 * time.Second

// NewDNSProber creates a prober that queries the given server directly on
// the wire instead of going through the system resolver. Unlike the net
// prober, it sees the server's response code, so failures are classified
// exactly (NXDOMAIN, FORMERR, SERVFAIL) rather than inferred from error
// strings. The server is an "ip[:port]" pair; port 53 is assumed when
// absent.
func NewDNSProber(server string) Prober {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	client := &dns.Client{Timeout: defaultQueryTimeout}
	return &dnsProber{
		server: server,
		exchange: func(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
			resp, _, err := client.ExchangeContext(ctx, msg, server)
			return resp, err
		},
	}
}

type dnsProber struct {
	server   string
	exchange func(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

// ResolveOnce queries A then AAAA. A failure on one record type is
// tolerated when the other produced answers; the first failure is returned
// only when neither did.
func (p *dnsProber) ResolveOnce(ctx context.Context, domain string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	var firstErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := p.queryType(ctx, domain, qtype)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		addrs = append(addrs, found...)
	}
	if len(addrs) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return addrs, nil
}

func (p *dnsProber) queryType(ctx context.Context, domain string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	resp, err := p.exchange(ctx, msg)
	if err != nil {
		return nil, &Error{Outcome: classifyExchange(err), Err: err}
	}
	if outcome, ok := classifyRcode(resp.Rcode); ok {
		return nil, &Error{
			Outcome: outcome,
			Err:     fmt.Errorf("%s: %s", p.server, dns.RcodeToString[resp.Rcode]),
		}
	}
	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch record := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(record.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(record.AAAA); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}

func classifyRcode(rcode int) (Outcome, bool) {
	switch rcode {
	case dns.RcodeSuccess:
		return Success, false
	case dns.RcodeNameError:
		return HostNotFound, true
	case dns.RcodeFormatError:
		return FormatError, true
	case dns.RcodeServerFailure:
		return ServerFailure, true
	default:
		return Other, true
	}
}

// classifyExchange maps transport-level exchange failures. These never
// carry a response code, so only timeout and connection-refused can be
// distinguished.
func classifyExchange(err error) Outcome {
	switch outcome := Classify(err); outcome {
	case Timeout, ConnectionRefused:
		return outcome
	default:
		return Other
	}
}
