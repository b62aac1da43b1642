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

// Package jdomain treats a DNS name as a live, self-refreshing pool of
// backend addresses for a reverse proxy or load balancer.
//
// Rather than resolving once at startup, an [Upstream] resolves lazily:
// each request checks whether the configured interval has elapsed and, if
// so, issues one asynchronous resolution query. The triggering request
// never waits for the answer; it is served from the snapshot of addresses
// that was already cached, and the new result is swapped in atomically for
// future requests. At most one query is in flight per upstream at a time.
//
// Peer selection is round robin over the current snapshot with a cursor
// that persists across requests. When a connection attempt fails, the host
// advances to the next peer in the same snapshot until every peer has been
// tried once for that request, unless retries are disabled.
//
// A statically configured fallback peer can stand in when resolution
// fails: always for definitive name failures (host not found, format
// error, empty answer), and additionally for transient failures (timeout,
// server failure, connection refused) in strict mode. Without a usable
// fallback, a failed resolution leaves the previous snapshot serving.
//
// Create an upstream with [New] and functional options, or from the
// directive surface with [ParseDirective] and [NewFromConfig]:
//
//	cfg, err := jdomain.ParseDirective(
//	    "jdomain backend.example.com port=8080 max_ips=4 interval=5 fallback=127.0.0.2",
//	)
//	if err != nil {
//	    // ...
//	}
//	upstream, err := jdomain.NewFromConfig(cfg)
//
// A connection-establishment loop drives the [Peers] interface, or uses
// the [Upstream.DialContext] convenience that wraps the loop around a
// dialer.
package jdomain
