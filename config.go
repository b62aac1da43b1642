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
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deancouch/ngx-upstream-jdomain/resolver"
)

const (
	// DefaultPort is the backend port used when none is configured.
	DefaultPort = 80

	// DefaultMaxIPs is the cache capacity used when none is configured.
	DefaultMaxIPs = 20

	// DefaultInterval is the minimum time between resolutions used when
	// none is configured.
	DefaultInterval = 1 * time.Second
)

// Config holds the immutable per-upstream settings. A Config is created
// once, at configuration-load time, and never modified afterwards.
type Config struct {
	// Domain is the name to resolve. Required.
	Domain string

	// Port is the backend port combined with each resolved address.
	Port uint16

	// MaxIPs caps the number of cached addresses. When a resolution
	// returns more, the first MaxIPs addresses in response order are kept.
	MaxIPs int

	// Interval is the minimum time between resolutions. When set
	// explicitly to zero, every request may trigger one (subject to the
	// in-flight gate); in a hand-built Config a zero Interval means the
	// default.
	Interval time.Duration

	// RetryOff disables trying further peers after a failed connection
	// attempt.
	RetryOff bool

	// Fallback, when valid, is the peer substituted for resolution
	// failures per the fallback policy.
	Fallback netip.AddrPort

	// Strict applies the fallback to all resolution error classes, not
	// just not-found and format errors. It has no effect without Fallback.
	Strict bool

	// intervalSet records that Interval was given explicitly, via the
	// directive or WithInterval, so an explicit zero survives defaulting.
	intervalSet bool
}

func (c *Config) validate() error {
	if c.Domain == "" {
		return errors.New("jdomain: domain must not be empty")
	}
	if c.Port == 0 {
		return errors.New("jdomain: port must be in range 1-65535")
	}
	if c.MaxIPs < 1 {
		return fmt.Errorf("jdomain: max_ips must be at least 1, got %d", c.MaxIPs)
	}
	if c.Interval < 0 {
		return fmt.Errorf("jdomain: interval must not be negative, got %s", c.Interval)
	}
	return nil
}

// ParseDirective parses an upstream directive of the form
//
//	jdomain <domain> [port=<1-65535>] [max_ips=<n>] [interval=<seconds>]
//	        [retry_off] [fallback=<ip>[:<port>]] [strict]
//
// The leading "jdomain" keyword is optional. The fallback port defaults to
// the directive's port when not given explicitly. An explicit interval=0
// disables the refresh window so that every request may trigger a
// resolution.
func ParseDirective(directive string) (Config, error) {
	fields := strings.Fields(directive)
	if len(fields) > 0 && fields[0] == "jdomain" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return Config{}, errors.New("jdomain: directive is missing a domain name")
	}
	cfg := Config{
		Domain:   fields[0],
		Port:     DefaultPort,
		MaxIPs:   DefaultMaxIPs,
		Interval: DefaultInterval,
	}
	var fallbackSpec string
	for _, field := range fields[1:] {
		key, value, hasValue := strings.Cut(field, "=")
		switch {
		case key == "port" && hasValue:
			port, err := parsePort(value)
			if err != nil {
				return Config{}, fmt.Errorf("jdomain: bad port %q: %w", value, err)
			}
			cfg.Port = port
		case key == "max_ips" && hasValue:
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("jdomain: bad max_ips %q: %w", value, err)
			}
			cfg.MaxIPs = n
		case key == "interval" && hasValue:
			seconds, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("jdomain: bad interval %q: %w", value, err)
			}
			if seconds < 0 {
				return Config{}, fmt.Errorf("jdomain: interval must not be negative, got %d", seconds)
			}
			cfg.Interval = time.Duration(seconds) * time.Second
			cfg.intervalSet = true
		case key == "fallback" && hasValue:
			fallbackSpec = value
		case key == "retry_off" && !hasValue:
			cfg.RetryOff = true
		case key == "strict" && !hasValue:
			cfg.Strict = true
		default:
			return Config{}, fmt.Errorf("jdomain: unknown directive parameter %q", field)
		}
	}
	if fallbackSpec != "" {
		fallback, err := parseFallback(fallbackSpec, cfg.Port)
		if err != nil {
			return Config{}, err
		}
		cfg.Fallback = fallback
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if port == 0 {
		return 0, errors.New("port must be in range 1-65535")
	}
	return uint16(port), nil
}

// parseFallback parses "ip[:port]", defaulting the port when absent.
func parseFallback(spec string, defaultPort uint16) (netip.AddrPort, error) {
	if addrPort, err := netip.ParseAddrPort(spec); err == nil {
		return addrPort, nil
	}
	addr, err := netip.ParseAddr(spec)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("jdomain: bad fallback %q: %w", spec, err)
	}
	return netip.AddrPortFrom(addr, defaultPort), nil
}

// DialFunc establishes a network connection to addr, in the manner of
// net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option customizes an upstream created by New.
type Option interface {
	apply(*options)
}

type options struct {
	config       Config
	fallbackSpec string
	resolver     resolver.Resolver
	dialFunc     DialFunc
	logger       zerolog.Logger
	metrics      *Metrics
}

func (opts *options) applyDefaults() error {
	if opts.config.Port == 0 {
		opts.config.Port = DefaultPort
	}
	if opts.config.MaxIPs == 0 {
		opts.config.MaxIPs = DefaultMaxIPs
	}
	if !opts.config.intervalSet && opts.config.Interval == 0 {
		opts.config.Interval = DefaultInterval
	}
	if opts.fallbackSpec != "" {
		fallback, err := parseFallback(opts.fallbackSpec, opts.config.Port)
		if err != nil {
			return err
		}
		opts.config.Fallback = fallback
	}
	if opts.resolver == nil {
		opts.resolver = resolver.NewAsync(resolver.NewNetProber(nil, "ip"))
	}
	if opts.dialFunc == nil {
		opts.dialFunc = defaultDialer.DialContext
	}
	return nil
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

// WithPort sets the backend port combined with each resolved address. The
// default is 80.
func WithPort(port uint16) Option {
	return optionFunc(func(opts *options) {
		opts.config.Port = port
	})
}

// WithMaxIPs caps the number of cached addresses. The default is 20.
func WithMaxIPs(n int) Option {
	return optionFunc(func(opts *options) {
		opts.config.MaxIPs = n
	})
}

// WithInterval sets the minimum time between resolutions. The default is
// one second. A zero interval means every request that finds no query in
// flight triggers one.
func WithInterval(interval time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.config.Interval = interval
		opts.config.intervalSet = true
	})
}

// WithRetryOff surfaces a failed connection attempt immediately instead of
// advancing to the next cached peer.
func WithRetryOff() Option {
	return optionFunc(func(opts *options) {
		opts.config.RetryOff = true
	})
}

// WithFallback configures the static peer substituted when resolution
// fails per policy. The spec is "ip[:port]"; the port defaults to the
// upstream's port. An invalid spec is reported by New.
func WithFallback(spec string) Option {
	return optionFunc(func(opts *options) {
		opts.fallbackSpec = spec
	})
}

// WithStrict applies the fallback to all resolution error classes, not
// just not-found and format errors. It has no effect without WithFallback.
func WithStrict() Option {
	return optionFunc(func(opts *options) {
		opts.config.Strict = true
	})
}

// WithResolver sets the resolver used for asynchronous queries. The
// default wraps the system resolver via resolver.NewAsync and
// resolver.NewNetProber.
func WithResolver(res resolver.Resolver) Option {
	return optionFunc(func(opts *options) {
		opts.resolver = res
	})
}

// WithDialer configures the function DialContext uses to establish
// connections. If no WithDialer option is provided, a default net.Dialer
// is used that uses a 30-second dial timeout and TCP keep-alive every 30
// seconds.
func WithDialer(dialFunc DialFunc) Option {
	return optionFunc(func(opts *options) {
		opts.dialFunc = dialFunc
	})
}

// WithLogger attaches a logger. Resolution outcomes, fallback
// substitutions and snapshot swaps are logged at debug and warn levels.
// The default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithMetrics attaches metrics counters, typically created once per
// process with NewMetrics and shared across upstreams.
func WithMetrics(metrics *Metrics) Option {
	return optionFunc(func(opts *options) {
		opts.metrics = metrics
	})
}
