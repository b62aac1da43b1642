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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	jdomain "github.com/deancouch/ngx-upstream-jdomain"
)

// proxyConfig is the YAML file consumed by the proxy subcommand.
type proxyConfig struct {
	// MetricsAddr, when set, serves prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`

	Proxies []proxyEntry `yaml:"proxies"`
}

type proxyEntry struct {
	// Listen is the local "host:port" to accept connections on.
	Listen string `yaml:"listen"`

	// Upstream is a jdomain directive, e.g.
	// "backend.example.com port=8080 max_ips=4 fallback=127.0.0.2".
	Upstream string `yaml:"upstream"`

	// MaxConns caps concurrent connections on this listener; zero means
	// unlimited.
	MaxConns int `yaml:"max_conns"`
}

var proxyConfigPath string

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a TCP proxy that forwards through upstream pools",
	Long: `Proxy accepts TCP connections and forwards each one to a peer of the
configured upstream, picking peers round robin and retrying the remaining
cached peers when a connection attempt fails.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := os.ReadFile(proxyConfigPath)
		if err != nil {
			return err
		}
		var cfg proxyConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse %s: %w", proxyConfigPath, err)
		}
		if len(cfg.Proxies) == 0 {
			return fmt.Errorf("%s: no proxies configured", proxyConfigPath)
		}
		return runProxies(cmd.Context(), newLogger(), cfg)
	},
}

func init() {
	proxyCmd.Flags().StringVarP(&proxyConfigPath, "config", "c", "jdomain.yaml",
		"path to the proxy configuration file")
}

func runProxies(ctx context.Context, logger zerolog.Logger, cfg proxyConfig) error {
	registry := prometheus.NewRegistry()
	metrics := jdomain.NewMetrics(registry)

	group, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(ctx, logger, cfg.MetricsAddr, registry)
		})
	}
	for _, entry := range cfg.Proxies {
		upstreamCfg, err := jdomain.ParseDirective(entry.Upstream)
		if err != nil {
			return err
		}
		upstream, err := jdomain.NewFromConfig(upstreamCfg,
			jdomain.WithLogger(logger),
			jdomain.WithMetrics(metrics),
		)
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", entry.Listen)
		if err != nil {
			return err
		}
		if entry.MaxConns > 0 {
			listener = netutil.LimitListener(listener, entry.MaxConns)
		}
		logger.Info().
			Str("listen", entry.Listen).
			Str("upstream", upstreamCfg.Domain).
			Msg("proxy listening")
		group.Go(func() error {
			defer func() {
				if err := upstream.Close(); err != nil {
					logger.Warn().Err(err).Msg("upstream close")
				}
			}()
			return serveProxy(ctx, logger, listener, upstream)
		})
	}
	return group.Wait()
}

func serveProxy(ctx context.Context, logger zerolog.Logger, listener net.Listener, upstream *jdomain.Upstream) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		client, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go forward(ctx, logger, upstream, client)
	}
}

// forward splices one accepted connection onto a freshly picked peer.
func forward(ctx context.Context, logger zerolog.Logger, upstream *jdomain.Upstream, client net.Conn) {
	defer func() {
		_ = client.Close()
	}()
	backend, err := upstream.DialContext(ctx, "tcp")
	if err != nil {
		logger.Warn().
			Err(err).
			Str("client", client.RemoteAddr().String()).
			Msg("no usable peer")
		return
	}
	defer func() {
		_ = backend.Close()
	}()
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backend, client)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, backend)
		done <- struct{}{}
	}()
	// Tearing down both halves once either direction finishes unblocks
	// the other copy.
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func serveMetrics(ctx context.Context, logger zerolog.Logger, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
