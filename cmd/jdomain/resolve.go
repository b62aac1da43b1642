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
	"time"

	"github.com/spf13/cobra"

	jdomain "github.com/deancouch/ngx-upstream-jdomain"
	"github.com/deancouch/ngx-upstream-jdomain/resolver"
)

var (
	resolveServer  string
	resolveTimeout time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <directive>",
	Short: "Resolve an upstream directive once and print its peers",
	Long: `Resolve parses a jdomain upstream directive, performs a single
resolution and prints the resulting snapshot. Useful for checking what a
proxy would cache for a given directive, including fallback behavior:

  jdomain resolve "backend.example.com port=8080 max_ips=4 fallback=127.0.0.2"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, err := jdomain.ParseDirective(args[0])
		if err != nil {
			return err
		}
		opts := []jdomain.Option{jdomain.WithLogger(newLogger())}
		if resolveServer != "" {
			opts = append(opts, jdomain.WithResolver(
				resolver.NewAsync(resolver.NewDNSProber(resolveServer)),
			))
		}
		upstream, err := jdomain.NewFromConfig(cfg, opts...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, upstream.Close())
		}()

		ctx, cancel := context.WithTimeout(cmd.Context(), resolveTimeout)
		defer cancel()
		if err := upstream.Prewarm(ctx); err != nil {
			return err
		}
		snap := upstream.Snapshot()
		fmt.Fprintf(cmd.OutOrStdout(), "source: %s\n", snap.Source)
		for _, addr := range snap.Addrs {
			fmt.Fprintln(cmd.OutOrStdout(), addr)
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveServer, "server", "",
		"DNS server to query directly (ip[:port]) instead of the system resolver")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 10*time.Second,
		"overall resolution timeout")
}
