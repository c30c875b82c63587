// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Command h2muxping exercises an echo server: it opens concurrent streams,
// verifies the echoed data and reports throughput and ping latency.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/linkdata/h2mux"
	"github.com/linkdata/h2mux/hpack"
	"github.com/linkdata/h2mux/wsconn"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
)

type options struct {
	wsURL      string
	configPath string
	logLevel   string
	streams    int
	size       int
	pings      int
	timeout    time.Duration
	profile    string
	profileDir string
}

func main() {
	var opts options
	rootCmd := &cobra.Command{
		Use:           "h2muxping [address:port]",
		Short:         "Load and latency tester for h2muxd",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := "127.0.0.1:10111"
			if len(args) > 0 {
				addr = args[0]
			}
			prof, err := startProfile(opts.profile, opts.profileDir)
			if err != nil {
				return err
			}
			if prof != nil {
				defer prof.Stop()
			}
			return run(cmd.Context(), addr, opts)
		},
	}
	flags := rootCmd.Flags()
	flags.StringVar(&opts.wsURL, "ws", "", "connect over WebSocket to this URL instead of TCP")
	flags.StringVarP(&opts.configPath, "config", "c", "", "TOML or YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	flags.IntVarP(&opts.streams, "streams", "n", 10, "number of concurrent streams")
	flags.IntVarP(&opts.size, "size", "s", 64*1024, "bytes sent on each stream")
	flags.IntVarP(&opts.pings, "pings", "p", 3, "number of pings")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout")
	flags.StringVar(&opts.profile, "profile", "", "profile the run: cpu, mem, block, mutex or trace")
	flags.StringVar(&opts.profileDir, "profile-dir", ".", "directory to write the profile to")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "h2muxping: %+v\n", err)
		os.Exit(1)
	}
}

// startProfile starts the profiler selected by mode, or nothing if mode is empty.
func startProfile(mode, dir string) (interface{ Stop() }, error) {
	var kind func(*profile.Profile)
	switch mode {
	case "":
		return nil, nil
	case "cpu":
		kind = profile.CPUProfile
	case "mem":
		kind = profile.MemProfile
	case "block":
		kind = profile.BlockProfile
	case "mutex":
		kind = profile.MutexProfile
	case "trace":
		kind = profile.TraceProfile
	default:
		return nil, errors.Errorf("unknown profile mode %q", mode)
	}
	return profile.Start(kind, profile.ProfilePath(dir), profile.NoShutdownHook), nil
}

func run(ctx context.Context, addr string, opts options) (err error) {
	cfg := h2mux.DefaultConfig()
	if opts.configPath != "" {
		if cfg, err = h2mux.LoadConfig(opts.configPath); err != nil {
			return
		}
	}
	cfg.LogLevel = opts.logLevel
	cfg.Logger = h2mux.NewConsoleLogger("h2muxping", cfg.LogLevel)

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	c := h2mux.NewClient(addr)
	c.Config = cfg
	if opts.wsURL != "" {
		c.Dial = wsconn.Dialer(opts.wsURL, nil)
	}
	defer c.Close()

	start := time.Now()
	var wg sync.WaitGroup
	errCh := make(chan error, opts.streams)
	for i := 0; i < opts.streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errCh <- echoOnce(ctx, c, i, opts.size)
		}(i)
	}
	wg.Wait()
	close(errCh)
	failed := 0
	for e := range errCh {
		if e != nil {
			failed++
			cfg.Logger.Error().Err(e).Msg("stream failed")
			if err == nil {
				err = e
			}
		}
	}
	elapsed := time.Since(start)
	total := int64(opts.streams-failed) * int64(opts.size) * 2
	fmt.Printf("%d streams, %d failed, %d bytes in %v (%.1f MB/s)\n",
		opts.streams, failed, total, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds()/1e6)

	for i := 0; i < opts.pings && err == nil; i++ {
		var rtt time.Duration
		if rtt, err = c.Ping(ctx); err == nil {
			fmt.Printf("ping %d: %v\n", i+1, rtt)
		}
	}
	return
}

func echoOnce(ctx context.Context, c *h2mux.Client, i, size int) error {
	req := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: fmt.Sprintf("/echo/%d", i)},
	}
	sc, err := c.OpenStream(ctx, req, false)
	if err != nil {
		return err
	}
	defer sc.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = sc.SetDeadline(dl)
	}

	payload := make([]byte, size)
	rand.New(rand.NewSource(int64(i))).Read(payload)
	werr := make(chan error, 1)
	go func() {
		_, err := sc.Write(payload)
		if err == nil {
			err = sc.CloseWrite()
		}
		werr <- err
	}()
	if _, err = sc.Headers(); err != nil {
		return err
	}
	got, err := io.ReadAll(sc)
	if err == nil {
		err = <-werr
	}
	if err == nil && !bytes.Equal(payload, got) {
		err = errors.Errorf("stream %d: echo mismatch, sent %d got %d bytes", sc.ID(), len(payload), len(got))
	}
	return err
}
