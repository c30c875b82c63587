// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Command h2muxd is an echo server: every stream gets its request headers
// back with a 200 status, followed by the data it sent.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/linkdata/h2mux"
	"github.com/linkdata/h2mux/hpack"
	"github.com/linkdata/h2mux/wsconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

type options struct {
	listen      string
	wsListen    string
	metrics     string
	configPath  string
	logLevel    string
	maxConns    int
	grace       time.Duration
	pingEvery   time.Duration
	netLog      bool
	showVersion bool
}

func main() {
	var opts options
	rootCmd := &cobra.Command{
		Use:           "h2muxd",
		Short:         "Stream echo server",
		Long:          `h2muxd accepts multiplexed connections over TCP or WebSocket and echoes every stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				fmt.Println(version)
				return nil
			}
			return run(cmd.Context(), opts)
		},
	}
	flags := rootCmd.Flags()
	flags.StringVarP(&opts.listen, "listen", "l", ":10111", "TCP address to listen on")
	flags.StringVar(&opts.wsListen, "ws", "", "also serve WebSocket connections on this HTTP address (path /h2mux)")
	flags.StringVar(&opts.metrics, "metrics", "", "serve Prometheus metrics on this HTTP address (path /metrics)")
	flags.StringVarP(&opts.configPath, "config", "c", "", "TOML or YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.IntVar(&opts.maxConns, "max-conns", h2mux.DefaultMaxConns, "maximum concurrent connections")
	flags.DurationVar(&opts.grace, "grace", 10*time.Second, "how long shutdown waits for active streams")
	flags.DurationVar(&opts.pingEvery, "ping", 0, "ping interval for idle connections (0 disables)")
	flags.BoolVar(&opts.netLog, "netlog", false, "trace every frame")
	flags.BoolVarP(&opts.showVersion, "version", "v", false, "print version and exit")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "h2muxd: %+v\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (*h2mux.Config, error) {
	cfg := h2mux.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = h2mux.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.netLog {
		cfg.NetLog = true
		cfg.LogLevel = "trace"
	}
	if opts.pingEvery > 0 {
		cfg.PingInterval.Duration = opts.pingEvery
	}
	cfg.Logger = h2mux.NewConsoleLogger("h2muxd", cfg.LogLevel)
	return cfg, cfg.Validate()
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := cfg.Logger
	if opts.metrics != "" {
		cfg.Metrics = h2mux.NewMetrics()
		go serveHTTP(log, opts.metrics, "/metrics", promhttp.Handler())
	}

	srv := &h2mux.Server{
		Handler:  echo{log: log},
		Config:   cfg,
		MaxConns: opts.maxConns,
	}
	if opts.wsListen != "" {
		go serveHTTP(log, opts.wsListen, "/h2mux", wsconn.Handler(srv))
	}

	ln, err := srv.Listen(opts.listen)
	if err != nil {
		return err
	}
	log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Dur("grace", opts.grace).Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), opts.grace)
	defer cancel()
	err = srv.Shutdown(sctx)
	<-errCh
	log.Info().Int64("read", srv.BytesRead()).Int64("written", srv.BytesWritten()).Msg("stopped")
	return err
}

func serveHTTP(log zerolog.Logger, addr, path string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("addr", addr).Str("path", path).Msg("http listening")
	if err := hs.ListenAndServe(); err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("http server failed")
	}
}

type echo struct {
	log zerolog.Logger
}

func (e echo) ServeStream(sc *h2mux.StreamConn) {
	req, err := sc.Headers()
	if err != nil {
		return
	}
	resp := []hpack.HeaderField{{Name: ":status", Value: "200"}}
	for _, hf := range req {
		if !strings.HasPrefix(hf.Name, ":") {
			resp = append(resp, hf)
		}
	}
	if err = sc.WriteHeaders(resp, false); err == nil {
		var n int64
		if n, err = io.Copy(sc, sc); err == nil {
			err = sc.WriteHeaders([]hpack.HeaderField{{Name: "x-echo-length", Value: fmt.Sprint(n)}}, true)
		}
	}
	if err != nil {
		e.log.Debug().Err(err).Uint32("stream", uint32(sc.ID())).Msg("echo failed")
		_ = sc.Reset(h2mux.ErrCodeInternal)
	}
}
