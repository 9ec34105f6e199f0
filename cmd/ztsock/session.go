package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/janvanbouwel/libzt-node/bridge"
	"github.com/janvanbouwel/libzt-node/stack"
	"github.com/janvanbouwel/libzt-node/stack/hostnet"
	"github.com/janvanbouwel/libzt-node/stack/loopback"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	stack     string
	logLevel  string
	logFormat string
	debugAddr string
}

func (g *globals) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&g.stack, "stack", "hostnet", "network engine: loopback or hostnet")
	f.StringVar(&g.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	f.StringVar(&g.logFormat, "log-format", "console", "log format: console or json")
	f.StringVar(&g.debugAddr, "debug-addr", "", "serve /metrics and /healthz on this address")
}

// session is one engine plus the bridge driving it.
type session struct {
	log      *zap.Logger
	stack    stack.Stack
	bridge   *bridge.Bridge
	registry *prometheus.Registry
	debug    string
}

func (g *globals) open() (*session, error) {
	log, err := g.logger()
	if err != nil {
		return nil, err
	}

	var st stack.Stack
	switch g.stack {
	case "loopback":
		cfg := loopback.DefaultConfig()
		cfg.Logger = log
		st = loopback.New(cfg)
	case "hostnet":
		cfg := hostnet.DefaultConfig()
		cfg.Logger = log
		st = hostnet.New(cfg)
	default:
		return nil, fmt.Errorf("unknown stack %q", g.stack)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	b := bridge.New(st,
		bridge.WithLogger(log),
		bridge.WithMetrics(bridge.NewMetrics(bridge.WithRegisterer(reg))),
	)
	return &session{log: log, stack: st, bridge: b, registry: reg, debug: g.debugAddr}, nil
}

func (g *globals) logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(g.logLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	if g.logFormat == "json" {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// run serves the bridge loop, and the debug endpoint when configured,
// until fn returns or the process is interrupted. fn runs on its own
// goroutine and must not block the loop.
func (s *session) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopCtx, stopLoop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		if err := s.bridge.Serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if s.debug != "" {
		g.Go(func() error { return serveDebug(gctx, s.debug, s.registry, s.bridge, s.log) })
	}
	g.Go(func() error {
		defer stopLoop()
		err := fn(gctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	return g.Wait()
}

func (s *session) close() {
	_ = s.bridge.Close()
	_ = s.stack.Close()
	_ = s.log.Sync()
}
