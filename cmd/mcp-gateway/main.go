// Command mcp-gateway aggregates many upstream MCP servers behind a single
// client-facing endpoint, serving both the Streamable HTTP transport and
// the legacy SSE transport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/yulin0629/mcp-sse-proxy/pkg/gateway"
	"github.com/yulin0629/mcp-sse-proxy/pkg/upstream"
)

// forceExitAfter bounds the whole shutdown sequence; if the ordered steps
// overrun their individual caps the process is killed rather than hung.
const forceExitAfter = 30 * time.Second

type cliOptions struct {
	configPath      string
	port            int
	logLevel        string
	debug           bool
	enableCORS      bool
	healthEndpoints []string
	timeoutMS       int
	maxPerSession   int
	maxConnections  int
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts cliOptions
	cmd := &cobra.Command{
		Use:           "mcp-gateway",
		Short:         "Aggregating gateway for Model Context Protocol servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	bindFlags(cmd.Flags(), &opts)
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func bindFlags(flags *pflag.FlagSet, opts *cliOptions) {
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the mcpServers configuration file (required)")
	flags.IntVar(&opts.port, "port", 3006, "listener port")
	flags.StringVar(&opts.logLevel, "logLevel", "info", "log level: info, none, or debug")
	flags.BoolVar(&opts.debug, "debug", false, "shorthand for --logLevel=debug")
	flags.BoolVar(&opts.enableCORS, "cors", true, "enable permissive CORS headers")
	flags.StringArrayVar(&opts.healthEndpoints, "healthEndpoint", nil, "health check path (repeatable)")
	flags.IntVar(&opts.timeoutMS, "timeout", 30000, "upstream connect timeout in milliseconds")
	flags.IntVar(&opts.maxPerSession, "maxConcurrentRequestsPerSession", 10, "in-flight request cap per client session")
	flags.IntVar(&opts.maxConnections, "maxConcurrentServerConnections", 0, "parallel upstream connection cap (<=0 means unbounded)")
}

func run(ctx context.Context, opts cliOptions) error {
	if opts.debug {
		opts.logLevel = "debug"
	}
	logger, err := buildLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := upstream.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *gateway.Server
	pool := upstream.NewPool(cfg, &upstream.Options{
		ConnectTimeout: time.Duration(opts.timeoutMS) * time.Millisecond,
		MaxParallel:    opts.maxConnections,
		Logger:         logger,
		LogRPC:         opts.logLevel == "debug",
		OnListChanged: func(name, category string) {
			if srv != nil {
				srv.Router().OnUpstreamListChanged(name, category)
			}
		},
	})
	srv = gateway.New(pool, &gateway.Options{
		Port:                  opts.port,
		HealthEndpoints:       opts.healthEndpoints,
		EnableCORS:            opts.enableCORS,
		MaxRequestsPerSession: opts.maxPerSession,
		Logger:                logger,
	})

	result := pool.ConnectAll(ctx)
	logger.Info("upstream pool ready",
		zap.Strings("connected", result.Connected),
		zap.Strings("failed", result.Failed))

	// First signal starts the graceful shutdown; a second one during the
	// shutdown forces immediate exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		go func() {
			time.Sleep(forceExitAfter)
			logger.Error("shutdown exceeded its caps, forcing exit")
			os.Exit(1)
		}()
		<-sigCh
		logger.Error("second shutdown signal, forcing exit")
		os.Exit(1)
	}()
	go func() {
		select {
		case <-srv.FatalNotify():
			logger.Error("fatal handler error, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return srv.ListenAndServe(ctx)
}

func buildLogger(level string) (*zap.Logger, error) {
	switch level {
	case "none":
		return zap.NewNop(), nil
	case "debug":
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	case "info", "":
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		return cfg.Build()
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}
}
