// SPDX-License-Identifier: Apache-2.0

// Command switchboard runs the agent dispatch service: an HTTP API in
// front of the registry, matcher and router.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/okodu/switchboard/pkg/config"
	"github.com/okodu/switchboard/pkg/healthcheck"
	"github.com/okodu/switchboard/pkg/llm"
	"github.com/okodu/switchboard/pkg/match"
	"github.com/okodu/switchboard/pkg/registry"
	"github.com/okodu/switchboard/pkg/router"
	"github.com/okodu/switchboard/pkg/server"
	"github.com/okodu/switchboard/pkg/session"
	"github.com/okodu/switchboard/pkg/telemetry"
	"github.com/okodu/switchboard/pkg/transport"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdownTelemetry, err := telemetry.InitWithConfig("switchboard", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}()

	reg := registry.New()
	if cfg.Agents.ManifestPath != "" {
		n, err := registry.RegisterManifest(reg, cfg.Agents.ManifestPath)
		if err != nil {
			return fmt.Errorf("load agent manifest: %w", err)
		}
		logger.Info("agents registered from manifest",
			"path", cfg.Agents.ManifestPath, "count", n)
	}

	matcher, err := buildMatcher(ctx, cfg, reg, logger)
	if err != nil {
		return fmt.Errorf("build matcher: %w", err)
	}

	store, closeStore, err := buildSessionStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build session store: %w", err)
	}
	defer closeStore()

	metrics, err := telemetry.NewDispatchMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	routerCfg := router.DefaultConfig()
	if d, err := time.ParseDuration(cfg.Router.AttemptTimeout); err == nil {
		routerCfg.AttemptTimeout = d
	}
	routerCfg.LastResort = cfg.Router.LastResort
	routerCfg.ConfidenceThreshold = cfg.Router.ConfidenceThreshold

	rt := router.New(reg, matcher, transport.NewHTTP(), store, routerCfg,
		router.WithLogger(logger),
		router.WithMetrics(metrics),
	)

	if cfg.HealthCheck.Enabled {
		hcCfg := healthcheck.DefaultConfig()
		if d, err := time.ParseDuration(cfg.HealthCheck.Interval); err == nil {
			hcCfg.Interval = d
		}
		if d, err := time.ParseDuration(cfg.HealthCheck.Timeout); err == nil {
			hcCfg.Timeout = d
		}
		go healthcheck.New(reg, hcCfg).Run(ctx)
	}

	var serverOpts []server.Option
	if ix, ok := matcher.(server.AgentIndexer); ok {
		// The vector matcher only sees indexed agents, so runtime
		// registration has to reach its collection too.
		serverOpts = append(serverOpts, server.WithIndexer(ix))
	}
	api := server.New(reg, rt, logger, serverOpts...)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildMatcher(ctx context.Context, cfg *config.Config, reg *registry.Registry, logger *slog.Logger) (match.Matcher, error) {
	switch cfg.Matcher.Strategy {
	case "", "tag":
		return match.NewTagMatcher(), nil

	case "classifier":
		provider := llm.NewOllama(cfg.Matcher.ClassifierBaseURL, cfg.Matcher.EmbedderModel)
		return match.NewClassifierMatcher(provider, cfg.Matcher.ClassifierModel, nil), nil

	case "vector":
		embedder := llm.NewOllama(cfg.Matcher.EmbedderBaseURL, cfg.Matcher.EmbedderModel)
		vm, err := match.NewVectorMatcher(cfg.Matcher.QdrantAddr, cfg.Matcher.QdrantCollection,
			uint64(cfg.Matcher.VectorSize), embedder)
		if err != nil {
			return nil, err
		}
		if err := vm.EnsureCollection(ctx); err != nil {
			return nil, err
		}
		for _, desc := range reg.Snapshot() {
			if err := vm.IndexAgent(ctx, desc); err != nil {
				logger.Warn("index agent", "agent_id", desc.ID, "error", err)
			}
		}
		return vm, nil

	case "tool":
		if cfg.Matcher.ToolCommand == "" || cfg.Matcher.ToolName == "" {
			return nil, fmt.Errorf("tool matcher requires tool_command and tool_name")
		}
		caller, err := connectToolServer(ctx, cfg.Matcher.ToolCommand, cfg.Matcher.ToolArgs)
		if err != nil {
			return nil, err
		}
		return match.NewToolMatcher(caller, cfg.Matcher.ToolName, nil), nil

	default:
		return nil, fmt.Errorf("unknown matcher strategy %q", cfg.Matcher.Strategy)
	}
}

// connectToolServer starts the MCP tool server subprocess and completes
// the protocol handshake.
func connectToolServer(ctx context.Context, command string, args []string) (match.ToolCaller, error) {
	mcpClient, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, err
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "switchboard",
		Version: version,
	}
	if _, err := mcpClient.Initialize(initCtx, initReq); err != nil {
		return nil, err
	}
	return mcpClient, nil
}

func buildSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	idleTTL, err := time.ParseDuration(cfg.Session.IdleTTL)
	if err != nil {
		idleTTL = 30 * time.Minute
	}
	sweepEvery, err := time.ParseDuration(cfg.Session.SweepEvery)
	if err != nil {
		sweepEvery = 5 * time.Minute
	}

	switch cfg.Session.Backend {
	case "", "memory":
		store := session.NewMemoryStore(idleTTL)
		store.StartJanitor(ctx, sweepEvery)
		return store, func() {}, nil

	case "sqlite":
		store, err := session.OpenSQLiteStore(cfg.Session.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		go func() {
			ticker := time.NewTicker(sweepEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					store.SweepIdle(ctx, idleTTL)
				}
			}
		}()
		return store, func() { store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}
