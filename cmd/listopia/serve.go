package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/odvcencio/listopia/pkg/config"
	"github.com/odvcencio/listopia/pkg/events"
	"github.com/odvcencio/listopia/pkg/keyword"
	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/mcp"
	"github.com/odvcencio/listopia/pkg/orchestrator"
	"github.com/odvcencio/listopia/pkg/retrieval"
	"github.com/odvcencio/listopia/pkg/server"
	"github.com/odvcencio/listopia/pkg/session"
	"github.com/odvcencio/listopia/pkg/storage"
	"github.com/odvcencio/listopia/pkg/summary"
	"github.com/odvcencio/listopia/pkg/telemetry"
	"github.com/odvcencio/listopia/pkg/tools"
	"github.com/odvcencio/listopia/pkg/upstream"
)

const serverName = "listopia"

func runServeCommand(args []string, stderr io.Writer) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	bind := fs.String("bind", "", "listen address (overrides server.bind)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	if b := strings.TrimSpace(*bind); b != "" {
		cfg.Server.Bind = b
	}

	log := logging.New(serverName, logging.ParseLevel(cfg.Logging.Level), stderr)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.server.Start(ctx)
}

// app is the wired gateway plus what must be released on exit.
type app struct {
	server       *server.Server
	orchestrator *orchestrator.Orchestrator
	store        *storage.Store
	bus          events.Bus
	tracer       *telemetry.TracerProvider
	log          *logging.Logger
}

func buildApp(cfg *config.Config, log *logging.Logger) (*app, error) {
	a := &app{log: log}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	var err error

	if cfg.Telemetry.Tracing {
		if a.tracer, err = telemetry.NewTracerProvider(serverName, version, os.Stderr); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}

	if a.store, err = storage.New(cfg.Storage.Path); err != nil {
		return nil, withExitCode(fmt.Errorf("open storage: %w", err), exitUnavailable)
	}

	if a.bus, err = events.Open(events.Config{
		URL:     cfg.Events.NATSURL,
		Name:    serverName,
		Timeout: cfg.Events.Timeout,
	}, log); err != nil {
		return nil, withExitCode(fmt.Errorf("open event bus: %w", err), exitUnavailable)
	}
	publisher := events.NewPublisher(a.bus, cfg.Events.SubjectPrefix, log)
	a.store.AddObserver(publisher)

	extractor := keyword.NewDefault(keyword.Options{
		Count:             cfg.Keyword.Count,
		AnchorTerm:        cfg.Keyword.AnchorTerm,
		SmalltalkFallback: cfg.Keyword.SmalltalkFallback,
		EmptyFallback:     cfg.Keyword.EmptyFallback,
	})

	var retriever retrieval.Retriever
	if cfg.Retrieval.Configured() {
		client, err := retrieval.NewClient(retrieval.Config{
			WorkflowURL:   cfg.Retrieval.WorkflowURL,
			APIKey:        cfg.Retrieval.APIKey,
			WorkflowID:    cfg.Retrieval.WorkflowID,
			Timeout:       cfg.Retrieval.Timeout,
			Bounds:        retrieval.Bounds{Min: cfg.Retrieval.SnippetMin, Max: cfg.Retrieval.SnippetMax},
			CacheSize:     cfg.Retrieval.CacheSize,
			CacheTTL:      cfg.Retrieval.CacheTTL,
			RatePerSecond: cfg.Retrieval.RatePerSecond,
			Burst:         cfg.Retrieval.Burst,
			Breaker: retrieval.BreakerConfig{
				MaxFailures:  cfg.Retrieval.BreakerMaxFailures,
				ResetTimeout: cfg.Retrieval.BreakerReset,
			},
		}, retrieval.WithLogger(log))
		if err != nil {
			return nil, withExitCode(fmt.Errorf("retrieval client: %w", err), exitConfig)
		}
		retriever = client
	}

	registry, err := tools.NewRegistry(tools.Deps{Retriever: retriever, Extractor: extractor})
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}
	mcpOpts := mcp.Options{
		Versions: mcp.Versions{Default: cfg.Protocol.Default, Supported: cfg.Protocol.Supported},
		Version:  version,
		Logger:   log,
	}
	gateways := make([]*mcp.Gateway, 0, len(registry.Names()))
	for _, name := range registry.Names() {
		gw, err := mcp.NewEndpoint(registry, name, mcpOpts)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, gw)
	}
	aggregate := mcp.NewAggregate(registry, serverName, mcpOpts)

	srvDeps := server.Deps{
		Gateways:  gateways,
		Summaries: a.store,
		Ready:     a.store.Ping,
		Logger:    log,
	}
	if cfg.Server.AggregateRoot {
		srvDeps.Aggregate = aggregate
	}

	if cfg.Upstream.Configured() {
		a.orchestrator, err = newOrchestrator(cfg, log, a.store, extractor, aggregate, publisher)
		if err != nil {
			return nil, err
		}
		srvDeps.Chat = a.orchestrator
	}

	a.server = server.New(server.Config{
		Bind:            cfg.Server.Bind,
		RoutePrefix:     cfg.Server.RoutePrefix,
		ReadTimeout:     cfg.Server.ReadTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, srvDeps)
	built = true
	return a, nil
}

// newOrchestrator wires the turn pipeline. Without a local tool URL the
// context tool is called in-process through the aggregate gateway.
func newOrchestrator(cfg *config.Config, log *logging.Logger, store *storage.Store, extractor keyword.Extractor, aggregate *mcp.Gateway, publisher *events.Publisher) (*orchestrator.Orchestrator, error) {
	fwd, err := upstream.New(upstream.Config{
		BaseURL:      cfg.Upstream.BaseURL,
		APIKey:       cfg.Upstream.APIKey,
		DefaultModel: cfg.Upstream.DefaultModel,
		Referer:      cfg.Upstream.Referer,
		Title:        cfg.Upstream.Title,
		Timeout:      cfg.Upstream.Timeout,
		LogBodies:    cfg.Upstream.LogBodies,
	}, upstream.WithLogger(log))
	if err != nil {
		return nil, withExitCode(fmt.Errorf("upstream: %w", err), exitConfig)
	}

	var caller orchestrator.ToolCaller = aggregate
	if url := strings.TrimSpace(cfg.Injection.LocalToolURL); url != "" {
		client, err := mcp.NewClient(url, mcp.WithProtocolVersion(cfg.Protocol.Default))
		if err != nil {
			return nil, withExitCode(fmt.Errorf("local tool client: %w", err), exitConfig)
		}
		caller = client
	}

	roller := summary.NewRoller(store, nil, summary.Config{
		ShortWindow: cfg.Summary.ShortWindow,
		LongWindow:  cfg.Summary.LongWindow,
		MaxRunes:    cfg.Summary.MaxRunes,
	}, log)

	return orchestrator.New(orchestrator.Deps{
		Resolver:  session.NewResolver(session.WithTelegramMap(cfg.Telegram.SessionMap, cfg.Telegram.FallbackPrefix)),
		Summaries: store,
		Extractor: extractor,
		Tools:     caller,
		Forwarder: fwd,
		Roller:    roller,
		Publisher: publisher,
		Logger:    log,
	}, orchestrator.Options{
		InjectionEnabled: cfg.Injection.Enabled,
		ForceEveryTurn:   cfg.Injection.ForceEveryTurn,
		ToolName:         tools.GatewayCtxName,
		ToolTimeout:      cfg.Injection.ToolTimeout,
		UpstreamTimeout:  cfg.Upstream.Timeout,
		DefaultModel:     cfg.Upstream.DefaultModel,

		StreamWriteTimeout: cfg.Server.StreamWriteTimeout,
		SanitizeToolTraces: cfg.Injection.SanitizeToolTraces,
	}), nil
}

// close releases resources in dependency order. Pending summary writes
// finish before the store closes.
func (a *app) close() {
	if a.orchestrator != nil {
		a.orchestrator.Wait()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("close event bus", "error", err.Error())
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage", "error", err.Error())
		}
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tracer.Shutdown(ctx)
	}
}
