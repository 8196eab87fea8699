package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/studiobridge/internal/arbiter"
	"github.com/basket/studiobridge/internal/audit"
	"github.com/basket/studiobridge/internal/bridge"
	"github.com/basket/studiobridge/internal/bus"
	"github.com/basket/studiobridge/internal/config"
	"github.com/basket/studiobridge/internal/gateway"
	"github.com/basket/studiobridge/internal/housekeeping"
	"github.com/basket/studiobridge/internal/mcp"
	"github.com/basket/studiobridge/internal/operations"
	"github.com/basket/studiobridge/internal/otel"
	"github.com/basket/studiobridge/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

type serveCommand struct {
	Port     int    `short:"p" long:"port" description:"well-known bridge port (overrides config)"`
	Host     string `long:"host" description:"bind host (overrides config)"`
	LogLevel string `long:"log-level" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"log level (overrides config)"`
	ReadOnly bool   `long:"read-only" description:"expose only operations that do not modify the place"`
	Quiet    bool   `short:"q" long:"quiet" description:"log to the log file only"`

	app *app
}

func (c *serveCommand) Execute(_ []string) error {
	cfg, err := c.app.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := c.apply(&cfg); err != nil {
		return err
	}
	return serve(c.app.ctx, cfg, c.app, c.Quiet)
}

func (c *serveCommand) apply(cfg *config.Config) error {
	if c.Port != 0 {
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("--port %d out of range", c.Port)
		}
		cfg.Port = c.Port
	}
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.ReadOnly {
		cfg.ReadOnly = true
	}
	return nil
}

// serve runs one bridge process until the agent closes stdin or ctx ends.
func serve(ctx context.Context, cfg config.Config, a *app, quiet bool) error {
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, level, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("operation journal disabled", "error", err)
	}
	defer audit.Close()

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	catalog, err := operations.LoadCatalog()
	if err != nil {
		return fmt.Errorf("load operation catalogue: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventBus := bus.New()
	live := gateway.NewLiveness(nil, cfg.PluginLiveness(), cfg.AgentLiveness())

	var gw *gateway.Server
	arb := arbiter.New(arbiter.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		BindAttempts:      cfg.BindAttempts,
		PromotionInterval: cfg.PromotionInterval(),
		ProxyTimeout:      cfg.ProxyTimeout(),
		Ledger: bridge.Options{
			RequestTimeout:   cfg.RequestTimeout(),
			RedispatchWindow: cfg.RedispatchWindow(),
		},
		Logger:  logger,
		Bus:     eventBus,
		Metrics: metrics,
		Tracer:  provider.Tracer,
		Serve: func(ln net.Listener, port int, _ *bridge.Primary) {
			go serveListener(gw, ln, logger)
			if cfg.LegacyPort > 0 && cfg.LegacyPort != port {
				startLegacyListener(gw, cfg.Host, cfg.LegacyPort, logger)
			}
		},
	})
	mode := func() string { return arb.Mode().String() }

	registry := operations.NewRegistry(catalog.Profile(cfg.ReadOnly), arb,
		operations.WithLogger(logger),
		operations.WithMode(mode),
	)
	gw = gateway.New(gateway.Config{
		Bridge:       arb,
		Operations:   registry,
		Liveness:     live,
		Bus:          eventBus,
		Logger:       logger,
		Tracer:       provider.Tracer,
		Mode:         mode,
		CORS:         cfg.CORS,
		MaxBodyBytes: cfg.MaxBodyBytes,
		AllowOrigins: cfg.AllowOrigins,
	})

	if err := arb.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	logger.Info("studiobridge started",
		"version", Version,
		"mode", mode(),
		"port", arb.Port(),
		"read_only", cfg.ReadOnly,
		"operations", len(registry.List()),
	)

	keeper, err := housekeeping.New(housekeeping.Config{
		Bridge:            arb,
		Liveness:          live,
		Mode:              mode,
		SweepInterval:     cfg.SweepInterval(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Logger:            logger,
	})
	if err != nil {
		arb.Stop()
		return fmt.Errorf("init housekeeping: %w", err)
	}
	keeper.Start()

	watchConfig(ctx, cfg, level, logger)

	server := mcp.NewServer(mcp.Options{
		Version:  Version,
		Tools:    registry,
		Activity: live,
		Logger:   logger,
		Tracer:   provider.Tracer,
		Metrics:  metrics,
	})
	transport := mcp.NewStreamTransport(a.stdin, a.stdout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The agent closing stdin ends the process.
		defer cancel()
		return server.Serve(gctx, transport)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()

		arb.Stop()
		keeper.Stop(sctx)
		err := drain(sctx, arb, gw, logger)
		_ = transport.Close()
		return err
	})
	return g.Wait()
}

// drain settles every pending request with ConnectionClosed, then stops the
// HTTP listeners. Handlers blocked on the ledger must return before
// Shutdown can finish.
func drain(ctx context.Context, b bridge.Bridge, gw *gateway.Server, logger *slog.Logger) error {
	if n := b.ResetAll(); n > 0 {
		logger.Info("abandoned pending requests", "count", n)
	}
	if err := gw.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

func serveListener(gw *gateway.Server, ln net.Listener, logger *slog.Logger) {
	if err := gw.Serve(ln); err != nil {
		logger.Error("http listener stopped", "addr", ln.Addr().String(), "error", err)
	}
}

// startLegacyListener exposes the same surface on the port older plugin
// builds poll. Failing to bind it is not fatal.
func startLegacyListener(gw *gateway.Server, host string, port int, logger *slog.Logger) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		logger.Warn("legacy listener unavailable", "port", port, "error", err)
		return
	}
	go serveListener(gw, ln, logger)
}

// watchConfig applies log level changes from config.yaml and warns about
// settings that only take effect after a restart.
func watchConfig(ctx context.Context, cfg config.Config, level *slog.LevelVar, logger *slog.Logger) {
	w := config.NewWatcher(cfg.HomeDir, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
		return
	}
	fingerprint := cfg.Fingerprint()
	go func() {
		for range w.Events() {
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			level.Set(telemetry.ParseLevel(next.LogLevel))
			logger.Info("config reloaded", "log_level", next.LogLevel)
			if fp := next.Fingerprint(); fp != fingerprint {
				logger.Warn("config changes need a restart to take effect")
				fingerprint = fp
			}
		}
	}()
}
