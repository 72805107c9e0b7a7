package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgp-update-gen/internal/config"
	"github.com/route-beacon/bgp-update-gen/internal/db"
	"github.com/route-beacon/bgp-update-gen/internal/generator"
	genhttp "github.com/route-beacon/bgp-update-gen/internal/http"
	"github.com/route-beacon/bgp-update-gen/internal/kafka"
	"github.com/route-beacon/bgp-update-gen/internal/metrics"
	"github.com/route-beacon/bgp-update-gen/internal/mrt"
	"github.com/route-beacon/bgp-update-gen/internal/pacer"
	"github.com/route-beacon/bgp-update-gen/internal/sink"
	"github.com/route-beacon/bgp-update-gen/internal/source"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runGenerate(os.Args[2:])
	case "dump":
		runDump(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-update-gen <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       Generate updates and send them to the configured sink")
	fmt.Println("  dump      Decode an MRT file and print its updates as JSON lines")
	fmt.Println("  migrate   Run journal database migrations")
	fmt.Println("  prune     Maintain journal partitions (create new, drop expired)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Print(config.NewFlagSet("run").FlagUsages())
	fmt.Println()
	fmt.Println("Environment variables prefixed with BGPGEN_ override the config file,")
	fmt.Println("e.g. BGPGEN_SINK__TYPE=yabgp. Flags override both.")
}

func loadConfig(name string, args []string, extra func(*pflag.FlagSet)) (*config.Config, *zap.Logger) {
	fs := config.NewFlagSet(name)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	configPath, _ := fs.GetString("config")
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// stdout carries console and ExaBGP output.
	zapCfg.OutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// buildSource opens the source for the configured mode. The live Kafka
// consumer is returned as well so readiness can report on it.
func buildSource(cfg *config.Config, logger *zap.Logger) (source.Source, *kafka.Consumer, error) {
	g := &cfg.Generator
	rng := source.NewRand(g.Seed)

	switch g.Mode {
	case config.ModeRandom:
		src, err := source.NewRandom(source.RandomConfig{
			UpdateType: g.EffectiveUpdateType(),
			MaxPrefix:  g.MaxPrefix,
			LocalAS:    g.LocalAS,
			PrefixPool: g.Pool(),
			NextHops:   g.NextHops(),
		}, rng, logger.Named("source.random"))
		return src, nil, err

	case config.ModeMRTFile:
		r, err := mrt.Open(cfg.MRT.File, logger.Named("mrt"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("replaying MRT file", zap.String("file", cfg.MRT.File), zap.String("compression", r.Compression()))
		return source.NewMRT(r, g.NextHops(), rng, logger.Named("source.mrt")), nil, nil

	case config.ModeLive:
		c, err := kafka.NewConsumer(&cfg.Kafka, logger.Named("kafka.live"))
		if err != nil {
			return nil, nil, fmt.Errorf("creating live consumer: %w", err)
		}
		logger.Info("consuming live feed",
			zap.Strings("topics", cfg.Kafka.Live.Topics),
			zap.String("group_id", cfg.Kafka.Live.GroupID),
		)
		return source.NewLive(c, cfg.Kafka.Live.MaxPayloadBytes, g.NextHops(), rng, logger.Named("source.live")), c, nil
	}
	return nil, nil, fmt.Errorf("unknown mode %q", g.Mode)
}

// pacingPolicy resolves the rate: random generation without a rate sends one
// update per second, the other modes replay recorded timing.
func pacingPolicy(g *config.GeneratorConfig) pacer.Policy {
	rate := g.Rate
	if rate == 0 && g.Mode == config.ModeRandom {
		rate = 1
	}
	return pacer.Policy{Rate: rate, MinDelay: g.MinDelay()}
}

func runGenerate(args []string) {
	cfg, logger := loadConfig("run", args, nil)
	defer logger.Sync()

	metrics.Register()

	if err := generate(cfg, logger.With(zap.String("instance_id", cfg.Service.InstanceID))); err != nil {
		logger.Error("generation failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// generate runs one session and tears everything down. Interruption by a
// signal is not an error.
func generate(cfg *config.Config, logger *zap.Logger) error {
	runID := uuid.NewString()
	logger.Info("starting bgp-update-gen",
		zap.String("run_id", runID),
		zap.String("mode", cfg.Generator.Mode),
		zap.String("sink", cfg.Sink.Type),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := signalContext(logger)
	defer cancel()

	src, consumer, err := buildSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening update source: %w", err)
	}
	defer src.Close()

	snk, err := sink.New(ctx, cfg, runID, logger.Named("sink"))
	if err != nil {
		return err
	}
	if err := snk.Start(ctx); err != nil {
		return fmt.Errorf("starting sink: %w", err)
	}

	var consumerStatus genhttp.ConsumerStatus
	if consumer != nil {
		consumerStatus = consumer
	}
	httpServer := genhttp.NewServer(cfg.Service.HTTPListen, snk, consumerStatus, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		snk.Stop()
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	clock := clockwork.NewRealClock()
	session := generator.New(generator.Options{
		RunID:            runID,
		Mode:             cfg.Generator.Mode,
		SinkName:         cfg.Sink.Type,
		Count:            cfg.Generator.Count,
		PeerWaitInterval: time.Duration(cfg.Generator.PeerWaitIntervalSeconds) * time.Second,
		PeerWaitTimeout:  time.Duration(cfg.Generator.PeerWaitTimeoutSeconds) * time.Second,
		StatusInterval:   time.Duration(cfg.Generator.StatusIntervalSeconds) * time.Second,
	}, src, pacer.New(pacingPolicy(&cfg.Generator), clock), snk, clock, logger.Named("generator"))

	runErr := session.Run(ctx)

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	stopped := make(chan error, 1)
	go func() { stopped <- snk.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			logger.Error("sink stop error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, sink may not have stopped cleanly")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	logger.Info("bgp-update-gen stopped", zap.Int64("sent", session.Stats().Sent))
	return nil
}

func runDump(args []string) {
	cfg, logger := loadConfig("dump", args, nil)
	defer logger.Sync()

	if cfg.MRT.File == "" {
		logger.Fatal("dump needs an MRT file (--mrt or mrt.file)")
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	r, err := mrt.Open(cfg.MRT.File, logger.Named("mrt"))
	if err != nil {
		logger.Fatal("failed to open MRT file", zap.Error(err))
	}
	src := source.NewMRT(r, cfg.Generator.NextHops(), source.NewRand(cfg.Generator.Seed), logger.Named("source.mrt"))
	defer src.Close()

	out := sink.NewConsole(os.Stdout, nil)
	var n int
	for cfg.Generator.Count == 0 || n < cfg.Generator.Count {
		u, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, source.ErrExhausted) || errors.Is(err, context.Canceled) {
				break
			}
			logger.Fatal("dump failed", zap.Error(err))
		}
		if err := out.SendUpdate(ctx, nil, u); err != nil {
			logger.Fatal("failed to write update", zap.Error(err))
		}
		n++
	}

	logger.Info("dump complete",
		zap.Int("updates", n),
		zap.Int("records", r.Records()),
		zap.Any("skipped", r.Skipped()),
	)
}

func runMigrate(args []string) {
	var dir string
	cfg, logger := loadConfig("migrate", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&dir, "dir", migrationsDir(), "directory holding NNNN_name.sql migrations")
	})
	defer logger.Sync()

	if cfg.Postgres.DSN == "" {
		logger.Fatal("postgres.dsn is required")
	}

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
		zap.String("dir", dir),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, os.DirFS(dir), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runPrune(args []string) {
	cfg, logger := loadConfig("prune", args, nil)
	defer logger.Sync()

	if cfg.Postgres.DSN == "" {
		logger.Fatal("postgres.dsn is required")
	}

	logger.Info("running journal partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := db.NewPartitionManager(pool, cfg.Retention.Days, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("partition maintenance failed", zap.Error(err))
	}

	logger.Info("journal partition maintenance complete")
}

var dsnPassword = regexp.MustCompile(`password\s*=\s*\S+`)

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsnPassword.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
