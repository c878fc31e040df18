package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lawrab/haar-weather/internal/config"
	"github.com/lawrab/haar-weather/internal/ingest"
	"github.com/lawrab/haar-weather/internal/logging"
	"github.com/lawrab/haar-weather/internal/metrics"
	"github.com/lawrab/haar-weather/internal/store"
)

type CLI struct {
	EnvFile string `name:"env-file" env:"HAAR_ENV_FILE" default:".env" type:"path" help:"Environment file with credentials. Refreshed Netatmo tokens are written back here."`

	config.Config `embed:""`

	Collect  CollectCmd  `cmd:"" help:"Collect once from the selected sources."`
	Backfill BackfillCmd `cmd:"" help:"Backfill ERA5 reanalysis for a date range."`
	Serve    ServeCmd    `cmd:"" name:"run" help:"Collect on a schedule and serve /health and /metrics."`
	Status   StatusCmd   `cmd:"" help:"Show recent collections and storage statistics."`
	Payload  PayloadCmd  `cmd:"" help:"Print an archived provider response."`
	Prune    PruneCmd    `cmd:"" help:"Delete archived responses older than the retention period."`
	Reset    ResetCmd    `cmd:"" help:"Delete collected data."`
}

func main() {
	// Credentials must be in the environment before kong resolves env tags.
	if err := loadEnvFile(envFileArg(os.Args[1:])); err != nil {
		fmt.Fprintln(os.Stderr, "haar:", err)
		os.Exit(1)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("haar"),
		kong.Description("Collects weather observations, forecasts and reanalysis into SQLite."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(cli.Config.Validate())

	a, err := newApp(&cli)
	kctx.FatalIfErrorf(err)

	kctx.FatalIfErrorf(execute(a, func(a *app) error { return kctx.Run(a) }))
}

// execute runs cmd and closes the app whatever the outcome. FatalIfErrorf
// exits without running deferred calls, so this happens before it.
func execute(a *app, cmd func(*app) error) error {
	defer a.close()
	return cmd(a)
}

// envFileArg finds --env-file before flags are parsed, falling back to
// HAAR_ENV_FILE and then ".env".
func envFileArg(args []string) string {
	for i, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--env-file="); ok {
			return v
		}
		if arg == "--env-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv("HAAR_ENV_FILE"); v != "" {
		return v
	}
	return ".env"
}

// loadEnvFile loads path without overriding variables already set. A missing
// file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// app holds what every command shares.
type app struct {
	cfg     *config.Config
	envFile string
	logger  *slog.Logger
	clock   clockwork.Clock
	store   *store.Store
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	nearest *ingest.NearestCache
}

func newApp(cli *CLI) (*app, error) {
	cfg := &cli.Config
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db, logger)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clock := clockwork.NewRealClock()
	return &app{
		cfg:     cfg,
		envFile: cli.EnvFile,
		logger:  logger,
		clock:   clock,
		store:   st,
		reg:     reg,
		metrics: metrics.New(reg),
		nearest: ingest.NewNearestCache(hours(cfg.MetOffice.CacheHours), clock),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}

func (a *app) deps() ingest.Deps {
	return ingest.Deps{
		Store:           a.store,
		Clock:           a.clock,
		Logger:          a.logger,
		Metrics:         a.metrics,
		ArchivePayloads: a.cfg.Archive.Enabled,
		HTTPRetries:     a.cfg.HTTP.Retries,
		HTTPRetryWait:   a.cfg.HTTP.RetryWait,
	}
}

func (a *app) orchestrator(window ingest.DateRange) *ingest.Orchestrator {
	sources := ingest.Sources(a.cfg, ingest.SourceOptions{
		Nearest: a.nearest,
		OnNetatmoRefresh: func(creds ingest.NetatmoCredentials) error {
			return config.SaveNetatmoTokens(a.envFile, creds.AccessToken, creds.RefreshToken)
		},
		ERA5Window: window,
	})
	return ingest.NewOrchestrator(a.deps(), sources...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
