package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/broconnector/internal/config"
	"github.com/lox/broconnector/internal/logging"
	"github.com/lox/broconnector/internal/scheduler"
	"github.com/lox/broconnector/internal/store"
)

type CLI struct {
	EnvFile     kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`
	Config      string                   `help:"Path to the YAML config file." type:"path" env:"CONFIG_PATH"`
	LogLevel    string                   `help:"Override the configured log level." enum:",trace,debug,info,warn,error" default:""`
	MetricsAddr string                   `help:"Serve Prometheus metrics on this address, e.g. :9090." placeholder:"ADDR"`

	RunScheduler RunSchedulerCmd `cmd:"" help:"Register and deliver local data to the Registry."`
	Import       ImportCmd       `cmd:"" help:"Import Registry objects into the local store."`
	Deduplicate  DeduplicateCmd  `cmd:"" help:"Rank Registry records that describe the same well."`
}

// App is shared by every command.
type App struct {
	cfg   *config.Config
	store *store.Store
	db    *sql.DB
	lock  *scheduler.Lock
}

func (a *App) Close() {
	if err := a.lock.Release(); err != nil {
		logging.Warn().Err(err).Msg("Failed to release lock")
	}
	if a.db != nil {
		a.db.Close()
	}
}

func openStore(path string) (*store.Store, *sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA foreign_keys=ON")

	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		logging.Warn().Err(err).Msg("Could not load Europe/Amsterdam timezone, using UTC")
		loc = time.UTC
	}

	st := store.New(db, loc)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, db, nil
}

func newApp(cli *CLI) (*App, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Logging.Logging()
	if cli.LogLevel != "" {
		logCfg.Level = cli.LogLevel
	}
	logging.Init(logCfg)

	lock, err := scheduler.Acquire(cfg.Envelopes.Dir)
	if err != nil {
		return nil, err
	}
	st, db, err := openStore(cfg.Database.Path)
	if err != nil {
		lock.Release()
		return nil, err
	}
	logging.Debug().Str("path", cfg.Database.Path).Msg("Database migrated")
	return &App{cfg: cfg, store: st, db: db, lock: lock}, nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logging.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("broconnector"),
		kong.Description("Synchronizes groundwater monitoring data with the BRO registry."),
		kong.UsageOnError(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logging.ContextWithRunID(ctx, logging.NewRunID())

	app, err := newApp(&cli)
	if err != nil {
		logging.Error().Err(err).Msg("Startup failed")
		os.Exit(1)
	}

	if cli.MetricsAddr != "" {
		serveMetrics(ctx, cli.MetricsAddr)
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(app)
	app.Close()
	if err != nil {
		logging.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
