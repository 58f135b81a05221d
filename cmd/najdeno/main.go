package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/erazemk/najdeno/internal/api"
	"github.com/erazemk/najdeno/internal/config"
	"github.com/erazemk/najdeno/internal/db"
	"github.com/erazemk/najdeno/internal/identity"
	"github.com/erazemk/najdeno/internal/imaging"
	"github.com/erazemk/najdeno/internal/items"
	"github.com/erazemk/najdeno/internal/media"
	"github.com/erazemk/najdeno/internal/store"
)

// levelRouter is a slog.Handler that routes INFO/WARN to stdout and ERROR+ to stderr.
type levelRouter struct {
	stdout slog.Handler
	stderr slog.Handler
}

func (lr *levelRouter) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (lr *levelRouter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		return lr.stderr.Handle(ctx, r)
	}
	return lr.stdout.Handle(ctx, r)
}

func (lr *levelRouter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRouter{
		stdout: lr.stdout.WithAttrs(attrs),
		stderr: lr.stderr.WithAttrs(attrs),
	}
}

func (lr *levelRouter) WithGroup(name string) slog.Handler {
	return &levelRouter{
		stdout: lr.stdout.WithGroup(name),
		stderr: lr.stderr.WithGroup(name),
	}
}

// setupLogger configures structured logging. INFO/WARN go to stdout, ERROR goes
// to stderr. If logPath is non-empty, all levels are also written to that file.
// Returns a cleanup function that closes the log file (if opened).
func setupLogger(logPath, format string) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	cleanup := func() {}

	stdoutW := io.Writer(os.Stdout)
	stderrW := io.Writer(os.Stderr)

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		cleanup = func() { f.Close() }
		stdoutW = io.MultiWriter(os.Stdout, f)
		stderrW = io.MultiWriter(os.Stderr, f)
	}

	newHandler := func(w io.Writer) slog.Handler { return slog.NewTextHandler(w, opts) }
	if format == "json" {
		newHandler = func(w io.Writer) slog.Handler { return slog.NewJSONHandler(w, opts) }
	}

	logger := slog.New(&levelRouter{stdout: newHandler(stdoutW), stderr: newHandler(stderrW)})
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

func main() {
	fs := config.NewFlagSet("najdeno")
	fs.Usage = func() {
		fmt.Fprint(os.Stdout, "Usage: najdeno [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", fs.Arg(0))
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := setupLogger(cfg.Log.Path, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		closeLog()
		os.Exit(1)
	}
}

// loadConfig layers defaults, the YAML file, the environment and flags.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	envFile, _ := fs.GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	cfg.ApplyFlags(fs)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	// Ensure schema exists (idempotent).
	if err := db.EnsureSchema(database); err != nil {
		return fmt.Errorf("ensuring database schema: %w", err)
	}
	logger.Info("database ready", "path", cfg.Database.Path)

	client := identity.NewClient(cfg.Identity.URL,
		identity.WithTimeout(cfg.Identity.Timeout),
		identity.WithRetries(cfg.Identity.Retries, 200*time.Millisecond),
		identity.WithLogger(logger),
	)

	var verifier identity.Verifier = client
	if cfg.Identity.CacheTTL > 0 {
		var cache identity.Cache = identity.NewMemoryCache()
		if cfg.Identity.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Identity.RedisAddr})
			defer rdb.Close()
			if err := rdb.Ping(context.Background()).Err(); err != nil {
				logger.Warn("redis not reachable, verifications will not be cached until it is", "addr", cfg.Identity.RedisAddr, "error", err)
			}
			cache = identity.NewRedisCache(rdb, "")
		}
		verifier = identity.NewCachingVerifier(client, cache, cfg.Identity.CacheTTL, logger)
		logger.Info("token verification cache enabled", "ttl", cfg.Identity.CacheTTL, "redis", cfg.Identity.RedisAddr != "")
	}

	var backend media.Backend
	var source api.MediaSource
	switch cfg.Media.Backend {
	case config.MediaBackendS3:
		s3Backend, err := media.NewS3Backend(media.S3Config(cfg.Media.S3))
		if err != nil {
			return err
		}
		backend = s3Backend
	default:
		dbBackend := &media.DBBackend{DB: database}
		backend, source = dbBackend, dbBackend
	}
	library := media.NewLibrary(backend, imaging.Options{
		MaxDimension: cfg.Media.MaxDimension,
		MaxBytes:     cfg.Media.MaxBytes,
		MaxPixels:    cfg.Media.MaxPixels,
	}, logger)

	svc := items.NewService(&store.Items{DB: database},
		items.WithDirectory(client),
		items.WithMedia(library),
		items.WithLogger(logger),
	)

	handler := api.NewRouter(api.Config{
		Service:     svc,
		Verifier:    verifier,
		Media:       source,
		Health:      database,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-quit
		logger.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server forced to shutdown", "error", err)
		}
	}()

	logger.Info("server started", "addr", cfg.Server.Addr, "identity", cfg.Identity.URL, "media", cfg.Media.Backend)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	logger.Info("server stopped, closing database")
	return nil
}
