package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/did-method-webvh/go-didwebvh/resolver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "webvh-resolver",
		Usage: "did:webvh resolver service with caching and watch streams",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "postgres-url",
				Usage:   "PostgreSQL connection string (if set, uses Postgres instead of SQLite)",
				Sources: cli.EnvVars("POSTGRES_URL"),
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Usage:   "SQLite database file path (used when --postgres-url is not set)",
				Value:   "resolver.db",
				Sources: cli.EnvVars("SQLITE_PATH"),
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "HTTP server listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("RESOLVER_BIND"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Metrics HTTP server listen address",
				Value:   ":9464",
				Sources: cli.EnvVars("METRICS_ADDR"),
			},
			&cli.DurationFlag{
				Name:    "fetch-timeout",
				Usage:   "Timeout for fetching a DID log and witness file upstream",
				Value:   resolver.DefaultTimeout,
				Sources: cli.EnvVars("FETCH_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "refresh-interval",
				Usage:   "How often watched DIDs are re-resolved",
				Value:   resolver.DefaultRefreshInterval,
				Sources: cli.EnvVars("REFRESH_INTERVAL"),
			},
			&cli.BoolFlag{
				Name:    "no-watcher",
				Usage:   "Disable the background refresh of watched DIDs",
				Sources: cli.EnvVars("NO_WATCHER"),
			},
			&cli.StringFlag{
				Name:    "otlp-endpoint",
				Usage:   "OTLP trace exporter endpoint URL (tracing disabled when empty)",
				Sources: cli.EnvVars("OTEL_EXPORTER_OTLP_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Output logs in JSON format",
				Sources: cli.EnvVars("LOG_JSON"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	postgresURL := cmd.String("postgres-url")
	sqlitePath := cmd.String("sqlite-path")
	bind := cmd.String("bind")
	metricsAddr := cmd.String("metrics-addr")
	fetchTimeout := cmd.Duration("fetch-timeout")
	refreshInterval := cmd.Duration("refresh-interval")
	noWatcher := cmd.Bool("no-watcher")
	logLevel := cmd.String("log-level")
	logJSON := cmd.Bool("log-json")

	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	otelShutdown, err := setupOTel(ctx, cmd.String("otlp-endpoint"))
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer otelShutdown(context.Background())

	var cache *resolver.GormCache
	if postgresURL != "" {
		slog.Info("using database", "type", "postgres", "url", postgresURL)
		cache, err = resolver.NewGormCacheWithPostgres(postgresURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create postgres cache: %w", err)
		}
	} else {
		slog.Info("using database", "type", "sqlite", "path", sqlitePath)
		cache, err = resolver.NewGormCacheWithSqlite(sqlitePath, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqlite cache: %w", err)
		}
	}

	res := resolver.NewResolver(fetchTimeout, logger)
	watcher := resolver.NewWatcher(res, cache, refreshInterval, logger)
	server := resolver.NewServer(res, cache, watcher, bind, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Run)

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("metrics server listening", "addr", metricsAddr)
		return http.ListenAndServe(metricsAddr, mux)
	})

	if !noWatcher {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	return g.Wait()
}
