// Command leyline-cache indexes a leyline document corpus and serves
// discovery queries (categories, listings, search) from a local
// content-addressable cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	leylinecache "github.com/leylinehq/leyline-cache"
	"github.com/leylinehq/leyline-cache/cache"
	"github.com/leylinehq/leyline-cache/telemetry"
)

var version = "dev"

type globals struct {
	Docs         string `help:"Document corpus root." env:"LEYLINE_DOCS" required:"" type:"existingdir"`
	CacheDir     string `help:"Cache directory." env:"LEYLINE_CACHE_DIR" type:"path" placeholder:"~/.leyline/cache"`
	MaxCacheSize int64  `help:"Maximum cache size in bytes." env:"LEYLINE_MAX_CACHE_SIZE" default:"52428800"`
	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat    string `help:"Log format." enum:"text,json" default:"text"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export." env:"LEYLINE_OTLP_ENDPOINT"`
	MetricsAddr  string `help:"Serve Prometheus metrics on this address (e.g. :9090)." env:"LEYLINE_METRICS_ADDR"`
}

type cli struct {
	globals

	Warm       warmCmd       `cmd:"" help:"Build the document index and persist it to the cache."`
	Categories categoriesCmd `cmd:"" help:"List document categories."`
	Show       showCmd       `cmd:"" help:"Show the documents in a category."`
	Search     searchCmd     `cmd:"" help:"Search documents by free text."`
	Stats      statsCmd      `cmd:"" help:"Show cache performance statistics."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// appContext is what every command's Run method receives.
type appContext struct {
	ctx    context.Context
	cache  *cache.Cache
	logger *slog.Logger
}

func main() {
	var flags cli
	ktx := kong.Parse(&flags,
		kong.Name("leyline-cache"),
		kong.Description("Content-addressable cache and index for leyline documents."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger := newLogger(flags.LogLevel, flags.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "leyline-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.MetricsAddr != "",
	})
	if err != nil {
		ktx.FatalIfErrorf(fmt.Errorf("initializing metrics: %w", err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdown(shutdownCtx)
	}()

	if flags.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		srv := &http.Server{Addr: flags.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	c, err := cache.Open(cache.Config{
		CacheDir:     flags.CacheDir,
		MaxCacheSize: flags.MaxCacheSize,
		DocsRoot:     flags.Docs,
		Logger:       logger,
	})
	ktx.FatalIfErrorf(err)
	defer func() { _ = c.Close() }()

	err = ktx.Run(&appContext{ctx: ctx, cache: c, logger: logger})
	ktx.FatalIfErrorf(err)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.New(handler)
}

type warmCmd struct{}

func (cmd *warmCmd) Run(app *appContext) error {
	start := time.Now()
	if !app.cache.WarmInBackground() {
		app.logger.Info("warming already in progress or cache already warm")
	}
	if err := app.cache.WaitWarm(app.ctx); err != nil {
		return err
	}

	stats := app.cache.Stats()
	fmt.Printf("indexed %d documents in %s\n", stats.DocumentCount, time.Since(start).Round(time.Millisecond))
	if stats.Warnings > 0 {
		fmt.Printf("%d documents skipped due to parse or category errors\n", stats.Warnings)
	}
	return nil
}

type categoriesCmd struct{}

func (cmd *categoriesCmd) Run(app *appContext) error {
	categories, err := app.cache.Categories(app.ctx)
	if err != nil {
		return err
	}
	for _, c := range categories {
		docs, err := app.cache.DocumentsForCategory(app.ctx, c)
		if err != nil {
			return err
		}
		fmt.Printf("%-15s %d documents\n", c, len(docs))
	}
	return nil
}

type showCmd struct {
	Category string `arg:"" help:"Category to show."`
}

func (cmd *showCmd) Run(app *appContext) error {
	category, err := leylinecache.ParseCategory(cmd.Category)
	if err != nil {
		return err
	}
	docs, err := app.cache.DocumentsForCategory(app.ctx, category)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		fmt.Printf("%-30s %s\n", doc.ID, doc.Title)
		if doc.Description != "" {
			fmt.Printf("%-30s %s\n", "", doc.Description)
		}
	}
	return nil
}

type searchCmd struct {
	Query []string `arg:"" help:"Search terms."`
	Limit int      `help:"Maximum number of results." default:"10"`
}

func (cmd *searchCmd) Run(app *appContext) error {
	results, err := app.cache.Search(app.ctx, strings.Join(cmd.Query, " "))
	if err != nil {
		return err
	}
	if len(results) > cmd.Limit {
		results = results[:cmd.Limit]
	}
	for _, r := range results {
		fmt.Printf("%-5s %-30s %s\n", stars(r.Score), r.Record.ID, r.Record.Title)
	}
	return nil
}

// stars renders a normalized [0,1] score as one to five stars.
func stars(score float64) string {
	n := int(math.Round(score * 5))
	if n < 1 {
		n = 1
	}
	return strings.Repeat("*", n)
}

type statsCmd struct{}

func (cmd *statsCmd) Run(app *appContext) error {
	// Warm first so the numbers describe a populated cache.
	if err := app.cache.WaitWarm(app.ctx); err != nil {
		return err
	}
	stats := app.cache.Stats()

	fmt.Printf("state:             %s\n", stats.State)
	fmt.Printf("documents:         %d\n", stats.DocumentCount)
	fmt.Printf("memory usage:      %d bytes\n", stats.MemoryUsage)
	fmt.Printf("hit ratio:         %.2f\n", stats.HitRatio)
	fmt.Printf("compression ratio: %.2f\n", stats.CompressionRatio)
	if stats.Warnings > 0 {
		fmt.Printf("scan warnings:     %d\n", stats.Warnings)
	}
	if len(stats.Operations) > 0 {
		fmt.Println("operations:")
		for op, s := range stats.Operations {
			fmt.Printf("  %-25s count=%d avg=%s\n", op, s.Count, s.AvgLatency)
		}
	}
	return nil
}
