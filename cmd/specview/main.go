package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"specview/internal/config"
	"specview/internal/fscache"
	"specview/internal/logging"
	"specview/internal/metrics"
	"specview/internal/reactive"
	"specview/internal/watchpool"
)

func main() {
	configPath := flag.String("config", os.Getenv("SPECVIEW_CONFIG"), "path to specview.yaml")
	rootFlag := flag.String("root", "", "directory tree to watch (overrides config)")
	fileFlag := flag.String("file", "", "file under the root to follow (optional)")
	metricsFlag := flag.Bool("metrics", false, "dump metrics on exit")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "specview: %v\n", err)
		os.Exit(1)
	}
	if *rootFlag != "" {
		settings.Root = *rootFlag
		settings = config.Normalize(settings)
	}

	level, _ := logging.ParseLevel(settings.LogLevel)
	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logger := logging.NewLoggerWithOutput(logBuffer, level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := watchpool.NewPool(ctx, watchpool.Options{
		Debounce:    settings.Debounce(),
		IgnoreGlobs: settings.IgnoreGlobs,
		Logger:      logger,
	})
	defer pool.CloseAll()

	if err := pool.Init(ctx, settings.Root); err != nil {
		logger.Warn("watcher unavailable, output will not refresh", map[string]string{
			"root":  settings.Root,
			"error": err.Error(),
		})
	}

	cache := fscache.New(fscache.Options{Pool: pool, Logger: logger})
	defer cache.Close()

	root := settings.Root
	follow := *fileFlag
	results := reactive.Stream(ctx, func(ctx context.Context) (string, error) {
		return renderView(ctx, cache, root, follow)
	})

	for result := range results {
		if result.Err != nil {
			logger.Error("view computation failed", map[string]string{
				"error": result.Err.Error(),
			})
			os.Exit(1)
		}
		fmt.Println(result.Value)
	}

	if *metricsFlag {
		_ = metrics.Default.WritePrometheus(os.Stdout)
	}
}

// renderView is the tracked computation the stream re-runs: a listing
// of the root plus, when requested, the contents of one file. Every
// cache read inside it becomes a dependency, so any change to the
// listing or the file produces a fresh emission.
func renderView(ctx context.Context, cache *fscache.Cache, root, follow string) (string, error) {
	listing, err := cache.ReadDir(ctx, root)
	if err != nil {
		return "", err
	}

	out := "== " + root + " (" + strconv.Itoa(len(listing.Entries)) + " entries) ==\n"
	for _, entry := range listing.Entries {
		marker := "  "
		if entry.Kind == fscache.KindDir {
			marker = "d "
		}
		out += marker + entry.Name + "\n"
	}

	if follow != "" {
		file, err := cache.ReadFile(ctx, follow)
		if err != nil {
			return "", err
		}
		if !file.Exists {
			out += "-- " + follow + ": absent --\n"
		} else {
			out += "-- " + follow + " --\n" + file.Text
		}
	}
	return out, nil
}
