// Command istex-harvest downloads every hit of an ISTEX query and writes them
// to stdout, one JSON document per line.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/istex-harvester/pkg/client"
	"github.com/Sternrassler/istex-harvester/pkg/config"
	"github.com/Sternrassler/istex-harvester/pkg/harvest"
	"github.com/Sternrassler/istex-harvester/pkg/logging"
	"github.com/Sternrassler/istex-harvester/pkg/metrics"
	"github.com/Sternrassler/istex-harvester/pkg/scroll"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// flags holds the command line. Flags that were set override the
// configuration file and environment.
type flags struct {
	configPath string
	query      string
	output     string
	facets     string
	workers    int
	width      int
	set        map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("istex-harvest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "TOML configuration file")
	fs.StringVar(&f.query, "query", "", "search query")
	fs.StringVar(&f.output, "output", "", "fields returned for every hit (e.g. id,arkIstex,title)")
	fs.StringVar(&f.facets, "facets", "", "facets requested with the count")
	fs.IntVar(&f.workers, "workers", harvest.DefaultWorkers, "partitions scrolled concurrently")
	fs.IntVar(&f.width, "width", harvest.DefaultWidth, "partition suffix length (0 disables partitioning)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: istex-harvest -query QUERY [flags] > hits.jsonl")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if fs.NArg() > 0 {
		return flags{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

func (f flags) apply(cfg *config.Config) {
	if f.set["query"] {
		cfg.Harvest.Query = f.query
	}
	if f.set["output"] {
		cfg.Harvest.Output = f.output
	}
	if f.set["facets"] {
		cfg.Harvest.Facets = f.facets
	}
	if f.set["workers"] {
		cfg.Harvest.Workers = f.workers
	}
	if f.set["width"] {
		cfg.Harvest.Width = f.width
	}
}

// run executes the command and returns its exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	f.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	lc := cfg.LoggingConfig()
	lc.Output = stderr
	logging.Setup(lc)
	logger := logging.NewLogger("cli")

	var redisClient *redis.Client
	if opts := cfg.RedisOptions(); opts != nil {
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Str("addr", opts.Addr).Msg("Failed to connect to Redis")
			return exitFailed
		}
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	c, err := client.New(cfg.ClientConfig(redisClient))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer c.Close()

	if err := harvestTo(ctx, cfg, c, redisClient, stdout, logger); err != nil {
		logger.Error().Err(err).Msg("Harvest failed")
		return exitFailed
	}
	return exitOK
}

// harvestTo streams the hits of the configured query to w while the metrics
// server, when enabled, runs alongside.
func harvestTo(ctx context.Context, cfg config.Config, fetcher scroll.Fetcher, redisClient *redis.Client, w io.Writer, logger zerolog.Logger) error {
	group, gctx := errgroup.WithContext(ctx)

	var opts []harvest.Option
	if redisClient != nil {
		opts = append(opts, harvest.WithRedis(redisClient))
	}
	h, err := harvest.New(gctx, fetcher, cfg.HarvestConfig(), opts...)
	if err != nil {
		return err
	}
	defer h.Close()

	if aggs := h.Aggregations(); len(aggs) > 0 {
		logger.Info().RawJSON("aggregations", aggs).Msg("Facets")
	}

	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()
	if cfg.Metrics.Listen != "" {
		var ready metrics.ReadyFunc
		if redisClient != nil {
			ready = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		}
		group.Go(func() error {
			return metrics.Serve(serverCtx, cfg.Metrics.Listen, metrics.NewMux(ready), logger)
		})
	}

	start := time.Now()
	group.Go(func() error {
		defer stopServer()
		return consume(gctx, h, w)
	})

	err = group.Wait()

	stats := h.Stats()
	event := logger.Info()
	if err != nil {
		event = logger.Warn()
	}
	event.
		Str("run_id", stats.RunID).
		Int("delivered", stats.Delivered).
		Int("expected", stats.Expected).
		Int("partitions", stats.Partitions).
		Int("completed", stats.Completed).
		Int("restarts", stats.Restarts).
		Int("duplicates", stats.Duplicates).
		Dur("duration", time.Since(start)).
		Msg("Harvest summary")

	if counters, serr := metrics.Snapshot(metrics.Gatherer, metrics.Namespace+"harvest_"); serr == nil {
		d := zerolog.Dict()
		for name, v := range counters {
			d.Float64(name, v)
		}
		logger.Debug().Dict("metrics", d).Msg("Harvest counters")
	}
	return err
}

// consume writes every hit of h as one compact JSON line.
func consume(ctx context.Context, h *harvest.Harvester, w io.Writer) error {
	out := bufio.NewWriter(w)
	var line bytes.Buffer

	for {
		item, err := h.Next(ctx)
		if errors.Is(err, harvest.ErrNoMoreItems) {
			return out.Flush()
		}
		if err != nil {
			out.Flush()
			return err
		}

		line.Reset()
		if err := json.Compact(&line, item.Raw); err != nil {
			return fmt.Errorf("hit %s: %w", item.ID, err)
		}
		line.WriteByte('\n')
		if _, err := out.Write(line.Bytes()); err != nil {
			return fmt.Errorf("write hit %s: %w", item.ID, err)
		}
	}
}
