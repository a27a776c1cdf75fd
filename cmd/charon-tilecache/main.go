// Command charon-tilecache is a map tile cache daemon and offline region manager.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	charon "github.com/catacombing/charon"
	"github.com/catacombing/charon/fetch"
	"github.com/catacombing/charon/region"
	"github.com/catacombing/charon/server"
	"github.com/catacombing/charon/store/gc"
	"github.com/catacombing/charon/store/tiledb"
	"github.com/catacombing/charon/telemetry"
)

var version = "dev"

type Globals struct {
	Config    string `help:"Path to the tile cache config file." type:"path" default:"~/.config/charon/charon.yml"`
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`
	Offline   bool   `help:"Disable all network fetches."`
}

type CLI struct {
	Globals

	Serve  serveCmd  `cmd:"" help:"Run the tile cache daemon."`
	Region regionCmd `cmd:"" help:"Manage offline regions."`
	GC     gcCmd     `cmd:"" name:"gc" help:"Run an eviction pass against the tile store."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("charon-tilecache"),
		kong.Description("Map tile cache daemon and offline region manager."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) logger() *slog.Logger {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if g.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}
	return slog.New(handler)
}

func (g *Globals) tilesConfig() (charon.TilesConfig, error) {
	cfg, err := charon.LoadTilesConfig(g.Config)
	if err != nil {
		return cfg, err
	}
	if g.Offline {
		cfg.Offline = true
	}
	return cfg, nil
}

// openStore opens the tile database at the configured cache path.
func openStore(cfg charon.TilesConfig, logger *slog.Logger) (*tiledb.Store, error) {
	path, err := cfg.CachePath()
	if err != nil {
		return nil, err
	}
	store := tiledb.New(tiledb.WithLogger(logger.With("component", "tiledb")))
	if err := store.Open(path); err != nil {
		return nil, fmt.Errorf("opening tile store: %w", err)
	}
	return store, nil
}

type serveCmd struct {
	Address        string        `help:"Address to listen on." default:":8080"`
	AuthToken      string        `help:"Bearer token for API authentication." env:"CHARON_AUTH_TOKEN"`
	RateLimit      float64       `help:"Upstream tileserver requests per second. 0 disables limiting."`
	RateBurst      int           `help:"Rate limiter burst size." default:"10"`
	Parallelism    int           `help:"Concurrent region download workers." default:"4"`
	GCInterval     time.Duration `help:"How often to run the eviction pass." default:"1h"`
	GCStartupDelay time.Duration `help:"Delay before the first eviction pass." default:"5m"`
	Prometheus     bool          `help:"Expose Prometheus metrics on /metrics."`
	OTLPEndpoint   string        `help:"OTLP gRPC endpoint for metric export." env:"CHARON_OTLP_ENDPOINT"`
}

func (c *serveCmd) Run(g *Globals) error {
	logger := g.logger()
	slog.SetDefault(logger)

	tiles, err := g.tilesConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.Prometheus || c.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.Prometheus,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	srv, err := server.New(server.Config{
		Address:        c.Address,
		Tiles:          tiles,
		AuthToken:      c.AuthToken,
		GCInterval:     c.GCInterval,
		GCStartupDelay: c.GCStartupDelay,
		RateLimit:      c.RateLimit,
		RateBurst:      c.RateBurst,
		Parallelism:    c.Parallelism,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type regionCmd struct {
	Download regionDownloadCmd `cmd:"" help:"Download a region for offline use."`
	List     regionListCmd     `cmd:"" help:"List offline regions."`
	Delete   regionDeleteCmd   `cmd:"" help:"Delete an offline region and unpin its tiles."`
}

type regionDownloadCmd struct {
	Name        string  `arg:"" help:"Region name."`
	MinLat      float64 `help:"South edge latitude." required:""`
	MinLon      float64 `help:"West edge longitude." required:""`
	MaxLat      float64 `help:"North edge latitude." required:""`
	MaxLon      float64 `help:"East edge longitude." required:""`
	MinZoom     uint8   `help:"Lowest zoom level to download." default:"0"`
	MaxZoom     uint8   `help:"Highest zoom level to download." required:""`
	Parallelism int     `help:"Concurrent download workers." default:"4"`
}

func (c *regionDownloadCmd) Run(g *Globals) error {
	logger := g.logger()

	tiles, err := g.tilesConfig()
	if err != nil {
		return err
	}

	store, err := openStore(tiles, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	fetcher := fetch.New(store,
		fetch.WithOffline(tiles.Offline),
		fetch.WithLogger(logger.With("component", "fetch")),
	)
	manager := region.NewManager(store, fetcher, tiles.Server,
		region.WithLogger(logger.With("component", "region")),
		region.WithParallelism(c.Parallelism),
		region.WithDiskBudget(tiles.MaxFSTiles),
	)

	bbox := charon.BoundingBox{
		Min: charon.GeoPoint{Lat: c.MinLat, Lon: c.MinLon},
		Max: charon.GeoPoint{Lat: c.MaxLat, Lon: c.MaxLon},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job, err := manager.DownloadRegion(ctx, c.Name, bbox, c.MinZoom, c.MaxZoom)
	if err != nil {
		return err
	}

	_, _, total := job.Progress()
	logger.Info("downloading region", "name", c.Name, "id", job.ID, "tiles", total)

	for {
		select {
		case <-ctx.Done():
			job.Cancel()
			<-job.Finished()
		case <-job.Notify():
			done, failed, _ := job.Progress()
			logger.Info("progress", "done", done, "failed", failed, "total", total)
			continue
		case <-job.Finished():
		}
		break
	}

	done, failed, _ := job.Progress()
	logger.Info("region download finished",
		"state", job.State(),
		"done", done,
		"failed", failed,
		"total", total,
	)

	if job.State() != tiledb.RegionComplete {
		return fmt.Errorf("region download ended in state %s", job.State())
	}
	return nil
}

type regionListCmd struct{}

func (c *regionListCmd) Run(g *Globals) error {
	logger := g.logger()

	tiles, err := g.tilesConfig()
	if err != nil {
		return err
	}

	store, err := openStore(tiles, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	infos, err := store.ListRegions(ctx)
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		fmt.Println("no offline regions")
		return nil
	}

	for _, info := range infos {
		size, count, err := store.RegionSizeOnDisk(ctx, info.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %-20s  %-15s  z%d-%d  %d tiles  %.1f MiB\n",
			info.ID, info.Name, info.State, info.MinZoom, info.MaxZoom,
			count, float64(size)/(1<<20),
		)
	}
	return nil
}

type regionDeleteCmd struct {
	ID string `arg:"" help:"Region id to delete."`
}

func (c *regionDeleteCmd) Run(g *Globals) error {
	logger := g.logger()

	tiles, err := g.tilesConfig()
	if err != nil {
		return err
	}

	store, err := openStore(tiles, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.GetRegion(ctx, c.ID); err != nil {
		return fmt.Errorf("region %s: %w", c.ID, err)
	}
	if err := store.Unpin(ctx, c.ID); err != nil {
		return err
	}

	// Tiles the deleted region pinned become evictable on the next pass.
	evicted, err := store.EvictIfOverBudget(ctx, tiles.MaxFSTiles)
	if err != nil {
		return err
	}

	logger.Info("region deleted", "id", c.ID, "tiles_evicted", evicted)
	return nil
}

type gcCmd struct{}

func (c *gcCmd) Run(g *Globals) error {
	logger := g.logger()

	tiles, err := g.tilesConfig()
	if err != nil {
		return err
	}

	store, err := openStore(tiles, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := gc.New(store, gc.Config{MaxTiles: tiles.MaxFSTiles},
		gc.WithLogger(logger.With("component", "gc")),
	)
	result := manager.RunNow(context.Background())
	if result.Error != "" {
		return fmt.Errorf("eviction pass: %s", result.Error)
	}

	fmt.Printf("evicted %d tiles, %d remaining (budget %d), took %s\n",
		result.TilesEvicted, result.TilesRemaining, tiles.MaxFSTiles, result.Duration,
	)
	return nil
}
