package charon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TilesConfig configures the tile cache subsystem. It is consumed read-only;
// configuration loading and reloading is owned by the application shell.
type TilesConfig struct {
	// Server is the raster tileserver URL template, using the {x}, {y} and
	// {z} placeholders.
	Server string `yaml:"server"`

	// Attribution is the tileserver attribution message. It is passed
	// through to the renderer untouched.
	Attribution string `yaml:"attribution"`

	// MaxMemTiles is the maximum number of decoded tiles cached in memory.
	// Tiles average ~100kB decoded, so 1000 tiles take around 100MB of RAM.
	MaxMemTiles int `yaml:"max_mem_tiles"`

	// MaxFSTiles is the maximum number of tiles persisted on disk. Tiles
	// pinned by an offline region are exempt and can push the store past
	// this limit.
	MaxFSTiles int `yaml:"max_fs_tiles"`

	// StaleAge is the tile age after which a cached tile becomes eligible
	// for a background refresh.
	StaleAge time.Duration `yaml:"stale_age"`

	// Offline disables all network fetches when set.
	Offline bool `yaml:"offline"`

	// CacheDir overrides the tile database location. Empty means the
	// user cache directory ($XDG_CACHE_HOME/charon).
	CacheDir string `yaml:"cache_dir"`
}

// DefaultTilesConfig returns the default tile cache configuration.
func DefaultTilesConfig() TilesConfig {
	return TilesConfig{
		Server:      "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		Attribution: "© OpenStreetMap",
		MaxMemTiles: 1000,
		MaxFSTiles:  50000,
		StaleAge:    7 * 24 * time.Hour,
	}
}

// LoadTilesConfig reads a yaml config file, filling unset fields with
// defaults. A missing file yields the defaults.
func LoadTilesConfig(path string) (TilesConfig, error) {
	cfg := DefaultTilesConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.MaxMemTiles <= 0 {
		cfg.MaxMemTiles = DefaultTilesConfig().MaxMemTiles
	}
	if cfg.MaxFSTiles <= 0 {
		cfg.MaxFSTiles = DefaultTilesConfig().MaxFSTiles
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = DefaultTilesConfig().StaleAge
	}

	return cfg, nil
}

// CachePath returns the tile database location, creating the parent
// directory if needed.
func (c TilesConfig) CachePath() (string, error) {
	dir := c.CacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("locating cache directory: %w", err)
		}
		dir = base + "/charon"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	return dir + "/tiles.db", nil
}
