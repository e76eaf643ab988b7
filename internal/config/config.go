package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-stepper/internal/simd"
	"github.com/23skdu/longbow-stepper/internal/tile"
)

type Config struct {
	// Tiling and dispatch
	TileSize  int
	SIMDLevel string
	Workers   int
	MinChunk  int

	// Device staging buffers kept warm between steps.
	StagingPoolSize int

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func (c *Config) Validate() error {
	if c.TileSize <= 0 {
		return fmt.Errorf("invalid tile_size: %d (must be positive)", c.TileSize)
	}
	if c.TileSize%simd.MaxBlock != 0 {
		return fmt.Errorf("invalid tile_size: %d (must be a multiple of %d)", c.TileSize, simd.MaxBlock)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", c.Workers)
	}
	if c.MinChunk <= 0 {
		return fmt.Errorf("invalid min_chunk: %d (must be positive)", c.MinChunk)
	}
	if c.StagingPoolSize < 0 {
		return fmt.Errorf("invalid staging_pool_size: %d (must be non-negative)", c.StagingPoolSize)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log_format: %q (must be json or console)", c.LogFormat)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}

// Level resolves SIMDLevel, honouring "auto" and the environment override.
func (c *Config) Level() (simd.Level, error) {
	l, err := simd.ParseLevel(c.SIMDLevel)
	if err != nil {
		return simd.Scalar, fmt.Errorf("invalid simd_level: %w", err)
	}
	return l, nil
}

// Tile returns the executor settings for this config.
func (c *Config) Tile() (tile.Config, error) {
	l, err := c.Level()
	if err != nil {
		return tile.Config{}, err
	}
	return tile.Config{
		Size:     c.TileSize,
		Level:    l,
		Workers:  c.Workers,
		MinChunk: c.MinChunk,
	}, nil
}

func Default() Config {
	return Config{
		TileSize:        tile.DefaultSize,
		SIMDLevel:       "auto",
		Workers:         0,
		MinChunk:        64,
		StagingPoolSize: 2,
		LogLevel:        "info",
		LogFormat:       "console",
		MetricsAddr:     ":9090",
	}
}
