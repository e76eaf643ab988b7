package config

import (
	"strings"
	"testing"

	"github.com/23skdu/longbow-stepper/internal/simd"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.TileSize != 256 {
		t.Errorf("expected TileSize 256, got %d", cfg.TileSize)
	}
	if cfg.SIMDLevel != "auto" {
		t.Errorf("expected SIMDLevel auto, got %q", cfg.SIMDLevel)
	}
	if cfg.MinChunk != 64 {
		t.Errorf("expected MinChunk 64, got %d", cfg.MinChunk)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected MetricsAddr :9090, got %q", cfg.MetricsAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"larger tile", func(c *Config) { c.TileSize = 4096 }, ""},
		{"zero tile", func(c *Config) { c.TileSize = 0 }, "tile_size"},
		{"tile not multiple of block", func(c *Config) { c.TileSize = 200 }, "multiple"},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"zero min chunk", func(c *Config) { c.MinChunk = 0 }, "min_chunk"},
		{"negative staging pool", func(c *Config) { c.StagingPoolSize = -2 }, "staging_pool_size"},
		{"unknown simd", func(c *Config) { c.SIMDLevel = "avx1024" }, "simd_level"},
		{"explicit simd", func(c *Config) { c.SIMDLevel = "avx2" }, ""},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"uppercase log level", func(c *Config) { c.LogLevel = "DEBUG" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	t.Setenv(simd.EnvLevel, "")

	cfg := Default()
	cfg.SIMDLevel = "scalar"
	l, err := cfg.Level()
	if err != nil || l != simd.Scalar {
		t.Errorf("Level() = %v, %v; want scalar", l, err)
	}

	cfg.SIMDLevel = "auto"
	l, err = cfg.Level()
	if err != nil || l != simd.Detected() {
		t.Errorf("auto Level() = %v, %v; want %v", l, err, simd.Detected())
	}
}

func TestTile(t *testing.T) {
	cfg := Default()
	cfg.SIMDLevel = "wide"
	cfg.TileSize = 512
	cfg.Workers = 3

	tc, err := cfg.Tile()
	if err != nil {
		t.Fatalf("Tile() error: %v", err)
	}
	if tc.Size != 512 || tc.Level != simd.Wide || tc.Workers != 3 || tc.MinChunk != 64 {
		t.Errorf("unexpected tile config %+v", tc)
	}

	cfg.SIMDLevel = "bogus"
	if _, err := cfg.Tile(); err == nil {
		t.Error("expected error for bogus level")
	}
}
