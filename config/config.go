// Package config holds the immutable configuration shared by every
// component of the translator. There is no process-wide singleton: a
// Config is built once (by the CLI or by a test) and passed explicitly
// to every constructor that needs it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config captures every tunable of the translation core.
type Config struct {
	// VLEN is the width in bits of each vector register. Fixed for the
	// lifetime of a Config; all guest harts sharing it see the same VLEN.
	VLEN uint32 `json:"vlen"`

	// PageSize is the guest page size in bytes. Must be a power of two.
	PageSize uint32 `json:"page_size"`

	// TLBCapacity is the number of entries held by each of the I-TLB and
	// D-TLB (both are built with this same capacity).
	TLBCapacity int `json:"tlb_capacity"`

	// CacheCapacity is the number of entries the translation cache holds
	// before CLOCK eviction kicks in.
	CacheCapacity int `json:"cache_capacity"`

	// BlockSoftCap bounds the number of instructions the decoder will
	// emit for a single basic block before synthesizing a terminator.
	BlockSoftCap int `json:"block_soft_cap"`

	// Trace enables per-block diagnostic logging in the dispatcher.
	Trace bool `json:"-"`
}

// Default returns the baseline configuration used unless overridden by
// CLI flags or a config file.
func Default() Config {
	return Config{
		VLEN:          128,
		PageSize:      4096,
		TLBCapacity:   64,
		CacheCapacity: 4096,
		BlockSoftCap:  256,
	}
}

// Load reads a JSON config file and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Save writes the config to a JSON file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.VLEN == 0 || c.VLEN%8 != 0 {
		return fmt.Errorf("vlen must be a positive multiple of 8, got %d", c.VLEN)
	}
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page_size must be a power of two, got %d", c.PageSize)
	}
	if c.TLBCapacity <= 0 {
		return fmt.Errorf("tlb_capacity must be > 0, got %d", c.TLBCapacity)
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be > 0, got %d", c.CacheCapacity)
	}
	if c.BlockSoftCap <= 0 {
		return fmt.Errorf("block_soft_cap must be > 0, got %d", c.BlockSoftCap)
	}
	return nil
}

// VLENBytes returns VLEN/8.
func (c Config) VLENBytes() int {
	return int(c.VLEN) / 8
}

// Clone returns a copy of the configuration.
func (c Config) Clone() Config {
	return c
}
