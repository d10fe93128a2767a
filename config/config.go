package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	ErrInvalidFrames = errors.New("config: frames must be positive")
	ErrInvalidSwap   = errors.New("config: swap_slots must be positive")
	ErrInvalidAging  = errors.New("config: aging_blocks and aging_interval must be positive")
	ErrInvalidLimits = errors.New("config: max_mappings and stack_max_pages must not be negative")
)

// Config is the configuration for the memory engine and the tools built on it.
type Config struct {
	// Frames is the number of physical frames in the pool.
	Frames int `toml:"frames"`
	// SwapPath is the swap device file. An empty path keeps swap in memory.
	SwapPath string `toml:"swap_path"`
	// SwapSlots is the number of page-sized slots on the swap device.
	SwapSlots int `toml:"swap_slots"`
	// FileCacheBytes bounds the file page cache; 0 disables it.
	FileCacheBytes int64 `toml:"file_cache_bytes"`
	// AgingInterval is the period of the aging tick.
	AgingInterval Duration `toml:"aging_interval"`
	// AgingBlocks splits the frame table into this many blocks; each tick ages one.
	AgingBlocks int `toml:"aging_blocks"`
	// MaxMappings caps the mappings a single process may describe. 0 means no cap.
	MaxMappings int `toml:"max_mappings"`
	// StackMaxPages bounds stack growth.
	StackMaxPages int `toml:"stack_max_pages"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Duration wraps time.Duration so it reads and writes as "10ms" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Frames:         64,
		SwapSlots:      1024,
		FileCacheBytes: 1 << 20,
		AgingInterval:  Duration{20 * time.Millisecond},
		AgingBlocks:    2,
		MaxMappings:    0,
		StackMaxPages:  2048,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the values the engine cannot run without.
func (c Config) Validate() error {
	if c.Frames <= 0 {
		return ErrInvalidFrames
	}
	if c.SwapSlots <= 0 {
		return ErrInvalidSwap
	}
	if c.AgingBlocks <= 0 || c.AgingInterval.Duration <= 0 {
		return ErrInvalidAging
	}
	if c.MaxMappings < 0 || c.StackMaxPages < 0 {
		return ErrInvalidLimits
	}
	return nil
}

// Write encodes the configuration as TOML.
func (c Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
