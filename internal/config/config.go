// Package config loads guestmem settings from a YAML file with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. GUESTMEM_MEMORY_SIZE.
const EnvPrefix = "GUESTMEM_"

// Size is a byte count written as a human readable string ("512MiB",
// "1 GiB") or a plain integer.
type Size uint64

func (s *Size) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("config: invalid size %q: %w", text, err)
	}
	*s = Size(n)
	return nil
}

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	return s.UnmarshalText([]byte(value.Value))
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Size) String() string { return humanize.IBytes(uint64(s)) }

type MemoryConfig struct {
	Size Size `yaml:"size" env:"SIZE"`
	// BackingPath is empty for anonymous memory, an existing file, or a
	// directory for unlinked per-region files.
	BackingPath string `yaml:"backing_path" env:"BACKING_PATH"`
	Mergeable   bool   `yaml:"mergeable" env:"MERGEABLE"`
	// PhysBits overrides the probed physical address width; 0 probes.
	PhysBits uint8 `yaml:"phys_bits" env:"PHYS_BITS"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	// Format is text, json or auto (text on a terminal, json otherwise).
	Format string `yaml:"format" env:"FORMAT"`
}

type TraceConfig struct {
	// Path receives a timeslice recording when set.
	Path string `yaml:"path" env:"PATH"`
}

type Config struct {
	Memory MemoryConfig `yaml:"memory" envPrefix:"MEMORY_"`
	Log    LogConfig    `yaml:"log" envPrefix:"LOG_"`
	Trace  TraceConfig  `yaml:"trace" envPrefix:"TRACE_"`
}

// Default returns the settings used when neither file nor environment
// says otherwise.
func Default() Config {
	return Config{
		Memory: MemoryConfig{Size: 512 * humanize.MiByte},
		Log:    LogConfig{Level: "info", Format: "auto"},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// GUESTMEM_* environment overrides on top and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Memory.Size == 0 {
		errs = append(errs, errors.New("memory.size must be greater than zero"))
	}
	if c.Memory.PhysBits > 64 {
		errs = append(errs, fmt.Errorf("memory.phys_bits %d exceeds 64", c.Memory.PhysBits))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text, json or auto", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if c.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds a slog logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	format := c.Format
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
