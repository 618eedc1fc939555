// Package config loads the synapse CLI configuration.
//
// Configuration is read from a single YAML file named by the --config flag
// or, failing that, the SYNAPSE_CONFIG environment variable. Without
// either, Default values apply. The engine reads no configuration of its
// own; the CLI maps these values into engine options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/payload"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "SYNAPSE_CONFIG"

// Config is the CLI configuration.
type Config struct {
	// Density is the default carrier density for forge.
	Density float64 `yaml:"density"`

	// ChunkSize is the number of weights processed per pipeline step.
	ChunkSize int `yaml:"chunk_size"`

	// OutputDir is where containers and restored payloads are written
	// when -o is not given. Empty means next to the input.
	OutputDir string `yaml:"output_dir"`

	// Compression is the default payload compression: none, zstd or lz4.
	Compression string `yaml:"compression"`

	// MinPasskeyLength rejects shorter passkeys on forge.
	MinPasskeyLength int `yaml:"min_passkey_length"`

	Log    LogConfig    `yaml:"log"`
	Tokens TokensConfig `yaml:"tokens"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is auto, text or json. auto picks text on a terminal.
	Format string `yaml:"format"`
}

// TokensConfig configures access token issuing and verification.
type TokensConfig struct {
	// MasterSecret keys token signatures. Required for the token commands.
	MasterSecret string `yaml:"master_secret"`

	// TTL is the lifetime of issued tokens.
	TTL time.Duration `yaml:"ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Density:          constants.DefaultDensity,
		ChunkSize:        constants.ChunkSize,
		Compression:      "none",
		MinPasskeyLength: constants.MinPasskeyLength,
		Log: LogConfig{
			Level:  "warn",
			Format: "auto",
		},
		Tokens: TokensConfig{
			TTL: constants.DefaultTokenHours * time.Hour,
		},
	}
}

// Load reads the file at path, or at $SYNAPSE_CONFIG when path is empty.
// With neither set it returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads a YAML config file over the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Density <= 0 || math.IsNaN(c.Density) || math.IsInf(c.Density, 0) {
		errs = append(errs, fmt.Errorf("density must be a positive finite number, got %v", c.Density))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if _, err := payload.ParseCompression(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}
	if c.MinPasskeyLength < 0 {
		errs = append(errs, fmt.Errorf("min_passkey_length must not be negative, got %d", c.MinPasskeyLength))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of auto, text, json, got %q", c.Log.Format))
	}
	if c.Tokens.TTL <= 0 {
		errs = append(errs, fmt.Errorf("tokens.ttl must be positive, got %v", c.Tokens.TTL))
	}

	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// CompressionCodec parses Compression.
func (c *Config) CompressionCodec() (payload.Compression, error) {
	return payload.ParseCompression(c.Compression)
}
