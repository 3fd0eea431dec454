// Package config loads the notegraph configuration from an optional YAML file
// with environment variable expansion and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// DataDir is the per-vault directory holding the index and config.
const DataDir = ".notegraph"

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config is the root configuration.
type Config struct {
	Vault     VaultConfig     `yaml:"vault"`
	Index     IndexConfig     `yaml:"index"`
	Citations CitationsConfig `yaml:"citations"`
	Query     QueryConfig     `yaml:"query"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Validate validates every section.
func (c *Config) Validate() error {
	if err := c.Vault.Validate(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if err := c.Citations.Validate(); err != nil {
		return fmt.Errorf("citations: %w", err)
	}
	if err := c.Query.Validate(); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	return c.Logging.Validate()
}

// VaultConfig locates the markdown notes and their attached PDFs.
type VaultConfig struct {
	Path   string   `yaml:"path"`
	PDFDir string   `yaml:"pdf_dir"`
	Ignore []string `yaml:"ignore"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// IndexConfig configures the badger-backed graph index.
type IndexConfig struct {
	// Path is the badger directory. Relative paths resolve against the vault.
	Path string `yaml:"path"`

	// InMemory opens badger without touching disk.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`
}

// Validate validates the index configuration.
func (c *IndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.When(!c.InMemory, validation.Required)),
	)
}

// CitationsConfig configures PDF scanning and matching.
type CitationsConfig struct {
	Workers        int           `yaml:"workers"`
	ExtractTimeout time.Duration `yaml:"extract_timeout"`
	Pdftotext      string        `yaml:"pdftotext"`
	FuzzyFloor     float64       `yaml:"fuzzy_floor"`
}

// Validate validates the citations configuration.
func (c *CitationsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.ExtractTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Pdftotext, validation.Required),
		validation.Field(&c.FuzzyFloor, validation.Required, validation.Min(0.5), validation.Max(1.0)),
	)
}

// QueryConfig configures query defaults.
type QueryConfig struct {
	MaxNodes     int `yaml:"max_nodes"`
	DefaultDepth int `yaml:"default_depth"`
}

// Validate validates the query configuration.
func (c *QueryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxNodes, validation.Min(0)),
		validation.Field(&c.DefaultDepth, validation.Required, validation.Min(1)),
	)
}

// LoggingConfig configures the logrus logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.Required,
			validation.In("trace", "debug", "info", "warn", "warning", "error", "fatal", "panic")),
		validation.Field(&c.Format, validation.Required, validation.In(FormatText, FormatJSON)),
	)
}

// MetricsConfig configures the prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default(vaultPath string) *Config {
	return &Config{
		Vault: VaultConfig{
			Path:   vaultPath,
			PDFDir: "pdfs",
		},
		Index: IndexConfig{
			Path: filepath.Join(DataDir, "badger"),
		},
		Citations: CitationsConfig{
			Workers:        4,
			ExtractTimeout: 30 * time.Second,
			Pdftotext:      "pdftotext",
			FuzzyFloor:     0.8,
		},
		Query: QueryConfig{
			MaxNodes:     30,
			DefaultDepth: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: FormatText,
		},
	}
}

// Load reads filename over the defaults for vaultPath. A missing file yields
// the defaults. Environment variables in the file are expanded before parsing.
func Load(filename, vaultPath string) (*Config, error) {
	cfg := Default(vaultPath)

	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", filename, err)
	}
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = vaultPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// IndexPath returns the absolute badger directory.
func (c *Config) IndexPath() string {
	if filepath.IsAbs(c.Index.Path) {
		return c.Index.Path
	}
	return filepath.Join(c.Vault.Path, c.Index.Path)
}

// PDFPath returns the absolute directory holding attached PDFs.
func (c *Config) PDFPath() string {
	if filepath.IsAbs(c.Vault.PDFDir) {
		return c.Vault.PDFDir
	}
	return filepath.Join(c.Vault.Path, c.Vault.PDFDir)
}
