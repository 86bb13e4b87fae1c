/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ssargent/treedump/pkg/codec"
	"github.com/ssargent/treedump/pkg/stream"
)

// Store backends.
const (
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Config represents the treedump configuration
type Config struct {
	DataDir string  `yaml:"data_dir"`
	Store   Store   `yaml:"store"`
	Stream  Stream  `yaml:"stream"`
	Logging Logging `yaml:"logging"`
	Metrics Metrics `yaml:"metrics"`
}

// Store selects and tunes the store that imports write into and exports
// read from
type Store struct {
	Backend   string `yaml:"backend"`
	Sync      bool   `yaml:"sync"`
	BatchSize int    `yaml:"batch_size"`
}

// Stream contains the stream format settings
type Stream struct {
	RecordCRC    bool   `yaml:"record_crc"`
	StreamDigest bool   `yaml:"stream_digest"`
	Compress     bool   `yaml:"compress"`
	ByteOrder    string `yaml:"byte_order"`
	TrailingData string `yaml:"trailing_data"`
	Limits       Limits `yaml:"limits"`
}

// Limits caps field lengths. Zero means the built-in default.
type Limits struct {
	MaxNameLen  uint64 `yaml:"max_name_len"`
	MaxKeyLen   uint64 `yaml:"max_key_len"`
	MaxValueLen uint64 `yaml:"max_value_len"`
}

// Logging contains logging configuration
type Logging struct {
	Level string `yaml:"level"`
}

// Metrics contains metrics output configuration
type Metrics struct {
	// Textfile is written in the Prometheus text format after every run.
	Textfile string `yaml:"textfile"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Store: Store{
			Backend:   BackendPebble,
			BatchSize: 4 << 20,
		},
		Stream: Stream{
			RecordCRC:    true,
			StreamDigest: true,
			ByteOrder:    "little",
			TrailingData: "ignore",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Validate checks the values that are parsed later.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendPebble, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if _, err := codec.ParseByteOrder(c.Stream.ByteOrder); err != nil {
		return err
	}
	if _, err := stream.ParseTrailingPolicy(c.Stream.TrailingData); err != nil {
		return err
	}
	switch c.Logging.Level {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	return nil
}

// Verbose reports whether tree boundaries should be logged.
func (l Logging) Verbose() bool { return l.Level == "debug" }

func (l Limits) codec() codec.Limits {
	return codec.Limits{MaxNameLen: l.MaxNameLen, MaxKeyLen: l.MaxKeyLen, MaxValueLen: l.MaxValueLen}
}

// WriteOptions translates the stream section into options for a save.
func (c *Config) WriteOptions() (stream.WriteOptions, error) {
	order, err := codec.ParseByteOrder(c.Stream.ByteOrder)
	if err != nil {
		return stream.WriteOptions{}, err
	}
	return stream.WriteOptions{
		Order:               order,
		DisableRecordCRC:    !c.Stream.RecordCRC,
		DisableStreamDigest: !c.Stream.StreamDigest,
		Compress:            c.Stream.Compress,
		Limits:              c.Stream.Limits.codec(),
		Verbose:             c.Logging.Verbose(),
	}, nil
}

// LoadOptions translates the stream section into options for a load.
func (c *Config) LoadOptions() (stream.LoadOptions, error) {
	policy, err := stream.ParseTrailingPolicy(c.Stream.TrailingData)
	if err != nil {
		return stream.LoadOptions{}, err
	}
	return stream.LoadOptions{
		Limits:       c.Stream.Limits.codec(),
		TrailingData: policy,
		Verbose:      c.Logging.Verbose(),
	}, nil
}

// LoadConfig loads configuration from the specified path. Missing keys keep
// their default values.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to the specified path
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// BootstrapConfig writes a default configuration, pointed at dataDir when
// it is not empty
func BootstrapConfig(configPath string, dataDir string) (*Config, error) {
	config := DefaultConfig()
	if dataDir != "" {
		config.DataDir = dataDir
	}

	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save bootstrap config: %w", err)
	}

	return config, nil
}

// GetDefaultConfigPath returns the default configuration path for the current platform
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./treedump.yaml"
	}

	// For Linux/macOS, use ~/.config/treedump/config.yaml
	configDir := filepath.Join(homeDir, ".config", "treedump")
	return filepath.Join(configDir, "config.yaml")
}

// ConfigExists checks if a configuration file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}
