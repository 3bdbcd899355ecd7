// Package config provides configuration loading for retrievald.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Qdrant     QdrantConfig     `koanf:"qdrant"`
	Fallback   FallbackConfig   `koanf:"fallback"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// QdrantConfig configures the primary index backend.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	APIKey     string `koanf:"api_key"`
	UseTLS     bool   `koanf:"use_tls"`
	VectorSize int    `koanf:"vector_size"`
}

// FallbackConfig configures the relational fallback store.
type FallbackConfig struct {
	Path string `koanf:"path"`
}

// RetrievalConfig configures the orchestrator.
type RetrievalConfig struct {
	PrimaryEnabled bool    `koanf:"primary_enabled"`
	Threshold      float64 `koanf:"threshold"`
	Limit          int     `koanf:"limit"`
	Overfetch      int     `koanf:"overfetch"`
	DualWrite      bool    `koanf:"dual_write"`
}

// EmbeddingsConfig configures the embedding service client.
type EmbeddingsConfig struct {
	BaseURL    string `koanf:"base_url"`
	APIKey     string `koanf:"api_key"`
	Model      string `koanf:"model"`
	Dimensions int    `koanf:"dimensions"`
}

// Load reads configuration with the following precedence, highest first:
//
//  1. Environment variables (SERVER_PORT, QDRANT_API_KEY, ...)
//  2. YAML config file at configPath, if it exists
//  3. Defaults
//
// Environment variables map to config keys by splitting on the first
// underscore: SERVER_PORT -> server.port, QDRANT_USE_TLS -> qdrant.use_tls.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		} else if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Qdrant.Host == "" {
		c.Qdrant.Host = "localhost"
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
	if c.Qdrant.VectorSize == 0 {
		c.Qdrant.VectorSize = 1536
	}

	if c.Fallback.Path == "" {
		c.Fallback.Path = "retrieval.db"
	}

	if c.Retrieval.Threshold == 0 {
		c.Retrieval.Threshold = 0.7
	}
	if c.Retrieval.Limit == 0 {
		c.Retrieval.Limit = 5
	}
	if c.Retrieval.Overfetch == 0 {
		c.Retrieval.Overfetch = 2
	}

	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}
	if c.Embeddings.Dimensions == 0 {
		c.Embeddings.Dimensions = c.Qdrant.VectorSize
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("retrieval threshold must be in [0,1], got %v", c.Retrieval.Threshold)
	}
	if c.Retrieval.Limit <= 0 {
		return fmt.Errorf("retrieval limit must be positive, got %d", c.Retrieval.Limit)
	}
	if c.Retrieval.Overfetch <= 0 {
		return fmt.Errorf("retrieval overfetch must be positive, got %d", c.Retrieval.Overfetch)
	}
	if c.Embeddings.Dimensions != c.Qdrant.VectorSize {
		return fmt.Errorf("embeddings dimensions (%d) must match qdrant vector size (%d)",
			c.Embeddings.Dimensions, c.Qdrant.VectorSize)
	}
	return nil
}
