// Package config loads Katamari configuration from a YAML file and
// KATAMARI_-prefixed environment variables. Environment values override the
// file; the file is optional so every field has a usable default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the Katamari core.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Search  SearchConfig  `mapstructure:"search"`
	MQ      MQConfig      `mapstructure:"mq"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig configures the ORM and the on-disk engine.
type StoreConfig struct {
	Database         string            `mapstructure:"database"`          // base path for .dat/.idx/.wal
	Schema           map[string]string `mapstructure:"schema"`            // field -> TEXT|KEYWORD|DATETIME|NUMERIC|BOOLEAN|ID
	CacheSize        int               `mapstructure:"cache_size"`        // LRU capacity
	Compression      string            `mapstructure:"compression"`       // zlib | zstd
	CompressionLevel int               `mapstructure:"compression_level"` // 0 = library default
	TransactionLog   string            `mapstructure:"transaction_log"`
}

// SearchConfig configures the full-text index.
type SearchConfig struct {
	IndexDir      string        `mapstructure:"index_dir"` // empty = temp dir
	BatchInterval time.Duration `mapstructure:"batch_interval"`
}

// MQConfig configures the work dispatcher.
type MQConfig struct {
	BindAddr          string        `mapstructure:"bind_addr"`
	ServerURL         string        `mapstructure:"server_url"` // worker side
	WorkerID          string        `mapstructure:"worker_id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StaleWindow       time.Duration `mapstructure:"stale_window"` // 0 disables the reaper
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BindAddr string `mapstructure:"bind_addr"`
}

// Default returns a configuration with every field set to a usable value.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "INFO", Format: "json"},
		Store: StoreConfig{
			Database:         "katamari.db",
			CacheSize:        1000,
			Compression:      "zlib",
			TransactionLog:   "transaction.log",
			Schema:           map[string]string{"content": "TEXT"},
		},
		Search: SearchConfig{BatchInterval: 100 * time.Millisecond},
		MQ: MQConfig{
			BindAddr:          "localhost:8765",
			ServerURL:         "ws://localhost:8765/ws",
			HeartbeatInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{BindAddr: ":9095"},
	}
}

// Load reads configuration from the YAML file at path (optional) and from
// KATAMARI_-prefixed environment variables, on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				if !os.IsNotExist(err) {
					return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
				}
			}
		}
	}

	// Viper's AutomaticEnv does not surface unknown keys to Unmarshal, so
	// mirror the env into viper explicitly (same trick as the env loader in
	// the shared config package).
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]
		if strings.HasPrefix(key, "KATAMARI_") {
			propKey := strings.TrimPrefix(key, "KATAMARI_")
			propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
			v.Set(propKey, value)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
