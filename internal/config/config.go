// Package config loads coordinator and node settings from an optional YAML
// file and then applies environment variable overrides.
//
// Precedence, lowest first:
//
//	built-in defaults < YAML file ($SHARDCAST_CONFIG) < environment
//
// Environment variables:
//   - COORDINATOR_ADDR:   coordinator URL used by nodes
//   - COORDINATOR_LISTEN: coordinator listen address
//   - NODE_ID:            unique node identifier
//   - NODE_LISTEN:        node listen address
//   - NODE_ADDR:          public node URL registered with the coordinator
//   - LOG_LEVEL:          debug, info, warn or error
//   - FORCE_MERGE_POOL_SIZE, SHARD_CONCURRENCY, REQUEST_TIMEOUT, HEALTH_INTERVAL
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the YAML file path.
const EnvConfigPath = "SHARDCAST_CONFIG"

type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Node        NodeConfig        `yaml:"node"`
	Log         LogConfig         `yaml:"log"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
}

type CoordinatorConfig struct {
	Listen         string        `yaml:"listen"`
	URL            string        `yaml:"url"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

type NodeConfig struct {
	ID         string `yaml:"id"`
	Listen     string `yaml:"listen"`
	PublicAddr string `yaml:"public_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type BroadcastConfig struct {
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ForceMergePoolSize int           `yaml:"force_merge_pool_size"`
	ShardConcurrency   int           `yaml:"shard_concurrency"`
}

func Default() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			Listen:         ":8080",
			URL:            "http://127.0.0.1:8080",
			HealthInterval: 5 * time.Second,
		},
		Node: NodeConfig{
			Listen:     ":8081",
			PublicAddr: "http://127.0.0.1:8081",
		},
		Log: LogConfig{Level: "info"},
		Broadcast: BroadcastConfig{
			RequestTimeout:     30 * time.Second,
			ForceMergePoolSize: 1,
			ShardConcurrency:   4,
		},
	}
}

// Load builds the configuration. path may be empty, in which case the
// SHARDCAST_CONFIG environment variable is consulted; if that is empty too
// only defaults and environment overrides apply.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("COORDINATOR_ADDR", &cfg.Coordinator.URL)
	setString("COORDINATOR_LISTEN", &cfg.Coordinator.Listen)
	setString("NODE_ID", &cfg.Node.ID)
	setString("NODE_LISTEN", &cfg.Node.Listen)
	setString("NODE_ADDR", &cfg.Node.PublicAddr)
	setString("LOG_LEVEL", &cfg.Log.Level)

	var errs []error
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	setInt("FORCE_MERGE_POOL_SIZE", &cfg.Broadcast.ForceMergePoolSize)
	setInt("SHARD_CONCURRENCY", &cfg.Broadcast.ShardConcurrency)
	setDuration("REQUEST_TIMEOUT", &cfg.Broadcast.RequestTimeout)
	setDuration("HEALTH_INTERVAL", &cfg.Coordinator.HealthInterval)

	return errors.Join(errs...)
}

// Validate checks settings shared by both binaries. Node identity is
// checked by the node binary itself.
func (c Config) Validate() error {
	var errs []error
	if c.Broadcast.ForceMergePoolSize < 1 {
		errs = append(errs, fmt.Errorf("broadcast.force_merge_pool_size must be positive, got %d", c.Broadcast.ForceMergePoolSize))
	}
	if c.Broadcast.ShardConcurrency < 1 {
		errs = append(errs, fmt.Errorf("broadcast.shard_concurrency must be positive, got %d", c.Broadcast.ShardConcurrency))
	}
	if c.Broadcast.RequestTimeout <= 0 {
		errs = append(errs, errors.New("broadcast.request_timeout must be positive"))
	}
	if c.Coordinator.HealthInterval <= 0 {
		errs = append(errs, errors.New("coordinator.health_interval must be positive"))
	}
	return errors.Join(errs...)
}
