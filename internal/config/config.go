// Package config loads the layered (defaults, then YAML file, then
// environment) configuration tree described in the external interfaces.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type DHT struct {
	K               int     `yaml:"k"`
	Alpha           int     `yaml:"alpha"`
	BucketCount     int     `yaml:"bucket_count"`
	RefreshInterval float64 `yaml:"refresh_interval"`
	PingTimeout     float64 `yaml:"ping_timeout"`
	RequestTimeout  float64 `yaml:"request_timeout"`
}

type Storage struct {
	DataDir            string `yaml:"data_dir"`
	MaxStorageSize     int64  `yaml:"max_storage_size"`
	DefaultTTL         int64  `yaml:"default_ttl"`
	PopularTTL         int64  `yaml:"popular_ttl"`
	ActiveTTL          int64  `yaml:"active_ttl"`
	PrivateTTL         int64  `yaml:"private_ttl"`
	MinGuaranteedTTL   int64  `yaml:"min_guaranteed_ttl"`
}

type Network struct {
	ListenHost        string   `yaml:"listen_host"`
	ListenPort        int      `yaml:"listen_port"`
	BootstrapNodes    []string `yaml:"bootstrap_nodes"`
	MaxConnections    int      `yaml:"max_connections"`
	ConnectionTimeout float64  `yaml:"connection_timeout"`
}

type Node struct {
	NodeType      string `yaml:"node_type"`
	AutoDetectType bool  `yaml:"auto_detect_type"`
	NodeIDFile    string `yaml:"node_id_file"`
	StateFile     string `yaml:"state_file"`
}

type Popularity struct {
	UpdateInterval       float64 `yaml:"update_interval"`
	ExchangeInterval     float64 `yaml:"exchange_interval"`
	GlobalUpdateInterval float64 `yaml:"global_update_interval"`
	PopularityThreshold  float64 `yaml:"popularity_threshold"`
	ActiveThreshold      float64 `yaml:"active_threshold"`
}

type Security struct {
	RateLimitRequests int     `yaml:"rate_limit_requests"`
	RateLimitWindow   float64 `yaml:"rate_limit_window"`
}

// Config is the full, layered configuration tree.
type Config struct {
	DHT        DHT        `yaml:"dht"`
	Storage    Storage    `yaml:"storage"`
	Network    Network    `yaml:"network"`
	Node       Node       `yaml:"node"`
	Popularity Popularity `yaml:"popularity"`
	Security   Security   `yaml:"security"`
	LogLevel   string     `yaml:"log_level"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		DHT: DHT{
			K:               20,
			Alpha:           3,
			BucketCount:     160,
			RefreshInterval: 3600,
			PingTimeout:     5,
			RequestTimeout:  10,
		},
		Storage: Storage{
			DataDir:          "data",
			MaxStorageSize:   10 << 30, // 10 GiB
			DefaultTTL:       86400,
			PopularTTL:       2592000,
			ActiveTTL:        604800,
			PrivateTTL:       10800,
			MinGuaranteedTTL: 3600,
		},
		Network: Network{
			ListenHost:        "0.0.0.0",
			ListenPort:        8468,
			BootstrapNodes:    nil,
			MaxConnections:    100,
			ConnectionTimeout: 30,
		},
		Node: Node{
			NodeType:       "full",
			AutoDetectType: true,
			NodeIDFile:     "node_id.pem",
			StateFile:      "node_state.json",
		},
		Popularity: Popularity{
			UpdateInterval:       3600,
			ExchangeInterval:     21600,
			GlobalUpdateInterval: 10800,
			PopularityThreshold:  7.0,
			ActiveThreshold:      5.0,
		},
		Security: Security{
			RateLimitRequests: 100,
			RateLimitWindow:   60,
		},
		LogLevel: "INFO",
	}
}

// Load builds a Config by starting from defaults, overlaying a YAML file if
// path is non-empty and exists, then applying environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv applies the one documented environment override: LOG_LEVEL
// supersedes log_level.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (d DHT) RefreshIntervalDuration() time.Duration {
	return time.Duration(d.RefreshInterval * float64(time.Second))
}

func (d DHT) RequestTimeoutDuration() time.Duration {
	return time.Duration(d.RequestTimeout * float64(time.Second))
}

func (d DHT) PingTimeoutDuration() time.Duration {
	return time.Duration(d.PingTimeout * float64(time.Second))
}

func (s Security) WindowDuration() time.Duration {
	return time.Duration(s.RateLimitWindow * float64(time.Second))
}

func (p Popularity) UpdateIntervalDuration() time.Duration {
	return time.Duration(p.UpdateInterval * float64(time.Second))
}

func (p Popularity) ExchangeIntervalDuration() time.Duration {
	return time.Duration(p.ExchangeInterval * float64(time.Second))
}

func (p Popularity) GlobalUpdateIntervalDuration() time.Duration {
	return time.Duration(p.GlobalUpdateInterval * float64(time.Second))
}
