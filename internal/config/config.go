// Package config handles agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/alto/config.yaml, /etc/alto/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "alto", "config.yaml"))
	}

	paths = append(paths, "/etc/alto/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agent configuration.
type Config struct {
	Provider  ProviderConfig `yaml:"provider"`
	Engine    EngineConfig   `yaml:"engine"`
	Bridge    BridgeConfig   `yaml:"bridge"`
	Alerts    AlertsConfig   `yaml:"alerts"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	User      UserConfig     `yaml:"user"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
}

// EngineConfig configures the locally-resident inference runtime.
type EngineConfig struct {
	// CacheDir holds the runtime's persistent stores (weights, config,
	// compiled library, kv cache). Defaults to <data_dir>/engine.
	CacheDir string `yaml:"cache_dir"`
	// ServerBinary is the llama-server executable. Resolved from PATH
	// when empty.
	ServerBinary string `yaml:"server_binary"`
	// Port is the loopback port the runtime listens on.
	Port int `yaml:"port"`
	// ContextSize is passed to the runtime as its context window.
	ContextSize int `yaml:"context_size"`
	// ReadyTimeout bounds how long a load waits for the runtime to
	// report healthy.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	// ModelURL is where missing weights are downloaded from. When empty
	// the weights are user-supplied and a cache purge keeps them.
	ModelURL string `yaml:"model_url"`
}

// BridgeConfig points at the privileged host process.
type BridgeConfig struct {
	URL   string `yaml:"url"` // ws://127.0.0.1:7421/bridge
	Token string `yaml:"token"`
	// CallTimeout bounds a single bridge round trip. Scans can be slow.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// AlertsConfig controls the proactive alert scheduler.
type AlertsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Cooldown time.Duration `yaml:"cooldown"`
	// CPUPercent and CPUSamples define "sustained high CPU": this many
	// consecutive ticks at or above the threshold.
	CPUPercent float64 `yaml:"cpu_percent"`
	CPUSamples int     `yaml:"cpu_samples"`
	// MemoryPercent is the memory pressure threshold. Zero disables the
	// trigger.
	MemoryPercent float64 `yaml:"memory_percent"`
	// JunkBytes is the accumulated junk size that triggers an alert.
	JunkBytes uint64 `yaml:"junk_bytes"`
}

// MQTTConfig enables publishing alerts to an MQTT broker. Empty Broker
// disables the sink.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	// StateInterval is how often the retained telemetry snapshot is
	// republished.
	StateInterval time.Duration `yaml:"state_interval"`
}

// Configured reports whether an MQTT broker was set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// MetricsConfig exposes Prometheus metrics. Empty Listen disables the
// endpoint; collectors are still registered.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. 127.0.0.1:9464
}

// UserConfig is the profile greeted in the system context.
type UserConfig struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unset fields keep the
// values from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	cfg.Engine.CacheDir = "" // re-derived from the file's data_dir
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration that runs the local engine and
// expects the host bridge on its default loopback address.
func Default() *Config {
	dataDir := "."
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".alto")
	}

	cfg := &Config{
		Provider: ProviderConfig{
			Kind:  KindLocal,
			Model: "qwen2.5-1.5b-instruct-q4_k_m.gguf",
		},
		Engine: EngineConfig{
			Port:         8719,
			ContextSize:  4096,
			ReadyTimeout: 2 * time.Minute,
		},
		Bridge: BridgeConfig{
			URL:         "ws://127.0.0.1:7421/bridge",
			CallTimeout: 5 * time.Minute,
		},
		Alerts: AlertsConfig{
			Enabled:       true,
			Interval:      time.Minute,
			Cooldown:      5 * time.Minute,
			CPUPercent:    85,
			CPUSamples:    3,
			MemoryPercent: 90,
			JunkBytes:     2 << 30,
		},
		MQTT: MQTTConfig{
			TopicPrefix:   "alto",
			ClientID:      "alto-agent",
			StateInterval: time.Minute,
		},
		DataDir:  dataDir,
		LogLevel: "info",
	}
	cfg.applyDerived()
	return cfg
}

// applyDerived expands home-relative directories and fills fields
// whose defaults depend on other fields.
func (c *Config) applyDerived() {
	c.DataDir = expandHome(c.DataDir)
	c.Engine.CacheDir = expandHome(c.Engine.CacheDir)
	if c.Engine.CacheDir == "" {
		c.Engine.CacheDir = filepath.Join(c.DataDir, "engine")
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks the fields that would otherwise fail later at first
// use.
func (c *Config) Validate() error {
	if err := c.Provider.Validate(); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Alerts.Enabled && c.Alerts.Interval <= 0 {
		return fmt.Errorf("alerts.interval must be positive")
	}
	if u := c.Engine.ModelURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("engine.model_url must be an http or https URL, got %q", u)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}
