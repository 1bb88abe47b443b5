// Package config handles engine configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/navreach/config.yaml, /etc/navreach/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "navreach", "config.yaml"))
	}

	paths = append(paths, "/etc/navreach/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all engine configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Remote    RemoteConfig    `yaml:"remote"`
	Providers ProvidersConfig `yaml:"providers"`
	Usage     UsageConfig     `yaml:"usage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the engine API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port    int    `yaml:"port"`    // Default: 8321
}

// RemoteConfig defines the remote configuration/resource backend.
// The engine fetches model-config overrides, system defaults, quota
// profiles, and playbook graphs from this service using the session's
// bearer credentials.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig holds fallback provider credentials. Request-supplied
// provider config always takes priority; these are used when a request
// names a provider without supplying a key.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Ollama    ProviderConfig `yaml:"ollama"`
}

// ProviderConfig defines credentials for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// UsageConfig defines the usage guard settings.
type UsageConfig struct {
	// DailyLimit is the fallback per-user daily action quota used when
	// the remote quota profile cannot be fetched. Zero disables the
	// fallback gate entirely.
	DailyLimit int `yaml:"daily_limit"`
	// RetentionDays is how long usage records are kept before the
	// janitor prunes them (default 90).
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig defines the optional telemetry mirror. When enabled, the
// engine publishes availability and rolling counters to the broker so
// external dashboards can observe it.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // Default: "navreach"
	InstanceID  string `yaml:"instance_id"`  // Distinguishes multiple engines on one broker
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Address: "127.0.0.1", Port: 8321},
		Usage: UsageConfig{
			RetentionDays: 90,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "navreach",
		},
		DataDir: ".",
	}
}
