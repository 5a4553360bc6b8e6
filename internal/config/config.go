// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int `mapstructure:"http_port"`

	// Database
	DatabaseURL string `mapstructure:"database_url"`

	// Upstream model provider (OpenAI-compatible chat completions)
	UpstreamURL    string        `mapstructure:"upstream_url"`
	UpstreamAPIKey string        `mapstructure:"upstream_api_key"`
	UpstreamMode   string        `mapstructure:"upstream_mode"` // "mock" for tests/dev
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	DefaultModel   string        `mapstructure:"default_model"`

	// Rate limits
	EventsPerMinute  int `mapstructure:"events_per_minute"`
	ListsPerMinute   int `mapstructure:"lists_per_minute"`
	AgentRequestsRPM int `mapstructure:"agent_requests_rpm"`
	StreamsPerUser   int `mapstructure:"streams_per_user"`

	// Budgets
	DefaultMonthlyCapUSD float64 `mapstructure:"default_monthly_cap_usd"`

	// Live updates
	StreamPollInterval time.Duration `mapstructure:"stream_poll_interval"`
	StreamMaxDuration  time.Duration `mapstructure:"stream_max_duration"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// Load reads configuration from an optional YAML file plus DELEGATE_-prefixed
// environment variables, falling back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DELEGATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("database_url", "file:orchestrator.db?cache=shared&mode=rwc")
	v.SetDefault("upstream_url", "http://localhost:4000")
	v.SetDefault("upstream_api_key", "")
	v.SetDefault("upstream_mode", "")
	v.SetDefault("call_timeout", 300*time.Second)
	v.SetDefault("default_model", "claude-sonnet-4")
	v.SetDefault("events_per_minute", 100)
	v.SetDefault("lists_per_minute", 30)
	v.SetDefault("agent_requests_rpm", 60)
	v.SetDefault("streams_per_user", 5)
	v.SetDefault("default_monthly_cap_usd", 100.0)
	v.SetDefault("stream_poll_interval", 100*time.Millisecond)
	v.SetDefault("stream_max_duration", 5*time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}
