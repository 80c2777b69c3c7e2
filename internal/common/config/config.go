// Package config provides configuration management for the ForgeHook host.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the ForgeHook host.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Services ServicesConfig `mapstructure:"services"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds container engine configuration.
type DockerConfig struct {
	Host            string `mapstructure:"host"`
	APIVersion      string `mapstructure:"apiVersion"`
	NetworkName     string `mapstructure:"networkName"`
	ContainerPrefix string `mapstructure:"containerPrefix"`
	VolumePrefix    string `mapstructure:"volumePrefix"`
	StopTimeout     int    `mapstructure:"stopTimeout"` // graceful stop, in seconds
}

// PortsConfig holds the host port range hooks are published on.
// The range is inclusive on both ends.
type PortsConfig struct {
	RangeStart int `mapstructure:"rangeStart"`
	RangeEnd   int `mapstructure:"rangeEnd"`
}

// ServicesConfig holds addresses of shared infrastructure services that are
// injected into hook containers as environment variables.
type ServicesConfig struct {
	RedisURL    string `mapstructure:"redisUrl"`
	PostgresURL string `mapstructure:"postgresUrl"`
	VectorURL   string `mapstructure:"vectorUrl"`
}

// LLMConfig holds per-provider LLM endpoint configuration.
type LLMConfig struct {
	OllamaURL           string `mapstructure:"ollamaUrl"`
	LMStudioURL         string `mapstructure:"lmstudioUrl"`
	OpenAIBaseURL       string `mapstructure:"openaiBaseUrl"`
	OpenAIAPIKey        string `mapstructure:"openaiApiKey"`
	AnthropicAPIKey     string `mapstructure:"anthropicApiKey"`
	AzureOpenAIEndpoint string `mapstructure:"azureOpenaiEndpoint"`
	AzureOpenAIAPIKey   string `mapstructure:"azureOpenaiApiKey"`
	RequestTimeout      int    `mapstructure:"requestTimeout"` // per HTTP call, in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopTimeoutDuration returns the graceful stop timeout as a time.Duration.
func (d *DockerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(d.StopTimeout) * time.Second
}

// RequestTimeoutDuration returns the per-call LLM timeout as a time.Duration.
func (l *LLMConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(l.RequestTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FORGEHOOK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "forgehook.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "forgehook-host")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.networkName", "forgehook-net")
	v.SetDefault("docker.containerPrefix", "forgehook-")
	v.SetDefault("docker.volumePrefix", "forgehook-vol-")
	v.SetDefault("docker.stopTimeout", 30)

	// Host port range for published hook ports (inclusive on both ends)
	v.SetDefault("ports.rangeStart", 42000)
	v.SetDefault("ports.rangeEnd", 42999)

	// Shared infrastructure services
	v.SetDefault("services.redisUrl", "")
	v.SetDefault("services.postgresUrl", "")
	v.SetDefault("services.vectorUrl", "")

	// LLM defaults
	v.SetDefault("llm.ollamaUrl", "http://localhost:11434")
	v.SetDefault("llm.lmstudioUrl", "http://localhost:1234/v1")
	v.SetDefault("llm.openaiBaseUrl", "https://api.openai.com/v1")
	v.SetDefault("llm.requestTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FORGEHOOK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/forgehook/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FORGEHOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the bare environment variables the host recognizes.
	// AutomaticEnv does not handle camelCase config keys or unprefixed names.
	_ = v.BindEnv("ports.rangeStart", "PLUGIN_PORT_RANGE_START", "FORGEHOOK_PORTS_RANGE_START")
	_ = v.BindEnv("ports.rangeEnd", "PLUGIN_PORT_RANGE_END", "FORGEHOOK_PORTS_RANGE_END")
	_ = v.BindEnv("docker.containerPrefix", "CONTAINER_PREFIX", "FORGEHOOK_DOCKER_CONTAINER_PREFIX")
	_ = v.BindEnv("docker.volumePrefix", "VOLUME_PREFIX", "FORGEHOOK_DOCKER_VOLUME_PREFIX")
	_ = v.BindEnv("docker.networkName", "NETWORK_NAME", "FORGEHOOK_DOCKER_NETWORK_NAME")
	_ = v.BindEnv("docker.host", "DOCKER_HOST", "FORGEHOOK_DOCKER_HOST")
	_ = v.BindEnv("llm.ollamaUrl", "OLLAMA_URL", "FORGEHOOK_LLM_OLLAMA_URL")
	_ = v.BindEnv("llm.lmstudioUrl", "LMSTUDIO_URL", "FORGEHOOK_LLM_LMSTUDIO_URL")
	_ = v.BindEnv("llm.openaiBaseUrl", "OPENAI_BASE_URL", "FORGEHOOK_LLM_OPENAI_BASE_URL")
	_ = v.BindEnv("llm.openaiApiKey", "OPENAI_API_KEY", "FORGEHOOK_LLM_OPENAI_API_KEY")
	_ = v.BindEnv("llm.anthropicApiKey", "ANTHROPIC_API_KEY", "FORGEHOOK_LLM_ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.azureOpenaiEndpoint", "AZURE_OPENAI_ENDPOINT", "FORGEHOOK_LLM_AZURE_OPENAI_ENDPOINT")
	_ = v.BindEnv("llm.azureOpenaiApiKey", "AZURE_OPENAI_API_KEY", "FORGEHOOK_LLM_AZURE_OPENAI_API_KEY")

	// DOCKER_SOCKET is accepted as an alternative to DOCKER_HOST
	if v.GetString("docker.host") == "" || v.GetString("docker.host") == "unix:///var/run/docker.sock" {
		if socket := os.Getenv("DOCKER_SOCKET"); socket != "" {
			v.Set("docker.host", "unix://"+strings.TrimPrefix(socket, "unix://"))
		}
	}

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/forgehook/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Ports.RangeStart <= 0 || cfg.Ports.RangeStart > 65535 {
		errs = append(errs, "ports.rangeStart must be between 1 and 65535")
	}
	if cfg.Ports.RangeEnd < cfg.Ports.RangeStart || cfg.Ports.RangeEnd > 65535 {
		errs = append(errs, "ports.rangeEnd must be >= ports.rangeStart and <= 65535")
	}

	if cfg.Docker.ContainerPrefix == "" {
		errs = append(errs, "docker.containerPrefix is required")
	}
	if cfg.Docker.NetworkName == "" {
		errs = append(errs, "docker.networkName is required")
	}
	if cfg.Docker.StopTimeout <= 0 {
		errs = append(errs, "docker.stopTimeout must be positive")
	}

	if cfg.LLM.RequestTimeout <= 0 {
		errs = append(errs, "llm.requestTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
