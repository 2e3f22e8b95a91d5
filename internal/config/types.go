package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete conductor configuration.
type Config struct {
	Include      []string           `yaml:"include,omitempty"`
	Service      ServiceConfig      `yaml:"service"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Workers      map[string]int     `yaml:"workers"`
	Cache        CacheConfig        `yaml:"cache"`
	Health       HealthConfig       `yaml:"health"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	LLM          LLMConfig          `yaml:"llm"`
	Broadcast    BroadcastConfig    `yaml:"broadcast"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
	API          APIConfig          `yaml:"api,omitempty"`

	// SourceFiles maps every loaded file to its parsed node, root first.
	SourceFiles map[string]*yaml.Node `yaml:"-" json:"-"`
	// Files lists every loaded file in load order.
	Files []string `yaml:"-" json:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// PIDFile guards against two instances sharing one config.
	PIDFile string `yaml:"pid_file"`
}

// OrchestratorConfig tunes the dispatcher and supervisor.
type OrchestratorConfig struct {
	IdleInterval       time.Duration `yaml:"idle_interval"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	CompletedMax       int           `yaml:"completed_max"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig defines result cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig points a component at a Redis server. An empty URL disables it.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// HealthConfig holds the thresholds behind /healthz.
type HealthConfig struct {
	MinSuccessRate   float64       `yaml:"min_success_rate"`
	MaxQueueDepth    int           `yaml:"max_queue_depth"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
}

// MetricsConfig defines aggregation and export settings.
type MetricsConfig struct {
	Window    int    `yaml:"window"`
	Namespace string `yaml:"namespace"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // anthropic | mock
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	Mock        MockConfig    `yaml:"mock"`
}

// MockConfig configures the offline provider.
type MockConfig struct {
	Mode      string            `yaml:"mode"` // echo | fixed | fixtures | error
	Responses map[string]string `yaml:"responses,omitempty"`
	Delay     time.Duration     `yaml:"delay"`
}

// BroadcastConfig defines where lifecycle events go.
type BroadcastConfig struct {
	HubCapacity int         `yaml:"hub_capacity"`
	Redis       RedisConfig `yaml:"redis"`
}

// ArchiveConfig defines SQLite persistence of terminal units.
type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// MaintenanceConfig holds cron specs for background jobs. Each accepts a
// cron expression, a descriptor such as "@hourly", or an interval such as
// "30s". An empty spec disables the job.
type MaintenanceConfig struct {
	CacheSweep    string `yaml:"cache_sweep"`
	MetricsExport string `yaml:"metrics_export"`
	Eviction      string `yaml:"eviction"`
	ArchivePrune  string `yaml:"archive_prune"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "conductor",
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "./data/conductor.pid",
		},
		Orchestrator: OrchestratorConfig{
			IdleInterval:       100 * time.Millisecond,
			ExecutionTimeout:   30 * time.Second,
			MaxAttempts:        3,
			QueueCapacity:      1000,
			CompletedRetention: time.Hour,
			CompletedMax:       10000,
			ShutdownTimeout:    30 * time.Second,
		},
		Workers: map[string]int{
			"lead_qualifier":       2,
			"objection_handler":    2,
			"property_matcher":     2,
			"market_analyst":       1,
			"conversation_analyst": 1,
			"journey_mapper":       1,
			"document_analyst":     1,
			"report_synthesizer":   1,
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis:      RedisConfig{Prefix: "conductor:result:"},
		},
		Health: HealthConfig{
			MinSuccessRate:   0.8,
			MaxQueueDepth:    100,
			MaxExecutionTime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Window:    100,
			Namespace: "conductor",
		},
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   4000,
			Temperature: 0.7,
			Timeout:     60 * time.Second,
			Mock:        MockConfig{Mode: "echo"},
		},
		Broadcast: BroadcastConfig{
			HubCapacity: 256,
			Redis:       RedisConfig{Prefix: "conductor:"},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Path:      "./data/archive.db",
			Retention: 30 * 24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			CacheSweep:    "@every 1m",
			MetricsExport: "@every 1m",
			Eviction:      "@every 5m",
			ArchivePrune:  "@hourly",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
