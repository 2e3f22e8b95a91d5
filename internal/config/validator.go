package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/unit"
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
	validProviders  = map[string]bool{"anthropic": true, "mock": true}
	validMockModes  = map[string]bool{"echo": true, "fixed": true, "fixtures": true, "error": true}
	errNoWorkers    = errors.New("workers: at least one capability needs a worker")
)

// validate checks every section and reports all problems at once.
func validate(cfg *Config) error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	// Service
	if !validLogLevels[cfg.Service.LogLevel] {
		add("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if !validLogFormats[cfg.Service.LogFormat] {
		add("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	// Orchestrator
	o := cfg.Orchestrator
	if o.IdleInterval <= 0 {
		add("orchestrator.idle_interval must be positive")
	}
	if o.ExecutionTimeout <= 0 {
		add("orchestrator.execution_timeout must be positive")
	}
	if o.MaxAttempts < 1 {
		add("orchestrator.max_attempts must be at least 1")
	}
	if o.QueueCapacity < 0 {
		add("orchestrator.queue_capacity must not be negative")
	}
	if o.CompletedRetention < 0 || o.CompletedMax < 0 {
		add("orchestrator.completed_retention and completed_max must not be negative")
	}
	if o.ShutdownTimeout <= 0 {
		add("orchestrator.shutdown_timeout must be positive")
	}

	// Workers
	total := 0
	for _, name := range sortedKeys(cfg.Workers) {
		n := cfg.Workers[name]
		if _, err := unit.ParseCapability(name); err != nil {
			add("workers.%s: %v", name, err)
			continue
		}
		if n < 0 {
			add("workers.%s must not be negative", name)
			continue
		}
		total += n
	}
	if total == 0 {
		result = multierror.Append(result, errNoWorkers)
	}

	// Cache
	if cfg.Cache.TTL <= 0 {
		add("cache.ttl must be positive")
	}
	if cfg.Cache.MaxEntries <= 0 {
		add("cache.max_entries must be positive")
	}
	checkUnresolved(add, "cache.redis.url", cfg.Cache.Redis.URL)

	// Health
	if cfg.Health.MinSuccessRate < 0 || cfg.Health.MinSuccessRate > 1 {
		add("health.min_success_rate must be between 0 and 1 (got %v)", cfg.Health.MinSuccessRate)
	}
	if cfg.Health.MaxQueueDepth < 0 {
		add("health.max_queue_depth must not be negative")
	}
	if cfg.Health.MaxExecutionTime < 0 {
		add("health.max_execution_time must not be negative")
	}

	if cfg.Metrics.Window < 0 {
		add("metrics.window must not be negative")
	}

	// LLM
	l := cfg.LLM
	if !validProviders[l.Provider] {
		add("llm.provider must be anthropic or mock (got %q)", l.Provider)
	}
	if l.Provider == "anthropic" {
		if l.APIKey == "" {
			add("llm.api_key is required for the anthropic provider")
		}
		checkUnresolved(add, "llm.api_key", l.APIKey)
	}
	if l.Provider == "mock" && !validMockModes[l.Mock.Mode] {
		add("llm.mock.mode must be one of: echo, fixed, fixtures, error (got %q)", l.Mock.Mode)
	}
	if l.MaxTokens < 0 {
		add("llm.max_tokens must not be negative")
	}
	if l.Temperature < 0 || l.Temperature > 1 {
		add("llm.temperature must be between 0 and 1 (got %v)", l.Temperature)
	}

	checkUnresolved(add, "broadcast.redis.url", cfg.Broadcast.Redis.URL)

	// Archive
	if cfg.Archive.Enabled && cfg.Archive.Path == "" {
		add("archive.path is required when the archive is enabled")
	}
	if cfg.Archive.Retention < 0 {
		add("archive.retention must not be negative")
	}

	// Maintenance
	specs := []struct{ key, spec string }{
		{"maintenance.cache_sweep", cfg.Maintenance.CacheSweep},
		{"maintenance.metrics_export", cfg.Maintenance.MetricsExport},
		{"maintenance.eviction", cfg.Maintenance.Eviction},
		{"maintenance.archive_prune", cfg.Maintenance.ArchivePrune},
	}
	for _, s := range specs {
		if s.spec == "" {
			continue
		}
		if _, err := ParseSchedule(s.spec); err != nil {
			add("%s: %v", s.key, err)
		}
	}

	// API auth
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			add("api.listen is required when the API is enabled")
		}
		checkUnresolved(add, "api.auth.api_key", cfg.API.Auth.APIKey)
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			add("api.auth needs an api_key or at least one token")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				add("api.auth.tokens[%d].token is required", i)
			}
			checkUnresolved(add, fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token)
			if len(tok.Scopes) == 0 {
				add("api.auth.tokens[%d].scopes must be non-empty", i)
			}
			for _, s := range tok.Scopes {
				if !auth.KnownScope(s) {
					add("api.auth.tokens[%d]: unknown scope %q", i, s)
				}
			}
		}
	}

	return result.ErrorOrNil()
}

// checkUnresolved reports a ${VAR} placeholder left by interpolateEnv.
func checkUnresolved(add func(string, ...any), key, value string) {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		add("%s: environment variable ${%s} is not set", key, matches[1])
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Capabilities converts the workers section into pool sizes. Names are
// assumed valid; Load has already rejected unknown ones.
func (c *Config) Capabilities() map[unit.Capability]int {
	out := make(map[unit.Capability]int, len(c.Workers))
	for name, n := range c.Workers {
		if n <= 0 {
			continue
		}
		out[unit.Capability(name)] = n
	}
	return out
}
