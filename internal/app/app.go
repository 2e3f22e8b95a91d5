// Package app assembles a running conductor from a loaded Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/conductor/internal/agent"
	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/archive"
	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/cache"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/llm"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/pool"
	"github.com/mattjoyce/conductor/internal/scheduler"
	"github.com/mattjoyce/conductor/internal/storage"
)

// App owns every long-lived component of one conductor process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Dispatcher *dispatch.Dispatcher
	Pool       *pool.Pool
	Cache      *cache.Cache
	Hub        *events.Hub
	Registry   *prometheus.Registry
	Scheduler  *scheduler.Scheduler
	API        *api.Server

	archive *archive.Archive
	redis   map[string]*redis.Client
}

type options struct {
	invoker llm.Invoker
}

// Option customises New.
type Option func(*options)

// WithInvoker replaces the model provider selected by llm.provider.
func WithInvoker(inv llm.Invoker) Option {
	return func(o *options) { o.invoker = inv }
}

// New builds every component from cfg. Nothing runs until Run. On error,
// whatever was already opened is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := agent.Validate(); err != nil {
		return nil, err
	}

	a = &App{
		cfg:    cfg,
		logger: log.WithComponent("app"),
		redis:  make(map[string]*redis.Client),
	}
	defer func() {
		if err != nil {
			_ = a.close()
			a = nil
		}
	}()

	invoker := o.invoker
	if invoker == nil {
		if invoker, err = newInvoker(cfg.LLM); err != nil {
			return nil, err
		}
	}

	a.Pool = pool.New(cfg.Capabilities())

	cacheOpts := []cache.Option{cache.WithLogger(log.WithComponent("cache"))}
	if cfg.Cache.Redis.URL != "" {
		client, err := a.redisClient(ctx, cfg.Cache.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		cacheOpts = append(cacheOpts, cache.WithStore(cache.NewRedisStore(client, cfg.Cache.Redis.Prefix)))
	}
	a.Cache = cache.New(cfg.Cache.TTL, cfg.Cache.MaxEntries, cacheOpts...)

	a.Hub = events.NewHub(cfg.Broadcast.HubCapacity)
	broadcaster := events.Fanout{a.Hub}
	if cfg.Broadcast.Redis.URL != "" {
		client, err := a.redisClient(ctx, cfg.Broadcast.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("broadcast: %w", err)
		}
		broadcaster = append(broadcaster, events.NewRedisPublisher(client, cfg.Broadcast.Redis.Prefix))
	}

	agg := metrics.NewAggregator(cfg.Metrics.Window, metrics.Thresholds{
		MinSuccessRate:   cfg.Health.MinSuccessRate,
		MaxQueueDepth:    cfg.Health.MaxQueueDepth,
		MaxExecutionTime: cfg.Health.MaxExecutionTime,
	})

	runner := agent.NewRunner(invoker, agent.Defaults{
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	deps := dispatch.Deps{
		Pool:     a.Pool,
		Executor: runner,
		Metrics:  agg,
		Cache:    a.Cache,
		Events:   broadcaster,
	}
	if cfg.Archive.Enabled {
		if a.archive, err = archive.Open(ctx, cfg.Archive.Path); err != nil {
			return nil, err
		}
		deps.Archive = a.archive
		a.logger.Info("archive opened", "path", cfg.Archive.Path)
	}

	oc := cfg.Orchestrator
	a.Dispatcher, err = dispatch.New(dispatch.Config{
		QueueCapacity:      oc.QueueCapacity,
		IdleInterval:       oc.IdleInterval,
		ExecutionTimeout:   oc.ExecutionTimeout,
		MaxAttempts:        oc.MaxAttempts,
		CompletedRetention: oc.CompletedRetention,
		CompletedMax:       oc.CompletedMax,
	}, deps)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace, a.Dispatcher.Snapshot)
	agg.SetObserver(collector)
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	targets := scheduler.Targets{
		Cache:   a.Cache,
		Units:   a.Dispatcher,
		Metrics: a.Dispatcher,
		Events:  broadcaster,
	}
	if a.archive != nil {
		targets.Archive = a.archive
	}
	if a.Scheduler, err = scheduler.New(cfg, targets, log.Get()); err != nil {
		return nil, err
	}

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		a.API = api.New(api.Config{
			Listen:  cfg.API.Listen,
			APIKey:  cfg.API.Auth.APIKey,
			Tokens:  tokens,
			Workers: cfg.Capabilities(),
		}, a.Dispatcher, a.Hub, a.Registry, log.WithComponent("api"))
	}

	return a, nil
}

func newInvoker(cfg config.LLMConfig) (llm.Invoker, error) {
	switch cfg.Provider {
	case "mock":
		keys := make([]string, 0, len(cfg.Mock.Responses))
		for k := range cfg.Mock.Responses {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		responses := make([]string, 0, len(keys))
		for _, k := range keys {
			responses = append(responses, cfg.Mock.Responses[k])
		}
		return llm.NewMock(llm.MockConfig{
			Mode:      llm.MockMode(cfg.Mock.Mode),
			Responses: responses,
			Delay:     cfg.Mock.Delay,
		}), nil
	case "anthropic", "":
		return llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Timeout:     cfg.Timeout,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// redisClient shares one client per URL between the cache and broadcast.
func (a *App) redisClient(ctx context.Context, url string) (*redis.Client, error) {
	if c, ok := a.redis[url]; ok {
		return c, nil
	}
	c, err := storage.OpenRedis(ctx, url)
	if err != nil {
		return nil, err
	}
	a.redis[url] = c
	return c, nil
}

// Run starts the dispatch loop, maintenance and the API, and blocks until
// ctx is cancelled or a component fails. It then drains in-flight units
// for up to orchestrator.shutdown_timeout and releases every resource.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.Scheduler.Start(gctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	g.Go(func() error {
		if err := a.Dispatcher.Start(gctx); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	if a.API != nil {
		g.Go(func() error {
			if err := a.API.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		a.logger.Info("API server enabled", "listen", a.cfg.API.Listen)
	}

	a.logger.Info("conductor running",
		"workers", len(a.Pool.Snapshot()),
		"maintenance", a.Scheduler.Jobs(),
	)

	var result *multierror.Error
	// Without a failure the group returns once ctx is cancelled.
	if err := g.Wait(); err != nil {
		a.logger.Error("component failed", "error", err)
		result = multierror.Append(result, err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Shutdown stops maintenance, drains the dispatcher and closes stores. The
// dispatch loop must already have returned.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down", "timeout", a.cfg.Orchestrator.ShutdownTimeout.String())
	a.Scheduler.Stop()

	var result *multierror.Error
	drainCtx := ctx
	if t := a.cfg.Orchestrator.ShutdownTimeout; t > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := a.Dispatcher.Drain(drainCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.close(); err != nil {
		result = multierror.Append(result, err)
	}
	a.logger.Info("conductor stopped")
	return result.ErrorOrNil()
}

func (a *App) close() error {
	var result *multierror.Error
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close archive: %w", err))
		}
		a.archive = nil
	}
	for url, c := range a.redis {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
		delete(a.redis, url)
	}
	return result.ErrorOrNil()
}
