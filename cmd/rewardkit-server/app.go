package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"rewardkit/adapters/jsonfile"
	mem "rewardkit/adapters/memory"
	redisAdapter "rewardkit/adapters/redis"
	sqlxAdapter "rewardkit/adapters/sqlx"
	"rewardkit/aggregate"
	"rewardkit/api/httpapi"
	"rewardkit/config"
	"rewardkit/core"
	"rewardkit/engine"
	"rewardkit/integrations/webhook"
	"rewardkit/kit"
	"rewardkit/logging"
	"rewardkit/realtime"
	"rewardkit/sweeper"
	"rewardkit/telemetry"
)

// App aggregates the assembled server components.
type App struct {
	Config    *config.Config
	Logger    *zerolog.Logger
	Hub       *realtime.Hub
	Collector *telemetry.Collector
	Service   *engine.Service
	Sweeper   *sweeper.Sweeper
	Handler   http.Handler
	Server    *http.Server
	Metrics   MetricsServer
}

// MetricsServer is the Prometheus listener. Server is nil when metrics are
// disabled.
type MetricsServer struct {
	Server *http.Server
}

// provideConfig reads .env, then an optional JSON file named by
// REWARDKIT_CONFIG_FILE, then the environment.
func provideConfig(ctx context.Context) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if path := os.Getenv("REWARDKIT_CONFIG_FILE"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func provideLogger(cfg *config.Config) (*zerolog.Logger, error) {
	fields := map[string]string{"service": "rewardkit", "environment": string(cfg.Environment)}
	for k, v := range cfg.Logging.Attributes {
		fields[k] = v
	}
	lg, err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Fields: fields,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return &lg, nil
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideCollector(cfg *config.Config) *telemetry.Collector {
	c := telemetry.NewCollector("rewardkit")
	if cfg.Metrics.CollectSystem {
		c.CollectSystem()
	}
	return c
}

// provideStorage opens the configured adapter. The cleanup closes it.
func provideStorage(ctx context.Context, cfg *config.Config, lg *zerolog.Logger) (engine.Storage, func(), error) {
	var (
		store engine.Storage
		err   error
	)
	switch cfg.Storage.Adapter {
	case "memory":
		store = mem.New()
	case "redis":
		store, err = redisAdapter.New(cfg.Storage.Redis)
	case "sql":
		store, err = sqlxAdapter.New(ctx, cfg.Storage.SQL)
	case "file":
		store, err = jsonfile.New(cfg.Storage.File.Path)
	default:
		err = fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storage %s: %w", cfg.Storage.Adapter, err)
	}
	lg.Info().Str("adapter", cfg.Storage.Adapter).Msg("storage ready")
	cleanup := func() {
		if c, ok := store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				lg.Error().Err(err).Msg("close storage")
			}
		}
	}
	return store, cleanup, nil
}

// provideWebhooks returns nil when no endpoints are configured.
func provideWebhooks(cfg *config.Config, lg *zerolog.Logger) *webhook.Sink {
	wc := cfg.Webhooks
	if len(wc.Endpoints) == 0 {
		return nil
	}
	types := make([]core.EventType, len(wc.EventTypes))
	for i, t := range wc.EventTypes {
		types[i] = core.EventType(t)
	}
	return webhook.New(wc.Endpoints,
		webhook.WithClient(&http.Client{Timeout: wc.Timeout}),
		webhook.WithSecret(wc.Secret),
		webhook.WithEventTypes(types...),
		webhook.WithMaxRetries(wc.MaxRetries),
		webhook.WithLogger(lg),
	)
}

func provideService(cfg *config.Config, lg *zerolog.Logger, hub *realtime.Hub, storage engine.Storage, collector *telemetry.Collector, sink *webhook.Sink) (*engine.Service, func(), error) {
	mode := engine.DispatchAsync
	if cfg.Rules.DispatchMode == "sync" {
		mode = engine.DispatchSync
	}
	opts := []kit.Option{
		kit.WithStorage(storage),
		kit.WithRealtime(hub),
		kit.WithDispatchMode(mode),
		kit.WithNegativePolicy(cfg.Ledger.NegativePolicy),
		kit.WithRetryPolicy(engine.RetryPolicy{
			MaxRetries:      cfg.Ledger.Retry.MaxRetries,
			InitialInterval: cfg.Ledger.Retry.InitialInterval,
			MaxInterval:     cfg.Ledger.Retry.MaxInterval,
			MaxElapsedTime:  cfg.Ledger.Retry.MaxElapsedTime,
		}),
		kit.WithRecorder(collector),
		kit.WithLogger(lg),
		kit.WithConcurrency(cfg.Rules.Concurrency),
		kit.WithAggregateOptions(
			aggregate.WithRankingWindow(cfg.Aggregation.RankingWindow),
			aggregate.WithRankingResolution(cfg.Aggregation.RankingResolution),
			aggregate.WithCache(cfg.Aggregation.CacheSize, cfg.Aggregation.CacheTTL),
			aggregate.WithLogger(lg),
		),
	}
	if cfg.Rules.DefinitionsPath != "" {
		opts = append(opts, kit.WithDefinitionsFile(cfg.Rules.DefinitionsPath))
	}
	if cfg.Rules.QuestsPath != "" {
		opts = append(opts, kit.WithQuestsFile(cfg.Rules.QuestsPath))
	}
	if sink != nil {
		opts = append(opts, kit.WithSubscriber(sink.OnEvent))
	}
	svc, err := kit.New(opts...)
	if err != nil {
		return nil, nil, err
	}
	collector.GaugeFunc("rewardkit_event_bus_dropped", "Events dropped by the async event bus.", func() float64 {
		return float64(svc.Bus().Dropped())
	})
	collector.GaugeFunc("rewardkit_realtime_subscribers", "Connected realtime subscribers.", func() float64 {
		return float64(hub.Subscribers())
	})
	lg.Info().
		Int("badges", svc.Badges.Catalog().Len()).
		Int("quests", len(svc.Quests.Catalog().All())).
		Str("negative_policy", string(svc.Ledger.Policy())).
		Msg("reward engine ready")
	return svc, svc.Close, nil
}

func provideSweeper(cfg *config.Config, svc *engine.Service, collector *telemetry.Collector, lg *zerolog.Logger) (*sweeper.Sweeper, error) {
	return sweeper.New(svc,
		sweeper.WithSchedule(cfg.Sweeper.Schedule),
		sweeper.WithTimeout(cfg.Sweeper.Timeout),
		sweeper.WithObserver(collector),
		sweeper.WithLogger(lg),
	)
}

func provideHandler(svc *engine.Service, hub *realtime.Hub, cfg *config.Config, lg *zerolog.Logger) http.Handler {
	return httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		Logger:           lg,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func provideMetricsServer(cfg *config.Config, collector *telemetry.Collector) MetricsServer {
	if !cfg.Metrics.Enabled {
		return MetricsServer{}
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, collector.Handler())
	return MetricsServer{Server: &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}
