// Package kit assembles a ready-to-use reward Service with sensible defaults.
package kit

import (
	"context"

	"github.com/rs/zerolog"

	mem "rewardkit/adapters/memory"
	"rewardkit/aggregate"
	"rewardkit/core"
	"rewardkit/engine"
	"rewardkit/realtime"
	"rewardkit/rules"
)

// Option configures the Service builder.
type Option func(*config)

type config struct {
	storage     engine.Storage
	mode        engine.DispatchMode
	hub         *realtime.Hub
	catalog     *rules.Catalog
	quests      *rules.QuestCatalog
	defsPath    string
	questsPath  string
	opts        engine.Options
	subscribers []func(context.Context, core.Event)
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithCatalog sets the badge catalog directly.
func WithCatalog(cat *rules.Catalog) Option { return func(c *config) { c.catalog = cat } }

// WithQuests sets the quest catalog directly.
func WithQuests(q *rules.QuestCatalog) Option { return func(c *config) { c.quests = q } }

// WithDefinitionsFile loads the badge catalog from a JSON or YAML file.
func WithDefinitionsFile(path string) Option { return func(c *config) { c.defsPath = path } }

// WithQuestsFile loads the quest catalog from a JSON or YAML file.
func WithQuestsFile(path string) Option { return func(c *config) { c.questsPath = path } }

func WithNegativePolicy(p core.NegativePolicy) Option { return func(c *config) { c.opts.Policy = p } }

func WithRetryPolicy(p engine.RetryPolicy) Option { return func(c *config) { c.opts.Retry = &p } }

func WithRecorder(r engine.Recorder) Option { return func(c *config) { c.opts.Recorder = r } }

func WithLogger(l *zerolog.Logger) Option { return func(c *config) { c.opts.Logger = l } }

func WithConcurrency(n int) Option { return func(c *config) { c.opts.Concurrency = n } }

// WithAggregateOptions forwards options to the metric aggregator.
func WithAggregateOptions(opts ...aggregate.Option) Option {
	return func(c *config) { c.opts.Aggregate = append(c.opts.Aggregate, opts...) }
}

// WithSubscriber registers a handler for every event, e.g. a webhook sink.
func WithSubscriber(h func(context.Context, core.Event)) Option {
	return func(c *config) { c.subscribers = append(c.subscribers, h) }
}

// New builds a configured Service. If not provided, defaults are used:
//   - storage: in-memory
//   - catalogs: empty
//   - dispatch: async
func New(opts ...Option) (*engine.Service, error) {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	if cfg.catalog == nil && cfg.defsPath != "" {
		cat, err := rules.LoadDefinitionsFile(cfg.defsPath)
		if err != nil {
			return nil, err
		}
		cfg.catalog = cat
	}
	if cfg.quests == nil && cfg.questsPath != "" {
		q, err := rules.LoadQuestsFile(cfg.questsPath)
		if err != nil {
			return nil, err
		}
		cfg.quests = q
	}

	bus := engine.NewEventBus(cfg.mode)
	svc := engine.NewService(cfg.storage, bus, cfg.catalog, cfg.quests, cfg.opts)
	if cfg.hub != nil {
		bus.SubscribeAll(cfg.hub.Broadcast)
	}
	for _, h := range cfg.subscribers {
		bus.SubscribeAll(h)
	}
	return svc, nil
}
