package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"rewardkit/aggregate"
	"rewardkit/core"
	"rewardkit/logging"
	"rewardkit/rules"
)

// Service wires storage, the event bus, the aggregator and the three reward
// services into one API.
type Service struct {
	Ledger *LedgerService
	Badges *BadgeGrantService
	Quests *QuestDiscoveryEngine

	storage Storage
	bus     *EventBus
	agg     *aggregate.Aggregator
	log     *zerolog.Logger
}

// Options tune a Service. Zero values select defaults.
type Options struct {
	Policy      core.NegativePolicy
	Retry       *RetryPolicy
	Recorder    Recorder
	Logger      *zerolog.Logger
	Aggregate   []aggregate.Option
	Concurrency int
	Clock       func() time.Time
}

func NewService(storage Storage, bus *EventBus, badges *rules.Catalog, quests *rules.QuestCatalog, opts Options) *Service {
	if storage == nil || bus == nil {
		panic("NewService requires non-nil storage and bus")
	}
	if badges == nil {
		badges, _ = rules.NewCatalog()
	}
	if quests == nil {
		quests, _ = rules.NewQuestCatalog()
	}
	lg := opts.Logger
	if lg == nil {
		lg = logging.Nop()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = NopRecorder()
	}

	agg := aggregate.New(storage, append([]aggregate.Option{aggregate.WithLogger(lg)}, opts.Aggregate...)...)

	ledgerOpts := []LedgerOption{WithLedgerRecorder(rec), WithLedgerLogger(lg)}
	if opts.Policy != "" {
		ledgerOpts = append(ledgerOpts, WithNegativePolicy(opts.Policy))
	}
	if opts.Retry != nil {
		ledgerOpts = append(ledgerOpts, WithRetryPolicy(*opts.Retry))
	}
	ledger := NewLedgerService(storage, bus, ledgerOpts...)

	grantOpts := []GrantOption{WithGrantRecorder(rec), WithGrantLogger(lg), WithConcurrency(opts.Concurrency)}
	questOpts := []QuestOption{WithQuestRecorder(rec), WithQuestLogger(lg)}
	if opts.Clock != nil {
		ledger.now = opts.Clock
		grantOpts = append(grantOpts, WithGrantClock(opts.Clock))
		questOpts = append(questOpts, WithQuestClock(opts.Clock))
	}

	return &Service{
		Ledger:  ledger,
		Badges:  NewBadgeGrantService(badges, storage, agg, ledger, bus, grantOpts...),
		Quests:  NewQuestDiscoveryEngine(quests, storage, agg, bus, questOpts...),
		storage: storage,
		bus:     bus,
		agg:     agg,
		log:     lg,
	}
}

// Subscribe convenience method.
func (s *Service) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

func (s *Service) Publish(ctx context.Context, ev core.Event) {
	s.bus.Publish(ctx, ev)
}

// Bus exposes the event bus for realtime fan-out.
func (s *Service) Bus() *EventBus { return s.bus }

// Storage returns the backing store.
func (s *Service) Storage() Storage { return s.storage }

// Aggregator returns the metric aggregator.
func (s *Service) Aggregator() *aggregate.Aggregator { return s.agg }

// RecordActivity stores a raw activity record metrics are computed from.
func (s *Service) RecordActivity(ctx context.Context, act core.Activity) (core.Activity, error) {
	user, err := core.NormalizeUserID(act.UserID)
	if err != nil {
		return core.Activity{}, err
	}
	act.UserID = user
	act.Kind = strings.TrimSpace(act.Kind)
	if act.Kind == "" {
		return core.Activity{}, errors.New("activity kind is required")
	}
	return s.storage.RecordActivity(ctx, act)
}

// Users lists users known to the store.
func (s *Service) Users(ctx context.Context) ([]core.UserID, error) {
	return s.storage.Users(ctx)
}

// Ping checks the backing store when it supports it.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.storage.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Service) Close() { s.bus.Close() }
