// Package sweeper periodically evaluates every catalog badge and quest for
// every known user and repairs missing badge rewards.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"rewardkit/core"
	"rewardkit/engine"
	"rewardkit/logging"
)

// DefaultSchedule runs a sweep every 15 minutes.
const DefaultSchedule = "@every 15m"

// Observer is notified after each run. telemetry.Collector satisfies it.
type Observer interface {
	SweepRun(d time.Duration, err error)
}

// Report summarises one run.
type Report struct {
	StartedAt time.Time                `json:"started_at"`
	Duration  time.Duration            `json:"duration"`
	Users     int                      `json:"users"`
	Badges    engine.EvaluationSummary `json:"badges"`
	Revealed  int                      `json:"quests_revealed"`
	Repaired  int                      `json:"rewards_repaired"`
}

// Sweeper runs scheduled evaluations against a Service.
type Sweeper struct {
	svc      *engine.Service
	schedule string
	timeout  time.Duration
	observer Observer
	log      *zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	last Report
}

type Option func(*Sweeper)

func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithTimeout bounds a single run.
func WithTimeout(d time.Duration) Option { return func(s *Sweeper) { s.timeout = d } }

func WithObserver(o Observer) Option { return func(s *Sweeper) { s.observer = o } }

func WithLogger(l *zerolog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// New validates the schedule and returns an idle sweeper.
func New(svc *engine.Service, opts ...Option) (*Sweeper, error) {
	s := &Sweeper{
		svc:      svc,
		schedule: DefaultSchedule,
		timeout:  10 * time.Minute,
		log:      logging.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", s.schedule, err)
	}
	return s, nil
}

// RunOnce evaluates every badge for every user at a single asOf, then checks
// quests and reconciles rewards. Per-user failures are counted, not fatal.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: s.now()}
	err := s.run(ctx, &rep)
	rep.Duration = s.now().Sub(rep.StartedAt)
	if s.observer != nil {
		s.observer.SweepRun(rep.Duration, err)
	}
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Int("users", rep.Users).
		Int("granted", rep.Badges.Results[core.ResultGranted]).
		Int("errors", rep.Badges.Errors).
		Int("revealed", rep.Revealed).
		Int("repaired", rep.Repaired).
		Dur("duration", rep.Duration).
		Msg("sweep finished")
	return rep, err
}

func (s *Sweeper) run(ctx context.Context, rep *Report) error {
	users, err := s.svc.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	rep.Users = len(users)

	rep.Badges, err = s.svc.Badges.EvaluateAll(ctx, users, rep.StartedAt)
	if err != nil {
		return fmt.Errorf("evaluate badges: %w", err)
	}

	var errs []error
	for _, u := range users {
		revealed, err := s.svc.Quests.CheckAll(ctx, u)
		rep.Revealed += len(revealed)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("quests for %s: %w", u, err))
		}
	}

	rep.Repaired, err = s.svc.Badges.ReconcileRewards(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile rewards: %w", err))
	}
	return errors.Join(errs...)
}

// Last returns the report of the most recent run.
func (s *Sweeper) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start schedules runs until Stop. Overlapping runs are skipped.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_, _ = s.RunOnce(logging.WithContext(ctx, s.log))
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info().Str("schedule", s.schedule).Msg("sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
