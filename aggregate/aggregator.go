// Package aggregate computes metric snapshots from raw activity records.
package aggregate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"rewardkit/core"
	"rewardkit/leaderboard"
	"rewardkit/logging"
	"rewardkit/rules"
)

// ActivitySource reads activity records with from <= At <= to, ordered by Seq.
// A zero from means no lower bound; nil kinds means every kind.
type ActivitySource interface {
	Activities(ctx context.Context, user core.UserID, kinds []string, from, to time.Time) ([]core.Activity, error)
	PopulationActivities(ctx context.Context, kinds []string, from, to time.Time) ([]core.Activity, error)
}

const (
	DefaultRankingWindow = 30 * 24 * time.Hour
	DefaultCacheSize     = 256
	DefaultCacheTTL      = 5 * time.Minute
	DefaultResolution    = time.Minute
)

// Aggregator builds MetricsSnapshots. It never writes to its source.
type Aggregator struct {
	src       ActivitySource
	resolvers map[string]Resolver
	window    time.Duration
	step      time.Duration
	cacheSize int
	cacheTTL  time.Duration
	cache     *expirable.LRU[string, *Ranking]
	group     singleflight.Group
	log       *zerolog.Logger
}

type Option func(*Aggregator)

// WithResolver registers or replaces the resolver for metric.
func WithResolver(metric string, r Resolver) Option {
	return func(a *Aggregator) { a.resolvers[metric] = r }
}

// WithRankingWindow sets the window used by *_window conditions.
func WithRankingWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithRankingResolution sets the bucket percentile windows are aligned to.
// Evaluations whose as-of time falls in the same bucket share one ranking
// computed as of the bucket start.
func WithRankingResolution(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.step = d
		}
	}
}

// WithCache sizes the population ranking cache.
func WithCache(size int, ttl time.Duration) Option {
	return func(a *Aggregator) {
		if size > 0 {
			a.cacheSize = size
		}
		if ttl > 0 {
			a.cacheTTL = ttl
		}
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

func New(src ActivitySource, opts ...Option) *Aggregator {
	if src == nil {
		panic("aggregate.New requires a non-nil activity source")
	}
	a := &Aggregator{
		src:       src,
		resolvers: DefaultResolvers(),
		window:    DefaultRankingWindow,
		step:      DefaultResolution,
		cacheSize: DefaultCacheSize,
		cacheTTL:  DefaultCacheTTL,
		log:       logging.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	a.cache = expirable.NewLRU[string, *Ranking](a.cacheSize, nil, a.cacheTTL)
	return a
}

// RankingWindow returns the window applied to *_window conditions.
func (a *Aggregator) RankingWindow() time.Duration { return a.window }

func (a *Aggregator) resolver(metric string) Resolver {
	if r, ok := a.resolvers[metric]; ok {
		return r
	}
	return fallbackResolver(metric)
}

func (a *Aggregator) windowStart(c rules.Condition, asOf time.Time) time.Time {
	switch {
	case c.Ranking:
		return asOf.Add(-a.window)
	case c.Window > 0:
		return asOf.Add(-c.Window)
	default:
		return time.Time{}
	}
}

// rankingBounds aligns a percentile window down to the start of asOf's
// resolution bucket. Every evaluation in the bucket shares one cached ranking,
// which never includes records after asOf; records inside the bucket before
// asOf join the ranking of the next bucket.
func (a *Aggregator) rankingBounds(c rules.Condition, asOf time.Time) (time.Time, time.Time) {
	to := asOf.Truncate(a.step)
	switch {
	case c.Ranking:
		return to.Add(-a.window), to
	case c.Window > 0:
		return to.Add(-c.Window), to
	default:
		return time.Time{}, to
	}
}

// Snapshot computes the readings conds needs for user as of asOf, keyed by
// condition key. Unknown conditions and quest progress metrics are skipped;
// a user absent from a percentile population gets no reading.
func (a *Aggregator) Snapshot(ctx context.Context, user core.UserID, asOf time.Time, conds rules.ConditionSet) (rules.Snapshot, error) {
	snap := make(rules.Snapshot, len(conds))
	fetched := make(map[string][]core.Activity)
	for _, c := range conds {
		if c.Kind == rules.KindUnknown || rules.IsProgressMetric(c.Metric) {
			continue
		}
		if c.Kind == rules.KindPercentileRank {
			from, to := a.rankingBounds(c, asOf)
			rk, err := a.Ranking(ctx, c.Metric, from, to)
			if err != nil {
				return nil, err
			}
			if f, ok := rk.Fraction(user); ok {
				snap[c.Key] = rules.Number(f)
			}
			continue
		}

		from := a.windowStart(c, asOf)
		res := a.resolver(c.Metric)
		fk := kindsKey(res.Kinds) + "@" + from.Format(time.RFC3339Nano)
		acts, ok := fetched[fk]
		if !ok {
			var err error
			acts, err = a.src.Activities(ctx, user, res.Kinds, from, asOf)
			if err != nil {
				return nil, fmt.Errorf("activities for %s: %w", c.Metric, err)
			}
			fetched[fk] = acts
		}
		snap[c.Key] = res.Reduce(acts, asOf)
	}
	return snap, nil
}

// Ranking is the population ordered by one metric over one window.
type Ranking struct {
	Metric string
	From   time.Time
	To     time.Time
	board  *leaderboard.SkipList
}

// Fraction returns position/N for user, 1-based, so the leader of a population
// of ten reads 0.1.
func (r *Ranking) Fraction(user core.UserID) (float64, bool) {
	pos, ok := r.board.Rank(user)
	if !ok {
		return 0, false
	}
	return float64(pos) / float64(r.board.Len()), true
}

// Len returns the population size.
func (r *Ranking) Len() int { return r.board.Len() }

// Top returns the first n ranked entries.
func (r *Ranking) Top(n int) []leaderboard.Entry { return r.board.TopN(n) }

// Ranking returns the cached population ranking for metric over [from, to],
// building it once per key even under concurrent callers.
func (a *Aggregator) Ranking(ctx context.Context, metric string, from, to time.Time) (*Ranking, error) {
	key := metric + "|" + from.UTC().Format(time.RFC3339Nano) + "|" + to.UTC().Format(time.RFC3339Nano)
	if rk, ok := a.cache.Get(key); ok {
		return rk, nil
	}
	v, err, _ := a.group.Do(key, func() (any, error) {
		if rk, ok := a.cache.Get(key); ok {
			return rk, nil
		}
		rk, err := a.buildRanking(ctx, metric, from, to)
		if err != nil {
			return nil, err
		}
		a.cache.Add(key, rk)
		return rk, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Ranking), nil
}

func (a *Aggregator) buildRanking(ctx context.Context, metric string, from, to time.Time) (*Ranking, error) {
	res := a.resolver(metric)
	acts, err := a.src.PopulationActivities(ctx, res.Kinds, from, to)
	if err != nil {
		return nil, fmt.Errorf("population activities for %s: %w", metric, err)
	}
	byUser := make(map[core.UserID][]core.Activity)
	first := make(map[core.UserID]int64)
	for _, act := range acts {
		byUser[act.UserID] = append(byUser[act.UserID], act)
		if s, ok := first[act.UserID]; !ok || act.Seq < s {
			first[act.UserID] = act.Seq
		}
	}
	board := leaderboard.NewSkipList()
	for u, list := range byUser {
		n, ok := res.Reduce(list, to).Number()
		if !ok {
			continue
		}
		board.Update(leaderboard.Entry{User: u, Score: n, Seq: first[u]})
	}
	a.log.Debug().
		Str("metric", metric).
		Time("from", from).
		Time("to", to).
		Int("population", board.Len()).
		Msg("ranking built")
	return &Ranking{Metric: metric, From: from, To: to, board: board}, nil
}

// Purge drops every cached ranking.
func (a *Aggregator) Purge() { a.cache.Purge() }

func nan() float64 { return math.NaN() }
