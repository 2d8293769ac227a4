package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rewardkit/core"
	"rewardkit/logging"
	"rewardkit/rules"
)

// SnapshotSource computes metric snapshots. *aggregate.Aggregator implements it.
type SnapshotSource interface {
	Snapshot(ctx context.Context, user core.UserID, asOf time.Time, conds rules.ConditionSet) (rules.Snapshot, error)
}

// BadgeGrantService evaluates badge definitions and issues grants at most once
// per (user, badge).
//
// A grant and its reward are two writes. The grant is written first and the
// reward is appended under the key (user, reward, "badge:<id>", <id>). Every
// path that sees an active grant of a rewarding badge re-issues that append,
// so a failure between the writes is repaired by retrying TryGrant, by Approve,
// or by ReconcileRewards, and never credits twice.
type BadgeGrantService struct {
	catalog     *rules.Catalog
	grants      GrantStore
	metrics     SnapshotSource
	ledger      *LedgerService
	bus         *EventBus
	rec         Recorder
	log         *zerolog.Logger
	now         func() time.Time
	concurrency int
	locks       *keyedMutex
}

type GrantOption func(*BadgeGrantService)

func WithGrantRecorder(r Recorder) GrantOption {
	return func(s *BadgeGrantService) {
		if r != nil {
			s.rec = r
		}
	}
}

func WithGrantLogger(l *zerolog.Logger) GrantOption {
	return func(s *BadgeGrantService) {
		if l != nil {
			s.log = l
		}
	}
}

// WithGrantClock replaces time.Now, mainly for tests.
func WithGrantClock(now func() time.Time) GrantOption {
	return func(s *BadgeGrantService) { s.now = now }
}

// WithConcurrency bounds EvaluateAll.
func WithConcurrency(n int) GrantOption {
	return func(s *BadgeGrantService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewBadgeGrantService(catalog *rules.Catalog, grants GrantStore, metrics SnapshotSource, ledger *LedgerService, bus *EventBus, opts ...GrantOption) *BadgeGrantService {
	if catalog == nil || grants == nil || metrics == nil || ledger == nil || bus == nil {
		panic("NewBadgeGrantService requires non-nil catalog, grants, metrics, ledger, and bus")
	}
	s := &BadgeGrantService{
		catalog:     catalog,
		grants:      grants,
		metrics:     metrics,
		ledger:      ledger,
		bus:         bus,
		rec:         NopRecorder(),
		log:         logging.Nop(),
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: 8,
		locks:       newKeyedMutex(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Catalog returns the badge definitions the service evaluates.
func (s *BadgeGrantService) Catalog() *rules.Catalog { return s.catalog }

func (s *BadgeGrantService) logger(ctx context.Context) *zerolog.Logger {
	return logging.FromContextOr(ctx, s.log)
}

// TryGrant evaluates badge for user now.
func (s *BadgeGrantService) TryGrant(ctx context.Context, user core.UserID, badge core.BadgeID) (core.GrantResult, error) {
	return s.TryGrantAt(ctx, user, badge, s.now())
}

// TryGrantAt evaluates badge for user as of asOf. An existing active or pending
// grant short-circuits evaluation. If the reward append fails after the grant
// was written, ResultGranted is returned together with the error and a retry
// completes the reward.
func (s *BadgeGrantService) TryGrantAt(ctx context.Context, user core.UserID, badge core.BadgeID, asOf time.Time) (core.GrantResult, error) {
	def, ok := s.catalog.Get(badge)
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrUnknownBadge, badge)
	}
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return "", err
	}

	unlock := s.locks.Lock(string(user) + "|" + string(badge))
	defer unlock()

	if g, ok, err := s.grants.ActiveGrant(ctx, user, badge); err != nil {
		return "", fmt.Errorf("load grant: %w", err)
	} else if ok {
		return s.existing(ctx, def, g)
	}

	start := time.Now()
	snap, err := s.metrics.Snapshot(ctx, user, asOf, def.Conditions)
	s.rec.Evaluation(time.Since(start))
	if err != nil {
		return "", fmt.Errorf("snapshot for %s: %w", badge, err)
	}
	if !rules.Evaluate(def.Conditions, snap) {
		s.rec.GrantResult(badge, core.ResultNotEligible)
		s.logger(ctx).Debug().
			Str("user_id", string(user)).
			Str("badge_id", string(badge)).
			Strs("unmet", rules.Unmet(def.Conditions, snap)).
			Msg("badge not eligible")
		return core.ResultNotEligible, nil
	}

	now := s.now()
	g := core.BadgeGrant{
		ID:        uuid.NewString(),
		UserID:    user,
		BadgeID:   badge,
		Status:    core.GrantActive,
		GrantedAt: now,
		UpdatedAt: now,
	}
	if def.RequiresManualApproval {
		g.Status = core.GrantPending
	}
	if err := s.grants.CreateGrant(ctx, g); err != nil {
		if errors.Is(err, core.ErrGrantExists) {
			// another node won the unique constraint
			cur, ok, lerr := s.grants.ActiveGrant(ctx, user, badge)
			if lerr == nil && ok {
				return s.existing(ctx, def, cur)
			}
		}
		return "", fmt.Errorf("create grant: %w", err)
	}

	if g.Status == core.GrantPending {
		s.rec.GrantResult(badge, core.ResultPendingApproval)
		s.logger(ctx).Info().Str("user_id", string(user)).Str("badge_id", string(badge)).Msg("badge pending approval")
		s.bus.Publish(ctx, core.NewBadgeEvent(core.EventBadgePending, user, badge))
		return core.ResultPendingApproval, nil
	}

	s.rec.GrantResult(badge, core.ResultGranted)
	s.logger(ctx).Info().Str("user_id", string(user)).Str("badge_id", string(badge)).Msg("badge granted")
	s.bus.Publish(ctx, core.NewBadgeEvent(core.EventBadgeGranted, user, badge))
	if err := s.ensureReward(ctx, def, user); err != nil {
		return core.ResultGranted, err
	}
	return core.ResultGranted, nil
}

func (s *BadgeGrantService) existing(ctx context.Context, def rules.BadgeDefinition, g core.BadgeGrant) (core.GrantResult, error) {
	if g.Status == core.GrantPending {
		s.rec.GrantResult(def.ID, core.ResultPendingApproval)
		return core.ResultPendingApproval, nil
	}
	s.rec.GrantResult(def.ID, core.ResultAlreadyActive)
	return core.ResultAlreadyActive, s.ensureReward(ctx, def, g.UserID)
}

// RewardKey is the ledger key a badge's reward is credited under.
func RewardKey(user core.UserID, def rules.BadgeDefinition) core.LedgerKey {
	return core.LedgerKey{
		UserID:     user,
		SourceType: core.SourceReward,
		ReasonCode: def.ReasonCode(),
		SourceID:   string(def.ID),
	}
}

// ensureReward appends the badge reward idempotently. A conflict means the
// reward was already credited under an earlier amount and counts as done.
func (s *BadgeGrantService) ensureReward(ctx context.Context, def rules.BadgeDefinition, user core.UserID) error {
	if !def.HasReward() {
		return nil
	}
	_, err := s.ledger.AppendWithRetry(ctx, RewardKey(user, def), def.Reward)
	if errors.Is(err, core.ErrIdempotencyConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("badge %s reward: %w", def.ID, err)
	}
	return nil
}

// Approve moves a pending grant to active. Approving an active grant is a no-op.
func (s *BadgeGrantService) Approve(ctx context.Context, user core.UserID, badge core.BadgeID) (core.BadgeGrant, error) {
	def, ok := s.catalog.Get(badge)
	if !ok {
		return core.BadgeGrant{}, fmt.Errorf("%w: %s", core.ErrUnknownBadge, badge)
	}
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return core.BadgeGrant{}, err
	}
	unlock := s.locks.Lock(string(user) + "|" + string(badge))
	defer unlock()

	g, err := s.grants.TransitionGrant(ctx, core.GrantTransition{
		UserID:  user,
		BadgeID: badge,
		From:    []core.GrantStatus{core.GrantPending},
		To:      core.GrantActive,
		At:      s.now(),
	})
	switch {
	case errors.Is(err, core.ErrInvalidTransition) && g.Status == core.GrantActive:
		return g, s.ensureReward(ctx, def, user)
	case err != nil:
		return g, err
	}
	s.rec.GrantTransition(badge, core.GrantActive)
	s.logger(ctx).Info().Str("user_id", string(user)).Str("badge_id", string(badge)).Msg("badge approved")
	s.bus.Publish(ctx, core.NewBadgeEvent(core.EventBadgeApproved, user, badge))
	return g, s.ensureReward(ctx, def, user)
}

// Revoke moves an active or pending grant to revoked. It never debits a reward.
func (s *BadgeGrantService) Revoke(ctx context.Context, user core.UserID, badge core.BadgeID) (core.BadgeGrant, error) {
	if _, ok := s.catalog.Get(badge); !ok {
		return core.BadgeGrant{}, fmt.Errorf("%w: %s", core.ErrUnknownBadge, badge)
	}
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return core.BadgeGrant{}, err
	}
	unlock := s.locks.Lock(string(user) + "|" + string(badge))
	defer unlock()

	g, err := s.grants.TransitionGrant(ctx, core.GrantTransition{
		UserID:  user,
		BadgeID: badge,
		From:    []core.GrantStatus{core.GrantActive, core.GrantPending},
		To:      core.GrantRevoked,
		At:      s.now(),
	})
	if err != nil {
		return g, err
	}
	s.rec.GrantTransition(badge, core.GrantRevoked)
	s.logger(ctx).Info().Str("user_id", string(user)).Str("badge_id", string(badge)).Msg("badge revoked")
	s.bus.Publish(ctx, core.NewBadgeEvent(core.EventBadgeRevoked, user, badge))
	return g, nil
}

// Grants lists every grant of user, revoked ones included.
func (s *BadgeGrantService) Grants(ctx context.Context, user core.UserID) ([]core.BadgeGrant, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	return s.grants.Grants(ctx, user)
}

// Pending lists grants awaiting approval.
func (s *BadgeGrantService) Pending(ctx context.Context) ([]core.BadgeGrant, error) {
	return s.grants.GrantsByStatus(ctx, core.GrantPending)
}

// Explanation is a dry-run evaluation.
type Explanation struct {
	BadgeID  core.BadgeID   `json:"badge_id"`
	Eligible bool           `json:"eligible"`
	Unmet    []string       `json:"unmet,omitempty"`
	Snapshot rules.Snapshot `json:"snapshot"`
	AsOf     time.Time      `json:"as_of"`
}

// Explain evaluates badge for user without writing anything.
func (s *BadgeGrantService) Explain(ctx context.Context, user core.UserID, badge core.BadgeID) (Explanation, error) {
	def, ok := s.catalog.Get(badge)
	if !ok {
		return Explanation{}, fmt.Errorf("%w: %s", core.ErrUnknownBadge, badge)
	}
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return Explanation{}, err
	}
	asOf := s.now()
	snap, err := s.metrics.Snapshot(ctx, user, asOf, def.Conditions)
	if err != nil {
		return Explanation{}, err
	}
	return Explanation{
		BadgeID:  badge,
		Eligible: rules.Evaluate(def.Conditions, snap),
		Unmet:    rules.Unmet(def.Conditions, snap),
		Snapshot: snap,
		AsOf:     asOf,
	}, nil
}

// ReconcileRewards re-issues the reward append for every active grant of a
// rewarding badge and returns how many appends actually wrote an entry.
func (s *BadgeGrantService) ReconcileRewards(ctx context.Context) (int, error) {
	active, err := s.grants.GrantsByStatus(ctx, core.GrantActive)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, g := range active {
		def, ok := s.catalog.Get(g.BadgeID)
		if !ok || !def.HasReward() {
			continue
		}
		res, err := s.ledger.AppendWithRetry(ctx, RewardKey(g.UserID, def), def.Reward)
		if errors.Is(err, core.ErrIdempotencyConflict) {
			continue
		}
		if err != nil {
			return repaired, fmt.Errorf("reconcile %s/%s: %w", g.UserID, g.BadgeID, err)
		}
		if !res.Replayed {
			repaired++
			s.logger(ctx).Warn().Str("user_id", string(g.UserID)).Str("badge_id", string(g.BadgeID)).Msg("missing badge reward credited")
		}
	}
	return repaired, nil
}

// EvaluationSummary counts the outcomes of an EvaluateAll run.
type EvaluationSummary struct {
	Results map[core.GrantResult]int `json:"results"`
	Errors  int                      `json:"errors"`
}

// EvaluateAll runs TryGrantAt for every catalog badge and every user with
// bounded concurrency. All evaluations share asOf. Individual failures are
// logged and counted; only cancellation aborts the run.
func (s *BadgeGrantService) EvaluateAll(ctx context.Context, users []core.UserID, asOf time.Time) (EvaluationSummary, error) {
	sum := EvaluationSummary{Results: map[core.GrantResult]int{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, u := range users {
		for _, def := range s.catalog.All() {
			u, badge := u, def.ID
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := s.TryGrantAt(gctx, u, badge, asOf)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					sum.Errors++
					s.logger(ctx).Error().Err(err).Str("user_id", string(u)).Str("badge_id", string(badge)).Msg("badge evaluation failed")
				}
				if res != "" {
					sum.Results[res]++
				}
				return nil
			})
		}
	}
	err := g.Wait()
	return sum, err
}
