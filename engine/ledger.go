package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rewardkit/core"
	"rewardkit/logging"
)

// RetryPolicy bounds AppendWithRetry.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// AppendResult is the outcome of a ledger append.
type AppendResult struct {
	Entry    core.LedgerEntry `json:"entry"`
	Replayed bool             `json:"replayed"`
}

// Balance is the balance_after of the written or replayed entry.
func (r AppendResult) Balance() decimal.Decimal { return r.Entry.BalanceAfter }

// LedgerService is the single write path for currency. Every reward-granting
// feature goes through Append; nothing else writes balances.
type LedgerService struct {
	store  LedgerStore
	bus    *EventBus
	policy core.NegativePolicy
	retry  RetryPolicy
	rec    Recorder
	log    *zerolog.Logger
	now    func() time.Time
}

type LedgerOption func(*LedgerService)

func WithNegativePolicy(p core.NegativePolicy) LedgerOption {
	return func(l *LedgerService) {
		if p.Valid() {
			l.policy = p
		}
	}
}

func WithRetryPolicy(p RetryPolicy) LedgerOption {
	return func(l *LedgerService) { l.retry = p }
}

func WithLedgerRecorder(r Recorder) LedgerOption {
	return func(l *LedgerService) {
		if r != nil {
			l.rec = r
		}
	}
}

func WithLedgerLogger(lg *zerolog.Logger) LedgerOption {
	return func(l *LedgerService) {
		if lg != nil {
			l.log = lg
		}
	}
}

func NewLedgerService(store LedgerStore, bus *EventBus, opts ...LedgerOption) *LedgerService {
	if store == nil || bus == nil {
		panic("NewLedgerService requires non-nil store and bus")
	}
	l := &LedgerService{
		store:  store,
		bus:    bus,
		policy: core.PolicyReject,
		retry:  DefaultRetryPolicy(),
		rec:    NopRecorder(),
		log:    logging.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Policy returns the negative-balance policy in force.
func (l *LedgerService) Policy() core.NegativePolicy { return l.policy }

// Append credits or debits user and returns the resulting balance. A repeated
// call with the same (source, reason, sourceID) returns the stored balance and
// writes nothing.
func (l *LedgerService) Append(ctx context.Context, user core.UserID, delta decimal.Decimal, source core.SourceType, reason, sourceID string) (decimal.Decimal, error) {
	res, err := l.AppendKey(ctx, core.LedgerKey{UserID: user, SourceType: source, ReasonCode: reason, SourceID: sourceID}, delta)
	return res.Balance(), err
}

// AppendKey is Append with an explicit idempotency key. On
// core.ErrIdempotencyConflict the stored entry is returned with the error.
func (l *LedgerService) AppendKey(ctx context.Context, key core.LedgerKey, delta decimal.Decimal) (AppendResult, error) {
	req, err := l.request(key, delta)
	if err != nil {
		return AppendResult{}, err
	}
	return l.append(ctx, req)
}

func (l *LedgerService) request(key core.LedgerKey, delta decimal.Decimal) (core.AppendRequest, error) {
	user, err := core.NormalizeUserID(key.UserID)
	if err != nil {
		return core.AppendRequest{}, err
	}
	key.UserID = user
	if err := key.Validate(); err != nil {
		return core.AppendRequest{}, err
	}
	if err := core.ValidateDelta(delta); err != nil {
		return core.AppendRequest{}, err
	}
	return core.AppendRequest{
		Key:     key,
		Delta:   delta,
		Policy:  l.policy,
		EntryID: uuid.NewString(),
		At:      l.now(),
	}, nil
}

func (l *LedgerService) append(ctx context.Context, req core.AppendRequest) (AppendResult, error) {
	lg := logging.FromContextOr(ctx, l.log)
	entry, created, err := l.store.AppendEntry(ctx, req)
	switch {
	case errors.Is(err, core.ErrNegativeBalance):
		l.rec.LedgerAppend(OutcomeNegative, req.Delta)
		lg.Warn().Str("user_id", string(req.Key.UserID)).Str("delta", req.Delta.String()).
			Str("reason_code", req.Key.ReasonCode).Msg("ledger append rejected: negative balance")
		return AppendResult{}, err
	case errors.Is(err, core.ErrIdempotencyConflict):
		l.rec.LedgerAppend(OutcomeConflict, req.Delta)
		lg.Warn().Err(err).Str("user_id", string(req.Key.UserID)).Msg("ledger idempotency conflict")
		return AppendResult{Entry: entry, Replayed: true}, err
	case err != nil:
		l.rec.LedgerAppend(OutcomeError, req.Delta)
		return AppendResult{}, fmt.Errorf("append ledger entry: %w", err)
	}

	if !created {
		l.rec.LedgerAppend(OutcomeReplayed, req.Delta)
		lg.Info().Str("user_id", string(req.Key.UserID)).Str("key", req.Key.String()).
			Str("balance", entry.BalanceAfter.String()).Msg("ledger append replayed")
		return AppendResult{Entry: entry, Replayed: true}, nil
	}

	l.rec.LedgerAppend(OutcomeCreated, req.Delta)
	ev := lg.Debug()
	if entry.Flagged {
		ev = lg.Warn()
	}
	ev.Str("user_id", string(entry.UserID)).
		Str("delta", entry.Delta.String()).
		Str("balance", entry.BalanceAfter.String()).
		Str("reason_code", entry.ReasonCode).
		Str("source_id", entry.SourceID).
		Bool("flagged", entry.Flagged).
		Msg("ledger entry appended")
	l.bus.Publish(ctx, core.NewLedgerAppended(entry))
	return AppendResult{Entry: entry}, nil
}

func permanent(err error) bool {
	return errors.Is(err, core.ErrNegativeBalance) ||
		errors.Is(err, core.ErrIdempotencyConflict) ||
		errors.Is(err, core.ErrInvalidDelta) ||
		errors.Is(err, core.ErrInvalidSourceType) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// AppendWithRetry retries transient store failures with exponential backoff.
// Every attempt reuses the same key, so an attempt that timed out after the
// write landed is answered by the idempotent replay instead of a second credit.
func (l *LedgerService) AppendWithRetry(ctx context.Context, key core.LedgerKey, delta decimal.Decimal) (AppendResult, error) {
	req, err := l.request(key, delta)
	if err != nil {
		return AppendResult{}, err
	}
	var res AppendResult
	operation := func() error {
		r, opErr := l.append(ctx, req)
		res = r
		if opErr != nil && permanent(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retry.InitialInterval
	b.MaxInterval = l.retry.MaxInterval
	b.MaxElapsedTime = l.retry.MaxElapsedTime
	err = backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(b, l.retry.MaxRetries), ctx),
		func(err error, d time.Duration) {
			logging.FromContextOr(ctx, l.log).Warn().Err(err).
				Str("key", req.Key.String()).
				Dur("backoff", d).
				Msg("ledger append attempt failed")
		},
	)
	return res, err
}

// Balance returns the authoritative balance: the balance_after of the latest
// entry, which equals the sum of all deltas.
func (l *LedgerService) Balance(ctx context.Context, user core.UserID) (decimal.Decimal, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return decimal.Zero, err
	}
	e, ok, err := l.store.LatestEntry(ctx, user)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, nil
	}
	return e.BalanceAfter, nil
}

// CachedBalance returns the display projection. It is not authoritative.
func (l *LedgerService) CachedBalance(ctx context.Context, user core.UserID) (decimal.Decimal, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return decimal.Zero, err
	}
	return l.store.CachedBalance(ctx, user)
}

// Entries returns a user's ledger in append order.
func (l *LedgerService) Entries(ctx context.Context, user core.UserID) ([]core.LedgerEntry, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	return l.store.Entries(ctx, user)
}

// ReconcileReport describes one Reconcile run.
type ReconcileReport struct {
	UserID   core.UserID     `json:"user_id"`
	Entries  int             `json:"entries"`
	Sum      decimal.Decimal `json:"sum"`
	Cached   decimal.Decimal `json:"cached"`
	Repaired bool            `json:"repaired"`
}

// reconcileAttempts bounds how often Reconcile re-reads a ledger that keeps
// moving under it.
const reconcileAttempts = 5

// Reconcile verifies the running-sum chain and rewrites the cached balance
// when it drifted from the summed ledger. A broken chain is returned as an
// error and nothing is repaired. The rewrite is conditional on no entry
// having been appended since the ledger was read; appends keep the cache
// current themselves, so a lost race is followed by a fresh read.
func (l *LedgerService) Reconcile(ctx context.Context, user core.UserID) (ReconcileReport, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return ReconcileReport{}, err
	}
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		entries, err := l.store.Entries(ctx, user)
		if err != nil {
			return ReconcileReport{}, err
		}
		rep := ReconcileReport{UserID: user, Entries: len(entries)}
		rep.Sum, err = core.VerifyChain(entries)
		if err != nil {
			return rep, fmt.Errorf("ledger chain for %s: %w", user, err)
		}
		rep.Cached, err = l.store.CachedBalance(ctx, user)
		if err != nil {
			return rep, err
		}
		if rep.Cached.Equal(rep.Sum) {
			return rep, nil
		}
		var latest int64
		if n := len(entries); n > 0 {
			latest = entries[n-1].Seq
		}
		ok, err := l.store.RepairCachedBalance(ctx, user, latest, rep.Sum)
		if err != nil {
			return rep, fmt.Errorf("repair cached balance: %w", err)
		}
		if !ok {
			continue
		}
		rep.Repaired = true
		logging.FromContextOr(ctx, l.log).Warn().
			Str("user_id", string(user)).
			Str("cached", rep.Cached.String()).
			Str("sum", rep.Sum.String()).
			Msg("cached balance repaired")
		return rep, nil
	}
	return ReconcileReport{UserID: user}, fmt.Errorf("reconcile %s: %w", user, core.ErrLedgerBusy)
}
