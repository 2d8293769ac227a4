package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rewardkit/core"
)

// Store is a concurrent in-memory implementation of every engine store.
// Each user's ledger, grants and quests sit behind that user's own mutex, so
// appends for one user serialize while different users proceed in parallel.
type Store struct {
	users  sync.Map // map[core.UserID]*userRecord
	ledger atomic.Int64

	actMu      sync.RWMutex
	activities []core.Activity
}

type userRecord struct {
	mu      sync.Mutex
	entries []core.LedgerEntry
	byKey   map[string]int
	cached  decimal.Decimal
	grants  []core.BadgeGrant
	quests  map[core.QuestID]core.QuestState
	acts    []core.Activity
}

func New() *Store { return &Store{} }

func (s *Store) getOrCreate(user core.UserID) *userRecord {
	if v, ok := s.users.Load(user); ok {
		return v.(*userRecord)
	}
	rec := &userRecord{
		byKey:  map[string]int{},
		quests: map[core.QuestID]core.QuestState{},
	}
	actual, _ := s.users.LoadOrStore(user, rec)
	return actual.(*userRecord)
}

func (s *Store) AppendEntry(_ context.Context, req core.AppendRequest) (core.LedgerEntry, bool, error) {
	rec := s.getOrCreate(req.Key.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if i, ok := rec.byKey[req.Key.String()]; ok {
		e, err := req.Replay(rec.entries[i])
		return e, false, err
	}
	prev := decimal.Zero
	if n := len(rec.entries); n > 0 {
		prev = rec.entries[n-1].BalanceAfter
	}
	if req.EntryID == "" {
		req.EntryID = uuid.NewString()
	}
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}
	e, err := req.Next(prev, s.ledger.Add(1))
	if err != nil {
		return core.LedgerEntry{}, false, err
	}
	rec.byKey[req.Key.String()] = len(rec.entries)
	rec.entries = append(rec.entries, e)
	rec.cached = e.BalanceAfter
	return e, true, nil
}

func (s *Store) Entries(_ context.Context, user core.UserID) ([]core.LedgerEntry, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]core.LedgerEntry(nil), rec.entries...), nil
}

func (s *Store) LatestEntry(_ context.Context, user core.UserID) (core.LedgerEntry, bool, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) == 0 {
		return core.LedgerEntry{}, false, nil
	}
	return rec.entries[len(rec.entries)-1], true, nil
}

func (s *Store) CachedBalance(_ context.Context, user core.UserID) (decimal.Decimal, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.cached, nil
}

func (s *Store) RepairCachedBalance(_ context.Context, user core.UserID, latest int64, balance decimal.Decimal) (bool, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var seq int64
	if n := len(rec.entries); n > 0 {
		seq = rec.entries[n-1].Seq
	}
	if seq != latest {
		return false, nil
	}
	rec.cached = balance
	return true, nil
}

func (rec *userRecord) liveGrant(badge core.BadgeID) int {
	for i := len(rec.grants) - 1; i >= 0; i-- {
		if rec.grants[i].BadgeID == badge && rec.grants[i].Status != core.GrantRevoked {
			return i
		}
	}
	return -1
}

func (s *Store) ActiveGrant(_ context.Context, user core.UserID, badge core.BadgeID) (core.BadgeGrant, bool, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if i := rec.liveGrant(badge); i >= 0 {
		return rec.grants[i], true, nil
	}
	return core.BadgeGrant{}, false, nil
}

func (s *Store) CreateGrant(_ context.Context, g core.BadgeGrant) error {
	rec := s.getOrCreate(g.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.liveGrant(g.BadgeID) >= 0 {
		return core.ErrGrantExists
	}
	rec.grants = append(rec.grants, g)
	return nil
}

func (s *Store) TransitionGrant(_ context.Context, t core.GrantTransition) (core.BadgeGrant, error) {
	rec := s.getOrCreate(t.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	i := rec.liveGrant(t.BadgeID)
	if i < 0 {
		return core.BadgeGrant{}, core.ErrGrantNotFound
	}
	g, err := t.Apply(rec.grants[i])
	if err != nil {
		return g, err
	}
	rec.grants[i] = g
	return g, nil
}

func (s *Store) Grants(_ context.Context, user core.UserID) ([]core.BadgeGrant, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]core.BadgeGrant(nil), rec.grants...), nil
}

func (s *Store) GrantsByStatus(_ context.Context, status core.GrantStatus) ([]core.BadgeGrant, error) {
	var out []core.BadgeGrant
	s.users.Range(func(_, v any) bool {
		rec := v.(*userRecord)
		rec.mu.Lock()
		for _, g := range rec.grants {
			if g.Status == status {
				out = append(out, g)
			}
		}
		rec.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (rec *userRecord) quest(user core.UserID, quest core.QuestID, target int64) core.QuestState {
	st, ok := rec.quests[quest]
	if !ok {
		st = core.QuestState{UserID: user, QuestID: quest, Visibility: core.QuestHidden}
	}
	if target > 0 {
		st.TargetCount = target
	}
	return st
}

func (s *Store) QuestState(_ context.Context, user core.UserID, quest core.QuestID) (core.QuestState, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.quest(user, quest, 0), nil
}

func (s *Store) AdvanceQuest(_ context.Context, user core.UserID, quest core.QuestID, target, n int64) (core.QuestState, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	st := rec.quest(user, quest, target)
	st.CurrentCount += n
	rec.quests[quest] = st
	return st, nil
}

func (s *Store) RevealQuest(_ context.Context, user core.UserID, quest core.QuestID, target int64, at time.Time) (bool, core.QuestState, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	st := rec.quest(user, quest, target)
	if st.Visibility == core.QuestDiscovered {
		return false, st, nil
	}
	st.Visibility = core.QuestDiscovered
	st.DiscoveredAt = &at
	rec.quests[quest] = st
	return true, st, nil
}

func (s *Store) RecordActivity(_ context.Context, act core.Activity) (core.Activity, error) {
	if act.At.IsZero() {
		act.At = time.Now().UTC()
	}
	rec := s.getOrCreate(act.UserID)
	s.actMu.Lock()
	act.Seq = int64(len(s.activities) + 1)
	s.activities = append(s.activities, act)
	rec.mu.Lock()
	rec.acts = append(rec.acts, act)
	rec.mu.Unlock()
	s.actMu.Unlock()
	return act, nil
}

func matches(a core.Activity, kinds []string, from, to time.Time) bool {
	if a.At.After(to) || (!from.IsZero() && a.At.Before(from)) {
		return false
	}
	if kinds == nil {
		return true
	}
	for _, k := range kinds {
		if a.Kind == k {
			return true
		}
	}
	return false
}

func (s *Store) Activities(_ context.Context, user core.UserID, kinds []string, from, to time.Time) ([]core.Activity, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []core.Activity
	for _, a := range rec.acts {
		if matches(a, kinds, from, to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) PopulationActivities(_ context.Context, kinds []string, from, to time.Time) ([]core.Activity, error) {
	s.actMu.RLock()
	defer s.actMu.RUnlock()
	var out []core.Activity
	for _, a := range s.activities {
		if matches(a, kinds, from, to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) Users(_ context.Context) ([]core.UserID, error) {
	var out []core.UserID
	s.users.Range(func(k, v any) bool {
		rec := v.(*userRecord)
		rec.mu.Lock()
		active := len(rec.acts) > 0 || len(rec.entries) > 0
		rec.mu.Unlock()
		if active {
			out = append(out, k.(core.UserID))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
