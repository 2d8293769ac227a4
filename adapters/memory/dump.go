package memory

import (
	"sort"

	"github.com/shopspring/decimal"

	"rewardkit/core"
)

// Dump is a point-in-time copy of a Store, used by file persistence.
type Dump struct {
	Entries    []core.LedgerEntry              `json:"entries"`
	Balances   map[core.UserID]decimal.Decimal `json:"balances"`
	Grants     []core.BadgeGrant               `json:"grants"`
	Quests     []core.QuestState               `json:"quests"`
	Activities []core.Activity                 `json:"activities"`
}

// Export copies the whole store. It takes every lock in turn, so callers that
// need a consistent image must stop writers first.
func (s *Store) Export() Dump {
	d := Dump{Balances: map[core.UserID]decimal.Decimal{}}
	s.users.Range(func(k, v any) bool {
		user := k.(core.UserID)
		rec := v.(*userRecord)
		rec.mu.Lock()
		d.Entries = append(d.Entries, rec.entries...)
		if len(rec.entries) > 0 || !rec.cached.IsZero() {
			d.Balances[user] = rec.cached
		}
		d.Grants = append(d.Grants, rec.grants...)
		for _, q := range rec.quests {
			d.Quests = append(d.Quests, q)
		}
		rec.mu.Unlock()
		return true
	})
	s.actMu.RLock()
	d.Activities = append(d.Activities, s.activities...)
	s.actMu.RUnlock()

	sort.Slice(d.Entries, func(i, j int) bool { return d.Entries[i].Seq < d.Entries[j].Seq })
	sort.Slice(d.Quests, func(i, j int) bool {
		if d.Quests[i].UserID != d.Quests[j].UserID {
			return d.Quests[i].UserID < d.Quests[j].UserID
		}
		return d.Quests[i].QuestID < d.Quests[j].QuestID
	})
	return d
}

// Restore builds a Store from a Dump. Entries and activities must be in Seq order.
func Restore(d Dump) *Store {
	s := New()
	var maxSeq int64
	for _, e := range d.Entries {
		rec := s.getOrCreate(e.UserID)
		rec.byKey[e.Key().String()] = len(rec.entries)
		rec.entries = append(rec.entries, e)
		rec.cached = e.BalanceAfter
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	s.ledger.Store(maxSeq)
	for user, bal := range d.Balances {
		s.getOrCreate(user).cached = bal
	}
	for _, g := range d.Grants {
		rec := s.getOrCreate(g.UserID)
		rec.grants = append(rec.grants, g)
	}
	for _, q := range d.Quests {
		s.getOrCreate(q.UserID).quests[q.QuestID] = q
	}
	for _, a := range d.Activities {
		rec := s.getOrCreate(a.UserID)
		rec.acts = append(rec.acts, a)
		s.activities = append(s.activities, a)
	}
	return s
}
