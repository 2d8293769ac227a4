package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	mem "rewardkit/adapters/memory"
	"rewardkit/core"
)

// Store persists entire state to a single JSON file after every write.
// Reads are served from the embedded in-memory store.
// Suitable for demos and small deployments.
type Store struct {
	*mem.Store
	path string
	mu   sync.Mutex
}

func New(path string) (*Store, error) {
	s := &Store{Store: mem.New(), path: path}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var d mem.Dump
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	s.Store = mem.Restore(d)
	return nil
}

func (s *Store) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.Export(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) AppendEntry(ctx context.Context, req core.AppendRequest) (core.LedgerEntry, bool, error) {
	e, created, err := s.Store.AppendEntry(ctx, req)
	if err != nil || !created {
		return e, created, err
	}
	return e, created, s.persist()
}

func (s *Store) RepairCachedBalance(ctx context.Context, user core.UserID, latest int64, balance decimal.Decimal) (bool, error) {
	ok, err := s.Store.RepairCachedBalance(ctx, user, latest, balance)
	if err != nil || !ok {
		return ok, err
	}
	return ok, s.persist()
}

func (s *Store) CreateGrant(ctx context.Context, g core.BadgeGrant) error {
	if err := s.Store.CreateGrant(ctx, g); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) TransitionGrant(ctx context.Context, t core.GrantTransition) (core.BadgeGrant, error) {
	g, err := s.Store.TransitionGrant(ctx, t)
	if err != nil {
		return g, err
	}
	return g, s.persist()
}

func (s *Store) AdvanceQuest(ctx context.Context, user core.UserID, quest core.QuestID, target, n int64) (core.QuestState, error) {
	st, err := s.Store.AdvanceQuest(ctx, user, quest, target, n)
	if err != nil {
		return st, err
	}
	return st, s.persist()
}

func (s *Store) RevealQuest(ctx context.Context, user core.UserID, quest core.QuestID, target int64, at time.Time) (bool, core.QuestState, error) {
	won, st, err := s.Store.RevealQuest(ctx, user, quest, target, at)
	if err != nil || !won {
		return won, st, err
	}
	return won, st, s.persist()
}

func (s *Store) RecordActivity(ctx context.Context, act core.Activity) (core.Activity, error) {
	act, err := s.Store.RecordActivity(ctx, act)
	if err != nil {
		return act, err
	}
	return act, s.persist()
}
