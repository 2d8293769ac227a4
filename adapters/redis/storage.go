package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"rewardkit/core"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" env:"REWARDKIT_REDIS_ADDR"`
	Password     string        `json:"password,omitempty" env:"REWARDKIT_REDIS_PASSWORD"`
	DB           int           `json:"db" env:"REWARDKIT_REDIS_DB"`
	PoolSize     int           `json:"pool_size" env:"REWARDKIT_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" env:"REWARDKIT_REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" env:"REWARDKIT_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"REWARDKIT_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"REWARDKIT_REDIS_WRITE_TIMEOUT"`
	KeyPrefix    string        `json:"key_prefix" env:"REWARDKIT_REDIS_KEY_PREFIX"`
	MaxTxRetries int           `json:"max_tx_retries" env:"REWARDKIT_REDIS_MAX_TX_RETRIES"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "rewardkit:",
		MaxTxRetries: 50,
	}
}

// Store implements engine.Storage on Redis.
// Data structure (all keys carry the configured prefix):
//   - u:{user}:ledger:entries -> list of JSON entries in Seq order
//   - u:{user}:ledger:keys    -> hash idempotency key -> list index
//   - u:{user}:ledger:balance -> cached balance string
//   - u:{user}:grants         -> hash grant id -> JSON grant (history included)
//   - u:{user}:grants:live    -> hash badge id -> id of the non-revoked grant
//   - u:{user}:quest:{quest}  -> hash current, target, visibility, discovered_at
//   - u:{user}:activity       -> zset of JSON activity scored by unix micros
//   - ledger:seq              -> global entry sequence
//   - grants:users            -> set of users holding any grant
//   - activity:all            -> zset of every activity
//   - activity:seq            -> global activity sequence
//   - users                   -> set of users with activity or ledger entries
//
// The user segment is escaped so it never contains ':' or braces. Per-user
// keys therefore cannot collide with global keys or with another user's, and
// the braces make it a cluster hash tag keeping one user's keys in one slot.
//
// Ledger appends and grant transitions use WATCH/MULTI on the user's keys and
// retry on conflict; grant creation and quest reveal are Lua compare-and-set.
type Store struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewWithClient(client)
	if config.KeyPrefix != "" {
		s.prefix = config.KeyPrefix
	}
	if config.MaxTxRetries > 0 {
		s.maxRetries = config.MaxTxRetries
	}
	return s, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	d := DefaultConfig()
	return &Store{client: client, prefix: d.KeyPrefix, maxRetries: d.MaxTxRetries}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

var userEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "{", "%7B", "}", "%7D")

// userKey builds u:{escaped user}:parts...
func (s *Store) userKey(u core.UserID, parts ...string) string {
	return s.key(append([]string{"u", "{" + userEscaper.Replace(string(u)) + "}"}, parts...)...)
}

func (s *Store) entriesKey(u core.UserID) string { return s.userKey(u, "ledger", "entries") }
func (s *Store) idemKey(u core.UserID) string    { return s.userKey(u, "ledger", "keys") }
func (s *Store) balanceKey(u core.UserID) string { return s.userKey(u, "ledger", "balance") }
func (s *Store) grantsKey(u core.UserID) string  { return s.userKey(u, "grants") }
func (s *Store) liveKey(u core.UserID) string    { return s.userKey(u, "grants", "live") }
func (s *Store) actKey(u core.UserID) string     { return s.userKey(u, "activity") }

func (s *Store) questKey(u core.UserID, q core.QuestID) string {
	return s.userKey(u, "quest", string(q))
}

// watch runs fn under WATCH on keys, retrying optimistic-lock failures.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %v: %w", keys, redis.TxFailedErr)
}

func decodeEntry(raw string) (core.LedgerEntry, error) {
	var e core.LedgerEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return core.LedgerEntry{}, fmt.Errorf("decode ledger entry: %w", err)
	}
	return e, nil
}

func (s *Store) AppendEntry(ctx context.Context, req core.AppendRequest) (core.LedgerEntry, bool, error) {
	user := req.Key.UserID
	entries, idem := s.entriesKey(user), s.idemKey(user)
	if req.EntryID == "" {
		req.EntryID = uuid.NewString()
	}
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}

	var (
		out     core.LedgerEntry
		created bool
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		created = false
		idx, err := tx.HGet(ctx, idem, req.Key.String()).Int64()
		switch {
		case err == nil:
			raw, err := tx.LIndex(ctx, entries, idx).Result()
			if err != nil {
				return fmt.Errorf("load entry for key: %w", err)
			}
			existing, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			out, err = req.Replay(existing)
			return err
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("lookup idempotency key: %w", err)
		}

		n, err := tx.LLen(ctx, entries).Result()
		if err != nil {
			return err
		}
		prev := decimal.Zero
		if n > 0 {
			raw, err := tx.LIndex(ctx, entries, -1).Result()
			if err != nil {
				return err
			}
			last, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			prev = last.BalanceAfter
		}
		seq, err := s.client.Incr(ctx, s.key("ledger", "seq")).Result()
		if err != nil {
			return err
		}
		next, err := req.Next(prev, seq)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, entries, data)
			pipe.HSet(ctx, idem, req.Key.String(), n)
			pipe.Set(ctx, s.balanceKey(user), next.BalanceAfter.String(), 0)
			pipe.SAdd(ctx, s.key("users"), string(user))
			return nil
		})
		if err != nil {
			return err
		}
		out, created = next, true
		return nil
	}, entries, idem)
	if err != nil {
		if errors.Is(err, core.ErrIdempotencyConflict) {
			return out, false, err
		}
		return core.LedgerEntry{}, false, err
	}
	return out, created, nil
}

func (s *Store) Entries(ctx context.Context, user core.UserID) ([]core.LedgerEntry, error) {
	raws, err := s.client.LRange(ctx, s.entriesKey(user), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	out := make([]core.LedgerEntry, 0, len(raws))
	for _, raw := range raws {
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) LatestEntry(ctx context.Context, user core.UserID) (core.LedgerEntry, bool, error) {
	raw, err := s.client.LIndex(ctx, s.entriesKey(user), -1).Result()
	if errors.Is(err, redis.Nil) {
		return core.LedgerEntry{}, false, nil
	}
	if err != nil {
		return core.LedgerEntry{}, false, err
	}
	e, err := decodeEntry(raw)
	return e, err == nil, err
}

func (s *Store) CachedBalance(ctx context.Context, user core.UserID) (decimal.Decimal, error) {
	raw, err := s.client.Get(ctx, s.balanceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (s *Store) RepairCachedBalance(ctx context.Context, user core.UserID, latest int64, balance decimal.Decimal) (bool, error) {
	entries := s.entriesKey(user)
	var repaired bool
	err := s.watch(ctx, func(tx *redis.Tx) error {
		repaired = false
		var seq int64
		raw, err := tx.LIndex(ctx, entries, -1).Result()
		switch {
		case err == nil:
			last, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			seq = last.Seq
		case !errors.Is(err, redis.Nil):
			return err
		}
		if seq != latest {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.balanceKey(user), balance.String(), 0)
			return nil
		})
		repaired = err == nil
		return err
	}, entries, s.balanceKey(user))
	if err != nil {
		return false, fmt.Errorf("failed to repair cached balance: %w", err)
	}
	return repaired, nil
}

func decodeGrant(raw string) (core.BadgeGrant, error) {
	var g core.BadgeGrant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return core.BadgeGrant{}, fmt.Errorf("decode grant: %w", err)
	}
	return g, nil
}

func (s *Store) ActiveGrant(ctx context.Context, user core.UserID, badge core.BadgeID) (core.BadgeGrant, bool, error) {
	id, err := s.client.HGet(ctx, s.liveKey(user), string(badge)).Result()
	if errors.Is(err, redis.Nil) {
		return core.BadgeGrant{}, false, nil
	}
	if err != nil {
		return core.BadgeGrant{}, false, err
	}
	raw, err := s.client.HGet(ctx, s.grantsKey(user), id).Result()
	if err != nil {
		return core.BadgeGrant{}, false, fmt.Errorf("load grant %s: %w", id, err)
	}
	g, err := decodeGrant(raw)
	return g, err == nil, err
}

// Lua script claiming the live slot of (user, badge) for a new grant
var createGrantScript = redis.NewScript(`
	if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
	redis.call('SADD', KEYS[3], ARGV[4])
	return 1
`)

func (s *Store) CreateGrant(ctx context.Context, g core.BadgeGrant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	keys := []string{s.liveKey(g.UserID), s.grantsKey(g.UserID), s.key("grants", "users")}
	ok, err := createGrantScript.Run(ctx, s.client, keys, string(g.BadgeID), g.ID, data, string(g.UserID)).Int()
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	if ok == 0 {
		return core.ErrGrantExists
	}
	return nil
}

func (s *Store) TransitionGrant(ctx context.Context, t core.GrantTransition) (core.BadgeGrant, error) {
	live, all := s.liveKey(t.UserID), s.grantsKey(t.UserID)
	var out core.BadgeGrant
	err := s.watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.HGet(ctx, live, string(t.BadgeID)).Result()
		if errors.Is(err, redis.Nil) {
			return core.ErrGrantNotFound
		}
		if err != nil {
			return err
		}
		raw, err := tx.HGet(ctx, all, id).Result()
		if err != nil {
			return fmt.Errorf("load grant %s: %w", id, err)
		}
		cur, err := decodeGrant(raw)
		if err != nil {
			return err
		}
		next, err := t.Apply(cur)
		if err != nil {
			out = next
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, all, id, data)
			if next.Status == core.GrantRevoked {
				pipe.HDel(ctx, live, string(t.BadgeID))
			}
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}, live, all)
	if err != nil && !errors.Is(err, core.ErrInvalidTransition) {
		return core.BadgeGrant{}, err
	}
	return out, err
}

func (s *Store) Grants(ctx context.Context, user core.UserID) ([]core.BadgeGrant, error) {
	raws, err := s.client.HVals(ctx, s.grantsKey(user)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.BadgeGrant, 0, len(raws))
	for _, raw := range raws {
		g, err := decodeGrant(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (s *Store) GrantsByStatus(ctx context.Context, status core.GrantStatus) ([]core.BadgeGrant, error) {
	users, err := s.client.SMembers(ctx, s.key("grants", "users")).Result()
	if err != nil {
		return nil, err
	}
	var out []core.BadgeGrant
	for _, u := range users {
		grants, err := s.Grants(ctx, core.UserID(u))
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			if g.Status == status {
				out = append(out, g)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func questFromHash(user core.UserID, quest core.QuestID, h map[string]string) (core.QuestState, error) {
	st := core.QuestState{UserID: user, QuestID: quest, Visibility: core.QuestHidden}
	var err error
	if v, ok := h["current"]; ok {
		if st.CurrentCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return st, fmt.Errorf("quest current: %w", err)
		}
	}
	if v, ok := h["target"]; ok {
		if st.TargetCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return st, fmt.Errorf("quest target: %w", err)
		}
	}
	if h["visibility"] == string(core.QuestDiscovered) {
		st.Visibility = core.QuestDiscovered
	}
	if v, ok := h["discovered_at"]; ok {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return st, fmt.Errorf("quest discovered_at: %w", err)
		}
		st.DiscoveredAt = &at
	}
	return st, nil
}

func (s *Store) QuestState(ctx context.Context, user core.UserID, quest core.QuestID) (core.QuestState, error) {
	h, err := s.client.HGetAll(ctx, s.questKey(user, quest)).Result()
	if err != nil {
		return core.QuestState{}, err
	}
	return questFromHash(user, quest, h)
}

func (s *Store) AdvanceQuest(ctx context.Context, user core.UserID, quest core.QuestID, target, n int64) (core.QuestState, error) {
	key := s.questKey(user, quest)
	var all *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "current", n)
		if target > 0 {
			pipe.HSet(ctx, key, "target", target)
		}
		all = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return core.QuestState{}, fmt.Errorf("failed to advance quest: %w", err)
	}
	return questFromHash(user, quest, all.Val())
}

// Lua script flipping a quest from hidden to discovered exactly once
var revealQuestScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'visibility') == 'discovered' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'visibility', 'discovered', 'discovered_at', ARGV[2])
	if tonumber(ARGV[1]) > 0 then
		redis.call('HSET', KEYS[1], 'target', ARGV[1])
	end
	return 1
`)

func (s *Store) RevealQuest(ctx context.Context, user core.UserID, quest core.QuestID, target int64, at time.Time) (bool, core.QuestState, error) {
	key := s.questKey(user, quest)
	won, err := revealQuestScript.Run(ctx, s.client, []string{key}, target, at.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, core.QuestState{}, fmt.Errorf("failed to reveal quest: %w", err)
	}
	st, err := s.QuestState(ctx, user, quest)
	if err != nil {
		return false, core.QuestState{}, err
	}
	if target > 0 {
		st.TargetCount = target
	}
	return won == 1, st, nil
}

func (s *Store) RecordActivity(ctx context.Context, act core.Activity) (core.Activity, error) {
	if act.At.IsZero() {
		act.At = time.Now().UTC()
	}
	seq, err := s.client.Incr(ctx, s.key("activity", "seq")).Result()
	if err != nil {
		return core.Activity{}, fmt.Errorf("failed to assign activity seq: %w", err)
	}
	act.Seq = seq
	data, err := json.Marshal(act)
	if err != nil {
		return core.Activity{}, err
	}
	z := redis.Z{Score: float64(act.At.UnixMicro()), Member: data}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.actKey(act.UserID), z)
		pipe.ZAdd(ctx, s.key("activity", "all"), z)
		pipe.SAdd(ctx, s.key("users"), string(act.UserID))
		return nil
	})
	if err != nil {
		return core.Activity{}, fmt.Errorf("failed to record activity: %w", err)
	}
	return act, nil
}

func (s *Store) rangeActivities(ctx context.Context, key string, kinds []string, from, to time.Time) ([]core.Activity, error) {
	// scores are truncated unix micros; exact bounds are applied below
	lo := "-inf"
	if !from.IsZero() {
		lo = strconv.FormatInt(from.UnixMicro(), 10)
	}
	hi := strconv.FormatInt(to.UnixMicro(), 10)
	raws, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		want[k] = struct{}{}
	}
	var out []core.Activity
	for _, raw := range raws {
		var a core.Activity
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		if a.At.After(to) || (!from.IsZero() && a.At.Before(from)) {
			continue
		}
		if kinds != nil {
			if _, ok := want[a.Kind]; !ok {
				continue
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) Activities(ctx context.Context, user core.UserID, kinds []string, from, to time.Time) ([]core.Activity, error) {
	return s.rangeActivities(ctx, s.actKey(user), kinds, from, to)
}

func (s *Store) PopulationActivities(ctx context.Context, kinds []string, from, to time.Time) ([]core.Activity, error) {
	return s.rangeActivities(ctx, s.key("activity", "all"), kinds, from, to)
}

func (s *Store) Users(ctx context.Context) ([]core.UserID, error) {
	members, err := s.client.SMembers(ctx, s.key("users")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	out := make([]core.UserID, len(members))
	for i, m := range members {
		out[i] = core.UserID(m)
	}
	return out, nil
}
