// Package rules turns declared badge and quest conditions into typed predicates
// and evaluates them against metric snapshots.
package rules

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind is the comparison a condition performs.
type Kind int

const (
	KindUnknown Kind = iota
	KindGreaterOrEqual
	KindLessOrEqual
	KindBooleanTrue
	KindPercentileRank
	KindNoFlags
)

func (k Kind) String() string {
	switch k {
	case KindGreaterOrEqual:
		return "greater_or_equal"
	case KindLessOrEqual:
		return "less_or_equal"
	case KindBooleanTrue:
		return "boolean_true"
	case KindPercentileRank:
		return "percentile_rank"
	case KindNoFlags:
		return "no_flags"
	default:
		return "unknown"
	}
}

// Condition is one parsed predicate. Key is the declared name and doubles as the
// snapshot key; Metric is what the aggregator computes for it.
type Condition struct {
	Key       string        `json:"key"`
	Kind      Kind          `json:"kind"`
	Metric    string        `json:"metric,omitempty"`
	Window    time.Duration `json:"window,omitempty"`
	Ranking   bool          `json:"ranking_window,omitempty"`
	Threshold float64       `json:"threshold"`
}

// ConditionSet is an ordered list of conditions that must all hold.
type ConditionSet []Condition

// Metrics returns the distinct metric names referenced by the set.
func (cs ConditionSet) Metrics() []string {
	seen := make(map[string]struct{}, len(cs))
	var out []string
	for _, c := range cs {
		if c.Kind == KindUnknown || c.Metric == "" {
			continue
		}
		if _, ok := seen[c.Metric]; ok {
			continue
		}
		seen[c.Metric] = struct{}{}
		out = append(out, c.Metric)
	}
	return out
}

// HasUnknown reports whether any condition failed to parse.
func (cs ConditionSet) HasUnknown() bool {
	for _, c := range cs {
		if c.Kind == KindUnknown {
			return true
		}
	}
	return false
}

var lastDaysSuffix = regexp.MustCompile(`_last_(\d+)d$`)

const day = 24 * time.Hour

// MaxWindowDays bounds look-back windows so they fit a time.Duration.
const MaxWindowDays = 36500

// ParseConditions parses a flat key to threshold map. Keys are processed in
// lexical order so the resulting set is deterministic.
func ParseConditions(raw map[string]any) ConditionSet {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(ConditionSet, 0, len(keys))
	for _, k := range keys {
		out = append(out, ParseCondition(k, raw[k]))
	}
	return out
}

// ParseCondition derives the comparison from the key's naming convention once,
// at load time. Anything it cannot interpret becomes KindUnknown.
func ParseCondition(key string, raw any) Condition {
	c := Condition{Key: key}
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return c
	}

	if strings.HasPrefix(k, "no_") && strings.Contains(k, "_flags") {
		return parseNoFlags(c, k, raw)
	}

	if b, ok := raw.(bool); ok {
		// only "must be true" is defined for boolean keys
		if !b || strings.HasPrefix(k, "min_") || strings.HasPrefix(k, "max_") {
			return c
		}
		c.Kind = KindBooleanTrue
		c.Metric = k
		return c
	}

	v, ok := toFloat(raw)
	if !ok {
		return c
	}
	c.Threshold = v

	switch {
	case strings.HasPrefix(k, "min_"):
		c.Metric, c.Window, c.Ranking = splitWindow(strings.TrimPrefix(k, "min_"))
		c.Kind = KindGreaterOrEqual
	case strings.HasPrefix(k, "max_"):
		c.Metric, c.Window, c.Ranking = splitWindow(strings.TrimPrefix(k, "max_"))
		if strings.HasSuffix(c.Metric, "_percentile") {
			c.Metric = strings.TrimSuffix(c.Metric, "_percentile")
			if v < 0 || v > 1 {
				return Condition{Key: key}
			}
			c.Kind = KindPercentileRank
		} else {
			c.Kind = KindLessOrEqual
		}
	default:
		return c
	}
	if c.Metric == "" {
		return Condition{Key: key}
	}
	return c
}

// parseNoFlags handles no_<x>_flags keys. A trailing _days (or _last_days)
// means the value is the look-back window and the count must be zero; a
// boolean true means zero over all time; any other number is the maximum count.
func parseNoFlags(c Condition, k string, raw any) Condition {
	body := strings.TrimPrefix(k, "no_")
	idx := strings.Index(body, "_flags")
	c.Metric = body[:idx+len("_flags")]
	rest := body[idx+len("_flags"):]
	c.Kind = KindNoFlags

	if b, ok := raw.(bool); ok {
		if !b {
			return Condition{Key: c.Key}
		}
		return withFlagWindow(c, rest)
	}
	v, ok := toFloat(raw)
	if !ok || v < 0 {
		return Condition{Key: c.Key}
	}
	if strings.HasSuffix(rest, "_days") {
		if v < 1 || v > MaxWindowDays {
			return Condition{Key: c.Key}
		}
		c.Window = time.Duration(v) * day
		return c
	}
	c.Threshold = v
	return withFlagWindow(c, rest)
}

func withFlagWindow(c Condition, rest string) Condition {
	var metric string
	metric, c.Window, c.Ranking = splitWindow("x" + rest)
	if metric == "" {
		return Condition{Key: c.Key}
	}
	return c
}

// splitWindow strips a rolling-window suffix from a metric name. A window
// outside 1..MaxWindowDays days yields an empty metric.
func splitWindow(s string) (metric string, window time.Duration, ranking bool) {
	if strings.HasSuffix(s, "_window") {
		return strings.TrimSuffix(s, "_window"), 0, true
	}
	if m := lastDaysSuffix.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > MaxWindowDays {
			return "", 0, false
		}
		return strings.TrimSuffix(s, m[0]), time.Duration(n) * day, false
	}
	return s, 0, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
