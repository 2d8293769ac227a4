package aggregate

import (
	"sort"
	"strings"
	"time"

	"rewardkit/core"
	"rewardkit/rules"
)

// Activity kinds recorded by the platform features that feed the built-in metrics.
const (
	KindRepScore            = "rep_score"
	KindTrustPercent        = "trust_percent"
	KindMissionCompleted    = "mission_completed"
	KindSale                = "sale"
	KindDispute             = "dispute"
	KindMajorFlag           = "major_flag"
	KindMinorFlag           = "minor_flag"
	KindAttunementCompleted = "attunement_completed"
	KindInitiationCompleted = "initiation_completed"
	KindSoulboundInitiation = "soulbound_initiation_completed"
	KindVaultCompliancePass = "vault_compliance_passed"
)

// Reducer folds a user's activity records, oldest first, into one reading.
type Reducer func(acts []core.Activity, asOf time.Time) rules.Value

// Resolver tells the aggregator which activity kinds a metric reads and how to
// reduce them. Nil Kinds means every kind.
type Resolver struct {
	Kinds  []string
	Reduce Reducer
}

// Count counts records.
func Count(acts []core.Activity, _ time.Time) rules.Value {
	return rules.Number(float64(len(acts)))
}

// Sum adds record values.
func Sum(acts []core.Activity, _ time.Time) rules.Value {
	var s float64
	for _, a := range acts {
		s += a.Value
	}
	return rules.Number(s)
}

// Latest takes the value of the record observed last, by At and then Seq, so
// a backfilled record never shadows a newer reading. No records reads as absent.
func Latest(acts []core.Activity, _ time.Time) rules.Value {
	if len(acts) == 0 {
		return rules.Number(nan())
	}
	last := acts[0]
	for _, a := range acts[1:] {
		if a.At.After(last.At) || (a.At.Equal(last.At) && a.Seq > last.Seq) {
			last = a
		}
	}
	return rules.Number(last.Value)
}

// Exists is true when at least one record was found.
func Exists(acts []core.Activity, _ time.Time) rules.Value {
	return rules.Bool(len(acts) > 0)
}

// ActiveDays counts distinct UTC calendar days with activity.
func ActiveDays(acts []core.Activity, _ time.Time) rules.Value {
	return rules.Number(float64(len(activeDays(acts))))
}

// ActiveDayStreak counts consecutive active days ending on the as-of day, or the
// day before it when the user has not been active yet today.
func ActiveDayStreak(acts []core.Activity, asOf time.Time) rules.Value {
	days := activeDays(acts)
	cur := asOf.UTC().Truncate(24 * time.Hour)
	if _, ok := days[cur]; !ok {
		cur = cur.AddDate(0, 0, -1)
	}
	n := 0
	for {
		if _, ok := days[cur]; !ok {
			break
		}
		n++
		cur = cur.AddDate(0, 0, -1)
	}
	return rules.Number(float64(n))
}

// Ratio divides the count of records of kind num by the count of kind den.
// A zero denominator reads as zero.
func Ratio(num, den string) Reducer {
	return func(acts []core.Activity, _ time.Time) rules.Value {
		var n, d int
		for _, a := range acts {
			switch a.Kind {
			case num:
				n++
			case den:
				d++
			}
		}
		if d == 0 {
			return rules.Number(0)
		}
		return rules.Number(float64(n) / float64(d))
	}
}

func activeDays(acts []core.Activity) map[time.Time]struct{} {
	days := make(map[time.Time]struct{}, len(acts))
	for _, a := range acts {
		days[a.At.UTC().Truncate(24*time.Hour)] = struct{}{}
	}
	return days
}

// DefaultResolvers returns the built-in metric registry.
func DefaultResolvers() map[string]Resolver {
	return map[string]Resolver{
		"rep_score":                          {Kinds: []string{KindRepScore}, Reduce: Latest},
		"trust_percent":                      {Kinds: []string{KindTrustPercent}, Reduce: Latest},
		"active_days":                        {Reduce: ActiveDays},
		"active_day_streak":                  {Reduce: ActiveDayStreak},
		"missions_completed":                 {Kinds: []string{KindMissionCompleted}, Reduce: Count},
		"sales_volume":                       {Kinds: []string{KindSale}, Reduce: Sum},
		"sales_count":                        {Kinds: []string{KindSale}, Reduce: Count},
		"dispute_rate":                       {Kinds: []string{KindDispute, KindSale}, Reduce: Ratio(KindDispute, KindSale)},
		"major_flags":                        {Kinds: []string{KindMajorFlag}, Reduce: Count},
		"minor_flags":                        {Kinds: []string{KindMinorFlag}, Reduce: Count},
		"attunements_completed":              {Kinds: []string{KindAttunementCompleted}, Reduce: Count},
		"initiations_completed":              {Kinds: []string{KindInitiationCompleted}, Reduce: Count},
		"has_completed_soulbound_initiation": {Kinds: []string{KindSoulboundInitiation}, Reduce: Exists},
		"passed_vault_compliance":            {Kinds: []string{KindVaultCompliancePass}, Reduce: Exists},
	}
}

// fallbackResolver reads activity of the metric's own name and picks a
// reduction from its suffix or prefix.
func fallbackResolver(metric string) Resolver {
	r := Resolver{Kinds: []string{metric}}
	switch {
	case strings.HasPrefix(metric, "has_"), strings.HasPrefix(metric, "passed_"), strings.HasPrefix(metric, "is_"):
		r.Reduce = Exists
	case strings.HasSuffix(metric, "_completed"), strings.HasSuffix(metric, "_count"), strings.HasSuffix(metric, "_flags"):
		r.Reduce = Count
	case strings.HasSuffix(metric, "_total"), strings.HasSuffix(metric, "_volume"):
		r.Reduce = Sum
	default:
		r.Reduce = Latest
	}
	return r
}

func kindsKey(kinds []string) string {
	if kinds == nil {
		return "*"
	}
	k := append([]string(nil), kinds...)
	sort.Strings(k)
	return strings.Join(k, ",")
}
