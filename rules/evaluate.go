package rules

// Evaluate reports whether every condition in the set holds for the snapshot.
// It is a pure function of its inputs. An empty set, a condition of unknown
// kind, or a missing reading all evaluate to false.
func Evaluate(conds ConditionSet, snap Snapshot) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !c.Satisfied(snap) {
			return false
		}
	}
	return true
}

// Unmet returns the keys of conditions that do not hold, in set order.
func Unmet(conds ConditionSet, snap Snapshot) []string {
	var out []string
	for _, c := range conds {
		if !c.Satisfied(snap) {
			out = append(out, c.Key)
		}
	}
	return out
}

// Satisfied evaluates a single condition.
func (c Condition) Satisfied(snap Snapshot) bool {
	v, ok := snap[c.Key]
	if !ok {
		return false
	}
	switch c.Kind {
	case KindGreaterOrEqual:
		n, ok := v.Number()
		return ok && n >= c.Threshold
	case KindLessOrEqual:
		n, ok := v.Number()
		return ok && n <= c.Threshold
	case KindBooleanTrue:
		b, ok := v.Bool()
		return ok && b
	case KindNoFlags:
		if b, ok := v.Bool(); ok {
			return !b
		}
		n, ok := v.Number()
		return ok && n >= 0 && n <= c.Threshold
	case KindPercentileRank:
		// reading is the rank fraction in (0,1]; 0.1 means top 10%
		n, ok := v.Number()
		return ok && n > 0 && n <= 1 && n <= c.Threshold
	default:
		return false
	}
}
