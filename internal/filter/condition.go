// Package filter evaluates price-vs-EMA conditions for scan results.
//
// Conditions are parsed once from their text form:
//
//	above             price > EMA
//	below             price < EMA
//	above_by:X        percent from EMA > X
//	above_by:X:Y      X < percent < Y
//	below_by:X        percent from EMA < -X
//	below_by:X:Y      -Y < percent < -X
//	near:X            |percent| <= X
//	cross_above       always true, not evaluated
//	cross_below       always true, not evaluated
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidCondition is returned by Parse for unknown or malformed text.
var ErrInvalidCondition = errors.New("filter: invalid condition")

// Kind tags a Condition variant.
type Kind int

const (
	Above Kind = iota + 1
	Below
	AboveBy    // percent > Min
	BelowBy    // percent < -Min
	WithinBand // Min < percent < Max, bounds in signed percent
	Near       // |percent| <= Threshold
	Cross      // crossover, always true
)

// Condition is one tagged condition. Min, Max and Threshold are meaningful
// only for the kinds that use them.
type Condition struct {
	Kind      Kind
	Min       float64
	Max       float64
	Threshold float64

	text string
}

// Eval reports whether a symbol's price, EMA and percent-from-EMA satisfy c.
func (c Condition) Eval(price, ema, pct float64) bool {
	switch c.Kind {
	case Above:
		return price > ema
	case Below:
		return price < ema
	case AboveBy:
		return pct > c.Threshold
	case BelowBy:
		return pct < -c.Threshold
	case WithinBand:
		return pct > c.Min && pct < c.Max
	case Near:
		return math.Abs(pct) <= c.Threshold
	case Cross:
		return true
	}
	return false
}

// Text returns the condition in its parse syntax.
func (c Condition) Text() string { return c.text }

// Describe renders a readable description for period, e.g. "Price above 200 EMA".
func (c Condition) Describe(period int) string {
	switch c.Kind {
	case Above:
		return fmt.Sprintf("Price above %d EMA", period)
	case Below:
		return fmt.Sprintf("Price below %d EMA", period)
	case AboveBy:
		return fmt.Sprintf("Price above %d EMA by %s%%+", period, num(c.Threshold))
	case BelowBy:
		return fmt.Sprintf("Price below %d EMA by %s%%+", period, num(c.Threshold))
	case WithinBand:
		if c.Min >= 0 {
			return fmt.Sprintf("Price %s%% to %s%% above %d EMA", num(c.Min), num(c.Max), period)
		}
		return fmt.Sprintf("Price %s%% to %s%% below %d EMA", num(-c.Max), num(-c.Min), period)
	case Near:
		return fmt.Sprintf("Price within %s%% of %d EMA", num(c.Threshold), period)
	case Cross:
		dir := strings.TrimPrefix(c.text, "cross_")
		return fmt.Sprintf("Price crossed %s %d EMA (not evaluated)", dir, period)
	}
	return fmt.Sprintf("%d EMA: %s", period, c.text)
}

func num(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// Parse converts condition text into a Condition.
func Parse(s string) (Condition, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	name, args, _ := strings.Cut(s, ":")

	var parts []string
	if args != "" {
		parts = strings.Split(args, ":")
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return Condition{}, fmt.Errorf("%w: %q has a bad threshold %q", ErrInvalidCondition, s, p)
		}
		vals[i] = v
	}

	c := Condition{text: s}
	switch {
	case name == "above" && len(vals) == 0:
		c.Kind = Above
	case name == "below" && len(vals) == 0:
		c.Kind = Below
	case name == "above_by" && len(vals) == 1:
		c.Kind, c.Threshold = AboveBy, vals[0]
	case name == "below_by" && len(vals) == 1:
		c.Kind, c.Threshold = BelowBy, vals[0]
	case name == "above_by" && len(vals) == 2:
		c.Kind, c.Min, c.Max = WithinBand, vals[0], vals[1]
	case name == "below_by" && len(vals) == 2:
		c.Kind, c.Min, c.Max = WithinBand, -vals[1], -vals[0]
	case name == "near" && len(vals) == 1:
		c.Kind, c.Threshold = Near, vals[0]
	case (name == "cross_above" || name == "cross_below") && len(vals) == 0:
		c.Kind = Cross
		slog.Warn("crossover condition is not evaluated and always matches", "condition", s)
	default:
		return Condition{}, fmt.Errorf("%w: %q", ErrInvalidCondition, s)
	}
	if c.Kind == WithinBand && c.Min >= c.Max {
		return Condition{}, fmt.Errorf("%w: %q has an empty band", ErrInvalidCondition, s)
	}
	return c, nil
}

// Rule binds a condition to an EMA period.
type Rule struct {
	Period    int
	Condition Condition
}

// Set is an ordered list of rules that must all hold.
type Set []Rule

// ParseSet parses period -> condition text into a Set ordered by period.
func ParseSet(conds map[int]string) (Set, error) {
	set := make(Set, 0, len(conds))
	for period, text := range conds {
		if period <= 0 {
			return nil, fmt.Errorf("%w: period %d", ErrInvalidCondition, period)
		}
		c, err := Parse(text)
		if err != nil {
			return nil, fmt.Errorf("period %d: %w", period, err)
		}
		set = append(set, Rule{Period: period, Condition: c})
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Period < set[j].Period })
	return set, nil
}

// Periods returns the EMA periods the set refers to.
func (s Set) Periods() []int {
	out := make([]int, len(s))
	for i, r := range s {
		out[i] = r.Period
	}
	return out
}

// Matches reports whether every rule holds. A rule whose period has no EMA
// value never matches. An empty set matches anything.
func (s Set) Matches(price float64, emas, pct map[int]float64) bool {
	for _, r := range s {
		ema, ok := emas[r.Period]
		if !ok {
			return false
		}
		p, ok := pct[r.Period]
		if !ok {
			return false
		}
		if !r.Condition.Eval(price, ema, p) {
			return false
		}
	}
	return true
}

// Describe lists readable descriptions for every rule.
func (s Set) Describe() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = r.Condition.Describe(r.Period)
	}
	return out
}
