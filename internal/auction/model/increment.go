package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// IncrementKind selects how a tier computes its step.
type IncrementKind string

const (
	IncrementAbsolute IncrementKind = "absolute"
	IncrementPercent  IncrementKind = "percent"
)

// Tier applies Rule to every price at or above From, up to the next tier.
type Tier struct {
	From  decimal.Decimal `json:"from"`
	Kind  IncrementKind   `json:"kind"`
	Value decimal.Decimal `json:"value"`
}

// IncrementSchedule is the minimum-increment function of an auction.
// Tiers are ordered by From and the first tier starts at zero.
type IncrementSchedule struct {
	Tiers []Tier `json:"tiers"`
}

// FlatIncrement returns a single-tier absolute schedule.
func FlatIncrement(step decimal.Decimal) IncrementSchedule {
	return IncrementSchedule{Tiers: []Tier{{From: decimal.Zero, Kind: IncrementAbsolute, Value: step}}}
}

// PercentIncrement returns a single-tier percentage schedule.
func PercentIncrement(pct decimal.Decimal) IncrementSchedule {
	return IncrementSchedule{Tiers: []Tier{{From: decimal.Zero, Kind: IncrementPercent, Value: pct}}}
}

var hundred = decimal.NewFromInt(100)

func (t Tier) step(price decimal.Decimal) decimal.Decimal {
	var inc decimal.Decimal
	switch t.Kind {
	case IncrementPercent:
		inc = price.Mul(t.Value).Div(hundred).RoundCeil(AmountScale)
	default:
		inc = t.Value
	}
	if inc.LessThan(MinorUnit) {
		return MinorUnit
	}
	return inc
}

// Increment returns minIncrement(price).
func (s IncrementSchedule) Increment(price decimal.Decimal) decimal.Decimal {
	if len(s.Tiers) == 0 {
		return MinorUnit
	}
	tier := s.Tiers[0]
	for _, t := range s.Tiers[1:] {
		if price.LessThan(t.From) {
			break
		}
		tier = t
	}
	return tier.step(price)
}

// NextMin returns price + minIncrement(price).
func (s IncrementSchedule) NextMin(price decimal.Decimal) decimal.Decimal {
	return price.Add(s.Increment(price))
}

// Validate checks ordering and that the increment never drops at a tier
// boundary, which keeps NextMin strictly increasing in price.
func (s IncrementSchedule) Validate() error {
	if len(s.Tiers) == 0 {
		return fmt.Errorf("increment schedule has no tiers")
	}
	if !s.Tiers[0].From.IsZero() {
		return fmt.Errorf("first increment tier must start at 0, got %s", s.Tiers[0].From)
	}
	for i, t := range s.Tiers {
		switch t.Kind {
		case IncrementAbsolute, IncrementPercent:
		default:
			return fmt.Errorf("tier %d: unknown increment kind %q", i, t.Kind)
		}
		if !t.Value.IsPositive() {
			return fmt.Errorf("tier %d: increment must be positive", i)
		}
		if t.Kind == IncrementAbsolute && !IsValidAmount(t.Value) {
			return fmt.Errorf("tier %d: increment %s has more than %d decimals", i, t.Value, AmountScale)
		}
		if i == 0 {
			continue
		}
		prev := s.Tiers[i-1]
		if !t.From.GreaterThan(prev.From) {
			return fmt.Errorf("tier %d: from %s must be above %s", i, t.From, prev.From)
		}
		if t.step(t.From).LessThan(prev.step(t.From)) {
			return fmt.Errorf("tier %d: increment decreases at %s", i, t.From)
		}
	}
	return nil
}

// String renders the schedule as JSON for logs and storage.
func (s IncrementSchedule) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// ParseIncrementSchedule decodes the JSON form produced by String.
func ParseIncrementSchedule(raw string) (IncrementSchedule, error) {
	var s IncrementSchedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("failed to decode increment schedule: %w", err)
	}
	return s, s.Validate()
}
