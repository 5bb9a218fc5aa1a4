/*
engine.go - Chronological ordering, monotonic validation, consumption derivation

PURPOSE:
  The heart of the system. Given a cycle's readings sorted by (date, time),
  these functions locate a candidate's chronological neighbors, enforce the
  monotonic-value invariant, and derive per-reading and per-day consumption.

INVARIANTS ENFORCED:
  - Along the (date, time) order, reading values never decrease
  - A candidate must be >= its predecessor's value (zero consumption allowed)
  - A candidate must be <  its successor's value (strict, so the successor
    keeps non-negative consumption)
  - A chronologically-first reading must be >= the cycle's start reading

  All functions here are pure: they take the neighbor set as input and touch
  no storage. Serialization against concurrent writers is the service's job
  (see service.go).

SEE ALSO:
  - service.go: Wraps these checks in per-cycle mutual exclusion
  - offline/:   Deliberately skips ValidateValue (best-effort replay)
*/
package meter

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// NEIGHBOR LOCATION
// =============================================================================

// LocateNeighbors scans readings sorted ascending by (date, time) and returns
// the last reading strictly earlier than at and the first strictly later.
// A reading with id excludeID is ignored (update paths must not collide with
// themselves). Equality is not a neighbor case - it is rejected earlier by
// the uniqueness check.
func LocateNeighbors(readings []Reading, at Stamp, excludeID ReadingID) (prev, next *Reading) {
	for i := range readings {
		r := &readings[i]
		if excludeID != "" && r.ID == excludeID {
			continue
		}
		if r.At.Before(at) {
			prev = r
			continue
		}
		if r.At.After(at) {
			next = r
			break
		}
	}
	return prev, next
}

// SortChronological orders readings ascending by (date, time) in place.
// Stores return readings pre-sorted; this exists for callers assembling
// reading sets by hand (tests, reconciliation scans).
func SortChronological(readings []Reading) {
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].At.Before(readings[j].At)
	})
}

// =============================================================================
// VALUE VALIDATION
// =============================================================================

// ValidateValue checks a candidate value against its neighbors and the cycle
// start reading. Rules run in order; the first failure wins. Pure check, no
// side effects. The returned *ValidationError message is display-ready.
func ValidateValue(cycle Cycle, value decimal.Decimal, prev, next *Reading) error {
	if prev != nil && value.LessThan(prev.Value) {
		return &ValidationError{
			Field: "reading_value",
			Message: fmt.Sprintf(
				"Reading value (%s) must be greater than or equal to the previous reading (%s) from %s.",
				value, prev.Value, prev.At),
		}
	}

	if next != nil && value.GreaterThanOrEqual(next.Value) {
		return &ValidationError{
			Field: "reading_value",
			Message: fmt.Sprintf(
				"Reading value (%s) must be less than the next reading (%s) from %s.",
				value, next.Value, next.At),
		}
	}

	if prev == nil && value.LessThan(cycle.StartReading) {
		return &ValidationError{
			Field: "reading_value",
			Message: fmt.Sprintf(
				"Reading value (%s) must be greater than or equal to the cycle start reading (%s).",
				value, cycle.StartReading),
		}
	}

	return nil
}

// =============================================================================
// CONSUMPTION DERIVATION
// =============================================================================

// Consumptions returns each reading's delta relative to its chronological
// predecessor (the cycle start reading for the first). Input must be sorted
// ascending; output is index-aligned with the input. Deltas are reported
// as-is, negative included - classification is the caller's concern.
func Consumptions(cycle Cycle, readings []Reading) []decimal.Decimal {
	deltas := make([]decimal.Decimal, len(readings))
	prev := cycle.StartReading
	for i, r := range readings {
		deltas[i] = r.Value.Sub(prev)
		prev = r.Value
	}
	return deltas
}

// DailyConsumption walks the cycle's readings chronologically and buckets
// consumption by reading date. Negative deltas are floored to zero for
// aggregation only (defensive against inconsistencies that offline replay
// can admit). Totals are rounded to two decimals. Recomputed from source on
// every call - nothing is cached.
func DailyConsumption(cycle Cycle, readings []Reading) []DailyTotal {
	prev := cycle.StartReading
	byDate := make(map[string]decimal.Decimal)
	var order []string

	for _, r := range readings {
		delta := r.Value.Sub(prev)
		prev = r.Value
		if delta.IsNegative() {
			delta = decimal.Zero
		}
		date := r.At.DateString()
		if _, seen := byDate[date]; !seen {
			order = append(order, date)
		}
		byDate[date] = byDate[date].Add(delta)
	}

	totals := make([]DailyTotal, 0, len(order))
	for _, date := range order {
		totals = append(totals, DailyTotal{Date: date, Units: byDate[date].Round(2)})
	}
	return totals
}

// TotalConsumed is the chronologically-latest value minus the start reading,
// or zero when the cycle has no readings. May be negative on inconsistent
// data; the display layer decides formatting.
func TotalConsumed(cycle Cycle, readings []Reading) decimal.Decimal {
	if len(readings) == 0 {
		return decimal.Zero
	}
	return readings[len(readings)-1].Value.Sub(cycle.StartReading)
}

// CurrentValue is the chronologically-latest reading value, or the start
// reading when the cycle has no readings.
func CurrentValue(cycle Cycle, readings []Reading) decimal.Decimal {
	if len(readings) == 0 {
		return cycle.StartReading
	}
	return readings[len(readings)-1].Value
}

// FindInconsistencies returns every reading whose value drops below its
// predecessor along the chronological order. Used after offline reconciliation
// to flag (not reject) sequences the replay admitted out of order.
func FindInconsistencies(cycle Cycle, readings []Reading) []Inconsistency {
	var out []Inconsistency
	prev := cycle.StartReading
	for _, r := range readings {
		if r.Value.LessThan(prev) {
			out = append(out, Inconsistency{
				ReadingID: r.ID,
				At:        r.At,
				Value:     r.Value,
				PrevValue: prev,
			})
		}
		prev = r.Value
	}
	return out
}
