/*
Package meter provides the core meter-tracking engine.

PURPOSE:
  This package contains the domain types and algorithms for tracking utility
  meter readings inside billing cycles: chronological ordering of readings,
  monotonic-value validation, and consumption derivation. It knows nothing
  about HTTP, storage engines, or offline clients - those live in api/,
  store/sqlite/, and offline/ respectively.

KEY CONCEPTS IN THIS FILE (types.go):
  - Cycle:   A billing cycle - a tracking period with a starting meter value
  - Reading: A single meter observation at a date+time within a cycle
  - Stamp:   The combined (reading_date, reading_time) ordering key

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for meter values, never float64
  2. One ordering key: date and time are stored/transmitted as two fields
     but always compared through a single Stamp
  3. Derived state: consumption and "current value" are always recomputed
     from readings, never stored denormalized

SEE ALSO:
  - engine.go:  Neighbor location, value validation, consumption derivation
  - service.go: Write operations with per-cycle mutual exclusion
  - store.go:   Repository contract
*/
package meter

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type CycleID string
type ReadingID string

// =============================================================================
// BILLING CYCLE
// =============================================================================

// Cycle is a meter-reading period with a starting value. At most one cycle
// per owner is active at a time; activating a cycle deactivates the rest.
type Cycle struct {
	ID           CycleID
	OwnerID      UserID
	Name         string
	StartDate    time.Time // date only, midnight UTC
	StartReading decimal.Decimal
	EndDate      *time.Time
	EndReading   *decimal.Decimal
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DaysElapsed returns whole days between the cycle start and now.
func (c Cycle) DaysElapsed(now time.Time) int {
	d := int(now.Sub(c.StartDate).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// =============================================================================
// DAILY READING
// =============================================================================

// Reading is a single meter observation. Within a cycle, readings sorted by
// Stamp form a non-decreasing sequence of values; the first reading's value
// is never below the cycle's start reading.
type Reading struct {
	ID        ReadingID
	OwnerID   UserID
	CycleID   CycleID
	At        Stamp
	Value     decimal.Decimal
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// DERIVED CONSUMPTION
// =============================================================================

// DailyTotal is one day's summed consumption, rounded to two decimals.
type DailyTotal struct {
	Date  string // YYYY-MM-DD
	Units decimal.Decimal
}

// Inconsistency records a reading whose value drops below its chronological
// predecessor. Validation prevents these on the normal write path; offline
// reconciliation can still admit them (and logs them via this type).
type Inconsistency struct {
	ReadingID ReadingID
	At        Stamp
	Value     decimal.Decimal
	PrevValue decimal.Decimal
}
