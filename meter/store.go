/*
store.go - Repository contract for cycles and readings

PURPOSE:
  Interface the service layer persists through. All "belongs to / has many"
  navigation is explicit: methods take ids and owner ids and return
  ownership-checked results, so ownership enforcement lives in one place
  instead of being scattered per handler.

IMPLEMENTATIONS:
  store/sqlite: Production SQLite store
  meter/store:  In-memory store for unit tests

CONTRACT NOTES:
  - ListReadings always returns ascending (reading_date, reading_time)
  - Lookup methods return (nil, nil) when the row is absent; sentinel-error
    translation happens in the service
  - ActivateCycle must be atomic: deactivate every cycle of the owner and
    insert the new one as active in a single unit, never leaving two active
  - InsertReading must fail with ErrDuplicateReading when the cycle already
    has a reading at the same (date, time)
  - UpsertReading is the natural-key write used by offline reconciliation:
    insert on a free (cycle, date, time) slot, overwrite value/notes on an
    occupied one, keeping the existing row id
*/
package meter

import "context"

// Store is the persistence contract for cycles and readings.
type Store interface {
	// Cycles
	ActivateCycle(ctx context.Context, cycle Cycle) error
	UpdateCycle(ctx context.Context, cycle Cycle) error
	GetCycle(ctx context.Context, id CycleID) (*Cycle, error)
	ListCycles(ctx context.Context, owner UserID) ([]Cycle, error)
	ActiveCycle(ctx context.Context, owner UserID) (*Cycle, error)
	DeleteCycle(ctx context.Context, owner UserID, id CycleID) (bool, error)

	// Readings
	ListReadings(ctx context.Context, cycleID CycleID) ([]Reading, error)
	GetReading(ctx context.Context, id ReadingID) (*Reading, error)
	FindReadingAt(ctx context.Context, cycleID CycleID, at Stamp) (*Reading, error)
	InsertReading(ctx context.Context, r Reading) error
	UpdateReading(ctx context.Context, r Reading) error
	UpsertReading(ctx context.Context, r Reading) (*Reading, error)
	DeleteReading(ctx context.Context, owner UserID, id ReadingID) (bool, error)
}
