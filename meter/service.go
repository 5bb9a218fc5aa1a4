/*
service.go - Write operations with per-cycle mutual exclusion

PURPOSE:
  The operational surface of the core. Every mutating operation authorizes
  via an owned lookup, serializes its check-then-act sequence against
  concurrent writers on the same cycle (or the same user, for activation),
  and returns typed results - never panics, never raw store errors.

CONCURRENCY:
  Reading writes lock on the cycle id; cycle activation locks on the user
  id. Two concurrent inserts into the same cycle cannot both validate
  against a stale neighbor set; operations on different cycles or users
  proceed fully in parallel. No global lock.

ERROR CONTRACT:
  ErrForbidden          write on a cycle owned by someone else
  ErrCycleNotFound      cycle absent (or not owned, on scoped lookups)
  ErrReadingNotFound    reading absent or not owned
  DuplicateReadingError occupied (date, time) slot
  *ValidationError      monotonicity or field violation, display-ready
  ErrUnexpected         wrapped storage failure

SEE ALSO:
  - engine.go:  The pure checks this service serializes
  - offline/:   Reconciliation adapter built on SyncUpsert
*/
package meter

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Publisher receives accepted readings for downstream fan-out (e.g. MQTT).
// Failures are logged by the service and never fail the write.
type Publisher interface {
	Publish(ctx context.Context, cycle Cycle, r Reading, consumed decimal.Decimal) error
}

// Service owns the check-then-act write paths over a Store.
type Service struct {
	store Store
	log   zerolog.Logger
	pub   Publisher
	locks keyedMutex
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{store: store, log: log}
}

// WithPublisher attaches an optional reading publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.pub = p
	return s
}

// =============================================================================
// INPUTS
// =============================================================================

type CycleInput struct {
	Name         string
	StartDate    time.Time
	StartReading decimal.Decimal
}

type CycleUpdate struct {
	Name         string
	StartDate    time.Time
	StartReading decimal.Decimal
	EndDate      *time.Time
	EndReading   *decimal.Decimal
}

type ReadingInput struct {
	CycleID CycleID
	At      Stamp
	Value   decimal.Decimal
	Notes   string
}

// =============================================================================
// CYCLE OPERATIONS
// =============================================================================

// CreateCycle inserts a new active cycle, deactivating every other cycle of
// the owner in the same atomic unit. Serialized per user so two concurrent
// activations can never leave two cycles active.
func (s *Service) CreateCycle(ctx context.Context, owner UserID, in CycleInput) (*Cycle, error) {
	if err := validateCycleInput(in.Name, in.StartDate, in.StartReading); err != nil {
		return nil, err
	}

	unlock := s.locks.lock("user:" + string(owner))
	defer unlock()

	now := time.Now().UTC()
	cycle := Cycle{
		ID:           CycleID(newID("cyc")),
		OwnerID:      owner,
		Name:         strings.TrimSpace(in.Name),
		StartDate:    in.StartDate,
		StartReading: in.StartReading,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.ActivateCycle(ctx, cycle); err != nil {
		return nil, unexpected("activate cycle", err)
	}

	s.log.Info().Str("cycle_id", string(cycle.ID)).Str("owner_id", string(owner)).
		Msg("billing cycle created")
	return &cycle, nil
}

// UpdateCycle renames a cycle or sets its end fields. Activation state is
// untouched here; only CreateCycle moves the active flag.
func (s *Service) UpdateCycle(ctx context.Context, owner UserID, id CycleID, in CycleUpdate) (*Cycle, error) {
	if err := validateCycleInput(in.Name, in.StartDate, in.StartReading); err != nil {
		return nil, err
	}
	if in.EndDate != nil && !in.EndDate.After(in.StartDate) {
		return nil, &ValidationError{Field: "end_date", Message: "End date must be after the start date."}
	}
	if in.EndReading != nil && in.EndReading.IsNegative() {
		return nil, &ValidationError{Field: "end_reading", Message: "End reading must not be negative."}
	}

	unlock := s.locks.lock("user:" + string(owner))
	defer unlock()

	cycle, err := s.FindOwnedCycle(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	cycle.Name = strings.TrimSpace(in.Name)
	cycle.StartDate = in.StartDate
	cycle.StartReading = in.StartReading
	cycle.EndDate = in.EndDate
	cycle.EndReading = in.EndReading
	cycle.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateCycle(ctx, *cycle); err != nil {
		return nil, unexpected("update cycle", err)
	}
	return cycle, nil
}

// DeleteCycle removes a cycle and, by cascade, its readings.
func (s *Service) DeleteCycle(ctx context.Context, owner UserID, id CycleID) error {
	deleted, err := s.store.DeleteCycle(ctx, owner, id)
	if err != nil {
		return unexpected("delete cycle", err)
	}
	if !deleted {
		return ErrCycleNotFound
	}
	s.log.Info().Str("cycle_id", string(id)).Msg("billing cycle deleted")
	return nil
}

// FindOwnedCycle looks up a cycle scoped to its owner. Absent and non-owned
// are indistinguishable to the caller.
func (s *Service) FindOwnedCycle(ctx context.Context, owner UserID, id CycleID) (*Cycle, error) {
	cycle, err := s.store.GetCycle(ctx, id)
	if err != nil {
		return nil, unexpected("get cycle", err)
	}
	if cycle == nil || cycle.OwnerID != owner {
		return nil, ErrCycleNotFound
	}
	return cycle, nil
}

// ListCycles returns all cycles of the owner, newest first.
func (s *Service) ListCycles(ctx context.Context, owner UserID) ([]Cycle, error) {
	cycles, err := s.store.ListCycles(ctx, owner)
	if err != nil {
		return nil, unexpected("list cycles", err)
	}
	return cycles, nil
}

// ActiveCycle returns the owner's single active cycle, or ErrNoActiveCycle.
func (s *Service) ActiveCycle(ctx context.Context, owner UserID) (*Cycle, error) {
	cycle, err := s.store.ActiveCycle(ctx, owner)
	if err != nil {
		return nil, unexpected("active cycle", err)
	}
	if cycle == nil {
		return nil, ErrNoActiveCycle
	}
	return cycle, nil
}

// =============================================================================
// READING OPERATIONS
// =============================================================================

// CreateReading validates and inserts a reading. The uniqueness check, the
// neighbor scan, the monotonic validation, and the insert run under the
// cycle's lock as one unit.
func (s *Service) CreateReading(ctx context.Context, owner UserID, in ReadingInput) (*Reading, error) {
	return s.writeReading(ctx, owner, in.CycleID, in.At, in.Value, in.Notes, "")
}

// UpdateReading re-validates an existing reading at its (possibly moved)
// date/time, excluding itself from the neighbor set.
func (s *Service) UpdateReading(ctx context.Context, owner UserID, id ReadingID, at Stamp, value decimal.Decimal, notes string) (*Reading, error) {
	existing, err := s.GetReading(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return s.writeReading(ctx, owner, existing.CycleID, at, value, notes, id)
}

// QuickAdd creates a reading dated today from just a clock time and a value.
func (s *Service) QuickAdd(ctx context.Context, owner UserID, cycleID CycleID, clock string, value decimal.Decimal, notes string) (*Reading, error) {
	at, err := ParseStamp(Today().Format(dateLayout), clock)
	if err != nil {
		return nil, &ValidationError{Field: "reading_time", Message: "Reading time must be in HH:MM format."}
	}
	return s.writeReading(ctx, owner, cycleID, at, value, notes, "")
}

// DeleteReading removes a single reading. Cycle aggregates are derived on
// demand, so nothing else is touched.
func (s *Service) DeleteReading(ctx context.Context, owner UserID, id ReadingID) error {
	deleted, err := s.store.DeleteReading(ctx, owner, id)
	if err != nil {
		return unexpected("delete reading", err)
	}
	if !deleted {
		return ErrReadingNotFound
	}
	return nil
}

// GetReading returns a reading scoped to its owner.
func (s *Service) GetReading(ctx context.Context, owner UserID, id ReadingID) (*Reading, error) {
	r, err := s.store.GetReading(ctx, id)
	if err != nil {
		return nil, unexpected("get reading", err)
	}
	if r == nil || r.OwnerID != owner {
		return nil, ErrReadingNotFound
	}
	return r, nil
}

// ListReadings returns a cycle's readings in chronological order, after an
// owned lookup of the cycle.
func (s *Service) ListReadings(ctx context.Context, owner UserID, cycleID CycleID) ([]Reading, error) {
	if _, err := s.FindOwnedCycle(ctx, owner, cycleID); err != nil {
		return nil, err
	}
	readings, err := s.store.ListReadings(ctx, cycleID)
	if err != nil {
		return nil, unexpected("list readings", err)
	}
	return readings, nil
}

// DailyUnits returns per-day consumption for the owner's active cycle.
func (s *Service) DailyUnits(ctx context.Context, owner UserID) (*Cycle, []DailyTotal, error) {
	cycle, err := s.ActiveCycle(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	readings, err := s.store.ListReadings(ctx, cycle.ID)
	if err != nil {
		return nil, nil, unexpected("list readings", err)
	}
	return cycle, DailyConsumption(*cycle, readings), nil
}

// writeReading is the serialized check-then-act path shared by create,
// update and quick-add.
func (s *Service) writeReading(ctx context.Context, owner UserID, cycleID CycleID, at Stamp, value decimal.Decimal, notes string, excludeID ReadingID) (*Reading, error) {
	if value.IsNegative() {
		return nil, &ValidationError{Field: "reading_value", Message: "Reading value must not be negative."}
	}
	// Only the date is constrained; a today-dated reading with a clock time
	// still ahead of now is fine (pre-logging tonight's reading, client
	// clocks running ahead of server UTC).
	if at.Date().After(Today()) {
		return nil, &ValidationError{Field: "reading_date", Message: "Reading date must not be in the future."}
	}

	unlock := s.locks.lock("cycle:" + string(cycleID))
	defer unlock()

	cycle, err := s.store.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, unexpected("get cycle", err)
	}
	if cycle == nil {
		return nil, ErrCycleNotFound
	}
	if cycle.OwnerID != owner {
		return nil, ErrForbidden
	}

	occupied, err := s.store.FindReadingAt(ctx, cycleID, at)
	if err != nil {
		return nil, unexpected("find reading", err)
	}
	if occupied != nil && occupied.ID != excludeID {
		return nil, &DuplicateReadingError{CycleID: cycleID, At: at}
	}

	readings, err := s.store.ListReadings(ctx, cycleID)
	if err != nil {
		return nil, unexpected("list readings", err)
	}

	prev, next := LocateNeighbors(readings, at, excludeID)
	if err := ValidateValue(*cycle, value, prev, next); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var reading Reading
	if excludeID == "" {
		reading = Reading{
			ID:        ReadingID(newID("rdg")),
			OwnerID:   owner,
			CycleID:   cycleID,
			At:        at,
			Value:     value,
			Notes:     notes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.InsertReading(ctx, reading); err != nil {
			// The unique index can still fire under races the lock does not
			// cover (e.g. a direct upsert path); report it as the same conflict.
			if errors.Is(err, ErrDuplicateReading) {
				return nil, &DuplicateReadingError{CycleID: cycleID, At: at}
			}
			return nil, unexpected("insert reading", err)
		}
	} else {
		current, err := s.store.GetReading(ctx, excludeID)
		if err != nil {
			return nil, unexpected("get reading", err)
		}
		if current == nil {
			return nil, ErrReadingNotFound
		}
		reading = Reading{
			ID:        excludeID,
			OwnerID:   owner,
			CycleID:   cycleID,
			At:        at,
			Value:     value,
			Notes:     notes,
			CreatedAt: current.CreatedAt,
			UpdatedAt: now,
		}
		if err := s.store.UpdateReading(ctx, reading); err != nil {
			if errors.Is(err, ErrDuplicateReading) {
				return nil, &DuplicateReadingError{CycleID: cycleID, At: at}
			}
			return nil, unexpected("update reading", err)
		}
	}

	s.publish(ctx, *cycle, reading, prev)
	return &reading, nil
}

// SyncUpsert is the reconciliation write: same per-cycle exclusion as a
// normal write, natural-key upsert, no monotonicity validation. Offline data
// is trusted to have been valid in its origin order; replay order is not.
func (s *Service) SyncUpsert(ctx context.Context, owner UserID, cycleID CycleID, at Stamp, value decimal.Decimal, notes string) (*Reading, error) {
	if value.IsNegative() {
		return nil, &ValidationError{Field: "reading_value", Message: "Reading value must not be negative."}
	}

	unlock := s.locks.lock("cycle:" + string(cycleID))
	defer unlock()

	cycle, err := s.store.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, unexpected("get cycle", err)
	}
	if cycle == nil {
		return nil, ErrCycleNotFound
	}
	if cycle.OwnerID != owner {
		return nil, ErrForbidden
	}

	now := time.Now().UTC()
	stored, err := s.store.UpsertReading(ctx, Reading{
		ID:        ReadingID(newID("rdg")),
		OwnerID:   owner,
		CycleID:   cycleID,
		At:        at,
		Value:     value,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, unexpected("upsert reading", err)
	}
	return stored, nil
}

// ScanCycle reloads a cycle and reports monotonicity inconsistencies.
// Used by the reconciler to flag cycles after a batch.
func (s *Service) ScanCycle(ctx context.Context, cycleID CycleID) ([]Inconsistency, error) {
	cycle, err := s.store.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, unexpected("get cycle", err)
	}
	if cycle == nil {
		return nil, ErrCycleNotFound
	}
	readings, err := s.store.ListReadings(ctx, cycleID)
	if err != nil {
		return nil, unexpected("list readings", err)
	}
	return FindInconsistencies(*cycle, readings), nil
}

func (s *Service) publish(ctx context.Context, cycle Cycle, r Reading, prev *Reading) {
	if s.pub == nil {
		return
	}
	base := cycle.StartReading
	if prev != nil {
		base = prev.Value
	}
	if err := s.pub.Publish(ctx, cycle, r, r.Value.Sub(base)); err != nil {
		s.log.Warn().Err(err).Str("reading_id", string(r.ID)).Msg("reading publish failed")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func validateCycleInput(name string, startDate time.Time, startReading decimal.Decimal) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 255 {
		return &ValidationError{Field: "name", Message: "Name is required and must be at most 255 characters."}
	}
	if startDate.After(Today()) {
		return &ValidationError{Field: "start_date", Message: "Start date must not be in the future."}
	}
	if startReading.IsNegative() {
		return &ValidationError{Field: "start_reading", Message: "Start reading must not be negative."}
	}
	return nil
}

func unexpected(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnexpected, op, err)
}

// newID builds a row id. The random suffix keeps ids distinct even when two
// writers allocate within the same nanosecond.
func newID(prefix string) string {
	var suffix [4]byte
	rand.Read(suffix[:])
	return fmt.Sprintf("%s-%d-%x", prefix, time.Now().UnixNano(), suffix)
}

// keyedMutex hands out one mutex per key. Entries are never reclaimed; the
// key space (cycles and users of a single deployment) stays small.
type keyedMutex struct {
	locks sync.Map
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
