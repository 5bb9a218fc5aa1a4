// Package store provides meter.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/wattwise/meter-engine/meter"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	cycles   map[meter.CycleID]meter.Cycle
	readings map[meter.ReadingID]meter.Reading
}

func NewMemory() *Memory {
	return &Memory{
		cycles:   make(map[meter.CycleID]meter.Cycle),
		readings: make(map[meter.ReadingID]meter.Reading),
	}
}

// =============================================================================
// CYCLES
// =============================================================================

// ActivateCycle deactivates every cycle of the owner and inserts the new one
// as active, all under one lock so no interleaving can leave two active.
func (m *Memory) ActivateCycle(_ context.Context, cycle meter.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.cycles {
		if c.OwnerID == cycle.OwnerID && c.Active {
			c.Active = false
			m.cycles[id] = c
		}
	}
	cycle.Active = true
	m.cycles[cycle.ID] = cycle
	return nil
}

func (m *Memory) UpdateCycle(_ context.Context, cycle meter.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.cycles[cycle.ID]
	if !ok {
		return nil
	}
	cycle.Active = existing.Active
	cycle.CreatedAt = existing.CreatedAt
	m.cycles[cycle.ID] = cycle
	return nil
}

func (m *Memory) GetCycle(_ context.Context, id meter.CycleID) (*meter.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cycles[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) ListCycles(_ context.Context, owner meter.UserID) ([]meter.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []meter.Cycle
	for _, c := range m.cycles {
		if c.OwnerID == owner {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ActiveCycle(_ context.Context, owner meter.UserID) (*meter.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.cycles {
		if c.OwnerID == owner && c.Active {
			cc := c
			return &cc, nil
		}
	}
	return nil, nil
}

func (m *Memory) DeleteCycle(_ context.Context, owner meter.UserID, id meter.CycleID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cycles[id]
	if !ok || c.OwnerID != owner {
		return false, nil
	}
	delete(m.cycles, id)
	// Cascade
	for rid, r := range m.readings {
		if r.CycleID == id {
			delete(m.readings, rid)
		}
	}
	return true, nil
}

// =============================================================================
// READINGS
// =============================================================================

func (m *Memory) ListReadings(_ context.Context, cycleID meter.CycleID) ([]meter.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []meter.Reading
	for _, r := range m.readings {
		if r.CycleID == cycleID {
			out = append(out, r)
		}
	}
	meter.SortChronological(out)
	return out, nil
}

func (m *Memory) GetReading(_ context.Context, id meter.ReadingID) (*meter.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.readings[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) FindReadingAt(_ context.Context, cycleID meter.CycleID, at meter.Stamp) (*meter.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r := m.findAtLocked(cycleID, at); r != nil {
		rr := *r
		return &rr, nil
	}
	return nil, nil
}

func (m *Memory) findAtLocked(cycleID meter.CycleID, at meter.Stamp) *meter.Reading {
	for _, r := range m.readings {
		if r.CycleID == cycleID && r.At.Equal(at) {
			rr := r
			return &rr
		}
	}
	return nil
}

func (m *Memory) InsertReading(_ context.Context, r meter.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findAtLocked(r.CycleID, r.At) != nil {
		return meter.ErrDuplicateReading
	}
	m.readings[r.ID] = r
	return nil
}

func (m *Memory) UpdateReading(_ context.Context, r meter.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if occupied := m.findAtLocked(r.CycleID, r.At); occupied != nil && occupied.ID != r.ID {
		return meter.ErrDuplicateReading
	}
	m.readings[r.ID] = r
	return nil
}

// UpsertReading writes by natural key (cycle, date, time): overwrite the
// occupant's value/notes keeping its id, or insert fresh.
func (m *Memory) UpsertReading(_ context.Context, r meter.Reading) (*meter.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if occupied := m.findAtLocked(r.CycleID, r.At); occupied != nil {
		occupied.Value = r.Value
		occupied.Notes = r.Notes
		occupied.UpdatedAt = r.UpdatedAt
		m.readings[occupied.ID] = *occupied
		out := *occupied
		return &out, nil
	}
	m.readings[r.ID] = r
	out := r
	return &out, nil
}

func (m *Memory) DeleteReading(_ context.Context, owner meter.UserID, id meter.ReadingID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.readings[id]
	if !ok || r.OwnerID != owner {
		return false, nil
	}
	delete(m.readings, id)
	return true, nil
}
