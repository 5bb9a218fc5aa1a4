/*
handlers.go - HTTP endpoints

PURPOSE:
  Thin translation layer: decode and shape-check the request, call the
  service, render the envelope. No domain decisions live here; monotonicity,
  ownership, and conflict detection all happen in the meter package and
  surface as typed errors that respond.go maps to statuses.

ENDPOINTS:
  POST   /api/register                      Create account + token
  POST   /api/login                         Authenticate + token
  POST   /api/logout                        Revoke the presented token
  GET    /api/user                          Current account
  GET    /api/billing-cycles                List cycles (newest first)
  POST   /api/billing-cycles                Create + activate
  GET    /api/billing-cycles/active         The single active cycle
  GET    /api/billing-cycles/{id}           Cycle with derived stats
  PUT    /api/billing-cycles/{id}           Update fields
  DELETE /api/billing-cycles/{id}           Delete with readings
  GET    /api/daily-readings                Readings of a cycle (chronological)
  POST   /api/daily-readings                Create (validated)
  POST   /api/daily-readings/quick-add      Create dated today
  POST   /api/daily-readings/offline-sync   Reconcile an offline batch
  GET    /api/daily-readings/{id}           Single reading
  PUT    /api/daily-readings/{id}           Update (re-validated)
  DELETE /api/daily-readings/{id}           Delete
  GET    /api/daily-units                   Per-day consumption, active cycle
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/wattwise/meter-engine/auth"
	"github.com/wattwise/meter-engine/meter"
	"github.com/wattwise/meter-engine/offline"
)

// Handlers bundles the services the endpoints dispatch to.
type Handlers struct {
	meter    *meter.Service
	auth     *auth.Service
	sync     *offline.Reconciler
	log      zerolog.Logger
	validate *validator.Validate
}

func NewHandlers(m *meter.Service, a *auth.Service, sync *offline.Reconciler, log zerolog.Logger) *Handlers {
	return &Handlers{
		meter:    m,
		auth:     a,
		sync:     sync,
		log:      log,
		validate: validator.New(),
	}
}

// =============================================================================
// AUTH
// =============================================================================

func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	user, err := h.auth.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	token, err := h.auth.IssueToken(r.Context(), user.ID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{User: toUser(user), Token: token})
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	user, err := h.auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	token, err := h.auth.IssueToken(r.Context(), user.ID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{User: toUser(user), Token: token})
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.RevokeToken(r.Context(), bearerToken(r)); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeMessage(w, http.StatusOK, "Logged out.")
}

func (h *Handlers) currentUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.UserByID(r.Context(), string(ownerID(r)))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if user == nil {
		writeFailure(w, http.StatusUnauthorized, "Unauthenticated.")
		return
	}
	writeJSON(w, http.StatusOK, toUser(user))
}

// =============================================================================
// BILLING CYCLES
// =============================================================================

func (h *Handlers) listCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.meter.ListCycles(r.Context(), ownerID(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	out := make([]cycleResponse, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, toCycle(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) createCycle(w http.ResponseWriter, r *http.Request) {
	in, err := h.cycleInput(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	cycle, err := h.meter.CreateCycle(r.Context(), ownerID(r), meter.CycleInput{
		Name:         in.Name,
		StartDate:    in.StartDate,
		StartReading: in.StartReading,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCycle(*cycle))
}

func (h *Handlers) activeCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.meter.ActiveCycle(r.Context(), ownerID(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	readings, err := h.meter.ListReadings(r.Context(), ownerID(r), cycle.ID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleStats(*cycle, readings))
}

func (h *Handlers) getCycle(w http.ResponseWriter, r *http.Request) {
	id := meter.CycleID(chi.URLParam(r, "id"))
	cycle, err := h.meter.FindOwnedCycle(r.Context(), ownerID(r), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	readings, err := h.meter.ListReadings(r.Context(), ownerID(r), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleStats(*cycle, readings))
}

func (h *Handlers) updateCycle(w http.ResponseWriter, r *http.Request) {
	in, err := h.cycleInput(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	cycle, err := h.meter.UpdateCycle(r.Context(), ownerID(r), meter.CycleID(chi.URLParam(r, "id")), in)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycle(*cycle))
}

func (h *Handlers) deleteCycle(w http.ResponseWriter, r *http.Request) {
	if err := h.meter.DeleteCycle(r.Context(), ownerID(r), meter.CycleID(chi.URLParam(r, "id"))); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeMessage(w, http.StatusOK, "Billing cycle deleted.")
}

// cycleInput decodes and parses the shared create/update payload.
func (h *Handlers) cycleInput(r *http.Request) (meter.CycleUpdate, error) {
	var req cycleRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		return meter.CycleUpdate{}, err
	}

	startDate, err := parseDate("start_date", req.StartDate)
	if err != nil {
		return meter.CycleUpdate{}, err
	}
	startReading, err := parseDecimal("start_reading", req.StartReading)
	if err != nil {
		return meter.CycleUpdate{}, err
	}

	in := meter.CycleUpdate{Name: req.Name, StartDate: startDate, StartReading: startReading}
	if req.EndDate != nil && *req.EndDate != "" {
		endDate, err := parseDate("end_date", *req.EndDate)
		if err != nil {
			return meter.CycleUpdate{}, err
		}
		in.EndDate = &endDate
	}
	if req.EndReading != nil && *req.EndReading != "" {
		endReading, err := parseDecimal("end_reading", *req.EndReading)
		if err != nil {
			return meter.CycleUpdate{}, err
		}
		in.EndReading = &endReading
	}
	return in, nil
}

// =============================================================================
// DAILY READINGS
// =============================================================================

func (h *Handlers) listReadings(w http.ResponseWriter, r *http.Request) {
	cycleID := meter.CycleID(r.URL.Query().Get("billing_cycle_id"))
	if cycleID == "" {
		writeError(w, h.log, &meter.ValidationError{Field: "billing_cycle_id", Message: "The billing_cycle_id parameter is required."})
		return
	}

	readings, err := h.meter.ListReadings(r.Context(), ownerID(r), cycleID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toReadings(readings))
}

func (h *Handlers) createReading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	at, err := parseStamp(req.ReadingDate, req.ReadingTime)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	value, err := parseDecimal("reading_value", req.ReadingValue)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	reading, err := h.meter.CreateReading(r.Context(), ownerID(r), meter.ReadingInput{
		CycleID: meter.CycleID(req.BillingCycleID),
		At:      at,
		Value:   value,
		Notes:   req.Notes,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReading(*reading))
}

func (h *Handlers) quickAddReading(w http.ResponseWriter, r *http.Request) {
	var req quickAddRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	value, err := parseDecimal("reading_value", req.ReadingValue)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	reading, err := h.meter.QuickAdd(r.Context(), ownerID(r), meter.CycleID(req.BillingCycleID), req.ReadingTime, value, req.Notes)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReading(*reading))
}

func (h *Handlers) getReading(w http.ResponseWriter, r *http.Request) {
	reading, err := h.meter.GetReading(r.Context(), ownerID(r), meter.ReadingID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toReading(*reading))
}

func (h *Handlers) updateReading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	at, err := parseStamp(req.ReadingDate, req.ReadingTime)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	value, err := parseDecimal("reading_value", req.ReadingValue)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	reading, err := h.meter.UpdateReading(r.Context(), ownerID(r), meter.ReadingID(chi.URLParam(r, "id")), at, value, req.Notes)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toReading(*reading))
}

func (h *Handlers) deleteReading(w http.ResponseWriter, r *http.Request) {
	if err := h.meter.DeleteReading(r.Context(), ownerID(r), meter.ReadingID(chi.URLParam(r, "id"))); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeMessage(w, http.StatusOK, "Reading deleted.")
}

// offlineSync reconciles a replayed offline batch. Items that fail to parse
// become failed outcomes in place; the rest of the batch still applies.
func (h *Handlers) offlineSync(w http.ResponseWriter, r *http.Request) {
	items, err := decodeSyncBatch(r, h.validate)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	batch := make([]offline.Item, 0, len(items))
	preFailed := make(map[int]string)
	for i, item := range items {
		at, err := parseStamp(item.ReadingDate, item.ReadingTime)
		if err != nil {
			preFailed[i] = err.Error()
			continue
		}
		value, err := parseDecimal("reading_value", item.ReadingValue)
		if err != nil {
			preFailed[i] = err.Error()
			continue
		}
		batch = append(batch, offline.Item{
			CycleID: meter.CycleID(item.BillingCycleID),
			At:      at,
			Value:   value,
			Notes:   item.Notes,
		})
	}

	result := h.sync.Reconcile(r.Context(), ownerID(r), batch)

	// Re-interleave parse failures at their original positions.
	merged := make([]offline.Outcome, 0, len(items))
	ri := 0
	for i := range items {
		if reason, bad := preFailed[i]; bad {
			merged = append(merged, offline.Outcome{Status: offline.StatusFailed, Reason: reason})
			continue
		}
		merged = append(merged, result.Outcomes[ri])
		ri++
	}
	result.Outcomes = merged

	writeJSON(w, http.StatusOK, toSyncResult(result))
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

func (h *Handlers) dailyUnits(w http.ResponseWriter, r *http.Request) {
	cycle, totals, err := h.meter.DailyUnits(r.Context(), ownerID(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toDailyUnits(*cycle, totals))
}
