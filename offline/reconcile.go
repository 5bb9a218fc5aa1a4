/*
Package offline reconciles client offline-queue writes against server state.

PURPOSE:
  The installable client queues reading writes while disconnected and replays
  them on reconnect, possibly out of order, possibly more than once. This
  adapter folds such a batch into the repository with natural-key upsert
  semantics: replaying the same batch twice is a no-op overwrite, never a
  duplicate insert.

CONTRACT:
  - Items are independent: one failure never aborts the batch
  - Items referencing a cycle the caller does not own are skipped silently
  - Monotonicity is NOT revalidated: offline data was valid in its origin
    order, and strict revalidation against a possibly-incomplete replay
    order would cause false rejections
  - After the batch, every touched cycle is scanned and any non-monotonic
    run is logged (warn), not rejected

SEE ALSO:
  - meter/service.go: SyncUpsert (per-cycle exclusion + upsert)
  - api/handlers.go:  The /daily-readings/offline-sync endpoint
*/
package offline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wattwise/meter-engine/meter"
)

// Item is one queued write-intent from the client.
type Item struct {
	CycleID meter.CycleID
	At      meter.Stamp
	Value   decimal.Decimal
	Notes   string
}

// Outcome status per item.
const (
	StatusApplied = "applied"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Outcome is the per-item result. Reading is set only for applied items.
type Outcome struct {
	Status  string
	Reading *meter.Reading
	Reason  string
}

// Result is the whole-batch response.
type Result struct {
	SyncedAt time.Time
	Outcomes []Outcome
}

// Reconciler replays offline batches through the meter service.
type Reconciler struct {
	svc *meter.Service
	log zerolog.Logger
}

func NewReconciler(svc *meter.Service, log zerolog.Logger) *Reconciler {
	return &Reconciler{svc: svc, log: log}
}

// Reconcile applies a batch best-effort. Already-processed items stay
// committed if the caller aborts mid-batch; there is no batch rollback.
func (rc *Reconciler) Reconcile(ctx context.Context, owner meter.UserID, batch []Item) Result {
	outcomes := make([]Outcome, 0, len(batch))
	touched := make(map[meter.CycleID]bool)

	for _, item := range batch {
		reading, err := rc.svc.SyncUpsert(ctx, owner, item.CycleID, item.At, item.Value, item.Notes)
		switch {
		case err == nil:
			touched[item.CycleID] = true
			outcomes = append(outcomes, Outcome{Status: StatusApplied, Reading: reading})
		case meter.IsNotFound(err) || meter.IsForbidden(err):
			// Not this user's cycle (or gone): skip without leaking why.
			outcomes = append(outcomes, Outcome{Status: StatusSkipped, Reason: "unknown billing cycle"})
		case meter.IsValidation(err):
			outcomes = append(outcomes, Outcome{Status: StatusFailed, Reason: err.Error()})
		default:
			rc.log.Error().Err(err).Str("cycle_id", string(item.CycleID)).
				Msg("offline sync item failed")
			outcomes = append(outcomes, Outcome{Status: StatusFailed, Reason: "could not store reading"})
		}
	}

	rc.flagInconsistencies(ctx, touched)

	return Result{SyncedAt: time.Now().UTC(), Outcomes: outcomes}
}

// flagInconsistencies logs any non-monotonic run the replay admitted.
// Log-only: rejecting here would break replay compatibility.
func (rc *Reconciler) flagInconsistencies(ctx context.Context, touched map[meter.CycleID]bool) {
	for cycleID := range touched {
		problems, err := rc.svc.ScanCycle(ctx, cycleID)
		if err != nil {
			rc.log.Error().Err(err).Str("cycle_id", string(cycleID)).
				Msg("post-sync consistency scan failed")
			continue
		}
		for _, p := range problems {
			rc.log.Warn().
				Str("cycle_id", string(cycleID)).
				Str("reading_id", string(p.ReadingID)).
				Str("at", p.At.String()).
				Str("value", p.Value.String()).
				Str("prev_value", p.PrevValue.String()).
				Msg("non-monotonic reading after offline sync")
		}
	}
}
