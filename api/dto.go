/*
dto.go - Request/response shapes and input parsing

PURPOSE:
  Wire-format structs on both sides of the handlers. Requests carry
  validator tags for shape checks (required, email, max length); value
  parsing (dates, decimals) happens here too, so handlers only ever see
  typed domain inputs. Domain rules (monotonicity, ownership) stay in the
  meter package.
*/
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/wattwise/meter-engine/auth"
	"github.com/wattwise/meter-engine/meter"
	"github.com/wattwise/meter-engine/offline"
)

// =============================================================================
// REQUESTS
// =============================================================================

type registerRequest struct {
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type cycleRequest struct {
	Name         string  `json:"name" validate:"required,max=255"`
	StartDate    string  `json:"start_date" validate:"required"`
	StartReading string  `json:"start_reading" validate:"required"`
	EndDate      *string `json:"end_date"`
	EndReading   *string `json:"end_reading"`
}

type readingRequest struct {
	BillingCycleID string `json:"billing_cycle_id" validate:"required"`
	ReadingDate    string `json:"reading_date" validate:"required"`
	ReadingTime    string `json:"reading_time" validate:"required"`
	ReadingValue   string `json:"reading_value" validate:"required"`
	Notes          string `json:"notes" validate:"max=1000"`
}

type quickAddRequest struct {
	BillingCycleID string `json:"billing_cycle_id" validate:"required"`
	ReadingTime    string `json:"reading_time" validate:"required"`
	ReadingValue   string `json:"reading_value" validate:"required"`
	Notes          string `json:"notes" validate:"max=1000"`
}

type syncItemRequest struct {
	BillingCycleID string `json:"billing_cycle_id" validate:"required"`
	ReadingDate    string `json:"reading_date" validate:"required"`
	ReadingTime    string `json:"reading_time" validate:"required"`
	ReadingValue   string `json:"reading_value" validate:"required"`
	Notes          string `json:"notes"`
}

// decodeJSON unmarshals the body into dst and runs shape validation.
func decodeJSON(r *http.Request, validate *validator.Validate, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &meter.ValidationError{Field: "body", Message: "Request body must be valid JSON."}
	}
	if err := validate.Struct(dst); err != nil {
		return shapeError(err)
	}
	return nil
}

// decodeSyncBatch accepts either a single item or an array of items; offline
// clients have shipped both shapes.
func decodeSyncBatch(r *http.Request, validate *validator.Validate) ([]syncItemRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &meter.ValidationError{Field: "body", Message: "Request body could not be read."}
	}

	trimmed := strings.TrimSpace(string(body))
	var items []syncItemRequest
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, &meter.ValidationError{Field: "body", Message: "Request body must be valid JSON."}
		}
	} else {
		var one syncItemRequest
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, &meter.ValidationError{Field: "body", Message: "Request body must be valid JSON."}
		}
		items = []syncItemRequest{one}
	}

	for i := range items {
		if err := validate.Struct(&items[i]); err != nil {
			return nil, shapeError(err)
		}
	}
	return items, nil
}

// shapeError turns the first validator failure into a display-ready message.
func shapeError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return &meter.ValidationError{Field: "body", Message: "The given data was invalid."}
	}

	fe := verrs[0]
	field := snakeCase(fe.Field())
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("The %s field is required.", field)
	case "email":
		msg = fmt.Sprintf("The %s must be a valid email address.", field)
	case "min":
		msg = fmt.Sprintf("The %s must be at least %s characters.", field, fe.Param())
	case "max":
		msg = fmt.Sprintf("The %s may not be greater than %s characters.", field, fe.Param())
	default:
		msg = fmt.Sprintf("The %s field is invalid.", field)
	}
	return &meter.ValidationError{Field: field, Message: msg}
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// =============================================================================
// VALUE PARSING
// =============================================================================

func parseDate(field, value string) (time.Time, error) {
	t, err := meter.ParseDate(value)
	if err != nil {
		return time.Time{}, &meter.ValidationError{Field: field, Message: fmt.Sprintf("The %s must be a date in YYYY-MM-DD format.", field)}
	}
	return t, nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, &meter.ValidationError{Field: field, Message: fmt.Sprintf("The %s must be a number.", field)}
	}
	return d, nil
}

func parseStamp(date, clock string) (meter.Stamp, error) {
	at, err := meter.ParseStamp(date, clock)
	if err != nil {
		return meter.Stamp{}, &meter.ValidationError{Field: "reading_date", Message: "The reading date and time must be YYYY-MM-DD and HH:MM."}
	}
	return at, nil
}

// =============================================================================
// RESPONSES
// =============================================================================

type userResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

func toUser(u *auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type sessionResponse struct {
	User  userResponse `json:"user"`
	Token string       `json:"token"`
}

type cycleResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	StartDate    string  `json:"start_date"`
	StartReading string  `json:"start_reading"`
	EndDate      *string `json:"end_date"`
	EndReading   *string `json:"end_reading"`
	IsActive     bool    `json:"is_active"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func toCycle(c meter.Cycle) cycleResponse {
	resp := cycleResponse{
		ID:           string(c.ID),
		Name:         c.Name,
		StartDate:    c.StartDate.Format("2006-01-02"),
		StartReading: c.StartReading.String(),
		IsActive:     c.Active,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
	}
	if c.EndDate != nil {
		d := c.EndDate.Format("2006-01-02")
		resp.EndDate = &d
	}
	if c.EndReading != nil {
		v := c.EndReading.String()
		resp.EndReading = &v
	}
	return resp
}

// cycleStatsResponse is the detail shape: the cycle plus figures derived
// from its readings at request time.
type cycleStatsResponse struct {
	cycleResponse
	CurrentValue  string `json:"current_value"`
	TotalConsumed string `json:"total_consumed"`
	DaysElapsed   int    `json:"days_elapsed"`
	ReadingCount  int    `json:"reading_count"`
}

func toCycleStats(c meter.Cycle, readings []meter.Reading) cycleStatsResponse {
	return cycleStatsResponse{
		cycleResponse: toCycle(c),
		CurrentValue:  meter.CurrentValue(c, readings).String(),
		TotalConsumed: meter.TotalConsumed(c, readings).StringFixed(2),
		DaysElapsed:   c.DaysElapsed(time.Now().UTC()),
		ReadingCount:  len(readings),
	}
}

type readingResponse struct {
	ID             string `json:"id"`
	BillingCycleID string `json:"billing_cycle_id"`
	ReadingDate    string `json:"reading_date"`
	ReadingTime    string `json:"reading_time"`
	ReadingValue   string `json:"reading_value"`
	Notes          string `json:"notes,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func toReading(r meter.Reading) readingResponse {
	return readingResponse{
		ID:             string(r.ID),
		BillingCycleID: string(r.CycleID),
		ReadingDate:    r.At.DateString(),
		ReadingTime:    r.At.ClockString(),
		ReadingValue:   r.Value.String(),
		Notes:          r.Notes,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.Format(time.RFC3339),
	}
}

func toReadings(rs []meter.Reading) []readingResponse {
	out := make([]readingResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, toReading(r))
	}
	return out
}

type dailyUnitsResponse struct {
	Cycle cycleResponse   `json:"billing_cycle"`
	Days  []dailyUnitsDay `json:"days"`
}

type dailyUnitsDay struct {
	Date  string `json:"date"`
	Units string `json:"units"`
}

func toDailyUnits(c meter.Cycle, totals []meter.DailyTotal) dailyUnitsResponse {
	days := make([]dailyUnitsDay, 0, len(totals))
	for _, t := range totals {
		days = append(days, dailyUnitsDay{Date: t.Date, Units: t.Units.StringFixed(2)})
	}
	return dailyUnitsResponse{Cycle: toCycle(c), Days: days}
}

type syncOutcomeResponse struct {
	Status  string           `json:"status"`
	Reading *readingResponse `json:"reading,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

type syncResultResponse struct {
	SyncedAt string                `json:"synced_at"`
	Results  []syncOutcomeResponse `json:"results"`
}

func toSyncResult(res offline.Result) syncResultResponse {
	out := syncResultResponse{SyncedAt: res.SyncedAt.Format(time.RFC3339)}
	for _, o := range res.Outcomes {
		item := syncOutcomeResponse{Status: o.Status, Reason: o.Reason}
		if o.Reading != nil {
			r := toReading(*o.Reading)
			item.Reading = &r
		}
		out.Results = append(out.Results, item)
	}
	return out
}
