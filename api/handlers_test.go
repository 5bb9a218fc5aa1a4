package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattwise/meter-engine/api"
	"github.com/wattwise/meter-engine/auth"
	"github.com/wattwise/meter-engine/meter"
	"github.com/wattwise/meter-engine/offline"
	"github.com/wattwise/meter-engine/store/sqlite"
)

type envelope struct {
	Success bool            `json:"success"`
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zerolog.Nop()
	authSvc := auth.NewService(store, store, "test-secret", time.Hour)
	meterSvc := meter.NewService(store, log)
	reconciler := offline.NewReconciler(meterSvc, log)
	handlers := api.NewHandlers(meterSvc, authSvc, reconciler, log)

	srv := httptest.NewServer(api.NewRouter(handlers, []string{"*"}, log))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func registerUser(t *testing.T, srv *httptest.Server, email string) string {
	t.Helper()
	code, env := do(t, srv, http.MethodPost, "/api/register", "", map[string]string{
		"name":     "Test User",
		"email":    email,
		"password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, code)

	var session struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &session))
	require.NotEmpty(t, session.Token)
	return session.Token
}

func createCycle(t *testing.T, srv *httptest.Server, token, name string) string {
	t.Helper()
	code, env := do(t, srv, http.MethodPost, "/api/billing-cycles", token, map[string]string{
		"name":          name,
		"start_date":    "2025-03-01",
		"start_reading": "100",
	})
	require.Equal(t, http.StatusCreated, code)

	var cycle struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cycle))
	return cycle.ID
}

func readingBody(cycleID, date, clock, value string) map[string]string {
	return map[string]string{
		"billing_cycle_id": cycleID,
		"reading_date":     date,
		"reading_time":     clock,
		"reading_value":    value,
	}
}

// =============================================================================
// AUTH FLOW
// =============================================================================

func TestRegisterLoginLogout(t *testing.T) {
	srv := newServer(t)

	// Register
	token := registerUser(t, srv, "ada@example.com")

	// The token resolves the account
	code, env := do(t, srv, http.MethodGet, "/api/user", token, nil)
	require.Equal(t, http.StatusOK, code)
	var user struct {
		Email string `json:"email"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &user))
	assert.Equal(t, "ada@example.com", user.Email)

	// Login issues a fresh token
	code, env = do(t, srv, http.MethodPost, "/api/login", "", map[string]string{
		"email": "ada@example.com", "password": "correct horse",
	})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	// Wrong password
	code, env = do(t, srv, http.MethodPost, "/api/login", "", map[string]string{
		"email": "ada@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)

	// Logout revokes the token
	code, _ = do(t, srv, http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, srv, http.MethodGet, "/api/user", token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRegister_Validation(t *testing.T) {
	srv := newServer(t)

	code, env := do(t, srv, http.MethodPost, "/api/register", "", map[string]string{
		"name": "Ada", "email": "not-an-email", "password": "correct horse",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Message, "email")
}

func TestRegister_DuplicateEmail(t *testing.T) {
	srv := newServer(t)
	registerUser(t, srv, "ada@example.com")

	code, env := do(t, srv, http.MethodPost, "/api/register", "", map[string]string{
		"name": "Again", "email": "ada@example.com", "password": "correct horse",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "The email has already been taken.", env.Message)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv := newServer(t)

	code, env := do(t, srv, http.MethodGet, "/api/billing-cycles", "", nil)

	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Unauthenticated.", env.Message)
}

// =============================================================================
// BILLING CYCLES
// =============================================================================

func TestCycleLifecycle(t *testing.T) {
	srv := newServer(t)
	token := registerUser(t, srv, "ada@example.com")

	// Create two cycles; the second takes over as active
	first := createCycle(t, srv, token, "February")
	second := createCycle(t, srv, token, "March")

	code, env := do(t, srv, http.MethodGet, "/api/billing-cycles/active", token, nil)
	require.Equal(t, http.StatusOK, code)
	var active struct {
		ID           string `json:"id"`
		CurrentValue string `json:"current_value"`
		DaysElapsed  int    `json:"days_elapsed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &active))
	assert.Equal(t, second, active.ID)
	assert.Equal(t, "100", active.CurrentValue)

	// List shows both
	code, env = do(t, srv, http.MethodGet, "/api/billing-cycles", token, nil)
	require.Equal(t, http.StatusOK, code)
	var list []struct {
		ID       string `json:"id"`
		IsActive bool   `json:"is_active"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)

	// Update the first
	code, _ = do(t, srv, http.MethodPut, "/api/billing-cycles/"+first, token, map[string]string{
		"name": "February (closed)", "start_date": "2025-02-01", "start_reading": "50",
		"end_date": "2025-03-01", "end_reading": "100",
	})
	require.Equal(t, http.StatusOK, code)

	// Delete it
	code, _ = do(t, srv, http.MethodDelete, "/api/billing-cycles/"+first, token, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, srv, http.MethodGet, "/api/billing-cycles/"+first, token, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCycle_ForeignAccessHidden(t *testing.T) {
	// GIVEN two users, one owning a cycle
	srv := newServer(t)
	owner := registerUser(t, srv, "ada@example.com")
	other := registerUser(t, srv, "bob@example.com")
	cycleID := createCycle(t, srv, owner, "March")

	// WHEN the other user reads it
	code, env := do(t, srv, http.MethodGet, "/api/billing-cycles/"+cycleID, other, nil)

	// THEN it looks like it does not exist
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Resource not found.", env.Message)
}

func TestCycle_ValidationErrors(t *testing.T) {
	srv := newServer(t)
	token := registerUser(t, srv, "ada@example.com")

	// Missing name
	code, _ := do(t, srv, http.MethodPost, "/api/billing-cycles", token, map[string]string{
		"start_date": "2025-03-01", "start_reading": "100",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	// Unparseable reading
	code, env := do(t, srv, http.MethodPost, "/api/billing-cycles", token, map[string]string{
		"name": "March", "start_date": "2025-03-01", "start_reading": "abc",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, env.Message, "must be a number")
}

// =============================================================================
// DAILY READINGS
// =============================================================================

func TestReadingLifecycle(t *testing.T) {
	srv := newServer(t)
	token := registerUser(t, srv, "ada@example.com")
	cycleID := createCycle(t, srv, token, "March")

	// Create
	code, env := do(t, srv, http.MethodPost, "/api/daily-readings", token,
		readingBody(cycleID, "2025-03-02", "08:00", "110"))
	require.Equal(t, http.StatusCreated, code)
	var created struct {
		ID           string `json:"id"`
		ReadingValue string `json:"reading_value"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "110", created.ReadingValue)

	// Duplicate slot conflicts
	code, _ = do(t, srv, http.MethodPost, "/api/daily-readings", token,
		readingBody(cycleID, "2025-03-02", "08:00", "115"))
	assert.Equal(t, http.StatusConflict, code)

	// Monotonicity violation is a 422 with the display message
	code, env = do(t, srv, http.MethodPost, "/api/daily-readings", token,
		readingBody(cycleID, "2025-03-03", "08:00", "105"))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, env.Message, "must be greater than or equal to the previous reading")

	// Update in place
	code, _ = do(t, srv, http.MethodPut, "/api/daily-readings/"+created.ID, token,
		readingBody(cycleID, "2025-03-02", "08:00", "111"))
	require.Equal(t, http.StatusOK, code)

	// List ascending
	code, env = do(t, srv, http.MethodGet, "/api/daily-readings?billing_cycle_id="+cycleID, token, nil)
	require.Equal(t, http.StatusOK, code)
	var list []struct {
		ReadingValue string `json:"reading_value"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "111", list[0].ReadingValue)

	// Delete
	code, _ = do(t, srv, http.MethodDelete, "/api/daily-readings/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, srv, http.MethodGet, "/api/daily-readings/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReading_ForeignCycleForbidden(t *testing.T) {
	srv := newServer(t)
	owner := registerUser(t, srv, "ada@example.com")
	other := registerUser(t, srv, "bob@example.com")
	cycleID := createCycle(t, srv, owner, "March")

	code, env := do(t, srv, http.MethodPost, "/api/daily-readings", other,
		readingBody(cycleID, "2025-03-02", "08:00", "110"))

	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Resource not found.", env.Message)
}

func TestQuickAdd(t *testing.T) {
	srv := newServer(t)
	token := registerUser(t, srv, "ada@example.com")
	cycleID := createCycle(t, srv, token, "March")

	code, env := do(t, srv, http.MethodPost, "/api/daily-readings/quick-add", token, map[string]string{
		"billing_cycle_id": cycleID,
		"reading_time":     "00:00",
		"reading_value":    "150",
	})

	require.Equal(t, http.StatusCreated, code)
	var created struct {
		ReadingDate string `json:"reading_date"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), created.ReadingDate)
}

// =============================================================================
// OFFLINE SYNC
// =============================================================================

func TestOfflineSync_BatchAndReplay(t *testing.T) {
	srv := newServer(t)
	token := registerUser(t, srv, "ada@example.com")
	cycleID := createCycle(t, srv, token, "March")

	batch := []map[string]string{
		readingBody(cycleID, "2025-03-02", "08:00", "110"),
		readingBody(cycleID, "2025-03-03", "08:00", "120"),
		readingBody("cyc-missing", "2025-03-04", "08:00", "130"),
	}

	code, env := do(t, srv, http.MethodPost, "/api/daily-readings/offline-sync", token, batch)
	require.Equal(t, http.StatusOK, code)

	var result struct {
		SyncedAt string `json:"synced_at"`
		Results  []struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Results, 3)
	assert.Equal(t, "applied", result.Results[0].Status)
	assert.Equal(t, "applied", result.Results[1].Status)
	assert.Equal(t, "skipped", result.Results[2].Status)
	assert.Equal(t, "unknown billing cycle", result.Results[2].Reason)

	// Replaying the batch does not duplicate
	code, _ = do(t, srv, http.MethodPost, "/api/daily-readings/offline-sync", token, batch)
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, srv, http.MethodGet, "/api/daily-readings?billing_cycle_id="+cycleID, token, nil)
	require.Equal(t, http.StatusOK, code)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)
}

func TestOfflineSync_SingleObjectBody(t *testing.T) {
	srv := newServer(t)
	token := registerUser(t, srv, "ada@example.com")
	cycleID := createCycle(t, srv, token, "March")

	code, env := do(t, srv, http.MethodPost, "/api/daily-readings/offline-sync", token,
		readingBody(cycleID, "2025-03-02", "08:00", "110"))

	require.Equal(t, http.StatusOK, code)
	var result struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Results, 1)
	assert.Equal(t, "applied", result.Results[0].Status)
}

func TestOfflineSync_MalformedItemFailsInPlace(t *testing.T) {
	srv := newServer(t)
	token := registerUser(t, srv, "ada@example.com")
	cycleID := createCycle(t, srv, token, "March")

	batch := []map[string]string{
		readingBody(cycleID, "2025-03-02", "08:00", "110"),
		readingBody(cycleID, "not-a-date", "08:00", "120"),
	}

	code, env := do(t, srv, http.MethodPost, "/api/daily-readings/offline-sync", token, batch)
	require.Equal(t, http.StatusOK, code)

	var result struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Results, 2)
	assert.Equal(t, "applied", result.Results[0].Status)
	assert.Equal(t, "failed", result.Results[1].Status)
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

func TestDailyUnits(t *testing.T) {
	srv := newServer(t)
	token := registerUser(t, srv, "ada@example.com")
	cycleID := createCycle(t, srv, token, "March")

	for i, v := range []string{"110", "125"} {
		code, _ := do(t, srv, http.MethodPost, "/api/daily-readings", token,
			readingBody(cycleID, fmt.Sprintf("2025-03-0%d", i+2), "08:00", v))
		require.Equal(t, http.StatusCreated, code)
	}

	code, env := do(t, srv, http.MethodGet, "/api/daily-units", token, nil)
	require.Equal(t, http.StatusOK, code)

	var result struct {
		Cycle struct {
			ID string `json:"id"`
		} `json:"billing_cycle"`
		Days []struct {
			Date  string `json:"date"`
			Units string `json:"units"`
		} `json:"days"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, cycleID, result.Cycle.ID)
	require.Len(t, result.Days, 2)
	assert.Equal(t, "10.00", result.Days[0].Units)
	assert.Equal(t, "15.00", result.Days[1].Units)
}

func TestDailyUnits_NoActiveCycle(t *testing.T) {
	srv := newServer(t)
	token := registerUser(t, srv, "ada@example.com")

	code, env := do(t, srv, http.MethodGet, "/api/daily-units", token, nil)

	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "No active billing cycle found.", env.Message)
}
