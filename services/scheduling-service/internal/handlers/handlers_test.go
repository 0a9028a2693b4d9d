package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/slotengine/libs/httpx"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/quota"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/scheduling"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

type apiClient struct {
	t       *testing.T
	handler http.Handler
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := scheduling.NewService(storage.NewMemory(),
		policy.NewStaticProvider(policy.Policy{EmergencyFraction: quota.DefaultMinFraction}),
		logger, scheduling.Config{}, scheduling.WithClock(func() time.Time { return now }))
	api := &apiClient{t: t, handler: NewRouter(svc, logger, RouterConfig{AllowedOrigins: []string{"https://app.example.com"}})}

	rec := api.do(http.MethodPut, "/api/v1/providers/p1", "b1", map[string]any{"name": "Dr. Rivera", "slot_duration_minutes": 30})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = api.do(http.MethodPost, "/api/v1/providers/p1/rules", "b1", map[string]any{
		"weekday": 1, "start_minute": 540, "end_minute": 720, "effective_from": "2026-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return api
}

func (a *apiClient) do(method, path, tenant string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if tenant != "" {
		req.Header.Set(httpx.BusinessIDHeader, tenant)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func book(start, urgency string) map[string]any {
	return map[string]any{"provider_id": "p1", "customer_id": "c1", "start_time": start, "urgency": urgency}
}

func TestBookingFlowOverHTTP(t *testing.T) {
	api := newAPI(t)

	rec := api.do(http.MethodGet, "/api/v1/providers/p1/availability?date=2026-03-02&urgency=emergency", "b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decodeBody[struct {
		Slots []slotResponse `json:"slots"`
	}](t, rec)
	require.Len(t, avail.Slots, 6)
	assert.True(t, avail.Slots[0].EmergencyOnly)
	assert.Equal(t, "2026-03-02T09:00:00Z", avail.Slots[0].StartTime)

	rec = api.do(http.MethodPost, "/api/v1/appointments", "b1", book("2026-03-02T09:00:00Z", "low"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/appointments", "b1", book("2026-03-02T10:00:00Z", "low"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decodeBody[appointmentResponse](t, rec)
	assert.Equal(t, "confirmed", appt.Status)
	assert.Equal(t, "2026-03-02T10:30:00Z", appt.EndTime)

	rec = api.do(http.MethodPost, "/api/v1/appointments", "b1", book("2026-03-02T10:00:00Z", "low"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "this time is no longer available, please choose another", decodeBody[map[string]string](t, rec)["error"])

	rec = api.do(http.MethodGet, "/api/v1/appointments/"+appt.ID, "b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, "/api/v1/appointments/"+appt.ID, "b2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/appointments/"+appt.ID+"/reschedule", "b1", map[string]any{"start_time": "2026-03-02T11:00:00Z"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	moved := decodeBody[appointmentResponse](t, rec)
	assert.Equal(t, appt.ID, moved.PreviousAppointmentID)

	rec = api.do(http.MethodPost, "/api/v1/appointments/"+moved.ID+"/cancel", "b1", map[string]any{"reason": "sick"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody[appointmentResponse](t, rec).Status)

	rec = api.do(http.MethodPost, "/api/v1/appointments/"+moved.ID+"/start", "b1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/providers/p1/appointments?status=cancelled", "b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Items []appointmentResponse `json:"items"`
	}](t, rec)
	assert.Len(t, list.Items, 2)
}

func TestRequestValidation(t *testing.T) {
	api := newAPI(t)

	rec := api.do(http.MethodPost, "/api/v1/appointments", "", book("2026-03-02T10:00:00Z", "low"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/appointments", "b1", map[string]any{"provider_id": "p1", "start_time": "2026-03-02T10:00:00Z"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "customer_id is required", decodeBody[map[string]string](t, rec)["error"])

	rec = api.do(http.MethodPost, "/api/v1/appointments", "b1", book("2026-03-02T10:00:00Z", "whenever"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/providers/p1/availability?date=tomorrow", "b1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/providers/p1/rules", "b1", map[string]any{"weekday": 1, "start_minute": 600, "end_minute": 540})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPut, "/api/v1/providers/p2", "b1", map[string]any{"slot_duration_minutes": 30, "timezone": "Mars/Olympus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntervalsAndBlockedDays(t *testing.T) {
	api := newAPI(t)

	rec := api.do(http.MethodGet, "/api/v1/providers/p1/intervals?date=2026-03-03", "b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unavailable", decodeBody[map[string]any](t, rec)["status"])

	rec = api.do(http.MethodPost, "/api/v1/providers/p1/slots/generate", "b1", map[string]any{"date": "2026-03-02"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/providers/p1/blocked-days", "b1", map[string]any{
		"date": "2026-03-02", "start_minute": 540, "end_minute": 660, "reason": "training",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	blocked := decodeBody[blockedDayResponse](t, rec)

	rec = api.do(http.MethodGet, "/api/v1/providers/p1/intervals?date=2026-03-02", "b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	intervals := decodeBody[struct {
		Intervals []intervalResponse `json:"intervals"`
	}](t, rec)
	require.Len(t, intervals.Intervals, 1)
	assert.Equal(t, "2026-03-02T11:00:00Z", intervals.Intervals[0].StartTime)

	rec = api.do(http.MethodGet, "/api/v1/providers/p1/availability?date=2026-03-02&urgency=emergency", "b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decodeBody[struct {
		Slots []slotResponse `json:"slots"`
	}](t, rec)
	assert.Len(t, avail.Slots, 2)

	rec = api.do(http.MethodDelete, "/api/v1/providers/p1/blocked-days/"+blocked.ID, "b1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(http.MethodDelete, "/api/v1/providers/p1/blocked-days/"+blocked.ID, "b1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPolicyRoundTrip(t *testing.T) {
	api := newAPI(t)

	rec := api.do(http.MethodGet, "/api/v1/policy", "b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.3", decodeBody[policyResponse](t, rec).EmergencyFraction)

	rec = api.do(http.MethodPut, "/api/v1/policy", "b1", map[string]any{"emergency_fraction": "1.5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPut, "/api/v1/policy", "b1", map[string]any{"emergency_fraction": "0", "require_approval": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/v1/appointments", "b1", book("2026-03-02T09:00:00Z", "low"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decodeBody[appointmentResponse](t, rec)
	assert.Equal(t, "requested", appt.Status)

	rec = api.do(http.MethodPost, "/api/v1/appointments/"+appt.ID+"/confirm", "b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", decodeBody[appointmentResponse](t, rec).Status)

	rec = api.do(http.MethodGet, "/api/v1/policy", "b2", nil)
	assert.Equal(t, "0.3", decodeBody[policyResponse](t, rec).EmergencyFraction)
}

func TestProbesAndCORS(t *testing.T) {
	api := newAPI(t)

	rec := api.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/appointments", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	out := httptest.NewRecorder()
	api.handler.ServeHTTP(out, req)
	assert.Equal(t, "https://app.example.com", out.Header().Get("Access-Control-Allow-Origin"))
}
