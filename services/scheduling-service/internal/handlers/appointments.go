package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/md-rashed-zaman/slotengine/libs/httpx"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/scheduling"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if !h.decode(w, r, &req) {
		return
	}
	appt, err := h.svc.Book(r.Context(), scheduling.BookRequest{
		BusinessID:     httpx.BusinessID(r),
		ProviderID:     strings.TrimSpace(req.ProviderID),
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Start:          req.StartTime,
		Duration:       time.Duration(req.DurationMinutes) * time.Minute,
		Urgency:        model.Urgency(req.Urgency),
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		Actor:          actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointment(appt))
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.GetAppointment(r.Context(), httpx.BusinessID(r), chi.URLParam(r, "appointmentID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(appt))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	appt, err := h.svc.Cancel(r.Context(), scheduling.CancelRequest{
		BusinessID:    httpx.BusinessID(r),
		AppointmentID: chi.URLParam(r, "appointmentID"),
		Actor:         actor(r),
		Reason:        strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(appt))
}

func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	appt, err := h.svc.Reschedule(r.Context(), scheduling.RescheduleRequest{
		BusinessID:    httpx.BusinessID(r),
		AppointmentID: chi.URLParam(r, "appointmentID"),
		NewStart:      req.StartTime,
		NewDuration:   time.Duration(req.DurationMinutes) * time.Minute,
		Actor:         actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointment(appt))
}

type transitionFunc func(ctx context.Context, businessID, appointmentID, actor string) (model.Appointment, error)

func (h *Handler) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appt, err := fn(r.Context(), httpx.BusinessID(r), chi.URLParam(r, "appointmentID"), actor(r))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointment(appt))
	}
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(h.svc.Confirm)(w, r)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(h.svc.Start)(w, r)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(h.svc.Complete)(w, r)
}

func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(h.svc.MarkNoShow)(w, r)
}

// Purge hard-deletes the appointment. Operators only; regular flows cancel.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.PurgeAppointment(r.Context(), httpx.BusinessID(r), chi.URLParam(r, "appointmentID"), actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AppointmentFilter{
		BusinessID: httpx.BusinessID(r),
		ProviderID: chi.URLParam(r, "providerID"),
	}
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = t
	}
	if raw := q.Get("status"); raw != "" {
		st, err := model.ParseStatus(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.Status = st
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}

	appts, err := h.svc.ListAppointments(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		items = append(items, toAppointment(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
