package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/md-rashed-zaman/slotengine/libs/httpx"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
)

func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	date, err := model.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	urgency, err := model.ParseUrgency(r.URL.Query().Get("urgency"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slots, err := h.svc.QueryAvailability(r.Context(), httpx.BusinessID(r), chi.URLParam(r, "providerID"), date, urgency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		items = append(items, toSlot(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":    date.Format(model.DateLayout),
		"urgency": string(urgency),
		"slots":   items,
	})
}

// Intervals reports the resolved open time of a date. A weekday without a rule is reported as unavailable.
func (h *Handler) Intervals(w http.ResponseWriter, r *http.Request) {
	date, err := model.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	intervals, err := h.svc.ResolveAvailability(r.Context(), httpx.BusinessID(r), chi.URLParam(r, "providerID"), date)
	if errors.Is(err, model.ErrNoRuleConfigured) {
		writeJSON(w, http.StatusOK, map[string]any{"date": date.Format(model.DateLayout), "status": "unavailable", "intervals": []intervalResponse{}})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]intervalResponse, 0, len(intervals))
	for _, iv := range intervals {
		items = append(items, intervalResponse{StartTime: rfc3339(iv.Start), EndTime: rfc3339(iv.End)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date.Format(model.DateLayout), "status": "available", "intervals": items})
}

func (h *Handler) GenerateSlots(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := model.ParseDate(req.Date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slots, err := h.svc.EnsureSlotsGenerated(r.Context(), httpx.BusinessID(r), chi.URLParam(r, "providerID"), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		items = append(items, toSlot(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date.Format(model.DateLayout), "slots": items})
}

func (h *Handler) PutProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	p, err := h.svc.SaveProvider(r.Context(), model.Provider{
		ID:           chi.URLParam(r, "providerID"),
		BusinessID:   httpx.BusinessID(r),
		Name:         strings.TrimSpace(req.Name),
		IsActive:     active,
		SlotDuration: time.Duration(req.SlotDurationMinutes) * time.Minute,
		Timezone:     req.Timezone,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProvider(p))
}

func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule := model.AvailabilityRule{
		BusinessID:  httpx.BusinessID(r),
		ProviderID:  chi.URLParam(r, "providerID"),
		Weekday:     time.Weekday(*req.Weekday),
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
	}
	for _, b := range req.Breaks {
		rule.Breaks = append(rule.Breaks, model.Window{StartMinute: b.StartMinute, EndMinute: b.EndMinute})
	}
	if req.EffectiveFrom != "" {
		from, err := model.ParseDate(req.EffectiveFrom)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		rule.EffectiveFrom = from
	}
	if req.EffectiveTo != "" {
		to, err := model.ParseDate(req.EffectiveTo)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		rule.EffectiveTo = &to
	}

	saved, err := h.svc.AddRule(r.Context(), rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRule(saved))
}

func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.DeactivateRule(r.Context(), httpx.BusinessID(r), chi.URLParam(r, "providerID"), chi.URLParam(r, "ruleID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRule(rule))
}

func (h *Handler) AddBlockedDay(w http.ResponseWriter, r *http.Request) {
	var req blockedDayRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := model.ParseDate(req.Date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.svc.AddBlockedDay(r.Context(), model.BlockedDay{
		BusinessID:  httpx.BusinessID(r),
		ProviderID:  chi.URLParam(r, "providerID"),
		Date:        date,
		AllDay:      req.AllDay,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
		Reason:      strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBlockedDay(b))
}

func (h *Handler) LiftBlockedDay(w http.ResponseWriter, r *http.Request) {
	err := h.svc.LiftBlockedDay(r.Context(), httpx.BusinessID(r), chi.URLParam(r, "providerID"), chi.URLParam(r, "blockedDayID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Policy(r.Context(), httpx.BusinessID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicy(p))
}

func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !h.decode(w, r, &req) {
		return
	}
	fraction, err := decimal.NewFromString(req.EmergencyFraction)
	if err != nil {
		writeError(w, http.StatusBadRequest, "emergency_fraction must be a decimal")
		return
	}
	p := policy.Policy{
		EmergencyFraction: fraction,
		NoCancelWindow:    time.Duration(req.NoCancelWindowMinutes) * time.Minute,
		RequireApproval:   req.RequireApproval,
		AllowUnslotted:    req.AllowUnslotted,
	}
	if err := h.svc.SetPolicy(r.Context(), httpx.BusinessID(r), p); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicy(p))
}
