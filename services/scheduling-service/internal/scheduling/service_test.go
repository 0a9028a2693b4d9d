package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/quota"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

// 2026-03-02 is a Monday.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	svc   *Service
	store *storage.Memory
	clock *clock
}

func defaultPolicy() policy.Policy {
	return policy.Policy{EmergencyFraction: quota.DefaultMinFraction}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, pol policy.Policy) *harness {
	t.Helper()
	return newHarnessWithStore(t, pol, nil)
}

func newHarnessWithStore(t *testing.T, pol policy.Policy, wrap func(storage.Store) storage.Store) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemory(), clock: &clock{t: monday.Add(-12 * time.Hour)}}
	var store storage.Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	h.svc = NewService(store, policy.NewStaticProvider(pol), discardLogger(), Config{TxTimeout: time.Second}, WithClock(h.clock.Now))

	ctx := context.Background()
	_, err := h.svc.SaveProvider(ctx, model.Provider{
		ID: "p1", BusinessID: "b1", Name: "Dr. Rivera", IsActive: true, SlotDuration: 30 * time.Minute,
	})
	require.NoError(t, err)
	_, err = h.svc.AddRule(ctx, model.AvailabilityRule{
		BusinessID:    "b1",
		ProviderID:    "p1",
		Weekday:       time.Monday,
		StartMinute:   9 * 60,
		EndMinute:     12 * 60,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) book(start time.Time, urgency model.Urgency) (model.Appointment, error) {
	return h.svc.Book(context.Background(), BookRequest{
		BusinessID: "b1", ProviderID: "p1", CustomerID: "c1", Start: start, Duration: 30 * time.Minute, Urgency: urgency,
	})
}

func (h *harness) slots(t *testing.T) []model.Slot {
	t.Helper()
	var out []model.Slot
	require.NoError(t, h.store.WithTx(context.Background(), storage.LockKey{BusinessID: "b1", ProviderID: "p1"},
		func(ctx context.Context, tx storage.Tx) error {
			var err error
			out, err = tx.LoadSlots(ctx, "b1", "p1", monday)
			return err
		}))
	return out
}

func slotAt(t *testing.T, slots []model.Slot, start time.Time) model.Slot {
	t.Helper()
	for _, s := range slots {
		if s.StartTime.Equal(start) {
			return s
		}
	}
	t.Fatalf("no slot at %s", start.Format(time.RFC3339))
	return model.Slot{}
}

func TestMondayScenario(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	slots, err := h.svc.EnsureSlotsGenerated(ctx, "b1", "p1", monday)
	require.NoError(t, err)
	require.Len(t, slots, 6)
	for i, s := range slots {
		assert.Equal(t, at(9, 0).Add(time.Duration(i)*30*time.Minute), s.StartTime)
		assert.Equal(t, i < 2, s.EmergencyOnly, "slot %d", i)
	}

	_, err = h.book(at(9, 0), model.UrgencyLow)
	assert.ErrorIs(t, err, model.ErrSlotNotEmergencyEligible)

	appt, err := h.book(at(10, 0), model.UrgencyLow)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, appt.Status)
	ten := slotAt(t, h.slots(t), at(10, 0))
	assert.False(t, ten.IsAvailable)
	assert.Equal(t, appt.ID, ten.AppointmentID)

	_, err = h.book(at(10, 0), model.UrgencyLow)
	require.Error(t, err)
	assert.True(t, model.IsTimeUnavailable(err))
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestEnsureSlotsGeneratedIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	first, err := h.svc.EnsureSlotsGenerated(ctx, "b1", "p1", monday)
	require.NoError(t, err)
	appt, err := h.book(at(11, 0), model.UrgencyNormal)
	require.NoError(t, err)

	second, err := h.svc.EnsureSlotsGenerated(ctx, "b1", "p1", monday)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
	assert.Equal(t, appt.ID, slotAt(t, second, at(11, 0)).AppointmentID)
	assert.Len(t, h.slots(t), 6)
}

func TestQueryAvailabilityByUrgency(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	low, err := h.svc.QueryAvailability(ctx, "b1", "p1", monday, model.UrgencyLow)
	require.NoError(t, err)
	assert.Len(t, low, 4)

	urgent, err := h.svc.QueryAvailability(ctx, "b1", "p1", monday, model.UrgencyEmergency)
	require.NoError(t, err)
	assert.Len(t, urgent, 6)

	_, err = h.book(at(9, 30), model.UrgencyHigh)
	require.NoError(t, err)
	urgent, err = h.svc.QueryAvailability(ctx, "b1", "p1", monday, model.UrgencyEmergency)
	require.NoError(t, err)
	assert.Len(t, urgent, 5)

	h.clock.Set(at(10, 45))
	low, err = h.svc.QueryAvailability(ctx, "b1", "p1", monday, model.UrgencyLow)
	require.NoError(t, err)
	require.Len(t, low, 2, "past slots are hidden")
	assert.Equal(t, at(11, 0), low[0].StartTime)
}

func TestDayWithoutRuleIsUnavailable(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	tuesday := monday.AddDate(0, 0, 1)

	slots, err := h.svc.EnsureSlotsGenerated(ctx, "b1", "p1", tuesday)
	require.NoError(t, err)
	assert.Empty(t, slots)

	_, err = h.svc.ResolveAvailability(ctx, "b1", "p1", tuesday)
	assert.ErrorIs(t, err, model.ErrNoRuleConfigured)

	_, err = h.book(tuesday.Add(10*time.Hour), model.UrgencyNormal)
	assert.ErrorIs(t, err, model.ErrSlotUnavailable)
}

func TestConcurrentBookingsForSameSlot(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	_, err := h.svc.EnsureSlotsGenerated(context.Background(), "b1", "p1", monday)
	require.NoError(t, err)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.svc.Book(context.Background(), BookRequest{
				BusinessID: "b1", ProviderID: "p1", CustomerID: fmt.Sprintf("c%d", i),
				Start: at(10, 0), Urgency: model.UrgencyNormal,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestRescheduleIsAtomic(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	a1, err := h.book(at(10, 0), model.UrgencyNormal)
	require.NoError(t, err)
	_, err = h.book(at(11, 0), model.UrgencyNormal)
	require.NoError(t, err)

	_, err = h.svc.Reschedule(ctx, RescheduleRequest{BusinessID: "b1", AppointmentID: a1.ID, NewStart: at(11, 0), Actor: "customer"})
	require.ErrorIs(t, err, model.ErrConflict)

	still, err := h.svc.GetAppointment(ctx, "b1", a1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, still.Status)
	assert.Equal(t, a1.ID, slotAt(t, h.slots(t), at(10, 0)).AppointmentID)

	moved, err := h.svc.Reschedule(ctx, RescheduleRequest{BusinessID: "b1", AppointmentID: a1.ID, NewStart: at(11, 30), Actor: "customer"})
	require.NoError(t, err)
	assert.Equal(t, a1.ID, moved.PreviousAppointmentID)
	assert.Equal(t, model.StatusConfirmed, moved.Status)
	assert.Equal(t, a1.CustomerID, moved.CustomerID)

	old, err := h.svc.GetAppointment(ctx, "b1", a1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, old.Status)
	assert.Equal(t, "rescheduled", old.CancelReason)
	assert.Equal(t, "customer", old.CancelledBy)

	slots := h.slots(t)
	assert.True(t, slotAt(t, slots, at(10, 0)).Bookable())
	assert.Equal(t, moved.ID, slotAt(t, slots, at(11, 30)).AppointmentID)
}

func TestRescheduleIntoOwnTime(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	a1, err := h.book(at(10, 0), model.UrgencyNormal)
	require.NoError(t, err)

	moved, err := h.svc.Reschedule(context.Background(), RescheduleRequest{BusinessID: "b1", AppointmentID: a1.ID, NewStart: at(10, 0)})
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, moved.ID)
	assert.Equal(t, moved.ID, slotAt(t, h.slots(t), at(10, 0)).AppointmentID)
}

func TestCancelIsIdempotentAndFlagsLateCancellation(t *testing.T) {
	pol := defaultPolicy()
	pol.NoCancelWindow = 24 * time.Hour
	h := newHarness(t, pol)
	ctx := context.Background()

	a, err := h.book(at(10, 0), model.UrgencyNormal)
	require.NoError(t, err)

	cancelled, err := h.svc.Cancel(ctx, CancelRequest{BusinessID: "b1", AppointmentID: a.ID, Actor: "customer", Reason: "conflict at work"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.LateCancellation)
	assert.True(t, slotAt(t, h.slots(t), at(10, 0)).Bookable())

	again, err := h.svc.Cancel(ctx, CancelRequest{BusinessID: "b1", AppointmentID: a.ID, Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "customer", again.CancelledBy)

	_, err = h.svc.Cancel(ctx, CancelRequest{BusinessID: "b1", AppointmentID: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.svc.Cancel(ctx, CancelRequest{BusinessID: "b2", AppointmentID: a.ID})
	assert.ErrorIs(t, err, model.ErrNotFound, "other tenants cannot see the appointment")
}

func TestApprovalFlow(t *testing.T) {
	pol := defaultPolicy()
	pol.RequireApproval = true
	h := newHarness(t, pol)
	ctx := context.Background()

	a, err := h.book(at(10, 0), model.UrgencyNormal)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRequested, a.Status)

	ten := slotAt(t, h.slots(t), at(10, 0))
	assert.True(t, ten.IsAvailable)
	assert.Equal(t, a.ID, ten.AppointmentID)

	visible, err := h.svc.QueryAvailability(ctx, "b1", "p1", monday, model.UrgencyNormal)
	require.NoError(t, err)
	for _, s := range visible {
		assert.NotEqual(t, at(10, 0), s.StartTime)
	}

	_, err = h.book(at(10, 0), model.UrgencyNormal)
	assert.ErrorIs(t, err, model.ErrConflict)

	confirmed, err := h.svc.Confirm(ctx, "b1", a.ID, "provider")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)
	assert.False(t, slotAt(t, h.slots(t), at(10, 0)).IsAvailable)

	_, err = h.svc.Confirm(ctx, "b1", a.ID, "provider")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestUnslottedFallback(t *testing.T) {
	ctx := context.Background()

	strict := newHarness(t, defaultPolicy())
	_, err := strict.svc.Book(ctx, BookRequest{BusinessID: "b1", ProviderID: "p1", CustomerID: "c1", Start: at(10, 15), Duration: 20 * time.Minute})
	assert.ErrorIs(t, err, model.ErrSlotUnavailable)

	pol := defaultPolicy()
	pol.AllowUnslotted = true
	h := newHarness(t, pol)
	free, err := h.svc.Book(ctx, BookRequest{BusinessID: "b1", ProviderID: "p1", CustomerID: "c1", Start: at(10, 15), Duration: 20 * time.Minute})
	require.NoError(t, err)
	assert.Empty(t, free.SlotID)
	assert.Equal(t, 20*time.Minute, free.Duration)

	_, err = h.book(at(10, 0), model.UrgencyNormal)
	assert.ErrorIs(t, err, model.ErrConflict, "unslotted appointments hold time too")

	_, err = h.svc.Book(ctx, BookRequest{BusinessID: "b1", ProviderID: "p1", CustomerID: "c1", Start: at(11, 0), Duration: 45 * time.Minute})
	assert.ErrorIs(t, err, model.ErrSlotUnavailable, "slot duration mismatch")
}

func TestAvailabilityHidesTimeHeldByUnslottedAppointments(t *testing.T) {
	pol := defaultPolicy()
	pol.AllowUnslotted = true
	h := newHarness(t, pol)
	ctx := context.Background()

	_, err := h.svc.Book(ctx, BookRequest{BusinessID: "b1", ProviderID: "p1", CustomerID: "c1", Start: at(10, 15), Duration: 30 * time.Minute})
	require.NoError(t, err)

	offered, err := h.svc.QueryAvailability(ctx, "b1", "p1", monday, model.UrgencyLow)
	require.NoError(t, err)
	var starts []time.Time
	for _, sl := range offered {
		starts = append(starts, sl.StartTime)
	}
	assert.Equal(t, []time.Time{at(11, 0), at(11, 30)}, starts)

	for _, sl := range offered {
		_, err := h.book(sl.StartTime, model.UrgencyLow)
		require.NoError(t, err, "offered %s", sl.StartTime.Format(time.Kitchen))
	}
}

func TestEmergencyBookingsDoNotShrinkRegularCapacity(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	for _, start := range []time.Time{at(10, 0), at(10, 30), at(11, 0)} {
		_, err := h.book(start, model.UrgencyLow)
		require.NoError(t, err)
	}
	for _, start := range []time.Time{at(9, 0), at(9, 30)} {
		_, err := h.book(start, model.UrgencyHigh)
		require.NoError(t, err)
	}

	low, err := h.svc.QueryAvailability(ctx, "b1", "p1", monday, model.UrgencyLow)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, at(11, 30), low[0].StartTime)
	assert.False(t, slotAt(t, h.slots(t), at(11, 30)).EmergencyOnly)

	_, err = h.book(at(11, 30), model.UrgencyLow)
	require.NoError(t, err)
}

func TestLifecycleAndNoShow(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	a, err := h.book(at(10, 0), model.UrgencyNormal)
	require.NoError(t, err)
	_, err = h.svc.MarkNoShow(ctx, "b1", a.ID, "provider")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	h.clock.Set(at(10, 30))
	noShow, err := h.svc.MarkNoShow(ctx, "b1", a.ID, "provider")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoShow, noShow.Status)

	b, err := h.book(at(11, 0), model.UrgencyNormal)
	require.NoError(t, err)
	_, err = h.svc.Complete(ctx, "b1", b.ID, "provider")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	_, err = h.svc.Start(ctx, "b1", b.ID, "provider")
	require.NoError(t, err)
	done, err := h.svc.Complete(ctx, "b1", b.ID, "provider")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	_, err = h.svc.Cancel(ctx, CancelRequest{BusinessID: "b1", AppointmentID: b.ID})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestBlockedDayReconcilesGeneratedSlots(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	_, err := h.svc.EnsureSlotsGenerated(ctx, "b1", "p1", monday)
	require.NoError(t, err)
	booked, err := h.book(at(10, 0), model.UrgencyNormal)
	require.NoError(t, err)

	block, err := h.svc.AddBlockedDay(ctx, model.BlockedDay{
		BusinessID: "b1", ProviderID: "p1", Date: monday, StartMinute: 9 * 60, EndMinute: 11 * 60, Reason: "training",
	})
	require.NoError(t, err)

	slots := h.slots(t)
	require.Len(t, slots, 3)
	assert.Equal(t, booked.ID, slotAt(t, slots, at(10, 0)).AppointmentID, "bound slots survive blocks")
	assert.True(t, slotAt(t, slots, at(11, 0)).EmergencyOnly, "quota re-applied to the reduced day")

	require.NoError(t, h.svc.LiftBlockedDay(ctx, "b1", "p1", block.ID))
	assert.Len(t, h.slots(t), 6)

	_, err = h.svc.AddBlockedDay(ctx, model.BlockedDay{BusinessID: "b1", ProviderID: "p1", Date: monday, AllDay: true})
	require.NoError(t, err)
	slots = h.slots(t)
	require.Len(t, slots, 1)
	assert.Equal(t, at(10, 0), slots[0].StartTime)
}

func TestNewerRuleSupersedes(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	rule, err := h.svc.AddRule(ctx, model.AvailabilityRule{
		BusinessID: "b1", ProviderID: "p1", Weekday: time.Monday,
		StartMinute: 13 * 60, EndMinute: 14 * 60,
		EffectiveFrom: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	intervals, err := h.svc.ResolveAvailability(ctx, "b1", "p1", monday)
	require.NoError(t, err)
	assert.Equal(t, []model.Interval{{Start: at(13, 0), End: at(14, 0)}}, intervals)

	_, err = h.svc.DeactivateRule(ctx, "b1", "p1", rule.ID)
	require.NoError(t, err)
	intervals, err = h.svc.ResolveAvailability(ctx, "b1", "p1", monday)
	require.NoError(t, err)
	assert.Equal(t, []model.Interval{{Start: at(9, 0), End: at(12, 0)}}, intervals)
}

func TestIdempotencyKeyReturnsFirstAppointment(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	req := BookRequest{BusinessID: "b1", ProviderID: "p1", CustomerID: "c1", Start: at(10, 0), IdempotencyKey: "req-1"}

	first, err := h.svc.Book(context.Background(), req)
	require.NoError(t, err)
	second, err := h.svc.Book(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestIdempotencyKeysAreScopedToProvider(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, err := h.svc.SaveProvider(ctx, model.Provider{ID: "p2", BusinessID: "b1", IsActive: true, SlotDuration: 30 * time.Minute})
	require.NoError(t, err)
	_, err = h.svc.AddRule(ctx, model.AvailabilityRule{
		BusinessID: "b1", ProviderID: "p2", Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 12 * 60,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	providers := []string{"p1", "p2"}
	booked := make([]model.Appointment, len(providers))
	errs := make([]error, len(providers))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			<-start
			booked[i], errs[i] = h.svc.Book(ctx, BookRequest{
				BusinessID: "b1", ProviderID: p, CustomerID: "c1", Start: at(10, 0), IdempotencyKey: "shared",
			})
		}(i, p)
	}
	close(start)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, booked[0].ID, booked[1].ID)

	for i, p := range providers {
		again, err := h.svc.Book(ctx, BookRequest{
			BusinessID: "b1", ProviderID: p, CustomerID: "c1", Start: at(10, 0), IdempotencyKey: "shared",
		})
		require.NoError(t, err)
		assert.Equal(t, booked[i].ID, again.ID, p)
		assert.Equal(t, p, again.ProviderID)
	}
}

func TestBookValidation(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	_, err := h.svc.Book(ctx, BookRequest{BusinessID: "b1", ProviderID: "p1", CustomerID: "c1", Start: at(10, 0), Duration: -time.Minute})
	assert.ErrorIs(t, err, model.ErrInvalidDuration)
	_, err = h.svc.Book(ctx, BookRequest{BusinessID: "b1", ProviderID: "p1", CustomerID: "c1", Start: at(10, 0), Urgency: "whenever"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = h.svc.Book(ctx, BookRequest{BusinessID: "b1", ProviderID: "p1", Start: at(10, 0)})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = h.svc.Book(ctx, BookRequest{BusinessID: "b1", ProviderID: "p1", CustomerID: "c1", Start: monday.Add(-time.Hour)})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = h.svc.Book(ctx, BookRequest{BusinessID: "b1", ProviderID: "nobody", CustomerID: "c1", Start: at(10, 0)})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.svc.SaveProvider(ctx, model.Provider{ID: "p1", BusinessID: "b1", IsActive: false, SlotDuration: 30 * time.Minute})
	require.NoError(t, err)
	_, err = h.book(at(10, 0), model.UrgencyNormal)
	assert.ErrorIs(t, err, model.ErrProviderInactive)
}

func TestEventsCarryAppointmentPayload(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	a, err := h.book(at(10, 0), model.UrgencyNormal)
	require.NoError(t, err)
	_, err = h.svc.Cancel(context.Background(), CancelRequest{BusinessID: "b1", AppointmentID: a.ID, Actor: "customer"})
	require.NoError(t, err)

	events := h.store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, booking.EventConfirmed, events[0].EventType)
	assert.Equal(t, booking.EventCancelled, events[1].EventType)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, a.ID, payload["appointment_id"])
	assert.Equal(t, "cancelled", payload["status"])
	assert.Equal(t, "b1", events[1].BusinessID)
}

type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyStore) WithTx(ctx context.Context, key storage.LockKey, fn func(ctx context.Context, tx storage.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.Store.WithTx(ctx, key, fn)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var flaky *flakyStore
	h := newHarnessWithStore(t, defaultPolicy(), func(s storage.Store) storage.Store {
		flaky = &flakyStore{Store: s}
		return flaky
	})

	flaky.mu.Lock()
	flaky.failures = 2
	flaky.calls = 0
	flaky.err = fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"})
	flaky.mu.Unlock()

	_, err := h.book(at(10, 0), model.UrgencyNormal)
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
}

func TestInfrastructureFailuresSurfaceAsAtomicityFailure(t *testing.T) {
	var flaky *flakyStore
	h := newHarnessWithStore(t, defaultPolicy(), func(s storage.Store) storage.Store {
		flaky = &flakyStore{Store: s}
		return flaky
	})
	flaky.mu.Lock()
	flaky.failures = 1
	flaky.err = errors.New("connection reset")
	flaky.mu.Unlock()

	_, err := h.book(at(10, 0), model.UrgencyNormal)
	assert.ErrorIs(t, err, model.ErrAtomicityFailure)
	assert.Empty(t, h.store.Events())
}

func TestTransactionTimeoutRollsBack(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.svc.cfg.TxTimeout = 30 * time.Millisecond

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.store.WithTx(context.Background(), storage.LockKey{BusinessID: "b1", ProviderID: "p1"}, func(context.Context, storage.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	_, err := h.book(at(10, 0), model.UrgencyNormal)
	assert.ErrorIs(t, err, model.ErrAtomicityFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	pol := defaultPolicy()
	pol.AllowUnslotted = true
	pol.EmergencyFraction = decimal.RequireFromString("0.25")
	h := newHarness(t, pol)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	urgencies := []model.Urgency{model.UrgencyLow, model.UrgencyNormal, model.UrgencyHigh, model.UrgencyEmergency}

	var ids []string
	for i := 0; i < 300; i++ {
		start := at(9, 0).Add(time.Duration(rng.Intn(36)) * 5 * time.Minute)
		var err error
		switch op := rng.Intn(4); {
		case op <= 1 || len(ids) == 0:
			var a model.Appointment
			a, err = h.svc.Book(ctx, BookRequest{
				BusinessID: "b1", ProviderID: "p1", CustomerID: fmt.Sprintf("c%d", i),
				Start: start, Duration: time.Duration(1+rng.Intn(3)) * 15 * time.Minute,
				Urgency: urgencies[rng.Intn(len(urgencies))],
			})
			if err == nil {
				ids = append(ids, a.ID)
			}
		case op == 2:
			_, err = h.svc.Cancel(ctx, CancelRequest{BusinessID: "b1", AppointmentID: ids[rng.Intn(len(ids))], Actor: "fuzz"})
		default:
			var a model.Appointment
			a, err = h.svc.Reschedule(ctx, RescheduleRequest{BusinessID: "b1", AppointmentID: ids[rng.Intn(len(ids))], NewStart: start})
			if err == nil {
				ids = append(ids, a.ID)
			}
		}
		if err != nil {
			require.NotErrorIs(t, err, model.ErrAtomicityFailure)
		}
		assertInvariants(t, h)
	}
}

func assertInvariants(t *testing.T, h *harness) {
	t.Helper()
	appts, err := h.svc.ListAppointments(context.Background(), storage.AppointmentFilter{BusinessID: "b1", Limit: 100000})
	require.NoError(t, err)

	var active []model.Appointment
	for _, a := range appts {
		if a.Status.Active() {
			active = append(active, a)
		}
	}
	for i := range active {
		for j := i + 1; j < len(active); j++ {
			require.False(t, active[i].Interval().Overlaps(active[j].Interval()),
				"%s overlaps %s", active[i].ID, active[j].ID)
		}
	}

	slots := h.slots(t)
	unavailable := 0
	for _, s := range slots {
		if s.IsAvailable {
			continue
		}
		unavailable++
		holders := 0
		for _, a := range active {
			if a.SlotID == s.ID {
				holders++
				require.Equal(t, a.ID, s.AppointmentID)
			}
		}
		require.Equal(t, 1, holders, "slot %s", s.ID)
	}
	require.LessOrEqual(t, unavailable, len(slots))
}
