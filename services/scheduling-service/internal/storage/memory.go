package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/outbox"
)

// Memory is a process-local Store. Each provider key has its own lock; writes are staged on the
// transaction and applied in one step at commit.
type Memory struct {
	mu        sync.Mutex
	locks     map[LockKey]chan struct{}
	providers map[string]model.Provider
	rules     map[string]model.AvailabilityRule
	blocked   map[string]model.BlockedDay
	slots     map[string]model.Slot
	appts     map[string]model.Appointment
	idem      map[string]string
	events    []memEvent
	seq       int64
}

type memEvent struct {
	rec       outbox.Record
	published bool
}

func NewMemory() *Memory {
	return &Memory{
		locks:     map[LockKey]chan struct{}{},
		providers: map[string]model.Provider{},
		rules:     map[string]model.AvailabilityRule{},
		blocked:   map[string]model.BlockedDay{},
		slots:     map[string]model.Slot{},
		appts:     map[string]model.Appointment{},
		idem:      map[string]string{},
	}
}

func providerKey(businessID, providerID string) string {
	return businessID + "/" + providerID
}

func (m *Memory) acquire(ctx context.Context, key LockKey) (func(), error) {
	m.mu.Lock()
	ch := m.locks[key]
	if ch == nil {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) WithTx(ctx context.Context, key LockKey, fn func(ctx context.Context, tx Tx) error) error {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	tx := &memTx{
		m:         m,
		providers: newStaged[model.Provider](),
		rules:     newStaged[model.AvailabilityRule](),
		blocked:   newStaged[model.BlockedDay](),
		slots:     newStaged[model.Slot](),
		appts:     newStaged[model.Appointment](),
		idem:      newStaged[string](),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same guarantee the Postgres exclusion constraint gives.
	for _, a := range tx.appts.puts {
		if !a.Status.Active() {
			continue
		}
		for _, other := range tx.appts.merged(m.appts) {
			if other.ID == a.ID || !other.Status.Active() ||
				other.BusinessID != a.BusinessID || other.ProviderID != a.ProviderID {
				continue
			}
			if other.Interval().Overlaps(a.Interval()) {
				return &model.ConflictError{ProviderID: a.ProviderID, Start: a.StartTime, End: a.End(), ExistingID: other.ID}
			}
		}
	}

	for k, v := range tx.idem.puts {
		if prev, exists := m.idem[k]; exists && prev != v {
			return fmt.Errorf("idempotency key %q already maps to appointment %s", k, prev)
		}
	}

	tx.providers.apply(m.providers)
	tx.rules.apply(m.rules)
	tx.blocked.apply(m.blocked)
	tx.slots.apply(m.slots)
	tx.appts.apply(m.appts)
	for k, v := range tx.idem.puts {
		m.idem[k] = v
	}
	for _, evt := range tx.events {
		m.seq++
		m.events = append(m.events, memEvent{rec: outbox.Record{Seq: m.seq, Event: evt}})
	}
	return nil
}

func (m *Memory) FindAppointment(_ context.Context, businessID, appointmentID string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[appointmentID]
	if !ok || a.BusinessID != businessID {
		return model.Appointment{}, fmt.Errorf("appointment %s: %w", appointmentID, model.ErrNotFound)
	}
	return a, nil
}

func (m *Memory) ListAppointments(_ context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Appointment
	for _, a := range m.appts {
		if a.BusinessID != f.BusinessID {
			continue
		}
		if f.ProviderID != "" && a.ProviderID != f.ProviderID {
			continue
		}
		if !f.From.IsZero() && a.StartTime.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !a.StartTime.Before(f.To) {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	sortAppointments(out)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListActiveProviders(_ context.Context) ([]model.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Provider
	for _, p := range m.providers {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return providerKey(out[i].BusinessID, out[i].ID) < providerKey(out[j].BusinessID, out[j].ID)
	})
	return out, nil
}

// Events returns every committed event in commit order.
func (m *Memory) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outbox.Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.rec.Event)
	}
	return out
}

func (m *Memory) ClaimBatch(ctx context.Context, limit int, publish func(context.Context, []outbox.Record) error) error {
	m.mu.Lock()
	var batch []outbox.Record
	for _, e := range m.events {
		if len(batch) >= limit {
			break
		}
		if !e.published {
			batch = append(batch, e.rec)
		}
	}
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := publish(ctx, batch); err != nil {
		return err
	}

	done := make(map[int64]bool, len(batch))
	for _, r := range batch {
		done[r.Seq] = true
	}
	m.mu.Lock()
	for i := range m.events {
		if done[m.events[i].rec.Seq] {
			m.events[i].published = true
		}
	}
	m.mu.Unlock()
	return nil
}

type staged[V any] struct {
	puts map[string]V
	dels map[string]bool
}

func newStaged[V any]() *staged[V] {
	return &staged[V]{puts: map[string]V{}, dels: map[string]bool{}}
}

func (s *staged[V]) put(k string, v V) {
	delete(s.dels, k)
	s.puts[k] = v
}

func (s *staged[V]) del(k string) {
	delete(s.puts, k)
	s.dels[k] = true
}

func (s *staged[V]) get(base map[string]V, k string) (V, bool) {
	if v, ok := s.puts[k]; ok {
		return v, true
	}
	if s.dels[k] {
		var zero V
		return zero, false
	}
	v, ok := base[k]
	return v, ok
}

func (s *staged[V]) merged(base map[string]V) []V {
	out := make([]V, 0, len(base)+len(s.puts))
	for k, v := range base {
		if s.dels[k] {
			continue
		}
		if _, ok := s.puts[k]; ok {
			continue
		}
		out = append(out, v)
	}
	for _, v := range s.puts {
		out = append(out, v)
	}
	return out
}

func (s *staged[V]) apply(base map[string]V) {
	for k := range s.dels {
		delete(base, k)
	}
	for k, v := range s.puts {
		base[k] = v
	}
}

type memTx struct {
	m         *Memory
	providers *staged[model.Provider]
	rules     *staged[model.AvailabilityRule]
	blocked   *staged[model.BlockedDay]
	slots     *staged[model.Slot]
	appts     *staged[model.Appointment]
	idem      *staged[string]
	events    []outbox.Event
}

func (t *memTx) LoadProvider(_ context.Context, businessID, providerID string) (model.Provider, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	p, ok := t.providers.get(t.m.providers, providerKey(businessID, providerID))
	if !ok {
		return model.Provider{}, fmt.Errorf("provider %s: %w", providerID, model.ErrNotFound)
	}
	return p, nil
}

func (t *memTx) SaveProvider(_ context.Context, p model.Provider) error {
	t.providers.put(providerKey(p.BusinessID, p.ID), p)
	return nil
}

func (t *memTx) LoadRules(_ context.Context, businessID, providerID string) ([]model.AvailabilityRule, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var out []model.AvailabilityRule
	for _, r := range t.rules.merged(t.m.rules) {
		if r.BusinessID == businessID && r.ProviderID == providerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) SaveRule(_ context.Context, r model.AvailabilityRule) error {
	t.rules.put(r.ID, r)
	return nil
}

func (t *memTx) LoadBlockedDays(_ context.Context, businessID, providerID string, date time.Time) ([]model.BlockedDay, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var out []model.BlockedDay
	for _, b := range t.blocked.merged(t.m.blocked) {
		if b.BusinessID == businessID && b.ProviderID == providerID && model.SameDate(b.Date, date) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) GetBlockedDay(_ context.Context, businessID, providerID, id string) (model.BlockedDay, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	b, ok := t.blocked.get(t.m.blocked, id)
	if !ok || b.BusinessID != businessID || b.ProviderID != providerID {
		return model.BlockedDay{}, fmt.Errorf("blocked day %s: %w", id, model.ErrNotFound)
	}
	return b, nil
}

func (t *memTx) SaveBlockedDay(_ context.Context, b model.BlockedDay) error {
	t.blocked.put(b.ID, b)
	return nil
}

func (t *memTx) DeleteBlockedDay(ctx context.Context, businessID, providerID, id string) error {
	if _, err := t.GetBlockedDay(ctx, businessID, providerID, id); err != nil {
		return err
	}
	t.blocked.del(id)
	return nil
}

func (t *memTx) LoadSlots(_ context.Context, businessID, providerID string, date time.Time) ([]model.Slot, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var out []model.Slot
	for _, s := range t.slots.merged(t.m.slots) {
		if s.BusinessID == businessID && s.ProviderID == providerID && model.SameDate(s.Date, date) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (t *memTx) GetSlot(_ context.Context, businessID, slotID string) (model.Slot, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	s, ok := t.slots.get(t.m.slots, slotID)
	if !ok || s.BusinessID != businessID {
		return model.Slot{}, fmt.Errorf("slot %s: %w", slotID, model.ErrNotFound)
	}
	return s, nil
}

func (t *memTx) SaveSlots(_ context.Context, slots ...model.Slot) error {
	for _, s := range slots {
		t.slots.put(s.ID, s)
	}
	return nil
}

func (t *memTx) DeleteSlots(_ context.Context, businessID string, ids ...string) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, id := range ids {
		if s, ok := t.slots.get(t.m.slots, id); ok && s.BusinessID == businessID {
			t.slots.del(id)
		}
	}
	return nil
}

func (t *memTx) LoadActiveAppointments(_ context.Context, businessID, providerID string, from, to time.Time) ([]model.Appointment, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	window := model.Interval{Start: from, End: to}
	var out []model.Appointment
	for _, a := range t.appts.merged(t.m.appts) {
		if a.BusinessID != businessID || a.ProviderID != providerID || !a.Status.Active() {
			continue
		}
		if a.Interval().Overlaps(window) {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func (t *memTx) GetAppointment(_ context.Context, businessID, appointmentID string) (model.Appointment, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	a, ok := t.appts.get(t.m.appts, appointmentID)
	if !ok || a.BusinessID != businessID {
		return model.Appointment{}, fmt.Errorf("appointment %s: %w", appointmentID, model.ErrNotFound)
	}
	return a, nil
}

func (t *memTx) SaveAppointment(_ context.Context, a model.Appointment) error {
	t.appts.put(a.ID, a)
	return nil
}

func (t *memTx) DeleteAppointment(ctx context.Context, businessID, appointmentID string) error {
	if _, err := t.GetAppointment(ctx, businessID, appointmentID); err != nil {
		return err
	}
	t.appts.del(appointmentID)
	return nil
}

func idemKey(businessID, providerID, key string) string {
	return businessID + "|" + providerID + "|" + key
}

func (t *memTx) GetIdempotencyKey(_ context.Context, businessID, providerID, key string) (string, bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	id, ok := t.idem.get(t.m.idem, idemKey(businessID, providerID, key))
	return id, ok, nil
}

func (t *memTx) SaveIdempotencyKey(_ context.Context, businessID, providerID, key, appointmentID string) error {
	t.idem.put(idemKey(businessID, providerID, key), appointmentID)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	t.events = append(t.events, evt)
	return nil
}

func sortAppointments(out []model.Appointment) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
}

var (
	_ Store         = (*Memory)(nil)
	_ outbox.Source = (*Memory)(nil)
)
