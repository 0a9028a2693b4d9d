package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/outbox"
)

// Postgres implements Store over pgx. WithTx runs at READ COMMITTED and takes a transaction scoped
// advisory lock on the provider key; the appointments exclusion constraint backs the conflict guard.
type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool, outboxRepo *outbox.Repository) *Postgres {
	return &Postgres{pool: pool, outbox: outboxRepo}
}

func (p *Postgres) WithTx(ctx context.Context, key LockKey, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	if err := fn(ctx, &pgTx{tx: tx, outbox: p.outbox}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (p *Postgres) FindAppointment(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	a, err := scanAppointment(p.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE business_id = $1 AND id = $2
	`, businessID, appointmentID))
	if err != nil {
		return model.Appointment{}, notFound(err, "appointment", appointmentID)
	}
	return a, nil
}

func (p *Postgres) ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	where := []string{"business_id = $1"}
	args := []any{f.BusinessID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ProviderID != "" {
		add("provider_id = $%d", f.ProviderID)
	}
	if !f.From.IsZero() {
		add("start_time >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := p.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY start_time ASC, id ASC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (p *Postgres) ListActiveProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		WHERE is_active
		ORDER BY business_id, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		pr, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

type rowScanner interface {
	Scan(dest ...any) error
}

const providerColumns = `business_id, id, name, is_active, slot_duration_seconds, timezone, created_at`

func scanProvider(row rowScanner) (model.Provider, error) {
	var p model.Provider
	var seconds int
	if err := row.Scan(&p.BusinessID, &p.ID, &p.Name, &p.IsActive, &seconds, &p.Timezone, &p.CreatedAt); err != nil {
		return model.Provider{}, err
	}
	p.SlotDuration = time.Duration(seconds) * time.Second
	return p, nil
}

func (t *pgTx) LoadProvider(ctx context.Context, businessID, providerID string) (model.Provider, error) {
	p, err := scanProvider(t.tx.QueryRow(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		WHERE business_id = $1 AND id = $2
	`, businessID, providerID))
	if err != nil {
		return model.Provider{}, notFound(err, "provider", providerID)
	}
	return p, nil
}

func (t *pgTx) SaveProvider(ctx context.Context, p model.Provider) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO providers (business_id, id, name, is_active, slot_duration_seconds, timezone, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (business_id, id)
		DO UPDATE SET name = EXCLUDED.name,
		              is_active = EXCLUDED.is_active,
		              slot_duration_seconds = EXCLUDED.slot_duration_seconds,
		              timezone = EXCLUDED.timezone
	`, p.BusinessID, p.ID, p.Name, p.IsActive, int(p.SlotDuration/time.Second), p.Timezone, p.CreatedAt)
	return err
}

type breakJSON struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

const ruleColumns = `id, business_id, provider_id, weekday, start_minute, end_minute, breaks, effective_from, effective_to, is_active, created_at`

func (t *pgTx) LoadRules(ctx context.Context, businessID, providerID string) ([]model.AvailabilityRule, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE business_id = $1 AND provider_id = $2
		ORDER BY created_at, id
	`, businessID, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AvailabilityRule
	for rows.Next() {
		var (
			r       model.AvailabilityRule
			weekday int16
			breaks  []byte
		)
		if err := rows.Scan(&r.ID, &r.BusinessID, &r.ProviderID, &weekday, &r.StartMinute, &r.EndMinute, &breaks,
			&r.EffectiveFrom, &r.EffectiveTo, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Weekday = time.Weekday(weekday)
		var bs []breakJSON
		if len(breaks) > 0 {
			if err := json.Unmarshal(breaks, &bs); err != nil {
				return nil, fmt.Errorf("decode breaks of rule %s: %w", r.ID, err)
			}
		}
		for _, b := range bs {
			r.Breaks = append(r.Breaks, model.Window{StartMinute: b.StartMinute, EndMinute: b.EndMinute})
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) SaveRule(ctx context.Context, r model.AvailabilityRule) error {
	bs := make([]breakJSON, 0, len(r.Breaks))
	for _, b := range r.Breaks {
		bs = append(bs, breakJSON{StartMinute: b.StartMinute, EndMinute: b.EndMinute})
	}
	breaks, err := json.Marshal(bs)
	if err != nil {
		return err
	}
	var effectiveTo *time.Time
	if r.EffectiveTo != nil {
		d := model.CivilDate(*r.EffectiveTo)
		effectiveTo = &d
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO availability_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET is_active = EXCLUDED.is_active,
		              effective_to = EXCLUDED.effective_to
	`, r.ID, r.BusinessID, r.ProviderID, int16(r.Weekday), r.StartMinute, r.EndMinute, breaks,
		model.CivilDate(r.EffectiveFrom), effectiveTo, r.IsActive, r.CreatedAt)
	return err
}

const blockedColumns = `id, business_id, provider_id, day, all_day, start_minute, end_minute, reason, created_at`

func scanBlockedDay(row rowScanner) (model.BlockedDay, error) {
	var b model.BlockedDay
	err := row.Scan(&b.ID, &b.BusinessID, &b.ProviderID, &b.Date, &b.AllDay, &b.StartMinute, &b.EndMinute, &b.Reason, &b.CreatedAt)
	return b, err
}

func (t *pgTx) LoadBlockedDays(ctx context.Context, businessID, providerID string, date time.Time) ([]model.BlockedDay, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+blockedColumns+`
		FROM blocked_days
		WHERE business_id = $1 AND provider_id = $2 AND day = $3
		ORDER BY id
	`, businessID, providerID, model.CivilDate(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlockedDay
	for rows.Next() {
		b, err := scanBlockedDay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) GetBlockedDay(ctx context.Context, businessID, providerID, id string) (model.BlockedDay, error) {
	b, err := scanBlockedDay(t.tx.QueryRow(ctx, `
		SELECT `+blockedColumns+`
		FROM blocked_days
		WHERE business_id = $1 AND provider_id = $2 AND id = $3
	`, businessID, providerID, id))
	if err != nil {
		return model.BlockedDay{}, notFound(err, "blocked day", id)
	}
	return b, nil
}

func (t *pgTx) SaveBlockedDay(ctx context.Context, b model.BlockedDay) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO blocked_days (`+blockedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id)
		DO UPDATE SET all_day = EXCLUDED.all_day,
		              start_minute = EXCLUDED.start_minute,
		              end_minute = EXCLUDED.end_minute,
		              reason = EXCLUDED.reason
	`, b.ID, b.BusinessID, b.ProviderID, model.CivilDate(b.Date), b.AllDay, b.StartMinute, b.EndMinute, b.Reason, b.CreatedAt)
	return err
}

func (t *pgTx) DeleteBlockedDay(ctx context.Context, businessID, providerID, id string) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM blocked_days
		WHERE business_id = $1 AND provider_id = $2 AND id = $3
	`, businessID, providerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("blocked day %s: %w", id, model.ErrNotFound)
	}
	return nil
}

const slotColumns = `id, business_id, provider_id, day, start_time, duration_seconds, is_available, emergency_only,
	COALESCE(appointment_id, ''), created_at, updated_at`

func scanSlot(row rowScanner) (model.Slot, error) {
	var s model.Slot
	var seconds int
	if err := row.Scan(&s.ID, &s.BusinessID, &s.ProviderID, &s.Date, &s.StartTime, &seconds, &s.IsAvailable,
		&s.EmergencyOnly, &s.AppointmentID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return model.Slot{}, err
	}
	s.Duration = time.Duration(seconds) * time.Second
	return s, nil
}

func (t *pgTx) LoadSlots(ctx context.Context, businessID, providerID string, date time.Time) ([]model.Slot, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE business_id = $1 AND provider_id = $2 AND day = $3
		ORDER BY start_time
	`, businessID, providerID, model.CivilDate(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) GetSlot(ctx context.Context, businessID, slotID string) (model.Slot, error) {
	s, err := scanSlot(t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE business_id = $1 AND id = $2
	`, businessID, slotID))
	if err != nil {
		return model.Slot{}, notFound(err, "slot", slotID)
	}
	return s, nil
}

func (t *pgTx) SaveSlots(ctx context.Context, slots ...model.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range slots {
		batch.Queue(`
			INSERT INTO slots (id, business_id, provider_id, day, start_time, duration_seconds, is_available, emergency_only,
				appointment_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
			ON CONFLICT (id)
			DO UPDATE SET duration_seconds = EXCLUDED.duration_seconds,
			              is_available = EXCLUDED.is_available,
			              emergency_only = EXCLUDED.emergency_only,
			              appointment_id = EXCLUDED.appointment_id,
			              updated_at = EXCLUDED.updated_at
		`, s.ID, s.BusinessID, s.ProviderID, model.CivilDate(s.Date), s.StartTime, int(s.Duration/time.Second),
			s.IsAvailable, s.EmergencyOnly, s.AppointmentID, s.CreatedAt, s.UpdatedAt)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) DeleteSlots(ctx context.Context, businessID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		DELETE FROM slots
		WHERE business_id = $1 AND id = ANY($2) AND appointment_id IS NULL
	`, businessID, ids)
	return err
}

const appointmentColumns = `id, business_id, provider_id, customer_id, COALESCE(slot_id, ''), start_time, end_time, status,
	urgency, cancel_reason, cancelled_by, cancelled_at, late_cancellation, COALESCE(previous_appointment_id, ''),
	confirmed_at, started_at, completed_at, created_at, updated_at`

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var (
		a              model.Appointment
		end            time.Time
		status, urgent string
	)
	if err := row.Scan(&a.ID, &a.BusinessID, &a.ProviderID, &a.CustomerID, &a.SlotID, &a.StartTime, &end, &status,
		&urgent, &a.CancelReason, &a.CancelledBy, &a.CancelledAt, &a.LateCancellation, &a.PreviousAppointmentID,
		&a.ConfirmedAt, &a.StartedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Appointment{}, err
	}
	a.Duration = end.Sub(a.StartTime)
	a.Status = model.Status(status)
	a.Urgency = model.Urgency(urgent)
	return a, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (t *pgTx) LoadActiveAppointments(ctx context.Context, businessID, providerID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE business_id = $1
			AND provider_id = $2
			AND status <> 'cancelled'
			AND start_time < $4
			AND end_time > $3
		ORDER BY start_time ASC
	`, businessID, providerID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (t *pgTx) GetAppointment(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	a, err := scanAppointment(t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE business_id = $1 AND id = $2
		FOR UPDATE
	`, businessID, appointmentID))
	if err != nil {
		return model.Appointment{}, notFound(err, "appointment", appointmentID)
	}
	return a, nil
}

func (t *pgTx) SaveAppointment(ctx context.Context, a model.Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (id, business_id, provider_id, customer_id, slot_id, start_time, end_time, status, urgency,
			cancel_reason, cancelled_by, cancelled_at, late_cancellation, previous_appointment_id,
			confirmed_at, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''), $15, $16, $17, $18, $19)
		ON CONFLICT (id)
		DO UPDATE SET slot_id = EXCLUDED.slot_id,
		              start_time = EXCLUDED.start_time,
		              end_time = EXCLUDED.end_time,
		              status = EXCLUDED.status,
		              cancel_reason = EXCLUDED.cancel_reason,
		              cancelled_by = EXCLUDED.cancelled_by,
		              cancelled_at = EXCLUDED.cancelled_at,
		              late_cancellation = EXCLUDED.late_cancellation,
		              confirmed_at = EXCLUDED.confirmed_at,
		              started_at = EXCLUDED.started_at,
		              completed_at = EXCLUDED.completed_at,
		              updated_at = EXCLUDED.updated_at
	`, a.ID, a.BusinessID, a.ProviderID, a.CustomerID, a.SlotID, a.StartTime, a.End(), string(a.Status), string(a.Urgency),
		a.CancelReason, a.CancelledBy, a.CancelledAt, a.LateCancellation, a.PreviousAppointmentID,
		a.ConfirmedAt, a.StartedAt, a.CompletedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if db.HasCode(err, db.CodeExclusionViolation) {
			return &model.ConflictError{ProviderID: a.ProviderID, Start: a.StartTime, End: a.End()}
		}
		return err
	}
	return nil
}

func (t *pgTx) DeleteAppointment(ctx context.Context, businessID, appointmentID string) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM appointments
		WHERE business_id = $1 AND id = $2
	`, businessID, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s: %w", appointmentID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetIdempotencyKey(ctx context.Context, businessID, providerID, key string) (string, bool, error) {
	var id string
	err := t.tx.QueryRow(ctx, `
		SELECT appointment_id
		FROM booking_idempotency_keys
		WHERE business_id = $1 AND provider_id = $2 AND idempotency_key = $3
	`, businessID, providerID, key).Scan(&id)
	if err != nil {
		if db.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

func (t *pgTx) SaveIdempotencyKey(ctx context.Context, businessID, providerID, key, appointmentID string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (business_id, provider_id, idempotency_key, appointment_id)
		VALUES ($1, $2, $3, $4)
	`, businessID, providerID, key, appointmentID)
	return err
}

func (t *pgTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

func notFound(err error, what, id string) error {
	if db.IsNotFound(err) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return err
}

func mapWriteErr(err error) error {
	if db.HasCode(err, db.CodeExclusionViolation) {
		return fmt.Errorf("%w: %w", model.ErrConflict, err)
	}
	return err
}

var _ Store = (*Postgres)(nil)
