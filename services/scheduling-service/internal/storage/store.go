package storage

import (
	"context"
	"embed"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/outbox"
)

//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

// LockKey names the unit of mutual exclusion. Every write path of a provider runs under its key.
type LockKey struct {
	BusinessID string
	ProviderID string
}

func (k LockKey) String() string {
	return k.BusinessID + "/" + k.ProviderID
}

// Store runs units of work. WithTx serializes every transaction sharing a key and commits only when fn
// returns nil; any error or context expiry rolls everything back.
type Store interface {
	WithTx(ctx context.Context, key LockKey, fn func(ctx context.Context, tx Tx) error) error

	// Unlocked reads, used to route a request to the right lock or to serve listings.
	FindAppointment(ctx context.Context, businessID, appointmentID string) (model.Appointment, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]model.Appointment, error)
	ListActiveProviders(ctx context.Context) ([]model.Provider, error)
}

type AppointmentFilter struct {
	BusinessID string
	ProviderID string
	From       time.Time
	To         time.Time
	Status     model.Status
	Limit      int
}

type Tx interface {
	LoadProvider(ctx context.Context, businessID, providerID string) (model.Provider, error)
	SaveProvider(ctx context.Context, p model.Provider) error

	LoadRules(ctx context.Context, businessID, providerID string) ([]model.AvailabilityRule, error)
	SaveRule(ctx context.Context, r model.AvailabilityRule) error

	LoadBlockedDays(ctx context.Context, businessID, providerID string, date time.Time) ([]model.BlockedDay, error)
	GetBlockedDay(ctx context.Context, businessID, providerID, id string) (model.BlockedDay, error)
	SaveBlockedDay(ctx context.Context, b model.BlockedDay) error
	DeleteBlockedDay(ctx context.Context, businessID, providerID, id string) error

	LoadSlots(ctx context.Context, businessID, providerID string, date time.Time) ([]model.Slot, error)
	GetSlot(ctx context.Context, businessID, slotID string) (model.Slot, error)
	SaveSlots(ctx context.Context, slots ...model.Slot) error
	DeleteSlots(ctx context.Context, businessID string, ids ...string) error

	LoadActiveAppointments(ctx context.Context, businessID, providerID string, from, to time.Time) ([]model.Appointment, error)
	GetAppointment(ctx context.Context, businessID, appointmentID string) (model.Appointment, error)
	SaveAppointment(ctx context.Context, a model.Appointment) error
	DeleteAppointment(ctx context.Context, businessID, appointmentID string) error

	// GetIdempotencyKey returns the appointment a booking request key already produced. Keys are scoped to
	// the provider so the lookup and the write happen under the same provider lock.
	GetIdempotencyKey(ctx context.Context, businessID, providerID, key string) (string, bool, error)
	SaveIdempotencyKey(ctx context.Context, businessID, providerID, key, appointmentID string) error

	AppendEvent(ctx context.Context, evt outbox.Event) error
}
