package conflict

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
)

// AppointmentLoader is the slice of a store transaction the guard reads from.
type AppointmentLoader interface {
	LoadActiveAppointments(ctx context.Context, businessID, providerID string, from, to time.Time) ([]model.Appointment, error)
}

// Guard rejects any write that would make two active appointments of a provider overlap.
// Callers must hold the provider lock of the transaction they pass in.
type Guard struct{}

func New() *Guard {
	return &Guard{}
}

// AssertNoOverlap checks [start, start+duration) against every active appointment of the provider,
// ignoring excludeID.
func (g *Guard) AssertNoOverlap(ctx context.Context, tx AppointmentLoader, businessID, providerID string, start time.Time, duration time.Duration, excludeID string) error {
	if duration <= 0 {
		return model.ErrInvalidDuration
	}
	want := model.Interval{Start: start, End: start.Add(duration)}
	existing, err := tx.LoadActiveAppointments(ctx, businessID, providerID, want.Start, want.End)
	if err != nil {
		return err
	}
	for _, a := range existing {
		if a.ID == excludeID || !a.Status.Active() {
			continue
		}
		if a.Interval().Overlaps(want) {
			return &model.ConflictError{
				ProviderID: providerID,
				Start:      want.Start,
				End:        want.End,
				ExistingID: a.ID,
			}
		}
	}
	return nil
}
