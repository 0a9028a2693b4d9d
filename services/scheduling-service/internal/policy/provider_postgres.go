package policy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/md-rashed-zaman/slotengine/libs/db"
)

type postgresProvider struct {
	pool     *db.Pool
	defaults Policy
}

// NewPostgresProvider reads per-business rows from business_policies; businesses without a row get defaults.
func NewPostgresProvider(pool *db.Pool, defaults Policy) Provider {
	return &postgresProvider{pool: pool, defaults: defaults}
}

func (p *postgresProvider) Policy(ctx context.Context, businessID string) (Policy, error) {
	var (
		fraction decimal.Decimal
		seconds  int
		pol      Policy
	)
	err := p.pool.QueryRow(ctx, `
		SELECT emergency_min_fraction::text, no_cancel_window_seconds, require_approval, allow_unslotted
		FROM business_policies
		WHERE business_id = $1
	`, businessID).Scan(&fraction, &seconds, &pol.RequireApproval, &pol.AllowUnslotted)
	if err != nil {
		if db.IsNotFound(err) {
			return p.defaults, nil
		}
		return Policy{}, err
	}
	pol.EmergencyFraction = fraction
	pol.NoCancelWindow = time.Duration(seconds) * time.Second
	return pol, nil
}

func (p *postgresProvider) SetPolicy(ctx context.Context, businessID string, pol Policy) error {
	if err := pol.Validate(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO business_policies (business_id, emergency_min_fraction, no_cancel_window_seconds, require_approval, allow_unslotted)
		VALUES ($1, $2::numeric, $3, $4, $5)
		ON CONFLICT (business_id)
		DO UPDATE SET emergency_min_fraction = EXCLUDED.emergency_min_fraction,
		              no_cancel_window_seconds = EXCLUDED.no_cancel_window_seconds,
		              require_approval = EXCLUDED.require_approval,
		              allow_unslotted = EXCLUDED.allow_unslotted,
		              updated_at = now()
	`, businessID, pol.EmergencyFraction.String(), int(pol.NoCancelWindow/time.Second), pol.RequireApproval, pol.AllowUnslotted)
	return err
}
