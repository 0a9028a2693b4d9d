package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
)

// Policy is the capability set a business runs with.
type Policy struct {
	// EmergencyFraction is the minimum share of bookable slots per day kept emergency-only.
	EmergencyFraction decimal.Decimal
	// NoCancelWindow flags cancellations closer than this to the start as late.
	NoCancelWindow time.Duration
	// RequireApproval books new appointments as requested instead of confirmed.
	RequireApproval bool
	// AllowUnslotted accepts bookings at times that have no generated slot.
	AllowUnslotted bool
}

func (p Policy) Validate() error {
	if p.EmergencyFraction.IsNegative() || p.EmergencyFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: emergency fraction must be within [0, 1]", model.ErrInvalidArgument)
	}
	if p.NoCancelWindow < 0 {
		return fmt.Errorf("%w: no-cancel window must not be negative", model.ErrInvalidArgument)
	}
	return nil
}

type Provider interface {
	Policy(ctx context.Context, businessID string) (Policy, error)
	SetPolicy(ctx context.Context, businessID string, p Policy) error
}

type staticProvider struct {
	defaults  Policy
	mu        sync.RWMutex
	overrides map[string]Policy
}

// NewStaticProvider serves defaults to every business unless an override was set.
func NewStaticProvider(defaults Policy) Provider {
	return &staticProvider{defaults: defaults, overrides: map[string]Policy{}}
}

func (p *staticProvider) Policy(_ context.Context, businessID string) (Policy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if o, ok := p.overrides[businessID]; ok {
		return o, nil
	}
	return p.defaults, nil
}

func (p *staticProvider) SetPolicy(_ context.Context, businessID string, pol Policy) error {
	if err := pol.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[businessID] = pol
	return nil
}
