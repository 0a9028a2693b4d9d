package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

// SaveProvider creates or updates a provider. Providers are deactivated, never deleted.
func (s *Service) SaveProvider(ctx context.Context, p model.Provider) (model.Provider, error) {
	if err := requireIDs("business_id", p.BusinessID, "provider_id", p.ID); err != nil {
		return model.Provider{}, err
	}
	if p.SlotDuration <= 0 {
		return model.Provider{}, model.ErrInvalidDuration
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return model.Provider{}, fmt.Errorf("%w: unknown timezone %q", model.ErrInvalidArgument, p.Timezone)
	}

	err := s.run(ctx, "save_provider", lockKey(p.BusinessID, p.ID), func(ctx context.Context, tx storage.Tx) error {
		existing, err := tx.LoadProvider(ctx, p.BusinessID, p.ID)
		switch {
		case err == nil:
			p.CreatedAt = existing.CreatedAt
		case errors.Is(err, model.ErrNotFound):
			p.CreatedAt = s.now()
		default:
			return err
		}
		return tx.SaveProvider(ctx, p)
	})
	if err != nil {
		return model.Provider{}, err
	}
	s.logger.Info("provider saved", "business_id", p.BusinessID, "provider_id", p.ID, "active", p.IsActive)
	return p, nil
}

// AddRule stores a new availability rule. Rules supersede older ones for the dates they cover.
func (s *Service) AddRule(ctx context.Context, r model.AvailabilityRule) (model.AvailabilityRule, error) {
	if err := requireIDs("business_id", r.BusinessID, "provider_id", r.ProviderID); err != nil {
		return model.AvailabilityRule{}, err
	}
	if r.EffectiveFrom.IsZero() {
		r.EffectiveFrom = model.CivilDate(s.now())
	}
	if err := r.Validate(); err != nil {
		return model.AvailabilityRule{}, err
	}
	r.ID = s.newID()
	r.IsActive = true
	r.CreatedAt = s.now()

	err := s.run(ctx, "add_rule", lockKey(r.BusinessID, r.ProviderID), func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LoadProvider(ctx, r.BusinessID, r.ProviderID); err != nil {
			return err
		}
		return tx.SaveRule(ctx, r)
	})
	if err != nil {
		return model.AvailabilityRule{}, err
	}
	return r, nil
}

func (s *Service) DeactivateRule(ctx context.Context, businessID, providerID, ruleID string) (model.AvailabilityRule, error) {
	if err := requireIDs("business_id", businessID, "provider_id", providerID, "rule_id", ruleID); err != nil {
		return model.AvailabilityRule{}, err
	}
	var out model.AvailabilityRule
	err := s.run(ctx, "deactivate_rule", lockKey(businessID, providerID), func(ctx context.Context, tx storage.Tx) error {
		rules, err := tx.LoadRules(ctx, businessID, providerID)
		if err != nil {
			return err
		}
		for _, r := range rules {
			if r.ID == ruleID {
				r.IsActive = false
				out = r
				return tx.SaveRule(ctx, r)
			}
		}
		return fmt.Errorf("rule %s: %w", ruleID, model.ErrNotFound)
	})
	return out, err
}

// AddBlockedDay blocks all or part of a date. Slots already generated for it are reconciled right away;
// slots held by appointments stay.
func (s *Service) AddBlockedDay(ctx context.Context, b model.BlockedDay) (model.BlockedDay, error) {
	if err := requireIDs("business_id", b.BusinessID, "provider_id", b.ProviderID); err != nil {
		return model.BlockedDay{}, err
	}
	if b.Date.IsZero() {
		return model.BlockedDay{}, fmt.Errorf("%w: date is required", model.ErrInvalidArgument)
	}
	if !b.AllDay && !b.Window().Valid() {
		return model.BlockedDay{}, fmt.Errorf("%w: partial block must satisfy 0 <= start < end <= 1440", model.ErrInvalidArgument)
	}
	b.ID = s.newID()
	b.Date = model.CivilDate(b.Date)
	b.CreatedAt = s.now()

	err := s.refreshing(ctx, "add_blocked_day", b.BusinessID, b.ProviderID, b.Date, func(ctx context.Context, tx storage.Tx) error {
		return tx.SaveBlockedDay(ctx, b)
	})
	if err != nil {
		return model.BlockedDay{}, err
	}
	return b, nil
}

// LiftBlockedDay deletes a block and reopens capacity on generated days.
func (s *Service) LiftBlockedDay(ctx context.Context, businessID, providerID, blockedDayID string) error {
	if err := requireIDs("business_id", businessID, "provider_id", providerID, "blocked_day_id", blockedDayID); err != nil {
		return err
	}
	return s.run(ctx, "lift_blocked_day", lockKey(businessID, providerID), func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.GetBlockedDay(ctx, businessID, providerID, blockedDayID)
		if err != nil {
			return err
		}
		if err := tx.DeleteBlockedDay(ctx, businessID, providerID, blockedDayID); err != nil {
			return err
		}
		return s.regenerateIfGenerated(ctx, tx, businessID, providerID, b.Date)
	})
}

func (s *Service) refreshing(ctx context.Context, op, businessID, providerID string, date time.Time, fn func(ctx context.Context, tx storage.Tx) error) error {
	return s.run(ctx, op, lockKey(businessID, providerID), func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LoadProvider(ctx, businessID, providerID); err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return s.regenerateIfGenerated(ctx, tx, businessID, providerID, date)
	})
}

func (s *Service) regenerateIfGenerated(ctx context.Context, tx storage.Tx, businessID, providerID string, date time.Time) error {
	slots, err := tx.LoadSlots(ctx, businessID, providerID, date)
	if err != nil || len(slots) == 0 {
		return err
	}
	provider, err := tx.LoadProvider(ctx, businessID, providerID)
	if err != nil {
		return err
	}
	if !provider.IsActive {
		return nil
	}
	pol, err := s.policies.Policy(ctx, businessID)
	if err != nil {
		return err
	}
	_, err = s.generateLocked(ctx, tx, provider, date, pol)
	return err
}

// ActiveProviders lists providers the background generator should cover.
func (s *Service) ActiveProviders(ctx context.Context) ([]model.Provider, error) {
	out, err := s.store.ListActiveProviders(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Service) Policy(ctx context.Context, businessID string) (policy.Policy, error) {
	if err := requireIDs("business_id", businessID); err != nil {
		return policy.Policy{}, err
	}
	return s.policies.Policy(ctx, businessID)
}

func (s *Service) SetPolicy(ctx context.Context, businessID string, p policy.Policy) error {
	if err := requireIDs("business_id", businessID); err != nil {
		return err
	}
	if err := s.policies.SetPolicy(ctx, businessID, p); err != nil {
		return err
	}
	s.logger.Info("business policy updated", "business_id", businessID, "emergency_fraction", p.EmergencyFraction.String(),
		"require_approval", p.RequireApproval, "allow_unslotted", p.AllowUnslotted)
	return nil
}
