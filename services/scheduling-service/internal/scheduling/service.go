package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

const tracerName = "github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/scheduling"

type Config struct {
	// TxTimeout bounds every transaction attempt.
	TxTimeout time.Duration
	// MaxAttempts caps retries of transient store failures.
	MaxAttempts uint
}

// Service composes availability, slot generation, quota, conflict checks and the booking state machine
// behind the operations transports call.
type Service struct {
	store    storage.Store
	policies policy.Provider
	machine  *booking.Machine
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store storage.Store, policies policy.Provider, logger *slog.Logger, cfg Config, opts ...Option) *Service {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	s := &Service{
		store:    store,
		policies: policies,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = booking.NewMachine(conflict.New(), booking.WithClock(s.now), booking.WithIDGenerator(s.newID))
	return s
}

// run executes fn in one provider-locked transaction. Transient store failures are retried with
// exponential backoff; domain errors are returned untouched; anything else becomes ErrAtomicityFailure.
func (s *Service) run(ctx context.Context, op string, key storage.LockKey, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, span := otelx.Tracer(tracerName).Start(ctx, "scheduling."+op, trace.WithAttributes(
		attribute.String("business_id", key.BusinessID),
		attribute.String("provider_id", key.ProviderID),
	))
	defer span.End()

	attempt := func() (struct{}, error) {
		txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
		defer cancel()
		err := s.store.WithTx(txCtx, key, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if db.IsTransient(err) {
			s.logger.Warn("transient store failure, retrying", "op", op, "err", err)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(4*s.cfg.TxTimeout),
	)
	if err == nil {
		return nil
	}

	err = classify(err)
	if errors.Is(err, model.ErrAtomicityFailure) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("scheduling transaction failed", "op", op, "business_id", key.BusinessID, "provider_id", key.ProviderID, "err", err)
	}
	return err
}

var domainErrors = []error{
	model.ErrNoRuleConfigured,
	model.ErrInvalidDuration,
	model.ErrInvalidTransition,
	model.ErrSlotUnavailable,
	model.ErrSlotNotEmergencyEligible,
	model.ErrConflict,
	model.ErrAtomicityFailure,
	model.ErrNotFound,
	model.ErrProviderInactive,
	model.ErrInvalidArgument,
}

func classify(err error) error {
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", model.ErrAtomicityFailure, err)
}

func lockKey(businessID, providerID string) storage.LockKey {
	return storage.LockKey{BusinessID: businessID, ProviderID: providerID}
}

func requireIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s is required", model.ErrInvalidArgument, pairs[i])
		}
	}
	return nil
}
