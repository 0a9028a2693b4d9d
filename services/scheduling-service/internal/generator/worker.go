package generator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
)

// Generator is the part of the scheduling service the worker drives.
type Generator interface {
	ActiveProviders(ctx context.Context) ([]model.Provider, error)
	EnsureSlotsGenerated(ctx context.Context, businessID, providerID string, date time.Time) ([]model.Slot, error)
}

// Worker keeps slots generated for every active provider from today through HorizonDays ahead,
// where today is taken in the provider's timezone.
type Worker struct {
	gen      Generator
	lease    Lease
	logger   *slog.Logger
	interval time.Duration
	horizon  int
	now      func() time.Time
}

type WorkerConfig struct {
	Interval    time.Duration
	HorizonDays int
}

func NewWorker(gen Generator, lease Lease, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 14
	}
	if lease == nil {
		lease = NewLocalLease()
	}
	return &Worker{
		gen:      gen,
		lease:    lease,
		logger:   logger,
		interval: cfg.Interval,
		horizon:  cfg.HorizonDays,
		now:      time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) {
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error("slot generation pass failed", "err", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("slot generation pass failed", "err", err)
			}
		}
	}
}

// RunOnce makes one pass over the horizon. Per-day failures are logged and do not stop the pass.
func (w *Worker) RunOnce(ctx context.Context) error {
	providers, err := w.gen.ActiveProviders(ctx)
	if err != nil {
		return err
	}
	var generated, skipped, failed int
	for _, p := range providers {
		today := model.CivilDate(w.now().In(p.Location()))
		for i := 0; i <= w.horizon; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			date := today.AddDate(0, 0, i)
			key := p.BusinessID + ":" + p.ID + ":" + date.Format(model.DateLayout)
			ok, err := w.lease.Acquire(ctx, key, w.interval)
			if err != nil {
				w.logger.Warn("generation lease unavailable", "key", key, "err", err)
				failed++
				continue
			}
			if !ok {
				skipped++
				continue
			}
			if _, err := w.gen.EnsureSlotsGenerated(ctx, p.BusinessID, p.ID, date); err != nil {
				if errors.Is(err, model.ErrProviderInactive) || errors.Is(err, model.ErrNotFound) {
					break
				}
				w.logger.Error("slot generation failed",
					"business_id", p.BusinessID, "provider_id", p.ID, "date", date.Format(model.DateLayout), "err", err)
				failed++
				continue
			}
			generated++
		}
	}
	w.logger.Debug("slot generation pass done", "providers", len(providers), "days", generated, "skipped", skipped, "failed", failed)
	return nil
}
