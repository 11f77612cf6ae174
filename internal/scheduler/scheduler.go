// Package scheduler triggers the daily reconciliation sweep. The core
// sweep logic lives in the reconciliation package; this is only the
// ticker and the cluster-wide leader lock around it.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/entitled/internal/clock"
	"github.com/smallbiznis/entitled/internal/config"
	"github.com/smallbiznis/entitled/internal/reconciliation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	log   *zap.Logger
	clock clock.Clock
	cfg   config.ReconciliationConfig

	locker     *Locker
	reconciler *reconciliation.Reconciler

	// tick is the poll interval for the schedule check; short in tests.
	tick       time.Duration
	lastRunDay string
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Config     config.Config
	Locker     *Locker `optional:"true"`
	Reconciler *reconciliation.Reconciler
}

func New(p Params) *Scheduler {
	return &Scheduler{
		log:        p.Log.Named("scheduler"),
		clock:      p.Clock,
		cfg:        p.Config.Reconciliation,
		locker:     p.Locker,
		reconciler: p.Reconciler,
		tick:       time.Minute,
	}
}

// RunForever polls the clock and fires the sweep once per day inside the
// configured UTC hour. Returns when ctx is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.RunDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunDue runs the sweep if the current UTC hour matches the schedule and
// no run happened today.
func (s *Scheduler) RunDue(ctx context.Context) {
	now := s.clock.Now().UTC()
	if now.Hour() != s.cfg.ScheduleHour {
		return
	}
	day := now.Format("2006-01-02")
	if s.lastRunDay == day {
		return
	}

	var lockKey, lockToken string
	if s.locker != nil {
		lockKey = fmt.Sprintf("reconciliation:run:%s", day)
		token, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
		if err != nil {
			// Fail open: a redis outage must not stop the sweep, and a
			// duplicate run is safe, only wasteful.
			s.log.Warn("leader lock unavailable, running anyway", zap.Error(err))
		} else if !ok {
			s.lastRunDay = day
			s.log.Info("another instance holds today's sweep", zap.String("day", day))
			return
		} else {
			lockToken = token
		}
		// On success the lock is left to expire so a restart within the
		// TTL does not repeat the sweep.
	}

	s.lastRunDay = day
	s.log.Info("scheduled reconciliation starting", zap.String("day", day))
	summary, err := s.reconciler.Run(ctx, s.cfg.LookbackDays)
	if err != nil {
		// Give the day back: release the lock and clear the guard so a
		// later tick, here or on another instance, retries the sweep.
		s.lastRunDay = ""
		if lockToken != "" {
			if relErr := s.locker.Release(ctx, lockKey, lockToken); relErr != nil {
				s.log.Warn("failed to release sweep lock", zap.Error(relErr))
			}
		}
		s.log.Error("scheduled reconciliation failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled reconciliation finished",
		zap.Int("subscriptions_updated", summary.Subscriptions.Updated),
		zap.Int("purchases_updated", summary.Purchases.Updated),
		zap.Int("errors", len(summary.Errors)),
	)
}
