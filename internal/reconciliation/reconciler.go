// Package reconciliation sweeps recently touched source records against
// the provider's authoritative state and corrects drift.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/entitled/internal/clock"
	"github.com/smallbiznis/entitled/internal/config"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	"github.com/smallbiznis/entitled/internal/observability/metrics"
	purchasedomain "github.com/smallbiznis/entitled/internal/purchase/domain"
	"github.com/smallbiznis/entitled/internal/stripe"
	subscriptiondomain "github.com/smallbiznis/entitled/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Drift kind labels for the drift counter.
const (
	DriftSubscriptionStatus = "subscription_status"
	DriftSubscriptionPeriod = "subscription_period"
	DriftSubscriptionCancel = "subscription_cancel"
	DriftPurchaseRefund     = "purchase_refund"
)

// KindSummary counts one sweep's outcomes for a single record kind.
type KindSummary struct {
	Synced          int `json:"synced"`
	Updated         int `json:"updated"`
	MissingUpstream int `json:"missing_upstream"`
}

// Summary is the result of one reconciliation run.
type Summary struct {
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    time.Time   `json:"finished_at"`
	LookbackDays  int         `json:"lookback_days"`
	Subscriptions KindSummary `json:"subscriptions"`
	Purchases     KindSummary `json:"purchases"`
	Errors        []string    `json:"errors"`
}

type Reconciler struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	cfg   config.ReconciliationConfig

	provider         stripe.Provider
	subscriptionRepo subscriptiondomain.Repository
	purchaseRepo     purchasedomain.Repository
	entitlementSvc   entitlementdomain.Service
	metrics          *metrics.Metrics

	// retryBaseDelay spaces per-record retries; short in tests.
	retryBaseDelay time.Duration
}

type ReconcilerParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config

	Provider         stripe.Provider
	SubscriptionRepo subscriptiondomain.Repository
	PurchaseRepo     purchasedomain.Repository
	EntitlementSvc   entitlementdomain.Service
	Metrics          *metrics.Metrics
}

func NewReconciler(p ReconcilerParam) *Reconciler {
	return &Reconciler{
		db:               p.DB,
		log:              p.Log.Named("reconciliation"),
		clock:            p.Clock,
		cfg:              p.Config.Reconciliation,
		provider:         p.Provider,
		subscriptionRepo: p.SubscriptionRepo,
		purchaseRepo:     p.PurchaseRepo,
		entitlementSvc:   p.EntitlementSvc,
		metrics:          p.Metrics,
		retryBaseDelay:   200 * time.Millisecond,
	}
}

// Run sweeps all source records touched within the lookback window. A
// lookbackDays of zero uses the configured default; negative sweeps
// everything. Individual record failures are collected into the summary,
// never aborting the sweep.
func (r *Reconciler) Run(ctx context.Context, lookbackDays int) (Summary, error) {
	if lookbackDays == 0 {
		lookbackDays = r.cfg.LookbackDays
	}

	started := r.clock.Now()
	summary := Summary{
		StartedAt:    started,
		LookbackDays: lookbackDays,
		Errors:       []string{},
	}

	subscriptions, purchases, err := r.collect(ctx, lookbackDays, started)
	if err != nil {
		r.metrics.IncReconciliationRun("failed")
		return summary, err
	}

	r.log.Info("reconciliation sweep starting",
		zap.Int("lookback_days", lookbackDays),
		zap.Int("subscriptions", len(subscriptions)),
		zap.Int("purchases", len(purchases)),
	)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency())

	for i := range subscriptions {
		subscription := subscriptions[i]
		group.Go(func() error {
			r.reconcileSubscription(groupCtx, subscription, &mu, &summary)
			return nil
		})
	}
	for i := range purchases {
		purchase := purchases[i]
		group.Go(func() error {
			r.reconcilePurchase(groupCtx, purchase, &mu, &summary)
			return nil
		})
	}
	_ = group.Wait()

	summary.FinishedAt = r.clock.Now()
	r.metrics.IncReconciliationRun("completed")
	r.log.Info("reconciliation sweep finished",
		zap.Int("subscriptions_updated", summary.Subscriptions.Updated),
		zap.Int("subscriptions_missing", summary.Subscriptions.MissingUpstream),
		zap.Int("purchases_updated", summary.Purchases.Updated),
		zap.Int("purchases_missing", summary.Purchases.MissingUpstream),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

func (r *Reconciler) collect(ctx context.Context, lookbackDays int, now time.Time) ([]subscriptiondomain.Subscription, []purchasedomain.Purchase, error) {
	if lookbackDays < 0 {
		subscriptions, err := r.subscriptionRepo.ListAll(ctx, r.db)
		if err != nil {
			return nil, nil, fmt.Errorf("list subscriptions: %w", err)
		}
		purchases, err := r.purchaseRepo.ListAll(ctx, r.db)
		if err != nil {
			return nil, nil, fmt.Errorf("list purchases: %w", err)
		}
		return subscriptions, purchases, nil
	}

	cutoff := now.Add(-time.Duration(lookbackDays) * 24 * time.Hour)
	subscriptions, err := r.subscriptionRepo.ListUpdatedSince(ctx, r.db, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("list subscriptions: %w", err)
	}
	purchases, err := r.purchaseRepo.ListUpdatedSince(ctx, r.db, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("list purchases: %w", err)
	}
	return subscriptions, purchases, nil
}

func (r *Reconciler) reconcileSubscription(ctx context.Context, local subscriptiondomain.Subscription, mu *sync.Mutex, summary *Summary) {
	snap, err := r.fetchSubscription(ctx, local.ProviderSubscriptionID)
	if err != nil {
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(err, stripe.ErrNotFound) {
			summary.Subscriptions.MissingUpstream++
			r.log.Warn("subscription missing upstream",
				zap.String("provider_subscription_id", local.ProviderSubscriptionID))
			return
		}
		summary.Errors = append(summary.Errors,
			fmt.Sprintf("subscription %s: %v", local.ProviderSubscriptionID, err))
		return
	}

	kinds := r.subscriptionDrift(&local, snap)
	if len(kinds) == 0 {
		mu.Lock()
		summary.Subscriptions.Synced++
		mu.Unlock()
		return
	}

	local.UpdatedAt = r.clock.Now()
	if err := r.subscriptionRepo.Update(ctx, r.db, &local); err != nil {
		mu.Lock()
		summary.Errors = append(summary.Errors,
			fmt.Sprintf("subscription %s: update: %v", local.ProviderSubscriptionID, err))
		mu.Unlock()
		return
	}
	if err := r.entitlementSvc.Recompute(ctx, local.ProjectID, local.UserID); err != nil {
		mu.Lock()
		summary.Errors = append(summary.Errors,
			fmt.Sprintf("subscription %s: recompute: %v", local.ProviderSubscriptionID, err))
		mu.Unlock()
		return
	}

	for _, kind := range kinds {
		r.metrics.IncReconciliationDrift(kind)
	}
	r.log.Info("subscription drift corrected",
		zap.String("provider_subscription_id", local.ProviderSubscriptionID),
		zap.Strings("kinds", kinds),
	)
	mu.Lock()
	summary.Subscriptions.Synced++
	summary.Subscriptions.Updated++
	mu.Unlock()
}

// subscriptionDrift overwrites drifting fields from provider truth and
// returns the drift kinds found.
func (r *Reconciler) subscriptionDrift(local *subscriptiondomain.Subscription, snap *stripe.SubscriptionSnapshot) []string {
	var kinds []string

	if status := subscriptiondomain.ParseStatus(snap.Status); status != local.Status {
		local.Status = status
		kinds = append(kinds, DriftSubscriptionStatus)
	}
	if !timesClose(local.PeriodStart, snap.CurrentPeriodStart) || !timesClose(local.PeriodEnd, snap.CurrentPeriodEnd) {
		local.PeriodStart = snap.CurrentPeriodStart
		local.PeriodEnd = snap.CurrentPeriodEnd
		kinds = append(kinds, DriftSubscriptionPeriod)
	}
	if local.CancelAtPeriodEnd != snap.CancelAtPeriodEnd || !timesClose(local.CanceledAt, snap.CanceledAt) {
		local.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
		local.CanceledAt = snap.CanceledAt
		kinds = append(kinds, DriftSubscriptionCancel)
	}
	return kinds
}

func (r *Reconciler) reconcilePurchase(ctx context.Context, local purchasedomain.Purchase, mu *sync.Mutex, summary *Summary) {
	snap, err := r.fetchCharge(ctx, local.ProviderChargeID)
	if err != nil {
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(err, stripe.ErrNotFound) {
			summary.Purchases.MissingUpstream++
			r.log.Warn("purchase missing upstream",
				zap.String("provider_charge_id", local.ProviderChargeID))
			return
		}
		summary.Errors = append(summary.Errors,
			fmt.Sprintf("purchase %s: %v", local.ProviderChargeID, err))
		return
	}

	// Purchases are immutable apart from refund status.
	if !snap.Refunded || local.Status == purchasedomain.StatusRefunded {
		mu.Lock()
		summary.Purchases.Synced++
		mu.Unlock()
		return
	}

	now := r.clock.Now()
	local.Status = purchasedomain.StatusRefunded
	local.RefundedAt = &now
	local.UpdatedAt = now

	if err := r.purchaseRepo.Update(ctx, r.db, &local); err != nil {
		mu.Lock()
		summary.Errors = append(summary.Errors,
			fmt.Sprintf("purchase %s: update: %v", local.ProviderChargeID, err))
		mu.Unlock()
		return
	}
	if err := r.entitlementSvc.Recompute(ctx, local.ProjectID, local.UserID); err != nil {
		mu.Lock()
		summary.Errors = append(summary.Errors,
			fmt.Sprintf("purchase %s: recompute: %v", local.ProviderChargeID, err))
		mu.Unlock()
		return
	}

	r.metrics.IncReconciliationDrift(DriftPurchaseRefund)
	r.log.Info("purchase refund drift corrected",
		zap.String("provider_charge_id", local.ProviderChargeID))
	mu.Lock()
	summary.Purchases.Synced++
	summary.Purchases.Updated++
	mu.Unlock()
}

func (r *Reconciler) fetchSubscription(ctx context.Context, id string) (*stripe.SubscriptionSnapshot, error) {
	var last error
	for attempt := 1; attempt <= r.maxAttempts(); attempt++ {
		snap, err := r.provider.FetchSubscription(ctx, id)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, stripe.ErrTransient) {
			return nil, err
		}
		last = err
		if err := r.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, last
}

func (r *Reconciler) fetchCharge(ctx context.Context, id string) (*stripe.ChargeSnapshot, error) {
	var last error
	for attempt := 1; attempt <= r.maxAttempts(); attempt++ {
		snap, err := r.provider.FetchCharge(ctx, id)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, stripe.ErrTransient) {
			return nil, err
		}
		last = err
		if err := r.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, last
}

func (r *Reconciler) backoff(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(attempt) * r.retryBaseDelay):
		return nil
	}
}

func (r *Reconciler) concurrency() int {
	if r.cfg.Concurrency > 0 {
		return r.cfg.Concurrency
	}
	return 4
}

func (r *Reconciler) maxAttempts() int {
	if r.cfg.MaxAttempts > 0 {
		return r.cfg.MaxAttempts
	}
	return 3
}

// timesClose treats timestamps within one second as equal; merge and
// provider clocks disagree at sub-second precision.
func timesClose(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	diff := a.Sub(*b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Second
}
