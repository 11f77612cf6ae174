package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/entitled/internal/catalog/domain"
	"github.com/smallbiznis/entitled/internal/clock"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	projectdomain "github.com/smallbiznis/entitled/internal/project/domain"
	purchasedomain "github.com/smallbiznis/entitled/internal/purchase/domain"
	"github.com/smallbiznis/entitled/internal/stripe"
	subscriptiondomain "github.com/smallbiznis/entitled/internal/subscription/domain"
	"github.com/smallbiznis/entitled/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Handlers holds the per-event-type processing. Every handler is
// idempotent: replays of the same event converge on the same state.
type Handlers struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	provider         stripe.Provider
	projectRepo      projectdomain.Repository
	catalogRepo      catalogdomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	purchaseRepo     purchasedomain.Repository
	entitlementSvc   entitlementdomain.Service
}

type HandlersParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Provider         stripe.Provider
	ProjectRepo      projectdomain.Repository
	CatalogRepo      catalogdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	PurchaseRepo     purchasedomain.Repository
	EntitlementSvc   entitlementdomain.Service
}

func NewHandlers(p HandlersParam) *Handlers {
	return &Handlers{
		db:               p.DB,
		log:              p.Log.Named("webhook.handlers"),
		genID:            p.GenID,
		clock:            p.Clock,
		provider:         p.Provider,
		projectRepo:      p.ProjectRepo,
		catalogRepo:      p.CatalogRepo,
		subscriptionRepo: p.SubscriptionRepo,
		purchaseRepo:     p.PurchaseRepo,
		entitlementSvc:   p.EntitlementSvc,
	}
}

func (h *Handlers) Handle(ctx context.Context, event Event) error {
	switch event.Type {
	case EventCheckoutSessionCompleted:
		return h.handleCheckoutCompleted(ctx, event)
	case EventInvoicePaymentSucceeded:
		return h.handleInvoicePaymentSucceeded(ctx, event)
	case EventSubscriptionUpdated:
		return h.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return h.handleSubscriptionDeleted(ctx, event)
	case EventChargeRefunded:
		return h.handleChargeRefunded(ctx, event)
	default:
		return Permanent("no handler for event type %s", event.Type)
	}
}

func (h *Handlers) handleCheckoutCompleted(ctx context.Context, event Event) error {
	session := event.CheckoutSession

	userID := session.Metadata["user_id"]
	projectRaw := session.Metadata["project_id"]
	if userID == "" || projectRaw == "" {
		return Permanent("checkout session %s missing user_id or project_id metadata", session.ID)
	}
	projectID, err := snowflake.ParseString(projectRaw)
	if err != nil {
		return Permanent("checkout session %s carries malformed project_id %q", session.ID, projectRaw)
	}

	project, err := h.projectRepo.FindByID(ctx, h.db, projectID)
	if err != nil {
		return fmt.Errorf("find project: %w", err)
	}
	if project == nil {
		return Permanent("project %s not found", projectRaw)
	}

	switch session.Mode {
	case "subscription":
		return h.checkoutSubscription(ctx, session, projectID, userID)
	case "payment":
		return h.checkoutPayment(ctx, session, projectID, userID)
	default:
		return Permanent("unknown checkout mode %q in session %s", session.Mode, session.ID)
	}
}

func (h *Handlers) checkoutSubscription(ctx context.Context, session *CheckoutSessionObject, projectID snowflake.ID, userID string) error {
	if session.Subscription == "" {
		return Permanent("subscription checkout session %s carries no subscription id", session.ID)
	}

	existing, err := h.subscriptionRepo.FindByProviderID(ctx, h.db, session.Subscription)
	if err != nil {
		return fmt.Errorf("find subscription: %w", err)
	}
	if existing != nil {
		// An earlier delivery may have inserted the row and then failed
		// the merge; the replay must still converge the materialized rows.
		h.log.Info("subscription already recorded, re-running merge",
			zap.String("provider_subscription_id", session.Subscription))
		return h.entitlementSvc.Recompute(ctx, existing.ProjectID, existing.UserID)
	}

	snap, err := h.provider.FetchSubscription(ctx, session.Subscription)
	if err != nil {
		if errors.Is(err, stripe.ErrNotFound) {
			return Permanent("subscription %s not found upstream", session.Subscription)
		}
		return fmt.Errorf("fetch subscription: %w", err)
	}

	if err := h.requireCatalogPrice(ctx, snap.PriceID); err != nil {
		return err
	}

	now := h.clock.Now()
	subscription := subscriptiondomain.Subscription{
		ID:                     h.genID.Generate(),
		ProjectID:              projectID,
		UserID:                 userID,
		ProviderSubscriptionID: session.Subscription,
		PriceRef:               snap.PriceID,
		Status:                 subscriptiondomain.ParseStatus(snap.Status),
		PeriodStart:            snap.CurrentPeriodStart,
		PeriodEnd:              snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:      snap.CancelAtPeriodEnd,
		CanceledAt:             snap.CanceledAt,
		Metadata:               datatypes.JSONMap{"checkout_session_id": session.ID},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := h.subscriptionRepo.Insert(ctx, h.db, &subscription); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return h.entitlementSvc.Recompute(ctx, projectID, userID)
		}
		return fmt.Errorf("insert subscription: %w", err)
	}

	h.log.Info("subscription created from checkout",
		zap.String("provider_subscription_id", session.Subscription),
		zap.String("user_id", userID),
	)
	return h.entitlementSvc.Recompute(ctx, projectID, userID)
}

func (h *Handlers) checkoutPayment(ctx context.Context, session *CheckoutSessionObject, projectID snowflake.ID, userID string) error {
	if session.PaymentIntent == "" {
		return Permanent("payment checkout session %s carries no payment intent", session.ID)
	}

	intent, err := h.provider.FetchPaymentIntent(ctx, session.PaymentIntent)
	if err != nil {
		if errors.Is(err, stripe.ErrNotFound) {
			return Permanent("payment intent %s not found upstream", session.PaymentIntent)
		}
		return fmt.Errorf("fetch payment intent: %w", err)
	}
	if intent.LatestCharge == "" {
		return Permanent("payment intent %s has no charge", session.PaymentIntent)
	}

	existing, err := h.purchaseRepo.FindByProviderChargeID(ctx, h.db, intent.LatestCharge)
	if err != nil {
		return fmt.Errorf("find purchase: %w", err)
	}
	if existing != nil {
		// Same convergence rule as the subscription path: the insert may
		// have landed on a delivery whose merge failed.
		h.log.Info("purchase already recorded, re-running merge",
			zap.String("provider_charge_id", intent.LatestCharge))
		return h.entitlementSvc.Recompute(ctx, existing.ProjectID, existing.UserID)
	}

	// The webhook payload omits line items, so the price comes from the
	// expanded session.
	expanded, err := h.provider.FetchCheckoutSession(ctx, session.ID)
	if err != nil {
		if errors.Is(err, stripe.ErrNotFound) {
			return Permanent("checkout session %s not found upstream", session.ID)
		}
		return fmt.Errorf("fetch checkout session: %w", err)
	}
	if expanded.PriceID == "" {
		return Permanent("checkout session %s has no line items", session.ID)
	}
	if err := h.requireCatalogPrice(ctx, expanded.PriceID); err != nil {
		return err
	}

	status := purchasedomain.StatusPending
	if intent.Status == "succeeded" {
		status = purchasedomain.StatusSucceeded
	}
	currency := intent.Currency
	if currency == "" {
		currency = "usd"
	}

	now := h.clock.Now()
	purchase := purchasedomain.Purchase{
		ID:               h.genID.Generate(),
		ProjectID:        projectID,
		UserID:           userID,
		ProviderChargeID: intent.LatestCharge,
		PriceRef:         expanded.PriceID,
		Amount:           intent.Amount,
		Currency:         currency,
		Status:           status,
		ValidFrom:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := h.purchaseRepo.Insert(ctx, h.db, &purchase); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return h.entitlementSvc.Recompute(ctx, projectID, userID)
		}
		return fmt.Errorf("insert purchase: %w", err)
	}

	h.log.Info("purchase created from checkout",
		zap.String("provider_charge_id", intent.LatestCharge),
		zap.String("user_id", userID),
	)
	return h.entitlementSvc.Recompute(ctx, projectID, userID)
}

func (h *Handlers) handleInvoicePaymentSucceeded(ctx context.Context, event Event) error {
	invoice := event.Invoice
	if invoice.Subscription == "" {
		h.log.Info("invoice has no subscription, skipping", zap.String("invoice_id", invoice.ID))
		return nil
	}

	subscription, err := h.subscriptionRepo.FindByProviderID(ctx, h.db, invoice.Subscription)
	if err != nil {
		return fmt.Errorf("find subscription: %w", err)
	}
	if subscription == nil {
		return Permanent("subscription %s not known locally", invoice.Subscription)
	}

	subscription.PeriodStart = unixPtr(invoice.PeriodStart)
	subscription.PeriodEnd = unixPtr(invoice.PeriodEnd)
	subscription.Status = subscriptiondomain.StatusActive
	subscription.UpdatedAt = h.clock.Now()

	if err := h.subscriptionRepo.Update(ctx, h.db, subscription); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	h.log.Info("subscription period rolled forward",
		zap.String("provider_subscription_id", invoice.Subscription))
	return h.entitlementSvc.Recompute(ctx, subscription.ProjectID, subscription.UserID)
}

func (h *Handlers) handleSubscriptionUpdated(ctx context.Context, event Event) error {
	object := event.Subscription
	if object.ID == "" {
		return Permanent("subscription event %s carries no subscription id", event.ID)
	}

	subscription, err := h.subscriptionRepo.FindByProviderID(ctx, h.db, object.ID)
	if err != nil {
		return fmt.Errorf("find subscription: %w", err)
	}
	if subscription == nil {
		return Permanent("subscription %s not known locally", object.ID)
	}

	subscription.Status = subscriptiondomain.ParseStatus(object.Status)
	subscription.PeriodStart = unixPtr(object.CurrentPeriodStart)
	subscription.PeriodEnd = unixPtr(object.CurrentPeriodEnd)
	subscription.CancelAtPeriodEnd = object.CancelAtPeriodEnd
	subscription.CanceledAt = unixPtr(object.CanceledAt)
	subscription.UpdatedAt = h.clock.Now()

	if err := h.subscriptionRepo.Update(ctx, h.db, subscription); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	h.log.Info("subscription updated",
		zap.String("provider_subscription_id", object.ID),
		zap.String("status", string(subscription.Status)),
	)
	return h.entitlementSvc.Recompute(ctx, subscription.ProjectID, subscription.UserID)
}

func (h *Handlers) handleSubscriptionDeleted(ctx context.Context, event Event) error {
	object := event.Subscription
	if object.ID == "" {
		return Permanent("subscription event %s carries no subscription id", event.ID)
	}

	subscription, err := h.subscriptionRepo.FindByProviderID(ctx, h.db, object.ID)
	if err != nil {
		return fmt.Errorf("find subscription: %w", err)
	}
	if subscription == nil {
		return Permanent("subscription %s not known locally", object.ID)
	}

	now := h.clock.Now()
	subscription.Status = subscriptiondomain.StatusCanceled
	subscription.CanceledAt = &now
	subscription.CancelAtPeriodEnd = false
	subscription.UpdatedAt = now

	if err := h.subscriptionRepo.Update(ctx, h.db, subscription); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	h.log.Info("subscription canceled",
		zap.String("provider_subscription_id", object.ID))
	return h.entitlementSvc.Recompute(ctx, subscription.ProjectID, subscription.UserID)
}

func (h *Handlers) handleChargeRefunded(ctx context.Context, event Event) error {
	charge := event.Charge
	if charge.ID == "" {
		return Permanent("charge event %s carries no charge id", event.ID)
	}

	purchase, err := h.purchaseRepo.FindByProviderChargeID(ctx, h.db, charge.ID)
	if err != nil {
		return fmt.Errorf("find purchase: %w", err)
	}
	if purchase == nil {
		return Permanent("purchase for charge %s not known locally", charge.ID)
	}

	now := h.clock.Now()
	purchase.Status = purchasedomain.StatusRefunded
	purchase.RefundedAt = &now
	purchase.UpdatedAt = now

	if err := h.purchaseRepo.Update(ctx, h.db, purchase); err != nil {
		return fmt.Errorf("update purchase: %w", err)
	}

	h.log.Info("purchase refunded", zap.String("provider_charge_id", charge.ID))
	return h.entitlementSvc.Recompute(ctx, purchase.ProjectID, purchase.UserID)
}

func (h *Handlers) requireCatalogPrice(ctx context.Context, providerPriceID string) error {
	if providerPriceID == "" {
		return Permanent("provider record carries no price")
	}
	price, err := h.catalogRepo.FindPriceByProviderID(ctx, h.db, providerPriceID)
	if err != nil {
		return fmt.Errorf("find price: %w", err)
	}
	if price == nil {
		return Permanent("price %s has no catalog entry", providerPriceID)
	}
	return nil
}
