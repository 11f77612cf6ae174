package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/entitled/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/entitled/internal/catalog/repository"
	"github.com/smallbiznis/entitled/internal/clock"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	projectdomain "github.com/smallbiznis/entitled/internal/project/domain"
	projectrepository "github.com/smallbiznis/entitled/internal/project/repository"
	purchasedomain "github.com/smallbiznis/entitled/internal/purchase/domain"
	purchaserepository "github.com/smallbiznis/entitled/internal/purchase/repository"
	"github.com/smallbiznis/entitled/internal/stripe"
	subscriptiondomain "github.com/smallbiznis/entitled/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/entitled/internal/subscription/repository"
	webhookdomain "github.com/smallbiznis/entitled/internal/webhook/domain"
	webhookrepository "github.com/smallbiznis/entitled/internal/webhook/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeProvider struct {
	verifyErr        error
	subscriptions    map[string]*stripe.SubscriptionSnapshot
	subscriptionErr  error
	paymentIntents   map[string]*stripe.PaymentIntentSnapshot
	checkoutSessions map[string]*stripe.CheckoutSessionSnapshot
}

func (f *fakeProvider) VerifySignature(payload []byte, header string) error {
	return f.verifyErr
}

func (f *fakeProvider) FetchSubscription(ctx context.Context, id string) (*stripe.SubscriptionSnapshot, error) {
	if f.subscriptionErr != nil {
		return nil, f.subscriptionErr
	}
	snap, ok := f.subscriptions[id]
	if !ok {
		return nil, stripe.ErrNotFound
	}
	return snap, nil
}

func (f *fakeProvider) FetchCharge(ctx context.Context, id string) (*stripe.ChargeSnapshot, error) {
	return nil, stripe.ErrNotFound
}

func (f *fakeProvider) FetchPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntentSnapshot, error) {
	snap, ok := f.paymentIntents[id]
	if !ok {
		return nil, stripe.ErrNotFound
	}
	return snap, nil
}

func (f *fakeProvider) FetchCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSessionSnapshot, error) {
	snap, ok := f.checkoutSessions[id]
	if !ok {
		return nil, stripe.ErrNotFound
	}
	return snap, nil
}

type recomputeRecorder struct {
	mu           sync.Mutex
	calls        int
	failuresLeft int
}

func (r *recomputeRecorder) Recompute(ctx context.Context, projectID snowflake.ID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failuresLeft > 0 {
		r.failuresLeft--
		return errors.New("recompute unavailable")
	}
	r.calls++
	return nil
}

func (r *recomputeRecorder) GetEntitlements(ctx context.Context, projectID snowflake.ID, userID string) ([]entitlementdomain.Entitlement, error) {
	return nil, nil
}

func (r *recomputeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type pipelineFixture struct {
	db       *gorm.DB
	provider *fakeProvider
	recorder *recomputeRecorder
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&projectdomain.Project{},
		&catalogdomain.Product{},
		&catalogdomain.Price{},
		&catalogdomain.ProductFeature{},
		&subscriptiondomain.Subscription{},
		&purchasedomain.Purchase{},
		&webhookdomain.WebhookEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if err := db.Create(&projectdomain.Project{ID: 1, Name: "acme", Active: true}).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := db.Create(&catalogdomain.Product{ID: 10, ProjectID: 1, Name: "pro plan", Active: true}).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if err := db.Create(&catalogdomain.Price{ID: 11, ProjectID: 1, ProductID: 10, ProviderPriceID: "price_pro", Active: true}).Error; err != nil {
		t.Fatalf("seed price: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	log := zap.NewNop()
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{
		subscriptions:    map[string]*stripe.SubscriptionSnapshot{},
		paymentIntents:   map[string]*stripe.PaymentIntentSnapshot{},
		checkoutSessions: map[string]*stripe.CheckoutSessionSnapshot{},
	}
	recorder := &recomputeRecorder{}

	handlers := NewHandlers(HandlersParam{
		DB:               db,
		Log:              log,
		GenID:            node,
		Clock:            fakeClock,
		Provider:         provider,
		ProjectRepo:      projectrepository.Provide(),
		CatalogRepo:      catalogrepository.Provide(),
		SubscriptionRepo: subscriptionrepository.Provide(),
		PurchaseRepo:     purchaserepository.Provide(),
		EntitlementSvc:   recorder,
	})
	pipeline := NewPipeline(PipelineParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fakeClock,
		Provider: provider,
		Guard:    NewGuard(nil, log, time.Hour),
		Repo:     webhookrepository.Provide(),
		Handlers: handlers,
	})
	return &pipelineFixture{db: db, provider: provider, recorder: recorder, pipeline: pipeline}
}

func eventPayload(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":1767225600,"data":{"object":%s}}`, id, eventType, object))
}

func (f *pipelineFixture) auditRow(t *testing.T, providerEventID string) *webhookdomain.WebhookEvent {
	t.Helper()
	var row webhookdomain.WebhookEvent
	err := f.db.Where("provider_event_id = ?", providerEventID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("load audit row: %v", err)
	}
	return &row
}

func TestPipelineRejectsInvalidSignature(t *testing.T) {
	f := newPipelineFixture(t)
	f.provider.verifyErr = stripe.ErrInvalidSignature

	err := f.pipeline.Process(context.Background(), eventPayload("evt_1", EventSubscriptionUpdated, `{"id":"sub_1"}`), "bad")
	if !errors.Is(err, stripe.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if row := f.auditRow(t, "evt_1"); row != nil {
		t.Fatal("rejected event must not leave an audit row")
	}
}

func TestPipelineRejectsMalformedPayload(t *testing.T) {
	f := newPipelineFixture(t)

	err := f.pipeline.Process(context.Background(), []byte(`{"type":"x"}`), "sig")
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestPipelineAcksUnhandledType(t *testing.T) {
	f := newPipelineFixture(t)

	if err := f.pipeline.Process(context.Background(), eventPayload("evt_1", "payment_method.attached", `{}`), "sig"); err != nil {
		t.Fatalf("process: %v", err)
	}
	row := f.auditRow(t, "evt_1")
	if row == nil || !row.Processed {
		t.Fatal("unhandled event must be acknowledged with a processed audit row")
	}
	if row.ErrorMessage != nil {
		t.Fatalf("unhandled event must not record an error, got %q", *row.ErrorMessage)
	}
	if f.recorder.count() != 0 {
		t.Fatal("unhandled event must not trigger a recompute")
	}
}

func TestPipelineSubscriptionUpdated(t *testing.T) {
	f := newPipelineFixture(t)
	seedSubscription(t, f.db, "sub_1", subscriptiondomain.StatusActive)

	object := `{"id":"sub_1","status":"canceled","current_period_start":1767225600,"current_period_end":1769904000,"cancel_at_period_end":false,"canceled_at":1768000000}`
	if err := f.pipeline.Process(context.Background(), eventPayload("evt_1", EventSubscriptionUpdated, object), "sig"); err != nil {
		t.Fatalf("process: %v", err)
	}

	var sub subscriptiondomain.Subscription
	if err := f.db.Where("provider_subscription_id = ?", "sub_1").First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.Status != subscriptiondomain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", sub.Status)
	}
	if sub.CanceledAt == nil {
		t.Fatal("expected canceled_at to be set from payload")
	}
	if f.recorder.count() != 1 {
		t.Fatalf("expected one recompute, got %d", f.recorder.count())
	}
}

func TestPipelineReplayIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	seedSubscription(t, f.db, "sub_1", subscriptiondomain.StatusActive)

	payload := eventPayload("evt_1", EventSubscriptionDeleted, `{"id":"sub_1","status":"canceled"}`)
	for i := 0; i < 3; i++ {
		if err := f.pipeline.Process(context.Background(), payload, "sig"); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	var sub subscriptiondomain.Subscription
	if err := f.db.Where("provider_subscription_id = ?", "sub_1").First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.Status != subscriptiondomain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", sub.Status)
	}

	var rows int64
	if err := f.db.Model(&webhookdomain.WebhookEvent{}).Where("provider_event_id = ?", "evt_1").Count(&rows).Error; err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one audit row across replays, got %d", rows)
	}
	// Only the first delivery reaches the handler.
	if f.recorder.count() != 1 {
		t.Fatalf("expected one recompute across replays, got %d", f.recorder.count())
	}
}

func TestPipelinePermanentFailureIsAckedAndRecorded(t *testing.T) {
	f := newPipelineFixture(t)

	object := `{"id":"sub_unknown","status":"canceled"}`
	if err := f.pipeline.Process(context.Background(), eventPayload("evt_1", EventSubscriptionDeleted, object), "sig"); err != nil {
		t.Fatalf("permanent failures must be acknowledged, got %v", err)
	}

	row := f.auditRow(t, "evt_1")
	if row == nil || !row.Processed {
		t.Fatal("expected processed audit row")
	}
	if row.ErrorMessage == nil {
		t.Fatal("expected the failure reason on the audit row")
	}
}

func TestPipelineTransientFailureLeavesRowForRetry(t *testing.T) {
	f := newPipelineFixture(t)

	session := `{"id":"cs_1","mode":"subscription","subscription":"sub_1","metadata":{"user_id":"user-1","project_id":"1"}}`
	payload := eventPayload("evt_1", EventCheckoutSessionCompleted, session)

	f.provider.subscriptionErr = fmt.Errorf("%w: status 503", stripe.ErrTransient)
	if err := f.pipeline.Process(context.Background(), payload, "sig"); err == nil {
		t.Fatal("expected transient failure to surface")
	}
	row := f.auditRow(t, "evt_1")
	if row == nil || row.Processed {
		t.Fatal("transient failure must leave an unprocessed audit row")
	}

	// The provider retry reuses the audit row and succeeds.
	f.provider.subscriptionErr = nil
	end := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	f.provider.subscriptions["sub_1"] = &stripe.SubscriptionSnapshot{
		ID:               "sub_1",
		Status:           "active",
		PriceID:          "price_pro",
		CurrentPeriodEnd: &end,
	}
	if err := f.pipeline.Process(context.Background(), payload, "sig"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	row = f.auditRow(t, "evt_1")
	if row == nil || !row.Processed {
		t.Fatal("retry must mark the audit row processed")
	}
	var sub subscriptiondomain.Subscription
	if err := f.db.Where("provider_subscription_id = ?", "sub_1").First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.PriceRef != "price_pro" || sub.UserID != "user-1" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
}

func TestPipelineRetryAfterFailedMergeStillMerges(t *testing.T) {
	f := newPipelineFixture(t)
	end := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	f.provider.subscriptions["sub_1"] = &stripe.SubscriptionSnapshot{
		ID:               "sub_1",
		Status:           "active",
		PriceID:          "price_pro",
		CurrentPeriodEnd: &end,
	}

	session := `{"id":"cs_1","mode":"subscription","subscription":"sub_1","metadata":{"user_id":"user-1","project_id":"1"}}`
	payload := eventPayload("evt_1", EventCheckoutSessionCompleted, session)

	// First delivery persists the subscription, then the merge fails.
	f.recorder.failuresLeft = 1
	if err := f.pipeline.Process(context.Background(), payload, "sig"); err == nil {
		t.Fatal("expected the failed merge to surface as transient")
	}
	var count int64
	if err := f.db.Model(&subscriptiondomain.Subscription{}).Count(&count).Error; err != nil {
		t.Fatalf("count subscriptions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the subscription persisted before the merge, got %d", count)
	}
	if f.recorder.count() != 0 {
		t.Fatal("no merge may be counted as succeeded yet")
	}
	if row := f.auditRow(t, "evt_1"); row == nil || row.Processed {
		t.Fatal("failed delivery must leave an unprocessed audit row")
	}

	// The provider redelivers; the existing-record path must still merge.
	if err := f.pipeline.Process(context.Background(), payload, "sig"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.recorder.count() != 1 {
		t.Fatalf("expected the retry to run the merge, got %d", f.recorder.count())
	}
	if row := f.auditRow(t, "evt_1"); row == nil || !row.Processed {
		t.Fatal("retry must acknowledge the event")
	}
}

func TestPipelineCheckoutPaymentCreatesPurchase(t *testing.T) {
	f := newPipelineFixture(t)
	f.provider.paymentIntents["pi_1"] = &stripe.PaymentIntentSnapshot{
		ID:           "pi_1",
		Status:       "succeeded",
		Amount:       4900,
		Currency:     "usd",
		LatestCharge: "ch_1",
	}
	f.provider.checkoutSessions["cs_1"] = &stripe.CheckoutSessionSnapshot{ID: "cs_1", PriceID: "price_pro"}

	session := `{"id":"cs_1","mode":"payment","payment_intent":"pi_1","metadata":{"user_id":"user-1","project_id":"1"}}`
	if err := f.pipeline.Process(context.Background(), eventPayload("evt_1", EventCheckoutSessionCompleted, session), "sig"); err != nil {
		t.Fatalf("process: %v", err)
	}

	var purchase purchasedomain.Purchase
	if err := f.db.Where("provider_charge_id = ?", "ch_1").First(&purchase).Error; err != nil {
		t.Fatalf("load purchase: %v", err)
	}
	if purchase.Status != purchasedomain.StatusSucceeded || purchase.Amount != 4900 {
		t.Fatalf("unexpected purchase: %+v", purchase)
	}
	if f.recorder.count() != 1 {
		t.Fatalf("expected one recompute, got %d", f.recorder.count())
	}
}

func TestPipelineCheckoutUnknownPriceIsPermanent(t *testing.T) {
	f := newPipelineFixture(t)
	end := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	f.provider.subscriptions["sub_1"] = &stripe.SubscriptionSnapshot{
		ID:               "sub_1",
		Status:           "active",
		PriceID:          "price_unmapped",
		CurrentPeriodEnd: &end,
	}

	session := `{"id":"cs_1","mode":"subscription","subscription":"sub_1","metadata":{"user_id":"user-1","project_id":"1"}}`
	if err := f.pipeline.Process(context.Background(), eventPayload("evt_1", EventCheckoutSessionCompleted, session), "sig"); err != nil {
		t.Fatalf("unknown price must be acknowledged, got %v", err)
	}

	row := f.auditRow(t, "evt_1")
	if row == nil || !row.Processed || row.ErrorMessage == nil {
		t.Fatal("expected acknowledged audit row carrying the failure reason")
	}
	var count int64
	if err := f.db.Model(&subscriptiondomain.Subscription{}).Count(&count).Error; err != nil {
		t.Fatalf("count subscriptions: %v", err)
	}
	if count != 0 {
		t.Fatal("no subscription row may be created for an unmapped price")
	}
}

func TestPipelineChargeRefunded(t *testing.T) {
	f := newPipelineFixture(t)
	if err := f.db.Create(&purchasedomain.Purchase{
		ID:               100,
		ProjectID:        1,
		UserID:           "user-1",
		ProviderChargeID: "ch_1",
		PriceRef:         "price_pro",
		Amount:           4900,
		Currency:         "usd",
		Status:           purchasedomain.StatusSucceeded,
		ValidFrom:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}).Error; err != nil {
		t.Fatalf("seed purchase: %v", err)
	}

	object := `{"id":"ch_1","amount_refunded":4900,"refunded":true}`
	if err := f.pipeline.Process(context.Background(), eventPayload("evt_1", EventChargeRefunded, object), "sig"); err != nil {
		t.Fatalf("process: %v", err)
	}

	var purchase purchasedomain.Purchase
	if err := f.db.First(&purchase, "provider_charge_id = ?", "ch_1").Error; err != nil {
		t.Fatalf("load purchase: %v", err)
	}
	if purchase.Status != purchasedomain.StatusRefunded || purchase.RefundedAt == nil {
		t.Fatalf("expected refunded purchase, got %+v", purchase)
	}
}

func seedSubscription(t *testing.T, db *gorm.DB, providerID string, status subscriptiondomain.Status) {
	t.Helper()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := db.Create(&subscriptiondomain.Subscription{
		ID:                     200,
		ProjectID:              1,
		UserID:                 "user-1",
		ProviderSubscriptionID: providerID,
		PriceRef:               "price_pro",
		Status:                 status,
		PeriodStart:            &start,
		PeriodEnd:              &end,
	}).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}
