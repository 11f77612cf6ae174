package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	catalogdomain "github.com/smallbiznis/entitled/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/entitled/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/entitled/internal/catalog/service"
	"github.com/smallbiznis/entitled/internal/clock"
	"github.com/smallbiznis/entitled/internal/config"
	"github.com/smallbiznis/entitled/internal/entitlement/cache"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	entitlementrepository "github.com/smallbiznis/entitled/internal/entitlement/repository"
	grantdomain "github.com/smallbiznis/entitled/internal/grant/domain"
	grantrepository "github.com/smallbiznis/entitled/internal/grant/repository"
	purchasedomain "github.com/smallbiznis/entitled/internal/purchase/domain"
	purchaserepository "github.com/smallbiznis/entitled/internal/purchase/repository"
	subscriptiondomain "github.com/smallbiznis/entitled/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/entitled/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&catalogdomain.Product{},
		&catalogdomain.Price{},
		&catalogdomain.ProductFeature{},
		&subscriptiondomain.Subscription{},
		&purchasedomain.Purchase{},
		&grantdomain.ManualGrant{},
		&entitlementdomain.Entitlement{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, fake *clock.FakeClock, client *redis.Client) entitlementdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	log := zap.NewNop()

	catalogsvc := catalogservice.NewService(catalogservice.ServiceParam{
		DB:   db,
		Log:  log,
		Repo: catalogrepository.Provide(),
	})

	return NewService(ServiceParam{
		DB:               db,
		Log:              log,
		GenID:            node,
		Clock:            fake,
		Cfg:              config.Config{CacheTTL: time.Minute},
		Repo:             entitlementrepository.Provide(),
		SubscriptionRepo: subscriptionrepository.Provide(),
		PurchaseRepo:     purchaserepository.Provide(),
		GrantRepo:        grantrepository.Provide(),
		Catalogsvc:       catalogsvc,
		Cache:            cache.New(client, log, nil),
	})
}

func seedCatalog(t *testing.T, db *gorm.DB, providerPriceID string, features ...string) {
	t.Helper()
	product := catalogdomain.Product{ID: 100, ProjectID: 1, Name: "Pro plan", Active: true}
	if err := db.Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	price := catalogdomain.Price{ID: 101, ProjectID: 1, ProductID: product.ID, ProviderPriceID: providerPriceID, Active: true}
	if err := db.Create(&price).Error; err != nil {
		t.Fatalf("seed price: %v", err)
	}
	for i, code := range features {
		assignment := catalogdomain.ProductFeature{ID: snowflake.ID(200 + i), ProductID: product.ID, FeatureCode: code}
		if err := db.Create(&assignment).Error; err != nil {
			t.Fatalf("seed feature: %v", err)
		}
	}
}

func TestRecomputeAndRead(t *testing.T) {
	db := openTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, fake, nil)
	ctx := context.Background()

	seedCatalog(t, db, "price_pro", "pro")

	start := fake.Now().Add(-24 * time.Hour)
	end := fake.Now().Add(13 * 24 * time.Hour)
	subscription := subscriptiondomain.Subscription{
		ID: 1, ProjectID: 1, UserID: "user-1",
		ProviderSubscriptionID: "sub_1", PriceRef: "price_pro",
		Status: subscriptiondomain.StatusTrialing, PeriodStart: &start, PeriodEnd: &end,
	}
	if err := db.Create(&subscription).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	if err := svc.Recompute(ctx, 1, "user-1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	rows, err := svc.GetEntitlements(ctx, 1, "user-1")
	if err != nil {
		t.Fatalf("get entitlements: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 entitlement, got %d", len(rows))
	}
	if rows[0].FeatureCode != "pro" || rows[0].Source != entitlementdomain.SourceSubscription {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if rows[0].ValidTo == nil || !rows[0].ValidTo.Equal(end) {
		t.Fatalf("expected valid_to %v, got %v", end, rows[0].ValidTo)
	}
}

func TestRecomputeReplacesPriorRows(t *testing.T) {
	db := openTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, fake, nil)
	ctx := context.Background()

	seedCatalog(t, db, "price_pro", "pro")

	start := fake.Now().Add(-24 * time.Hour)
	end := fake.Now().Add(24 * time.Hour)
	subscription := subscriptiondomain.Subscription{
		ID: 1, ProjectID: 1, UserID: "user-1",
		ProviderSubscriptionID: "sub_1", PriceRef: "price_pro",
		Status: subscriptiondomain.StatusActive, PeriodStart: &start, PeriodEnd: &end,
	}
	if err := db.Create(&subscription).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	if err := svc.Recompute(ctx, 1, "user-1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	// Immediate cancel removes the window; the replace must leave no rows.
	if err := db.Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", 1).
		Updates(map[string]any{"status": "canceled", "cancel_at_period_end": false}).Error; err != nil {
		t.Fatalf("update subscription: %v", err)
	}
	if err := svc.Recompute(ctx, 1, "user-1"); err != nil {
		t.Fatalf("recompute after cancel: %v", err)
	}

	rows, err := svc.GetEntitlements(ctx, 1, "user-1")
	if err != nil {
		t.Fatalf("get entitlements: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no entitlements after immediate cancel, got %d", len(rows))
	}

	var count int64
	if err := db.Model(&entitlementdomain.Entitlement{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected store to be empty, found %d rows", count)
	}
}

func TestReadReappliesValidityAtReadTime(t *testing.T) {
	db := openTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, fake, nil)
	ctx := context.Background()

	seedCatalog(t, db, "price_pro", "pro")

	start := fake.Now().Add(-24 * time.Hour)
	end := fake.Now().Add(time.Hour)
	subscription := subscriptiondomain.Subscription{
		ID: 1, ProjectID: 1, UserID: "user-1",
		ProviderSubscriptionID: "sub_1", PriceRef: "price_pro",
		Status: subscriptiondomain.StatusActive, PeriodStart: &start, PeriodEnd: &end,
	}
	if err := db.Create(&subscription).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	if err := svc.Recompute(ctx, 1, "user-1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	rows, err := svc.GetEntitlements(ctx, 1, "user-1")
	if err != nil {
		t.Fatalf("get entitlements: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 entitlement, got %d", len(rows))
	}

	// Past the period end the stale materialized row must not be served,
	// even without a new merge.
	fake.Advance(2 * time.Hour)
	rows, err = svc.GetEntitlements(ctx, 1, "user-1")
	if err != nil {
		t.Fatalf("get entitlements: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no valid entitlements after period end, got %d", len(rows))
	}
}

func TestCacheFailOpen(t *testing.T) {
	db := openTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	// A client pointing at nothing makes every cache operation fail; reads
	// must still come back from the store.
	broken := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 10 * time.Millisecond,
	})
	svc := newTestService(t, db, fake, broken)
	ctx := context.Background()

	seedCatalog(t, db, "price_pro", "pro")

	start := fake.Now().Add(-24 * time.Hour)
	end := fake.Now().Add(24 * time.Hour)
	subscription := subscriptiondomain.Subscription{
		ID: 1, ProjectID: 1, UserID: "user-1",
		ProviderSubscriptionID: "sub_1", PriceRef: "price_pro",
		Status: subscriptiondomain.StatusActive, PeriodStart: &start, PeriodEnd: &end,
	}
	if err := db.Create(&subscription).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	if err := svc.Recompute(ctx, 1, "user-1"); err != nil {
		t.Fatalf("recompute with broken cache: %v", err)
	}
	rows, err := svc.GetEntitlements(ctx, 1, "user-1")
	if err != nil {
		t.Fatalf("get entitlements with broken cache: %v", err)
	}
	if len(rows) != 1 || rows[0].FeatureCode != "pro" {
		t.Fatalf("expected store fallback to serve the row, got %+v", rows)
	}
}
