package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/entitled/internal/catalog/domain"
	"github.com/smallbiznis/entitled/internal/clock"
	"github.com/smallbiznis/entitled/internal/config"
	"github.com/smallbiznis/entitled/internal/entitlement/cache"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/entitled/internal/grant/domain"
	purchasedomain "github.com/smallbiznis/entitled/internal/purchase/domain"
	subscriptiondomain "github.com/smallbiznis/entitled/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	locks *pairLock

	repo             entitlementdomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	purchaseRepo     purchasedomain.Repository
	grantRepo        grantdomain.Repository

	catalogsvc catalogdomain.Service
	cache      cache.EntitlementCache
	cacheTTL   time.Duration
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config

	Repo             entitlementdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	PurchaseRepo     purchasedomain.Repository
	GrantRepo        grantdomain.Repository

	Catalogsvc catalogdomain.Service
	Cache      cache.EntitlementCache
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entitlement.service"),
		genID: p.GenID,
		clock: p.Clock,
		locks: newPairLock(),

		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		purchaseRepo:     p.PurchaseRepo,
		grantRepo:        p.GrantRepo,

		catalogsvc: p.Catalogsvc,
		cache:      p.Cache,
		cacheTTL:   p.Cfg.CacheTTL,
	}
}

// Recompute implements domain.Service.
func (s *Service) Recompute(ctx context.Context, projectID snowflake.ID, userID string) error {
	key := pairKey(projectID, userID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	now := s.clock.Now()

	subscriptions, err := s.subscriptionRepo.ListByPair(ctx, s.db, projectID, userID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	purchases, err := s.purchaseRepo.ListByPair(ctx, s.db, projectID, userID)
	if err != nil {
		return fmt.Errorf("list purchases: %w", err)
	}
	grants, err := s.grantRepo.ListByPair(ctx, s.db, projectID, userID)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}

	featuresByPrice, err := s.resolvePriceFeatures(ctx, subscriptions, purchases)
	if err != nil {
		return err
	}

	rows := Merge(MergeInput{
		Subscriptions:   subscriptions,
		Purchases:       purchases,
		Grants:          grants,
		FeaturesByPrice: featuresByPrice,
	}, now)

	for i := range rows {
		rows[i].ID = s.genID.Generate()
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.Replace(ctx, tx, projectID, userID, rows)
	})
	if err != nil {
		return fmt.Errorf("replace entitlements: %w", err)
	}

	s.cache.Invalidate(ctx, projectID, userID)

	s.log.Debug("entitlements recomputed",
		zap.String("project_id", projectID.String()),
		zap.String("user_id", userID),
		zap.Int("rows", len(rows)),
	)
	return nil
}

// GetEntitlements implements domain.Service.
func (s *Service) GetEntitlements(ctx context.Context, projectID snowflake.ID, userID string) ([]entitlementdomain.Entitlement, error) {
	now := s.clock.Now()

	if rows, ok := s.cache.Get(ctx, projectID, userID); ok {
		return filterValid(rows, now), nil
	}

	rows, err := s.repo.ListByPair(ctx, s.db, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}

	s.cache.Set(ctx, projectID, userID, rows, s.cacheTTL)
	return filterValid(rows, now), nil
}

func (s *Service) resolvePriceFeatures(
	ctx context.Context,
	subscriptions []subscriptiondomain.Subscription,
	purchases []purchasedomain.Purchase,
) (map[string][]string, error) {
	features := make(map[string][]string)
	for _, sub := range subscriptions {
		if _, ok := features[sub.PriceRef]; ok {
			continue
		}
		codes, err := s.catalogsvc.ResolveFeatures(ctx, sub.PriceRef)
		if err != nil {
			return nil, fmt.Errorf("resolve features for %s: %w", sub.PriceRef, err)
		}
		features[sub.PriceRef] = codes
	}
	for _, purchase := range purchases {
		if _, ok := features[purchase.PriceRef]; ok {
			continue
		}
		codes, err := s.catalogsvc.ResolveFeatures(ctx, purchase.PriceRef)
		if err != nil {
			return nil, fmt.Errorf("resolve features for %s: %w", purchase.PriceRef, err)
		}
		features[purchase.PriceRef] = codes
	}
	return features, nil
}

func filterValid(rows []entitlementdomain.Entitlement, now time.Time) []entitlementdomain.Entitlement {
	out := make([]entitlementdomain.Entitlement, 0, len(rows))
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		if !row.ValidAt(now) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func pairKey(projectID snowflake.ID, userID string) string {
	return projectID.String() + "|" + userID
}
