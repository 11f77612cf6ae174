package service

import (
	"context"

	catalogdomain "github.com/smallbiznis/entitled/internal/catalog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo catalogdomain.Repository
}

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo catalogdomain.Repository
}

func NewService(p ServiceParam) catalogdomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("catalog.service"),
		repo: p.Repo,
	}
}

// ResolveFeatures implements domain.Service.
func (s *Service) ResolveFeatures(ctx context.Context, providerPriceID string) ([]string, error) {
	price, err := s.repo.FindPriceByProviderID(ctx, s.db, providerPriceID)
	if err != nil {
		return nil, err
	}
	if price == nil {
		s.log.Warn("price has no catalog entry", zap.String("provider_price_id", providerPriceID))
		return nil, nil
	}

	codes, err := s.repo.ListFeatureCodes(ctx, s.db, price.ProductID)
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		s.log.Warn("price product has no feature assignments",
			zap.String("provider_price_id", providerPriceID),
			zap.String("product_id", price.ProductID.String()),
		)
	}
	return codes, nil
}
