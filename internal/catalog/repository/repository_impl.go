package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/entitled/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() catalogdomain.Repository {
	return &repo{}
}

func (r *repo) FindPriceByProviderID(ctx context.Context, db *gorm.DB, providerPriceID string) (*catalogdomain.Price, error) {
	var price catalogdomain.Price
	err := db.WithContext(ctx).Where("provider_price_id = ?", providerPriceID).First(&price).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &price, nil
}

func (r *repo) ListFeatureCodes(ctx context.Context, db *gorm.DB, productID snowflake.ID) ([]string, error) {
	var codes []string
	err := db.WithContext(ctx).Raw(
		`SELECT feature_code FROM product_features WHERE product_id = ? ORDER BY feature_code`,
		productID,
	).Scan(&codes).Error
	if err != nil {
		return nil, err
	}
	return codes, nil
}
