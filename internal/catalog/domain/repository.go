package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindPriceByProviderID(ctx context.Context, db *gorm.DB, providerPriceID string) (*Price, error)
	ListFeatureCodes(ctx context.Context, db *gorm.DB, productID snowflake.ID) ([]string, error)
}
