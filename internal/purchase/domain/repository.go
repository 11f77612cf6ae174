package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, purchase *Purchase) error
	Update(ctx context.Context, db *gorm.DB, purchase *Purchase) error
	FindByProviderChargeID(ctx context.Context, db *gorm.DB, providerChargeID string) (*Purchase, error)
	ListByPair(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID string) ([]Purchase, error)
	ListUpdatedSince(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]Purchase, error)
	ListAll(ctx context.Context, db *gorm.DB) ([]Purchase, error)
}
