package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	ListByPair(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID string) ([]Subscription, error)
	ListUpdatedSince(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]Subscription, error)
	ListAll(ctx context.Context, db *gorm.DB) ([]Subscription, error)
}
