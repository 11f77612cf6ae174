package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, grant *ManualGrant) error
	Update(ctx context.Context, db *gorm.DB, grant *ManualGrant) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ManualGrant, error)
	FindActiveByFeature(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID, featureCode string) (*ManualGrant, error)
	ListByPair(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID string) ([]ManualGrant, error)
}
