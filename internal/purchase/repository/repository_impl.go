package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	purchasedomain "github.com/smallbiznis/entitled/internal/purchase/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() purchasedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, purchase *purchasedomain.Purchase) error {
	return db.WithContext(ctx).Create(purchase).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, purchase *purchasedomain.Purchase) error {
	return db.WithContext(ctx).Save(purchase).Error
}

func (r *repo) FindByProviderChargeID(ctx context.Context, db *gorm.DB, providerChargeID string) (*purchasedomain.Purchase, error) {
	var purchase purchasedomain.Purchase
	err := db.WithContext(ctx).
		Where("provider_charge_id = ?", providerChargeID).
		First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}

func (r *repo) ListByPair(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID string) ([]purchasedomain.Purchase, error) {
	var purchases []purchasedomain.Purchase
	err := db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Order("id").
		Find(&purchases).Error
	return purchases, err
}

func (r *repo) ListUpdatedSince(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]purchasedomain.Purchase, error) {
	var purchases []purchasedomain.Purchase
	err := db.WithContext(ctx).
		Where("updated_at >= ?", cutoff).
		Order("id").
		Find(&purchases).Error
	return purchases, err
}

func (r *repo) ListAll(ctx context.Context, db *gorm.DB) ([]purchasedomain.Purchase, error) {
	var purchases []purchasedomain.Purchase
	err := db.WithContext(ctx).Order("id").Find(&purchases).Error
	return purchases, err
}
