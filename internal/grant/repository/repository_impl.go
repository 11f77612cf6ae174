package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/entitled/internal/grant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() grantdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, grant *grantdomain.ManualGrant) error {
	return db.WithContext(ctx).Create(grant).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, grant *grantdomain.ManualGrant) error {
	return db.WithContext(ctx).Save(grant).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*grantdomain.ManualGrant, error) {
	var grant grantdomain.ManualGrant
	err := db.WithContext(ctx).Where("id = ?", id).First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

func (r *repo) FindActiveByFeature(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID, featureCode string) (*grantdomain.ManualGrant, error) {
	var grant grantdomain.ManualGrant
	err := db.WithContext(ctx).
		Where("project_id = ? AND user_id = ? AND feature_code = ? AND revoked_at IS NULL",
			projectID, userID, featureCode).
		First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

func (r *repo) ListByPair(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID string) ([]grantdomain.ManualGrant, error) {
	var grants []grantdomain.ManualGrant
	err := db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Order("id").
		Find(&grants).Error
	return grants, err
}
