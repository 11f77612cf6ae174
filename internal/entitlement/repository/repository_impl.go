package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) Replace(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID string, rows []entitlementdomain.Entitlement) error {
	err := db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Delete(&entitlementdomain.Entitlement{}).Error
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&rows).Error
}

func (r *repo) ListByPair(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID string) ([]entitlementdomain.Entitlement, error) {
	var rows []entitlementdomain.Entitlement
	err := db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Order("feature_code, source, source_id").
		Find(&rows).Error
	return rows, err
}
