package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/smallbiznis/entitled/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() webhookdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *webhookdomain.WebhookEvent) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) FindByProviderEventID(ctx context.Context, db *gorm.DB, providerEventID string) (*webhookdomain.WebhookEvent, error) {
	var event webhookdomain.WebhookEvent
	err := db.WithContext(ctx).
		Where("provider_event_id = ?", providerEventID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, errorMessage *string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&webhookdomain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed":     true,
			"error_message": errorMessage,
			"processed_at":  at,
		}).Error
}
