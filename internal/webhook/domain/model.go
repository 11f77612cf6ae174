// Package domain contains the webhook audit record and the typed event
// forms the ingestion pipeline routes on.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// WebhookEvent is the durable audit row for one provider event. The redis
// guard is the fast dedupe path; this table is the record of what happened.
type WebhookEvent struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	ProviderEventID string       `gorm:"type:text;not null;uniqueIndex"`
	EventType       string       `gorm:"type:text;not null;index:idx_webhook_events_type"`
	Processed       bool         `gorm:"not null;default:false"`
	ErrorMessage    *string      `gorm:"type:text"`
	ProcessedAt     *time.Time   `gorm:""`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *WebhookEvent) error
	FindByProviderEventID(ctx context.Context, db *gorm.DB, providerEventID string) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, errorMessage *string, at time.Time) error
}
