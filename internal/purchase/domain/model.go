// Package domain contains one-time purchase source records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status represents provider charge outcomes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Purchase is one source record per provider charge. A nil ValidTo means
// lifetime access. Refunds are a status transition, never a delete.
type Purchase struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	ProjectID        snowflake.ID `gorm:"not null;index:idx_purchases_pair"`
	UserID           string       `gorm:"type:text;not null;index:idx_purchases_pair"`
	ProviderChargeID string       `gorm:"type:text;not null;uniqueIndex"`
	PriceRef         string       `gorm:"type:text;not null"`
	Amount           int64        `gorm:"not null;default:0"`
	Currency         string       `gorm:"type:text;not null;default:usd"`
	Status           Status       `gorm:"type:text;not null"`
	ValidFrom        time.Time    `gorm:"not null"`
	ValidTo          *time.Time   `gorm:""`
	RefundedAt       *time.Time   `gorm:""`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Purchase) TableName() string { return "purchases" }
