// Package domain contains the subscription source records mirrored from
// the payment provider.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents provider lifecycle states for a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
)

// ParseStatus maps a provider status string to a known Status.
// Unknown values default to active, mirroring the provider's own default.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid:
		return Status(raw)
	default:
		return StatusActive
	}
}

// Subscription is one source record per provider subscription. Records are
// never deleted; cancellation is a status transition.
type Subscription struct {
	ID                     snowflake.ID      `gorm:"primaryKey"`
	ProjectID              snowflake.ID      `gorm:"not null;index:idx_subscriptions_pair"`
	UserID                 string            `gorm:"type:text;not null;index:idx_subscriptions_pair"`
	ProviderSubscriptionID string            `gorm:"type:text;not null;uniqueIndex"`
	PriceRef               string            `gorm:"type:text;not null"`
	Status                 Status            `gorm:"type:text;not null"`
	PeriodStart            *time.Time        `gorm:""`
	PeriodEnd              *time.Time        `gorm:""`
	CancelAtPeriodEnd      bool              `gorm:"not null;default:false"`
	CanceledAt             *time.Time        `gorm:""`
	Metadata               datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt              time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
