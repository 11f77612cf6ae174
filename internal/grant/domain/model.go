// Package domain contains manual grant source records and their
// administrative operations.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ManualGrant is an administrative entitlement source with an audit trail.
// A grant with non-null RevokedAt never contributes entitlements.
type ManualGrant struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	ProjectID    snowflake.ID `gorm:"not null;index:idx_manual_grants_pair"`
	UserID       string       `gorm:"type:text;not null;index:idx_manual_grants_pair"`
	FeatureCode  string       `gorm:"type:text;not null"`
	ValidFrom    time.Time    `gorm:"not null"`
	ValidTo      *time.Time   `gorm:""`
	GrantedBy    string       `gorm:"type:text;not null"`
	Reason       string       `gorm:"type:text;not null"`
	RevokedAt    *time.Time   `gorm:""`
	RevokedBy    *string      `gorm:"type:text"`
	RevokeReason *string      `gorm:"type:text"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ManualGrant) TableName() string { return "manual_grants" }
