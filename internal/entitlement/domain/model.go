// Package domain contains the materialized entitlement projection. Rows
// are derived by the merge engine and fully rebuilt per (project, user)
// pair; they are never hand-edited and never a source of truth.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Source identifies the kind of source record an entitlement row is
// attributable to.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourcePurchase     Source = "purchase"
	SourceManual       Source = "manual"
)

// Entitlement is one materialized access fact. Multiple rows for the same
// feature from different sources are legal and additive: a feature is
// granted if any row for it is currently valid. Absence is "not entitled".
type Entitlement struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"-"`
	ProjectID   snowflake.ID `gorm:"not null;index:idx_entitlements_pair" json:"project_id"`
	UserID      string       `gorm:"type:text;not null;index:idx_entitlements_pair" json:"user_id"`
	FeatureCode string       `gorm:"type:text;not null" json:"feature_code"`
	Source      Source       `gorm:"type:text;not null" json:"source"`
	SourceID    string       `gorm:"type:text;not null" json:"source_id"`
	IsActive    bool         `gorm:"not null;default:true" json:"is_active"`
	ValidFrom   time.Time    `gorm:"not null" json:"valid_from"`
	ValidTo     *time.Time   `gorm:"" json:"valid_to,omitempty"`
	ComputedAt  time.Time    `gorm:"not null" json:"computed_at"`
}

// TableName sets the database table name.
func (Entitlement) TableName() string { return "entitlements" }

// ValidAt reports whether the row's validity window covers t.
func (e Entitlement) ValidAt(t time.Time) bool {
	if e.ValidFrom.After(t) {
		return false
	}
	if e.ValidTo != nil && e.ValidTo.Before(t) {
		return false
	}
	return true
}
