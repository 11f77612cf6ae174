// Package domain contains persistence models for tenant projects and
// their API-keyed client apps.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Project represents a tenant micro-application. Every other entity in
// the system is scoped by a project id.
type Project struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Name      string       `gorm:"type:text;not null;uniqueIndex"`
	Active    bool         `gorm:"not null;default:true"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Project) TableName() string { return "projects" }

// App is a client integration credential. The raw API key is never
// stored; lookups go through its SHA-256 hash.
type App struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	ProjectID  snowflake.ID `gorm:"not null;index"`
	Name       string       `gorm:"type:text;not null"`
	APIKeyHash string       `gorm:"type:text;not null;uniqueIndex"`
	Active     bool         `gorm:"not null;default:true"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (App) TableName() string { return "apps" }
