// Package domain contains the read-only product catalog: products,
// provider prices, and the price→feature mapping used by the merge engine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Product groups prices and carries the feature assignments.
type Product struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	ProjectID snowflake.ID `gorm:"not null;index"`
	Name      string       `gorm:"type:text;not null"`
	Active    bool         `gorm:"not null;default:true"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Product) TableName() string { return "products" }

// Price maps a provider price identifier to a product.
type Price struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	ProjectID       snowflake.ID `gorm:"not null;index"`
	ProductID       snowflake.ID `gorm:"not null;index"`
	ProviderPriceID string       `gorm:"type:text;not null;uniqueIndex"`
	Amount          int64        `gorm:"not null;default:0"`
	Currency        string       `gorm:"type:text;not null;default:usd"`
	Interval        *string      `gorm:"type:text"`
	Active          bool         `gorm:"not null;default:true"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Price) TableName() string { return "prices" }

// ProductFeature assigns a feature code to a product.
type ProductFeature struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	ProductID   snowflake.ID `gorm:"not null;index"`
	FeatureCode string       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProductFeature) TableName() string { return "product_features" }
