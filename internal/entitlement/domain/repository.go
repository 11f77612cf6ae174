package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Replace deletes all rows for the pair and inserts the new set.
	// Callers run it inside a transaction so readers never observe a
	// partially replaced set.
	Replace(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID string, rows []Entitlement) error
	ListByPair(ctx context.Context, db *gorm.DB, projectID snowflake.ID, userID string) ([]Entitlement, error)
}
