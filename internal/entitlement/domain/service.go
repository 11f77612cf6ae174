package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service exposes the merge engine and the read path.
type Service interface {
	// Recompute rebuilds the materialized set for one pair from current
	// source records and invalidates the pair's cache entry. Safe to call
	// concurrently; merges for the same pair are serialized.
	Recompute(ctx context.Context, projectID snowflake.ID, userID string) error

	// GetEntitlements returns the currently valid entitlements for a pair,
	// cache first, store on miss. Validity is re-derived at read time.
	GetEntitlements(ctx context.Context, projectID snowflake.ID, userID string) ([]Entitlement, error)
}
