package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrGrantConflict       = errors.New("grant_conflict")
	ErrGrantNotFound       = errors.New("grant_not_found")
	ErrGrantAlreadyRevoked = errors.New("grant_already_revoked")
	ErrInvalidGrant        = errors.New("invalid_grant")
)

type GrantRequest struct {
	ProjectID   snowflake.ID
	UserID      string
	FeatureCode string
	ValidFrom   *time.Time
	ValidTo     *time.Time
	Reason      string
	GrantedBy   string
}

type RevokeRequest struct {
	GrantID   snowflake.ID
	Reason    string
	RevokedBy string
}

// Service exposes the two public write operations for manual entitlements.
// Both are synchronous: the source mutation, the merge, and the cache
// invalidation complete before the call returns.
type Service interface {
	Grant(ctx context.Context, req GrantRequest) (ManualGrant, error)
	Revoke(ctx context.Context, req RevokeRequest) (ManualGrant, error)
}
