package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitled/internal/clock"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/entitled/internal/grant/domain"
	projectdomain "github.com/smallbiznis/entitled/internal/project/domain"
	"github.com/smallbiznis/entitled/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock

	// Serializes the check-then-insert in Grant so concurrent calls for
	// the same feature cannot both pass the conflict check. The partial
	// unique index on active grants covers the multi-process case.
	grantMu sync.Mutex

	repo           grantdomain.Repository
	projectRepo    projectdomain.Repository
	entitlementSvc entitlementdomain.Service
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Repo           grantdomain.Repository
	ProjectRepo    projectdomain.Repository
	EntitlementSvc entitlementdomain.Service
}

func NewService(p ServiceParam) grantdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("grant.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		repo:           p.Repo,
		projectRepo:    p.ProjectRepo,
		entitlementSvc: p.EntitlementSvc,
	}
}

// Grant implements domain.Service.
func (s *Service) Grant(ctx context.Context, req grantdomain.GrantRequest) (grantdomain.ManualGrant, error) {
	if strings.TrimSpace(req.UserID) == "" ||
		strings.TrimSpace(req.FeatureCode) == "" ||
		strings.TrimSpace(req.Reason) == "" {
		return grantdomain.ManualGrant{}, grantdomain.ErrInvalidGrant
	}

	project, err := s.projectRepo.FindByID(ctx, s.db, req.ProjectID)
	if err != nil {
		return grantdomain.ManualGrant{}, fmt.Errorf("find project: %w", err)
	}
	if project == nil {
		return grantdomain.ManualGrant{}, projectdomain.ErrProjectNotFound
	}

	s.grantMu.Lock()
	defer s.grantMu.Unlock()

	existing, err := s.repo.FindActiveByFeature(ctx, s.db, req.ProjectID, req.UserID, req.FeatureCode)
	if err != nil {
		return grantdomain.ManualGrant{}, fmt.Errorf("find active grant: %w", err)
	}
	if existing != nil {
		// A prior attempt may have inserted the grant and then failed the
		// merge; the retry must still converge the materialized rows
		// before the conflict is reported.
		if err := s.entitlementSvc.Recompute(ctx, req.ProjectID, req.UserID); err != nil {
			return grantdomain.ManualGrant{}, err
		}
		return grantdomain.ManualGrant{}, grantdomain.ErrGrantConflict
	}

	now := s.clock.Now()
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = *req.ValidFrom
	}

	grant := grantdomain.ManualGrant{
		ID:          s.genID.Generate(),
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		FeatureCode: req.FeatureCode,
		ValidFrom:   validFrom,
		ValidTo:     req.ValidTo,
		GrantedBy:   req.GrantedBy,
		Reason:      req.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Insert(ctx, s.db, &grant); err != nil {
		if db.IsDuplicateKeyErr(err) {
			if err := s.entitlementSvc.Recompute(ctx, req.ProjectID, req.UserID); err != nil {
				return grantdomain.ManualGrant{}, err
			}
			return grantdomain.ManualGrant{}, grantdomain.ErrGrantConflict
		}
		return grantdomain.ManualGrant{}, fmt.Errorf("insert grant: %w", err)
	}

	if err := s.entitlementSvc.Recompute(ctx, req.ProjectID, req.UserID); err != nil {
		return grantdomain.ManualGrant{}, err
	}

	s.log.Info("manual grant created",
		zap.String("grant_id", grant.ID.String()),
		zap.String("project_id", req.ProjectID.String()),
		zap.String("user_id", req.UserID),
		zap.String("feature_code", req.FeatureCode),
		zap.String("granted_by", req.GrantedBy),
	)
	return grant, nil
}

// Revoke implements domain.Service.
func (s *Service) Revoke(ctx context.Context, req grantdomain.RevokeRequest) (grantdomain.ManualGrant, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return grantdomain.ManualGrant{}, grantdomain.ErrInvalidGrant
	}

	grant, err := s.repo.FindByID(ctx, s.db, req.GrantID)
	if err != nil {
		return grantdomain.ManualGrant{}, fmt.Errorf("find grant: %w", err)
	}
	if grant == nil {
		return grantdomain.ManualGrant{}, grantdomain.ErrGrantNotFound
	}
	if grant.RevokedAt != nil {
		// The revoke may have been persisted by an attempt whose merge
		// failed; re-run it so the stale manual row cannot outlive retries.
		if err := s.entitlementSvc.Recompute(ctx, grant.ProjectID, grant.UserID); err != nil {
			return grantdomain.ManualGrant{}, err
		}
		return grantdomain.ManualGrant{}, grantdomain.ErrGrantAlreadyRevoked
	}

	now := s.clock.Now()
	grant.RevokedAt = &now
	grant.RevokedBy = &req.RevokedBy
	grant.RevokeReason = &req.Reason
	grant.UpdatedAt = now

	if err := s.repo.Update(ctx, s.db, grant); err != nil {
		return grantdomain.ManualGrant{}, fmt.Errorf("update grant: %w", err)
	}

	if err := s.entitlementSvc.Recompute(ctx, grant.ProjectID, grant.UserID); err != nil {
		return grantdomain.ManualGrant{}, err
	}

	s.log.Info("manual grant revoked",
		zap.String("grant_id", grant.ID.String()),
		zap.String("revoked_by", req.RevokedBy),
	)
	return *grant, nil
}
