package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitled/internal/clock"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/entitled/internal/grant/domain"
	grantrepository "github.com/smallbiznis/entitled/internal/grant/repository"
	projectdomain "github.com/smallbiznis/entitled/internal/project/domain"
	projectrepository "github.com/smallbiznis/entitled/internal/project/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recomputeRecorder struct {
	mu           sync.Mutex
	calls        int
	failuresLeft int
}

func (r *recomputeRecorder) Recompute(ctx context.Context, projectID snowflake.ID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failuresLeft > 0 {
		r.failuresLeft--
		return errors.New("recompute unavailable")
	}
	r.calls++
	return nil
}

func (r *recomputeRecorder) GetEntitlements(ctx context.Context, projectID snowflake.ID, userID string) ([]entitlementdomain.Entitlement, error) {
	return nil, nil
}

func newTestService(t *testing.T) (grantdomain.Service, *gorm.DB, *recomputeRecorder) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&projectdomain.Project{}, &grantdomain.ManualGrant{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Create(&projectdomain.Project{ID: 1, Name: "acme", Active: true}).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	recorder := &recomputeRecorder{}
	svc := NewService(ServiceParam{
		DB:             db,
		Log:            zap.NewNop(),
		GenID:          node,
		Clock:          clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
		Repo:           grantrepository.Provide(),
		ProjectRepo:    projectrepository.Provide(),
		EntitlementSvc: recorder,
	})
	return svc, db, recorder
}

func TestGrantAndRevoke(t *testing.T) {
	svc, _, recorder := newTestService(t)
	ctx := context.Background()

	grant, err := svc.Grant(ctx, grantdomain.GrantRequest{
		ProjectID:   1,
		UserID:      "user-1",
		FeatureCode: "pro",
		Reason:      "support escalation",
		GrantedBy:   "ops@example.com",
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if grant.ID == 0 {
		t.Fatal("expected grant id to be assigned")
	}
	if recorder.calls != 1 {
		t.Fatalf("expected one recompute, got %d", recorder.calls)
	}

	revoked, err := svc.Revoke(ctx, grantdomain.RevokeRequest{
		GrantID:   grant.ID,
		Reason:    "escalation resolved",
		RevokedBy: "ops@example.com",
	})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.RevokedAt == nil {
		t.Fatal("expected revoked_at to be set")
	}
	if recorder.calls != 2 {
		t.Fatalf("expected recompute after revoke, got %d calls", recorder.calls)
	}

	_, err = svc.Revoke(ctx, grantdomain.RevokeRequest{
		GrantID:   grant.ID,
		Reason:    "again",
		RevokedBy: "ops@example.com",
	})
	if !errors.Is(err, grantdomain.ErrGrantAlreadyRevoked) {
		t.Fatalf("expected ErrGrantAlreadyRevoked, got %v", err)
	}
}

func TestGrantConflictOnActiveDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req := grantdomain.GrantRequest{
		ProjectID:   1,
		UserID:      "user-1",
		FeatureCode: "pro",
		Reason:      "trial extension",
		GrantedBy:   "ops@example.com",
	}
	if _, err := svc.Grant(ctx, req); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if _, err := svc.Grant(ctx, req); !errors.Is(err, grantdomain.ErrGrantConflict) {
		t.Fatalf("expected ErrGrantConflict, got %v", err)
	}
}

func TestGrantAfterRevokeSucceeds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req := grantdomain.GrantRequest{
		ProjectID:   1,
		UserID:      "user-1",
		FeatureCode: "pro",
		Reason:      "trial extension",
		GrantedBy:   "ops@example.com",
	}
	grant, err := svc.Grant(ctx, req)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.Revoke(ctx, grantdomain.RevokeRequest{
		GrantID: grant.ID, Reason: "done", RevokedBy: "ops@example.com",
	}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Grant(ctx, req); err != nil {
		t.Fatalf("grant after revoke: %v", err)
	}
}

func TestConcurrentGrantExactlyOneSucceeds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = svc.Grant(ctx, grantdomain.GrantRequest{
				ProjectID:   1,
				UserID:      "user-1",
				FeatureCode: "pro",
				Reason:      "race",
				GrantedBy:   "ops@example.com",
			})
		}(i)
	}
	wg.Wait()

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, grantdomain.ErrGrantConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one success, got %d", succeeded)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}
}

func TestGrantRetryAfterFailedMergeStillMerges(t *testing.T) {
	svc, db, recorder := newTestService(t)
	ctx := context.Background()

	req := grantdomain.GrantRequest{
		ProjectID:   1,
		UserID:      "user-1",
		FeatureCode: "pro",
		Reason:      "trial extension",
		GrantedBy:   "ops@example.com",
	}

	recorder.failuresLeft = 1
	if _, err := svc.Grant(ctx, req); err == nil {
		t.Fatal("expected the failed merge to surface")
	}
	var inserted int64
	if err := db.Model(&grantdomain.ManualGrant{}).Count(&inserted).Error; err != nil {
		t.Fatalf("count grants: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("expected the grant row persisted before the merge, got %d", inserted)
	}
	if recorder.calls != 0 {
		t.Fatalf("expected no successful merge yet, got %d", recorder.calls)
	}

	// The retry hits the conflict path but must converge the merge first.
	if _, err := svc.Grant(ctx, req); !errors.Is(err, grantdomain.ErrGrantConflict) {
		t.Fatalf("expected ErrGrantConflict, got %v", err)
	}
	if recorder.calls != 1 {
		t.Fatalf("expected the retry to run the merge, got %d calls", recorder.calls)
	}
}

func TestRevokeRetryAfterFailedMergeStillMerges(t *testing.T) {
	svc, _, recorder := newTestService(t)
	ctx := context.Background()

	grant, err := svc.Grant(ctx, grantdomain.GrantRequest{
		ProjectID:   1,
		UserID:      "user-1",
		FeatureCode: "pro",
		Reason:      "support escalation",
		GrantedBy:   "ops@example.com",
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	recorder.failuresLeft = 1
	revokeReq := grantdomain.RevokeRequest{
		GrantID:   grant.ID,
		Reason:    "escalation resolved",
		RevokedBy: "ops@example.com",
	}
	if _, err := svc.Revoke(ctx, revokeReq); err == nil {
		t.Fatal("expected the failed merge to surface")
	}
	if recorder.calls != 1 {
		t.Fatalf("expected only the grant merge so far, got %d", recorder.calls)
	}

	// The revoke was persisted, so the retry reports AlreadyRevoked, but
	// only after the merge has removed the stale manual row.
	if _, err := svc.Revoke(ctx, revokeReq); !errors.Is(err, grantdomain.ErrGrantAlreadyRevoked) {
		t.Fatalf("expected ErrGrantAlreadyRevoked, got %v", err)
	}
	if recorder.calls != 2 {
		t.Fatalf("expected the retry to run the merge, got %d calls", recorder.calls)
	}
}

func TestGrantRejectsUnknownProject(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Grant(context.Background(), grantdomain.GrantRequest{
		ProjectID:   999,
		UserID:      "user-1",
		FeatureCode: "pro",
		Reason:      "typo",
		GrantedBy:   "ops@example.com",
	})
	if !errors.Is(err, projectdomain.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}
