// Package server is the HTTP consumption surface: the provider webhook
// endpoint, API-keyed entitlement reads, and the admin operations.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitled/internal/clock"
	"github.com/smallbiznis/entitled/internal/config"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/entitled/internal/grant/domain"
	projectdomain "github.com/smallbiznis/entitled/internal/project/domain"
	"github.com/smallbiznis/entitled/internal/reconciliation"
	"github.com/smallbiznis/entitled/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock

	projectRepo    projectdomain.Repository
	entitlementSvc entitlementdomain.Service
	grantSvc       grantdomain.Service
	pipeline       *webhook.Pipeline
	reconciler     *reconciliation.Reconciler
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	ProjectRepo    projectdomain.Repository
	EntitlementSvc entitlementdomain.Service
	GrantSvc       grantdomain.Service
	Pipeline       *webhook.Pipeline
	Reconciler     *reconciliation.Reconciler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		log:            p.Log.Named("http.server"),
		genID:          p.GenID,
		clock:          p.Clock,
		projectRepo:    p.ProjectRepo,
		entitlementSvc: p.EntitlementSvc,
		grantSvc:       p.GrantSvc,
		pipeline:       p.Pipeline,
		reconciler:     p.Reconciler,
	}
	svc.registerRoutes()
	return svc
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api/v1")

	api.POST("/webhooks/stripe", s.HandleStripeWebhook)

	authed := api.Group("", s.APIKeyRequired())
	authed.GET("/entitlements", s.GetEntitlements)

	admin := api.Group("/admin", s.AdminRequired())
	admin.POST("/grants", s.CreateGrant)
	admin.POST("/grants/:id/revoke", s.RevokeGrant)
	admin.POST("/reconcile", s.RunReconciliation)
}
