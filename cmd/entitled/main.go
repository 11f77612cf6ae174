package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitled/internal/catalog"
	"github.com/smallbiznis/entitled/internal/clock"
	"github.com/smallbiznis/entitled/internal/config"
	"github.com/smallbiznis/entitled/internal/entitlement"
	"github.com/smallbiznis/entitled/internal/grant"
	"github.com/smallbiznis/entitled/internal/logger"
	"github.com/smallbiznis/entitled/internal/migration"
	"github.com/smallbiznis/entitled/internal/observability"
	"github.com/smallbiznis/entitled/internal/project"
	"github.com/smallbiznis/entitled/internal/purchase"
	"github.com/smallbiznis/entitled/internal/reconciliation"
	"github.com/smallbiznis/entitled/internal/redisconn"
	"github.com/smallbiznis/entitled/internal/scheduler"
	"github.com/smallbiznis/entitled/internal/server"
	"github.com/smallbiznis/entitled/internal/stripe"
	"github.com/smallbiznis/entitled/internal/subscription"
	"github.com/smallbiznis/entitled/internal/webhook"
	"github.com/smallbiznis/entitled/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisconn.Module,
		clock.Module,
		migration.Module,

		// Domain modules
		project.Module,
		catalog.Module,
		subscription.Module,
		purchase.Module,
		grant.Module,
		entitlement.Module,
		stripe.Module,
		webhook.Module,
		reconciliation.Module,
		scheduler.Module,

		// HTTP surface
		server.Module,
	)

	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
