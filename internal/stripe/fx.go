package stripe

import (
	"github.com/smallbiznis/entitled/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("stripe",
	fx.Provide(
		func(cfg config.Config) Provider {
			return NewClient(cfg.Stripe.APIBaseURL, cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
		},
	),
)
