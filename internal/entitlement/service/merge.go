package service

import (
	"sort"
	"time"

	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/entitled/internal/grant/domain"
	purchasedomain "github.com/smallbiznis/entitled/internal/purchase/domain"
	subscriptiondomain "github.com/smallbiznis/entitled/internal/subscription/domain"
)

// MergeInput is a snapshot of every source record for one (project, user)
// pair plus the price→feature resolution for the prices they reference.
type MergeInput struct {
	Subscriptions   []subscriptiondomain.Subscription
	Purchases       []purchasedomain.Purchase
	Grants          []grantdomain.ManualGrant
	FeaturesByPrice map[string][]string
}

// Merge derives the full entitlement set for a pair at time now. It is a
// pure function: same snapshot, same output. Rows failing validity are
// omitted, not emitted inactive. A manual revoke suppresses only the
// revoked manual grant; subscription and purchase rows are untouched.
func Merge(in MergeInput, now time.Time) []entitlementdomain.Entitlement {
	var out []entitlementdomain.Entitlement

	for _, sub := range in.Subscriptions {
		if !subscriptionContributes(sub, now) {
			continue
		}
		validFrom := sub.CreatedAt
		if sub.PeriodStart != nil {
			validFrom = *sub.PeriodStart
		}
		for _, feature := range in.FeaturesByPrice[sub.PriceRef] {
			out = append(out, entitlementdomain.Entitlement{
				ProjectID:   sub.ProjectID,
				UserID:      sub.UserID,
				FeatureCode: feature,
				Source:      entitlementdomain.SourceSubscription,
				SourceID:    sub.ProviderSubscriptionID,
				IsActive:    true,
				ValidFrom:   validFrom,
				ValidTo:     sub.PeriodEnd,
				ComputedAt:  now,
			})
		}
	}

	for _, purchase := range in.Purchases {
		if purchase.Status != purchasedomain.StatusSucceeded {
			continue
		}
		if purchase.ValidTo != nil && purchase.ValidTo.Before(now) {
			continue
		}
		for _, feature := range in.FeaturesByPrice[purchase.PriceRef] {
			out = append(out, entitlementdomain.Entitlement{
				ProjectID:   purchase.ProjectID,
				UserID:      purchase.UserID,
				FeatureCode: feature,
				Source:      entitlementdomain.SourcePurchase,
				SourceID:    purchase.ProviderChargeID,
				IsActive:    true,
				ValidFrom:   purchase.ValidFrom,
				ValidTo:     purchase.ValidTo,
				ComputedAt:  now,
			})
		}
	}

	for _, grant := range in.Grants {
		if grant.RevokedAt != nil {
			continue
		}
		if grant.ValidFrom.After(now) {
			continue
		}
		if grant.ValidTo != nil && grant.ValidTo.Before(now) {
			continue
		}
		out = append(out, entitlementdomain.Entitlement{
			ProjectID:   grant.ProjectID,
			UserID:      grant.UserID,
			FeatureCode: grant.FeatureCode,
			Source:      entitlementdomain.SourceManual,
			SourceID:    grant.ID.String(),
			IsActive:    true,
			ValidFrom:   grant.ValidFrom,
			ValidTo:     grant.ValidTo,
			ComputedAt:  now,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FeatureCode != out[j].FeatureCode {
			return out[i].FeatureCode < out[j].FeatureCode
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// subscriptionContributes applies the validity rules: the period end is
// authoritative while the status is active or trialing, and a cancellation
// deferred to period end keeps access until the period closes. An
// immediately canceled subscription has no valid window.
func subscriptionContributes(sub subscriptiondomain.Subscription, now time.Time) bool {
	if sub.PeriodEnd == nil || !sub.PeriodEnd.After(now) {
		return false
	}
	switch sub.Status {
	case subscriptiondomain.StatusActive, subscriptiondomain.StatusTrialing:
		return true
	case subscriptiondomain.StatusCanceled:
		return sub.CancelAtPeriodEnd
	default:
		return false
	}
}
