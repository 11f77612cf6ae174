package domain

import "context"

// Service resolves provider price references to feature codes.
type Service interface {
	// ResolveFeatures returns the feature codes granted by a provider
	// price. An unknown price or a price whose product carries no feature
	// assignment resolves to an empty slice, not an error; catalogs lag
	// price creation in practice.
	ResolveFeatures(ctx context.Context, providerPriceID string) ([]string, error)
}
