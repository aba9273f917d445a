package subscriptions

import (
	"context"

	"github.com/uniboxhq/unibox-sync/internal/store"
)

// TierPlanChecker reads the workspace plan tier from the store and allows
// push for the configured set of tiers. Billing itself lives elsewhere; this
// side only consumes the boolean capability.
type TierPlanChecker struct {
	store     *store.Store
	pushTiers map[string]bool
}

// NewTierPlanChecker creates a checker allowing push for the listed tiers.
func NewTierPlanChecker(st *store.Store, pushTiers []string) *TierPlanChecker {
	tiers := make(map[string]bool, len(pushTiers))
	for _, t := range pushTiers {
		tiers[t] = true
	}
	return &TierPlanChecker{store: st, pushTiers: tiers}
}

// SupportsPush reports whether the workspace's plan tier includes push
// notifications.
func (c *TierPlanChecker) SupportsPush(ctx context.Context, workspaceID string) (bool, error) {
	tier, err := c.store.WorkspacePlanTier(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return c.pushTiers[tier], nil
}
