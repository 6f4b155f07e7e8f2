package billing

import (
	"sort"
	"strings"

	"github.com/ManuelReschke/FoxChat/app/models"
)

// NormalizeStatus lower-cases provider status values. Unknown values are kept
// as received so nothing is lost; only "active" grants premium.
func NormalizeStatus(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func isActiveStatus(status string) bool {
	return NormalizeStatus(status) == models.SubscriptionStatusActive
}

// pickBest orders snapshots the same way the store query does: active first,
// then the latest period end. Returns nil for an empty slice.
func pickBest(snaps []SubscriptionSnapshot) *SubscriptionSnapshot {
	if len(snaps) == 0 {
		return nil
	}
	sorted := make([]SubscriptionSnapshot, len(snaps))
	copy(sorted, snaps)
	sort.SliceStable(sorted, func(i, j int) bool {
		ai, aj := isActiveStatus(sorted[i].Status), isActiveStatus(sorted[j].Status)
		if ai != aj {
			return ai
		}
		pi, pj := sorted[i].CurrentPeriodEnd, sorted[j].CurrentPeriodEnd
		switch {
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return pi.After(*pj)
		}
	})
	return &sorted[0]
}
