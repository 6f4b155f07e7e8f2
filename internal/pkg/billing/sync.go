package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/FoxChat/internal/pkg/metrics"
)

// Strategy names the lookup that found a user's subscriptions.
type Strategy string

const (
	StrategyEmail                Strategy = "email"
	StrategySubscriptionMetadata Strategy = "subscription_metadata"
	StrategyCustomerMetadata     Strategy = "customer_metadata"
	StrategyNone                 Strategy = "none"
)

// SyncResult reports which strategy produced subscriptions and how many rows
// were written. Strategy is StrategyNone when nothing was found.
type SyncResult struct {
	Strategy Strategy
	Upserted int
}

// Syncer enumerates a user's provider subscriptions and upserts them.
type Syncer struct {
	svc *Service
}

func NewSyncer(svc *Service) *Syncer {
	return &Syncer{svc: svc}
}

// SyncUser is the best-effort entry point: it never panics and reports
// failure as false. Finding nothing is a successful run.
func (s *Syncer) SyncUser(ctx context.Context, userID, email string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Sync] panic while syncing user %s: %v", userID, r)
			metrics.SyncRunsTotal.WithLabelValues(string(StrategyNone), "error").Inc()
			ok = false
		}
	}()

	if _, err := s.Sync(ctx, userID, email); err != nil {
		log.Warnf("[Sync] sync failed for user %s: %v", userID, err)
		return false
	}
	return true
}

// Sync tries the lookup strategies in strict order and stops at the first one
// that yields at least one subscription.
func (s *Syncer) Sync(ctx context.Context, userID, email string) (SyncResult, error) {
	userID = strings.TrimSpace(userID)
	email = strings.TrimSpace(email)
	if userID == "" {
		return SyncResult{Strategy: StrategyNone}, ErrMissingUserID
	}
	provider, err := s.svc.requireProvider()
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(string(StrategyNone), "error").Inc()
		return SyncResult{Strategy: StrategyNone}, err
	}

	strategies := []struct {
		name Strategy
		run  func(context.Context, Provider, string, string) ([]SubscriptionSnapshot, error)
	}{
		{StrategyEmail, s.byEmail},
		{StrategySubscriptionMetadata, s.bySubscriptionMetadata},
		{StrategyCustomerMetadata, s.byCustomerMetadata},
	}

	for _, st := range strategies {
		snaps, err := st.run(ctx, provider, userID, email)
		if err != nil {
			metrics.SyncRunsTotal.WithLabelValues(string(st.name), "error").Inc()
			return SyncResult{Strategy: st.name}, fmt.Errorf("%s lookup: %w", st.name, err)
		}
		if len(snaps) == 0 {
			continue
		}

		result := SyncResult{Strategy: st.name}
		for _, snap := range snaps {
			if _, err := s.svc.UpsertSnapshot(ctx, snap, userID); err != nil {
				metrics.SyncRunsTotal.WithLabelValues(string(st.name), "error").Inc()
				return result, fmt.Errorf("upsert %s: %w", snap.ID, err)
			}
			result.Upserted++
		}
		log.Infof("[Sync] user %s: %d subscription(s) via %s", userID, result.Upserted, st.name)
		metrics.SyncRunsTotal.WithLabelValues(string(st.name), "found").Inc()
		return result, nil
	}

	metrics.SyncRunsTotal.WithLabelValues(string(StrategyNone), "not_found").Inc()
	return SyncResult{Strategy: StrategyNone}, nil
}

// byEmail covers customers matched by the account email plus customers
// already recorded locally for the user. Each is tagged with the user id.
func (s *Syncer) byEmail(ctx context.Context, p Provider, userID, email string) ([]SubscriptionSnapshot, error) {
	var customerIDs []string
	seen := map[string]struct{}{}
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		customerIDs = append(customerIDs, id)
	}

	known, err := s.svc.repo.FindCustomerIDForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	add(known)

	if email != "" {
		customers, err := p.FindCustomersByEmail(ctx, email, s.svc.cfg.EmailLimit)
		if err != nil {
			return nil, err
		}
		for _, c := range customers {
			add(c.ID)
		}
	}

	var out []SubscriptionSnapshot
	for _, customerID := range customerIDs {
		if err := p.TagCustomer(ctx, customerID, userID); err != nil {
			log.Warnf("[Sync] could not tag customer %s with user %s: %v", customerID, userID, err)
		}
		snaps, err := p.ListCustomerSubscriptions(ctx, customerID, false)
		if err != nil {
			return nil, err
		}
		out = append(out, snaps...)
	}
	return out, nil
}

func (s *Syncer) bySubscriptionMetadata(ctx context.Context, p Provider, userID, _ string) ([]SubscriptionSnapshot, error) {
	return p.ScanSubscriptionsByMetadata(ctx, MetadataUserIDKey, userID, s.svc.cfg.ScanLimit)
}

func (s *Syncer) byCustomerMetadata(ctx context.Context, p Provider, userID, _ string) ([]SubscriptionSnapshot, error) {
	customers, err := p.ScanCustomersByMetadata(ctx, MetadataUserIDKey, userID, s.svc.cfg.ScanLimit)
	if err != nil {
		return nil, err
	}
	var out []SubscriptionSnapshot
	for _, c := range customers {
		snaps, err := p.ListCustomerSubscriptions(ctx, c.ID, false)
		if err != nil {
			return nil, err
		}
		out = append(out, snaps...)
	}
	return out, nil
}
