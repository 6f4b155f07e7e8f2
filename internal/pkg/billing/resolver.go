package billing

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxChat/app/models"
	"github.com/ManuelReschke/FoxChat/internal/pkg/metrics"
)

// Resolver computes a user's premium status with a graduated fallback:
// local store, live email check, full sync. Steps run sequentially and a
// step only runs when the cheaper one before it found nothing.
type Resolver struct {
	svc      *Service
	syncer   *Syncer
	throttle SyncThrottle
	timeout  time.Duration
}

func NewResolver(svc *Service, syncer *Syncer, throttle SyncThrottle) *Resolver {
	if throttle == nil {
		throttle = NoThrottle{}
	}
	return &Resolver{
		svc:      svc,
		syncer:   syncer,
		throttle: throttle,
		timeout:  svc.cfg.ResolveTimeout,
	}
}

// Resolve never fails outward. Errors are logged and rendered as inactive;
// when the chain runs past the timeout the answer is inactive from cache.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) ResolvedStatus {
	start := time.Now()
	req.UserID = strings.TrimSpace(req.UserID)
	req.Email = strings.TrimSpace(req.Email)

	status := r.resolveWithTimeout(ctx, req)

	metrics.ResolutionsTotal.WithLabelValues(string(status.Source), strconv.FormatBool(status.Active)).Inc()
	metrics.ResolveDuration.Observe(time.Since(start).Seconds())
	return status
}

func (r *Resolver) resolveWithTimeout(ctx context.Context, req ResolveRequest) ResolvedStatus {
	if req.UserID == "" {
		return Inactive(SourceCache)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan ResolvedStatus, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("[Resolver] panic resolving user %s: %v", req.UserID, rec)
				done <- Inactive(SourceCache)
			}
		}()
		done <- r.resolve(ctx, req)
	}()

	select {
	case status := <-done:
		if ctx.Err() == nil {
			return status
		}
	case <-ctx.Done():
	}
	log.Warnf("[Resolver] resolution for user %s did not finish in %s: %v", req.UserID, r.timeout, ctx.Err())
	return Inactive(SourceCache)
}

func (r *Resolver) resolve(ctx context.Context, req ResolveRequest) ResolvedStatus {
	local, err := r.latest(ctx, req.UserID)
	if err != nil {
		log.Errorf("[Resolver] reading subscriptions of user %s failed: %v", req.UserID, err)
		return Inactive(SourceCache)
	}

	// Fast path: no provider call.
	if local.IsActive() && !req.Force {
		return StatusFromModel(local, SourceCache)
	}

	provider, err := r.svc.requireProvider()
	if err != nil {
		log.Warnf("[Resolver] provider unavailable for user %s: %v", req.UserID, err)
		return StatusFromModel(local, SourceCache)
	}

	if req.Email != "" {
		status, found, err := r.liveCheck(ctx, provider, req)
		if err != nil {
			log.Warnf("[Resolver] live check for user %s failed: %v", req.UserID, err)
		} else if found {
			return status
		}
	}

	if !req.Force && !r.throttle.Allow(ctx, req.UserID) {
		metrics.SyncThrottledTotal.Inc()
		return StatusFromModel(local, SourceCache)
	}

	if _, err := r.syncer.Sync(ctx, req.UserID, req.Email); err != nil {
		log.Warnf("[Resolver] full sync for user %s failed: %v", req.UserID, err)
		// Nothing was reconciled, so the next resolution may try again.
		r.throttle.Release(context.WithoutCancel(ctx), req.UserID)
	}

	refreshed, err := r.latest(ctx, req.UserID)
	if err != nil {
		log.Errorf("[Resolver] re-reading subscriptions of user %s failed: %v", req.UserID, err)
		return Inactive(SourceLive)
	}
	return StatusFromModel(refreshed, SourceLive)
}

// liveCheck looks up customers by email and their active subscriptions only.
// Everything found is stored under the user.
func (r *Resolver) liveCheck(ctx context.Context, p Provider, req ResolveRequest) (ResolvedStatus, bool, error) {
	customers, err := p.FindCustomersByEmail(ctx, req.Email, r.svc.cfg.EmailLimit)
	if err != nil {
		return ResolvedStatus{}, false, err
	}

	var active []SubscriptionSnapshot
	for _, c := range customers {
		snaps, err := p.ListCustomerSubscriptions(ctx, c.ID, true)
		if err != nil {
			return ResolvedStatus{}, false, err
		}
		for _, snap := range snaps {
			if isActiveStatus(snap.Status) {
				active = append(active, snap)
			}
		}
	}
	if len(active) == 0 {
		return ResolvedStatus{}, false, nil
	}

	for _, snap := range active {
		if _, err := r.svc.UpsertSnapshot(ctx, snap, req.UserID); err != nil {
			return ResolvedStatus{}, false, err
		}
	}

	best := pickBest(active)
	return ResolvedStatus{
		Active:           true,
		Status:           best.Status,
		CurrentPeriodEnd: utcPtr(best.CurrentPeriodEnd),
		CustomerID:       best.CustomerID,
		Source:           SourceLive,
	}, true, nil
}

// latest returns nil without error when the user has no rows.
func (r *Resolver) latest(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := r.svc.repo.LatestSubscriptionForUser(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return sub, err
}
