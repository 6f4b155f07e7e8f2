package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/FoxChat/app/models"
	"github.com/ManuelReschke/FoxChat/internal/pkg/config"
	"gorm.io/gorm"
)

// Service holds the billing collaborators shared by the resolver, the
// reconciliation sync and the webhook ingestor.
type Service struct {
	repo     Repository
	provider Provider
	cfg      config.BillingConfig
}

// NewService creates a billing service. provider may be nil when Stripe is
// not configured; operations needing it then fail with ErrNotConfigured.
func NewService(repo Repository, provider Provider, cfg config.BillingConfig) *Service {
	return &Service{repo: repo, provider: provider, cfg: cfg.WithDefaults()}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, provider Provider, cfg config.BillingConfig) *Service {
	return NewService(NewRepository(db), provider, cfg)
}

func (s *Service) requireProvider() (Provider, error) {
	if s.provider == nil {
		if err := s.cfg.RequireAPI(); err != nil {
			return nil, err
		}
		return nil, ErrNotConfigured
	}
	return s.provider, nil
}

// UpsertSnapshot applies the shared merge rule: last write wins by provider
// subscription id, all fields replaced. The returned row carries the
// effective owner, which may differ from userID when userID is a placeholder.
func (s *Service) UpsertSnapshot(ctx context.Context, snap SubscriptionSnapshot, userID string) (*models.Subscription, error) {
	if strings.TrimSpace(snap.ID) == "" {
		return nil, errors.New("provider_subscription_id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}
	sub := snap.ToModel(userID)
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Subscriptions lists every stored row of a user.
func (s *Service) Subscriptions(ctx context.Context, userID string) ([]models.Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}
	return s.repo.ListSubscriptionsByUser(ctx, userID)
}

// Relink moves placeholder rows of a customer to a concrete user and tags the
// customer at the provider when one is configured.
func (s *Service) Relink(ctx context.Context, customerID, userID string) (int64, error) {
	n, err := s.repo.RelinkCustomer(ctx, strings.TrimSpace(customerID), strings.TrimSpace(userID))
	if err != nil {
		return 0, err
	}
	if s.provider != nil {
		if err := s.provider.TagCustomer(ctx, customerID, userID); err != nil {
			return n, err
		}
	}
	return n, nil
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	SubscriptionID  string
	PayloadJSON     string
	EventCreatedAt  *time.Time
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		SubscriptionID:  strings.TrimSpace(in.SubscriptionID),
		PayloadJSON:     in.PayloadJSON,
		EventCreatedAt:  utcPtr(in.EventCreatedAt),
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}
