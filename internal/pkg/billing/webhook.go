package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"

	"github.com/ManuelReschke/FoxChat/app/models"
)

// WebhookResult describes how a verified event was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	// Duplicate is set when an earlier delivery was already applied.
	Duplicate bool
	// Ignored is set for event types this service does not act on.
	Ignored bool
}

// WebhookIngestor applies provider subscription events to the store using
// the same merge rule as the reconciliation sync.
type WebhookIngestor struct {
	svc    *Service
	secret string
}

func NewWebhookIngestor(svc *Service) *WebhookIngestor {
	return &WebhookIngestor{svc: svc, secret: svc.cfg.WebhookSecret}
}

// Handle verifies the signature over the raw payload before anything else.
// Returned errors wrap ErrNotConfigured, ErrInvalidSignature or
// ErrInvalidPayload for client-side problems; anything else is a processing
// failure the provider should redeliver.
func (w *WebhookIngestor) Handle(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	event, err := VerifyStripeSignature(payload, signature, w.secret)
	if err != nil {
		return WebhookResult{}, err
	}
	result := WebhookResult{EventID: event.ID, EventType: string(event.Type)}

	msg, err := decodeWebhookEvent(event)
	if err != nil {
		return result, err
	}

	created, stored, err := w.svc.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		SubscriptionID:  msg.subscriptionID(),
		PayloadJSON:     string(payload),
		EventCreatedAt:  unixPtr(event.Created),
	})
	if err != nil {
		return result, fmt.Errorf("record webhook event: %w", err)
	}
	if !created && stored.Succeeded() {
		log.Infof("[Webhook] duplicate delivery of %s (%s) acknowledged", event.ID, event.Type)
		result.Duplicate = true
		return result, nil
	}

	procErr := w.apply(ctx, msg)
	if markErr := w.svc.MarkWebhookProcessed(ctx, stored.ID, procErr); markErr != nil {
		log.Errorf("[Webhook] failed to mark event %s processed: %v", event.ID, markErr)
	}
	if procErr != nil {
		return result, procErr
	}
	_, result.Ignored = msg.(ignoredEvent)
	return result, nil
}

func (w *WebhookIngestor) apply(ctx context.Context, msg webhookMessage) error {
	switch m := msg.(type) {
	case subscriptionEvent:
		return w.applySubscription(ctx, m)
	case checkoutCompletedEvent:
		return w.applyCheckout(ctx, m)
	case ignoredEvent:
		log.Infof("[Webhook] ignoring unhandled event type %s", m.eventType)
		return nil
	default:
		return fmt.Errorf("unexpected webhook message %T", msg)
	}
}

func (w *WebhookIngestor) applySubscription(ctx context.Context, ev subscriptionEvent) error {
	snap := ev.snapshot
	userID, err := w.resolveOwner(ctx, snap)
	if err != nil {
		return fmt.Errorf("resolve owner of %s: %w", snap.ID, err)
	}
	sub, err := w.svc.UpsertSnapshot(ctx, snap, userID)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", snap.ID, err)
	}
	if sub.HasPlaceholderOwner() {
		log.Warnf("[Webhook] %s: subscription %s of %s has no user, stored under %s", ev.eventType, sub.ProviderSubscriptionID, sub.ProviderCustomerID, sub.UserID)
		return nil
	}
	log.Infof("[Webhook] %s: subscription %s is %s for %s", ev.eventType, sub.ProviderSubscriptionID, sub.Status, sub.UserID)
	return nil
}

// resolveOwner tries customer metadata, then subscription metadata, then an
// existing concrete owner of the customer, then the placeholder.
func (w *WebhookIngestor) resolveOwner(ctx context.Context, snap SubscriptionSnapshot) (string, error) {
	if uid := strings.TrimSpace(snap.CustomerMetadata[MetadataUserIDKey]); uid != "" {
		return uid, nil
	}
	if snap.CustomerMetadata == nil && w.svc.provider != nil {
		customer, err := w.svc.provider.GetCustomer(ctx, snap.CustomerID)
		if errors.Is(err, ErrProviderUnavailable) {
			// Fail the delivery so Stripe retries instead of parking the row.
			return "", err
		}
		if err != nil {
			log.Warnf("[Webhook] customer lookup for %s failed, continuing: %v", snap.CustomerID, err)
		} else if customer != nil && customer.UserID() != "" {
			return customer.UserID(), nil
		}
	}
	if uid := snap.UserID(); uid != "" {
		return uid, nil
	}
	uid, err := w.svc.repo.FindLinkedUserIDByCustomer(ctx, snap.CustomerID)
	if err != nil {
		return "", err
	}
	if uid != "" {
		return uid, nil
	}
	return models.PlaceholderUserID(snap.CustomerID), nil
}

func (w *WebhookIngestor) applyCheckout(ctx context.Context, ev checkoutCompletedEvent) error {
	if ev.userID == "" || ev.customerID == "" || models.IsPlaceholderUserID(ev.userID) {
		log.Infof("[Webhook] checkout session %s has no user/customer pair, nothing to link", ev.sessionID)
		return nil
	}
	if w.svc.provider != nil {
		if err := w.svc.provider.TagCustomer(ctx, ev.customerID, ev.userID); err != nil {
			log.Warnf("[Webhook] could not tag customer %s with user %s: %v", ev.customerID, ev.userID, err)
		}
	}
	n, err := w.svc.repo.RelinkCustomer(ctx, ev.customerID, ev.userID)
	if err != nil {
		return fmt.Errorf("relink customer %s: %w", ev.customerID, err)
	}
	if n > 0 {
		log.Infof("[Webhook] relinked %d placeholder subscription(s) of %s to %s", n, ev.customerID, ev.userID)
	}
	return nil
}

// webhookMessage is the tagged union over handled event types.
type webhookMessage interface {
	subscriptionID() string
}

type subscriptionEvent struct {
	eventType string
	snapshot  SubscriptionSnapshot
}

func (e subscriptionEvent) subscriptionID() string { return e.snapshot.ID }

type checkoutCompletedEvent struct {
	sessionID  string
	customerID string
	userID     string
	subID      string
}

func (e checkoutCompletedEvent) subscriptionID() string { return e.subID }

type ignoredEvent struct {
	eventType string
}

func (ignoredEvent) subscriptionID() string { return "" }

func decodeWebhookEvent(event stripe.Event) (webhookMessage, error) {
	eventType := string(event.Type)
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrInvalidPayload, event.ID)
	}

	switch eventType {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub webhookSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrInvalidPayload, err)
		}
		if strings.TrimSpace(sub.ID) == "" || strings.TrimSpace(sub.Customer.ID) == "" {
			return nil, fmt.Errorf("%w: subscription event without id or customer", ErrInvalidPayload)
		}
		return subscriptionEvent{eventType: eventType, snapshot: sub.snapshot()}, nil

	case "checkout.session.completed":
		var session webhookCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", ErrInvalidPayload, err)
		}
		userID := strings.TrimSpace(session.ClientReferenceID)
		if userID == "" {
			userID = strings.TrimSpace(session.Metadata[MetadataUserIDKey])
		}
		return checkoutCompletedEvent{
			sessionID:  session.ID,
			customerID: strings.TrimSpace(session.Customer.ID),
			userID:     userID,
			subID:      strings.TrimSpace(session.Subscription.ID),
		}, nil

	default:
		return ignoredEvent{eventType: eventType}, nil
	}
}

// objectRef decodes fields the provider sends either as an id string or as
// an expanded object.
type objectRef struct {
	ID       string
	Metadata map[string]string
	Expanded bool
}

func (r *objectRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	r.Metadata = obj.Metadata
	if r.Metadata == nil {
		r.Metadata = map[string]string{}
	}
	r.Expanded = true
	return nil
}

type webhookSubscription struct {
	ID               string            `json:"id"`
	Customer         objectRef         `json:"customer"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
			Plan struct {
				ID string `json:"id"`
			} `json:"plan"`
		} `json:"data"`
	} `json:"items"`
}

func (s webhookSubscription) snapshot() SubscriptionSnapshot {
	snap := SubscriptionSnapshot{
		ID:         strings.TrimSpace(s.ID),
		CustomerID: strings.TrimSpace(s.Customer.ID),
		Status:     NormalizeStatus(s.Status),
		Metadata:   s.Metadata,
	}
	if s.Customer.Expanded {
		snap.CustomerMetadata = s.Customer.Metadata
	}

	periodEnd := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if snap.PriceID == "" {
			snap.PriceID = item.Price.ID
			if snap.PriceID == "" {
				snap.PriceID = item.Plan.ID
			}
		}
		if s.CurrentPeriodEnd == 0 && item.CurrentPeriodEnd > periodEnd {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	snap.CurrentPeriodEnd = unixPtr(periodEnd)
	return snap
}

type webhookCheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          objectRef         `json:"customer"`
	Subscription      objectRef         `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}
