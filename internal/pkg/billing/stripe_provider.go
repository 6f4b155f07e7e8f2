package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/ManuelReschke/FoxChat/internal/pkg/config"
)

const (
	// stripeMaxPageSize is the provider's cap on list page sizes.
	stripeMaxPageSize = 100
	// maxSubscriptionsPerCustomer bounds ListCustomerSubscriptions.
	maxSubscriptionsPerCustomer = 100
)

// StripeProvider implements Provider on the stripe-go client API.
type StripeProvider struct {
	client *stripe.Client
}

// NewStripeProvider fails with ErrNotConfigured when STRIPE_SECRET_KEY is unset.
func NewStripeProvider(cfg config.BillingConfig) (*StripeProvider, error) {
	if err := cfg.RequireAPI(); err != nil {
		return nil, err
	}
	return &StripeProvider{client: stripe.NewClient(cfg.SecretKey)}, nil
}

func (p *StripeProvider) FindCustomersByEmail(ctx context.Context, email string, limit int) ([]Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" || limit <= 0 {
		return nil, nil
	}

	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(int64(pageSize(limit)))

	var out []Customer
	for c, err := range p.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, wrapStripeError("list customers by email", err)
		}
		if c == nil || c.Deleted {
			continue
		}
		out = append(out, customerFromStripe(c))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (p *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	c, err := p.client.V1Customers.Retrieve(ctx, customerID, &stripe.CustomerRetrieveParams{})
	if err != nil {
		return nil, wrapStripeError("retrieve customer", err)
	}
	if c == nil || c.Deleted {
		return nil, nil
	}
	out := customerFromStripe(c)
	return &out, nil
}

func (p *StripeProvider) TagCustomer(ctx context.Context, customerID, userID string) error {
	params := &stripe.CustomerUpdateParams{}
	params.AddMetadata(MetadataUserIDKey, userID)
	if _, err := p.client.V1Customers.Update(ctx, customerID, params); err != nil {
		return wrapStripeError("tag customer", err)
	}
	return nil
}

func (p *StripeProvider) ListCustomerSubscriptions(ctx context.Context, customerID string, activeOnly bool) ([]SubscriptionSnapshot, error) {
	status := "all"
	if activeOnly {
		status = string(stripe.SubscriptionStatusActive)
	}
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(status),
	}
	params.Limit = stripe.Int64(stripeMaxPageSize)

	var out []SubscriptionSnapshot
	for s, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, wrapStripeError("list customer subscriptions", err)
		}
		out = append(out, snapshotFromStripe(s))
		if len(out) >= maxSubscriptionsPerCustomer {
			break
		}
	}
	return out, nil
}

// ScanSubscriptionsByMetadata walks at most limit subscriptions of any status.
func (p *StripeProvider) ScanSubscriptionsByMetadata(ctx context.Context, key, value string, limit int) ([]SubscriptionSnapshot, error) {
	if limit <= 0 {
		return nil, nil
	}
	params := &stripe.SubscriptionListParams{Status: stripe.String("all")}
	params.Limit = stripe.Int64(int64(pageSize(limit)))

	var out []SubscriptionSnapshot
	scanned := 0
	for s, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, wrapStripeError("scan subscriptions", err)
		}
		scanned++
		if s != nil && strings.TrimSpace(s.Metadata[key]) == value {
			out = append(out, snapshotFromStripe(s))
		}
		if scanned >= limit {
			break
		}
	}
	return out, nil
}

// ScanCustomersByMetadata walks at most limit customers.
func (p *StripeProvider) ScanCustomersByMetadata(ctx context.Context, key, value string, limit int) ([]Customer, error) {
	if limit <= 0 {
		return nil, nil
	}
	params := &stripe.CustomerListParams{}
	params.Limit = stripe.Int64(int64(pageSize(limit)))

	var out []Customer
	scanned := 0
	for c, err := range p.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, wrapStripeError("scan customers", err)
		}
		scanned++
		if c != nil && !c.Deleted && strings.TrimSpace(c.Metadata[key]) == value {
			out = append(out, customerFromStripe(c))
		}
		if scanned >= limit {
			break
		}
	}
	return out, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{MetadataUserIDKey: req.UserID},
		},
	}
	params.AddMetadata(MetadataUserIDKey, req.UserID)
	switch {
	case req.CustomerID != "":
		params.Customer = stripe.String(req.CustomerID)
	case req.Email != "":
		params.CustomerEmail = stripe.String(req.Email)
	}

	sess, err := p.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", wrapStripeError("create checkout session", err)
	}
	return sess.URL, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	sess, err := p.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", wrapStripeError("create portal session", err)
	}
	return sess.URL, nil
}

func pageSize(limit int) int {
	if limit > stripeMaxPageSize {
		return stripeMaxPageSize
	}
	return limit
}

func customerFromStripe(c *stripe.Customer) Customer {
	return Customer{
		ID:       c.ID,
		Email:    c.Email,
		Metadata: c.Metadata,
	}
}

func snapshotFromStripe(s *stripe.Subscription) SubscriptionSnapshot {
	if s == nil {
		return SubscriptionSnapshot{}
	}
	snap := SubscriptionSnapshot{
		ID:       s.ID,
		Status:   NormalizeStatus(string(s.Status)),
		Metadata: s.Metadata,
	}
	if s.Customer != nil {
		snap.CustomerID = s.Customer.ID
		if len(s.Customer.Metadata) > 0 {
			snap.CustomerMetadata = s.Customer.Metadata
		}
	}
	if s.Items != nil {
		var periodEnd int64
		for _, item := range s.Items.Data {
			if item == nil {
				continue
			}
			if snap.PriceID == "" && item.Price != nil {
				snap.PriceID = item.Price.ID
			}
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
		snap.CurrentPeriodEnd = unixPtr(periodEnd)
	}
	return snap
}

// wrapStripeError marks transient failures (network, 5xx, 429) with
// ErrProviderUnavailable so callers can decide on retries.
func wrapStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
}
