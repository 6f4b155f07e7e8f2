package billing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2/log"
)

const (
	CheckoutQueryKey     = "checkout"
	CheckoutQuerySuccess = "success"
	CheckoutQueryCancel  = "cancel"
)

// CreateCheckout starts a subscription checkout for the configured price and
// returns the provider redirect URL. The session and the subscription carry
// the user id so later webhooks resolve the owner directly.
func (s *Service) CreateCheckout(ctx context.Context, userID, email, returnURL string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingUserID
	}
	if err := s.cfg.RequireCheckout(); err != nil {
		return "", err
	}
	provider, err := s.requireProvider()
	if err != nil {
		return "", err
	}

	successURL, err := withQuery(returnURL, CheckoutQueryKey, CheckoutQuerySuccess)
	if err != nil {
		return "", err
	}
	cancelURL, err := withQuery(returnURL, CheckoutQueryKey, CheckoutQueryCancel)
	if err != nil {
		return "", err
	}

	customerID, err := s.repo.FindCustomerIDForUser(ctx, userID)
	if err != nil {
		// Checkout still works without a known customer.
		log.Warnf("[Billing] customer lookup for user %s failed: %v", userID, err)
		customerID = ""
	}

	return provider.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:     userID,
		Email:      strings.TrimSpace(email),
		CustomerID: customerID,
		PriceID:    s.cfg.PriceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
}

// CreatePortal opens the provider billing portal. The customer comes from the
// user's stored rows first, then from an email lookup.
func (s *Service) CreatePortal(ctx context.Context, userID, email, returnURL string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingUserID
	}
	provider, err := s.requireProvider()
	if err != nil {
		return "", err
	}
	if _, err := url.ParseRequestURI(strings.TrimSpace(returnURL)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReturnURL, err)
	}

	customerID, err := s.repo.FindCustomerIDForUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID == "" && strings.TrimSpace(email) != "" {
		customers, err := provider.FindCustomersByEmail(ctx, email, 1)
		if err != nil {
			return "", err
		}
		if len(customers) > 0 {
			customerID = customers[0].ID
		}
	}
	if customerID == "" {
		return "", ErrNoCustomer
	}
	return provider.CreatePortalSession(ctx, customerID, returnURL)
}

func withQuery(raw, key, value string) (string, error) {
	u, err := url.ParseRequestURI(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReturnURL, err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
