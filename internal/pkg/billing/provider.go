package billing

import "context"

// CheckoutRequest describes a subscription checkout for one user.
type CheckoutRequest struct {
	UserID     string
	Email      string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// Provider is the payment provider port. Implementations must bound every
// scan with the given limit and must not page past it; hitting the bound
// counts as "not found".
type Provider interface {
	FindCustomersByEmail(ctx context.Context, email string, limit int) ([]Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	// TagCustomer sets metadata.user_id on the customer.
	TagCustomer(ctx context.Context, customerID, userID string) error
	ListCustomerSubscriptions(ctx context.Context, customerID string, activeOnly bool) ([]SubscriptionSnapshot, error)
	ScanSubscriptionsByMetadata(ctx context.Context, key, value string, limit int) ([]SubscriptionSnapshot, error)
	ScanCustomersByMetadata(ctx context.Context, key, value string, limit int) ([]Customer, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}
