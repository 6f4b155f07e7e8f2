package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/FoxChat/app/models"
)

// MetadataUserIDKey is the metadata key linking provider objects to local users.
const MetadataUserIDKey = "user_id"

// Source tells the client where a resolved status came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
)

// Customer is the provider-neutral view of a billing customer.
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// UserID returns the linked local user id from metadata, if any.
func (c Customer) UserID() string {
	return strings.TrimSpace(c.Metadata[MetadataUserIDKey])
}

// SubscriptionSnapshot is the full state of one provider subscription at a
// point in time. Upserts always write a complete snapshot.
type SubscriptionSnapshot struct {
	ID               string
	CustomerID       string
	Status           string
	PriceID          string
	CurrentPeriodEnd *time.Time
	Metadata         map[string]string
	// CustomerMetadata is set when the provider embedded the customer object.
	CustomerMetadata map[string]string
}

// UserID returns the subscription's own metadata user id, if any.
func (s SubscriptionSnapshot) UserID() string {
	return strings.TrimSpace(s.Metadata[MetadataUserIDKey])
}

// ToModel builds the row written by the shared merge rule.
func (s SubscriptionSnapshot) ToModel(userID string) *models.Subscription {
	return &models.Subscription{
		UserID:                 strings.TrimSpace(userID),
		ProviderCustomerID:     strings.TrimSpace(s.CustomerID),
		ProviderSubscriptionID: strings.TrimSpace(s.ID),
		Status:                 NormalizeStatus(s.Status),
		PriceID:                strings.TrimSpace(s.PriceID),
		CurrentPeriodEnd:       utcPtr(s.CurrentPeriodEnd),
	}
}

// ResolvedStatus is the answer handed to clients. It is never stored.
type ResolvedStatus struct {
	Active           bool       `json:"active"`
	Status           string     `json:"status,omitempty"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	CustomerID       string     `json:"customerId,omitempty"`
	Source           Source     `json:"source"`
}

// Inactive is the free-tier answer.
func Inactive(source Source) ResolvedStatus {
	return ResolvedStatus{Active: false, Source: source}
}

// StatusFromModel maps a stored row into a client answer.
func StatusFromModel(sub *models.Subscription, source Source) ResolvedStatus {
	if sub == nil {
		return Inactive(source)
	}
	return ResolvedStatus{
		Active:           sub.IsActive(),
		Status:           sub.Status,
		CurrentPeriodEnd: utcPtr(sub.CurrentPeriodEnd),
		CustomerID:       sub.ProviderCustomerID,
		Source:           source,
	}
}

// ResolveRequest is the input of Resolver.Resolve.
type ResolveRequest struct {
	UserID string
	Email  string
	Force  bool
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
