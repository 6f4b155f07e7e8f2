package models

import (
	"strings"
	"time"
)

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

const (
	SubscriptionStatusActive            = "active"
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusPaused            = "paused"
)

// PlaceholderUserPrefix marks subscription rows whose local owner is not
// known yet. The suffix is the provider customer id.
const PlaceholderUserPrefix = "unlinked:"

// Subscription mirrors one provider subscription. ProviderSubscriptionID is
// the upsert key; every write replaces the row with a complete snapshot.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 string     `gorm:"type:varchar(191);not null;index" json:"user_id"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);not null;default:'';index" json:"provider_customer_id"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subscription_id,unique" json:"provider_subscription_id"`
	Status                 string     `gorm:"type:varchar(32);not null;index" json:"status"`
	PriceID                string     `gorm:"type:varchar(191);not null;default:''" json:"price_id"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null;index" json:"current_period_end,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// IsActive reports whether the stored provider status grants premium.
func (s *Subscription) IsActive() bool {
	return s != nil && strings.EqualFold(s.Status, SubscriptionStatusActive)
}

// HasPlaceholderOwner reports whether the row is parked under a synthetic user key.
func (s *Subscription) HasPlaceholderOwner() bool {
	return s != nil && IsPlaceholderUserID(s.UserID)
}

// PlaceholderUserID derives the synthetic owner key for an unresolved customer.
func PlaceholderUserID(customerID string) string {
	return PlaceholderUserPrefix + strings.TrimSpace(customerID)
}

func IsPlaceholderUserID(userID string) bool {
	return strings.HasPrefix(strings.TrimSpace(userID), PlaceholderUserPrefix)
}
