package billing

import (
	"errors"

	"github.com/ManuelReschke/FoxChat/internal/pkg/config"
)

var (
	// ErrNotConfigured means a required Stripe secret is missing. Not retryable.
	ErrNotConfigured = config.ErrNotConfigured
	// ErrInvalidSignature is returned before any parsing or store access.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	// ErrProviderUnavailable wraps network failures, 5xx and rate limits.
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	ErrNoCustomer          = errors.New("no billing customer for user")
	ErrMissingUserID       = errors.New("user id is required")
	ErrInvalidReturnURL    = errors.New("invalid return url")
)

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
