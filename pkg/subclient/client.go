// Package subclient is the client side of the billing API. It caches
// resolved subscription statuses and invalidates them after checkout and
// explicit resyncs so the next lookup skips the server's cached answer.
package subclient

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/FoxChat/internal/pkg/cache"
)

const (
	DefaultStatusTTL = 60 * time.Second
	defaultTimeout   = 10 * time.Second

	checkoutQueryKey     = "checkout"
	checkoutQuerySuccess = "success"
)

// Status mirrors the server's resolved status.
type Status struct {
	Active           bool       `json:"active"`
	Status           string     `json:"status,omitempty"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	CustomerID       string     `json:"customerId,omitempty"`
	Source           string     `json:"source"`
}

// APIError is a non-2xx answer from the billing API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("billing api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	timeout time.Duration

	statuses *cache.TTLCache[string, Status]
	stale    *cache.TTLCache[string, struct{}]
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithStatusTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		ttl:      DefaultStatusTTL,
		timeout:  defaultTimeout,
		statuses: cache.NewTTLCache[string, Status](),
		stale:    cache.NewTTLCache[string, struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the cached answer while it is fresh. After MarkStale the
// next call goes to the server with force=true.
func (c *Client) Status(userID, email string) (Status, error) {
	_, forced := c.stale.Get(userID)
	if !forced {
		if s, ok := c.statuses.Get(userID); ok {
			return s, nil
		}
	}

	var out Status
	err := c.post("/api/v1/get-subscription-status", map[string]interface{}{
		"userId": userID,
		"email":  email,
		"force":  forced,
	}, &out)
	if err != nil {
		return Status{}, err
	}

	c.statuses.Set(userID, out, c.ttl)
	if forced {
		c.stale.Delete(userID)
	}
	return out, nil
}

// MarkStale drops the cached status and forces the next lookup.
func (c *Client) MarkStale(userID string) {
	c.statuses.Delete(userID)
	c.stale.Set(userID, struct{}{}, 0)
}

// HandleCheckoutReturn inspects the URL the provider redirected back to and
// marks the user stale after a successful checkout.
func (c *Client) HandleCheckoutReturn(userID, returnedURL string) bool {
	u, err := url.Parse(returnedURL)
	if err != nil || u.Query().Get(checkoutQueryKey) != checkoutQuerySuccess {
		return false
	}
	c.MarkStale(userID)
	return true
}

// Resync asks the server to pull the user's subscriptions from the
// provider. The cached status is invalidated either way.
func (c *Client) Resync(userID, email string) (bool, error) {
	defer c.MarkStale(userID)

	var out struct {
		Success bool `json:"success"`
	}
	if err := c.post("/api/v1/sync-subscriptions", map[string]interface{}{
		"userId": userID,
		"email":  email,
	}, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

func (c *Client) CreateCheckout(userID, email, returnURL string) (string, error) {
	return c.sessionURL("/api/v1/create-checkout", userID, email, returnURL)
}

func (c *Client) CreatePortal(userID, email, returnURL string) (string, error) {
	return c.sessionURL("/api/v1/create-portal", userID, email, returnURL)
}

func (c *Client) sessionURL(path, userID, email, returnURL string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.post(path, map[string]interface{}{
		"userId":    userID,
		"email":     email,
		"returnUrl": returnURL,
	}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) post(path string, body interface{}, out interface{}) error {
	agent := fiber.Post(c.baseURL + path)
	agent.Timeout(c.timeout)
	agent.JSON(body)
	if c.apiKey != "" {
		agent.Set("X-API-Key", c.apiKey)
	}
	if err := agent.Parse(); err != nil {
		return fmt.Errorf("billing api %s: %w", path, err)
	}

	code, raw, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("billing api %s: %w", path, errs[0])
	}
	if code < fiber.StatusOK || code >= fiber.StatusMultipleChoices {
		apiErr := &APIError{StatusCode: code}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("billing api %s: decode response: %w", path, err)
	}
	return nil
}
