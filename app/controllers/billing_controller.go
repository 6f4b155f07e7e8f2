package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/FoxChat/internal/pkg/billing"
	"github.com/ManuelReschke/FoxChat/internal/pkg/metrics"
)

const webhookTimeout = 15 * time.Second

// SubscriptionStatusRequest leaves Email unvalidated: an unusable address is
// dropped and the status is resolved without it.
type SubscriptionStatusRequest struct {
	UserID string `json:"userId" validate:"required,max=191"`
	Email  string `json:"email"`
	Force  bool   `json:"force"`
}

type SyncSubscriptionsRequest struct {
	UserID string `json:"userId" validate:"required,max=191"`
	Email  string `json:"email" validate:"omitempty,email,max=254"`
}

// SessionRequest is shared by checkout and portal creation.
type SessionRequest struct {
	UserID    string `json:"userId" validate:"required,max=191"`
	Email     string `json:"email" validate:"omitempty,email,max=254"`
	ReturnURL string `json:"returnUrl" validate:"required,url,max=2048"`
}

// BillingController serves the client billing endpoints and the Stripe webhook.
type BillingController struct {
	svc      *billing.Service
	resolver *billing.Resolver
	syncer   *billing.Syncer
	ingestor *billing.WebhookIngestor
	validate *validator.Validate
}

func NewBillingController(svc *billing.Service, throttle billing.SyncThrottle) *BillingController {
	syncer := billing.NewSyncer(svc)
	return &BillingController{
		svc:      svc,
		resolver: billing.NewResolver(svc, syncer, throttle),
		syncer:   syncer,
		ingestor: billing.NewWebhookIngestor(svc),
		validate: validator.New(),
	}
}

// HandleGetSubscriptionStatus answers with the resolved status. Resolution
// failures degrade to the free tier, so only bad input produces an error.
func (bc *BillingController) HandleGetSubscriptionStatus(c *fiber.Ctx) error {
	var req SubscriptionStatusRequest
	if err := bc.parseRequest(c, &req); err != nil {
		return badRequest(c, err)
	}

	if req.Email != "" && bc.validate.Var(req.Email, "email,max=254") != nil {
		log.Debugf("[API] ignoring unusable email for user %s", req.UserID)
		req.Email = ""
	}

	status := bc.resolver.Resolve(c.UserContext(), billing.ResolveRequest{
		UserID: req.UserID,
		Email:  req.Email,
		Force:  req.Force,
	})
	return c.Status(fiber.StatusOK).JSON(status)
}

func (bc *BillingController) HandleSyncSubscriptions(c *fiber.Ctx) error {
	var req SyncSubscriptionsRequest
	if err := bc.parseRequest(c, &req); err != nil {
		return badRequest(c, err)
	}

	ok := bc.syncer.SyncUser(c.UserContext(), req.UserID, req.Email)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": ok})
}

func (bc *BillingController) HandleCreateCheckout(c *fiber.Ctx) error {
	var req SessionRequest
	if err := bc.parseRequest(c, &req); err != nil {
		return badRequest(c, err)
	}

	url, err := bc.svc.CreateCheckout(c.UserContext(), req.UserID, req.Email, req.ReturnURL)
	if err != nil {
		return writeBillingError(c, "create checkout", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

func (bc *BillingController) HandleCreatePortal(c *fiber.Ctx) error {
	var req SessionRequest
	if err := bc.parseRequest(c, &req); err != nil {
		return badRequest(c, err)
	}

	url, err := bc.svc.CreatePortal(c.UserContext(), req.UserID, req.Email, req.ReturnURL)
	if err != nil {
		return writeBillingError(c, "create portal", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

// HandleWebhook needs the raw body: the signature covers the exact bytes.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	start := time.Now()
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	result, err := bc.ingestor.Handle(ctx, rawBody, signature)
	status, body := webhookResponse(result, err)

	eventType := result.EventType
	if eventType == "" {
		eventType = "unknown"
	}
	metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())

	return c.Status(status).JSON(body)
}

func webhookResponse(result billing.WebhookResult, err error) (int, fiber.Map) {
	switch {
	case err == nil:
		return fiber.StatusOK, fiber.Map{
			"received":  true,
			"duplicate": result.Duplicate,
			"ignored":   result.Ignored,
		}
	case errors.Is(err, billing.ErrNotConfigured):
		log.Errorf("[Webhook] rejected: %v", err)
		return fiber.StatusServiceUnavailable, fiber.Map{"error": "billing_not_configured", "message": "Webhook signing secret is not configured"}
	case errors.Is(err, billing.ErrInvalidSignature):
		log.Warnf("[Webhook] rejected: %v", err)
		return fiber.StatusBadRequest, fiber.Map{"error": "invalid_signature", "message": "Webhook signature verification failed"}
	case errors.Is(err, billing.ErrInvalidPayload):
		log.Warnf("[Webhook] rejected event %s: %v", result.EventID, err)
		return fiber.StatusBadRequest, fiber.Map{"error": "invalid_payload", "message": "Webhook payload could not be parsed"}
	default:
		log.Errorf("[Webhook] processing of %s (%s) failed: %v", result.EventID, result.EventType, err)
		return fiber.StatusInternalServerError, fiber.Map{"error": "webhook_processing_failed", "message": "Event could not be processed"}
	}
}

func (bc *BillingController) parseRequest(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return errors.New("invalid JSON body")
	}
	return bc.validate.Struct(out)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
}

func writeBillingError(c *fiber.Ctx, op string, err error) error {
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		log.Errorf("[Billing] %s: %v", op, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "billing_not_configured", "message": err.Error()})
	case errors.Is(err, billing.ErrMissingUserID), errors.Is(err, billing.ErrInvalidReturnURL):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	case errors.Is(err, billing.ErrNoCustomer):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_customer", "message": "No billing customer found for this user"})
	case billing.IsRetryable(err):
		log.Warnf("[Billing] %s: provider unavailable: %v", op, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_unavailable", "message": "Payment provider is unavailable", "retryable": true})
	default:
		log.Errorf("[Billing] %s failed: %v", op, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Billing request failed"})
	}
}
