package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/FoxChat/app/models"
)

const testWebhookSecret = "whsec_test_123"

func eventBody(id, eventType string, object map[string]any) map[string]any {
	return map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": 1_760_000_000,
		"data": map[string]any{
			"object": object,
		},
	}
}

func subscriptionObject(id, customer any, status string, periodEnd int64, metadata map[string]string) map[string]any {
	obj := map[string]any{
		"id":       id,
		"object":   "subscription",
		"customer": customer,
		"status":   status,
		"metadata": metadata,
		"items": map[string]any{
			"data": []map[string]any{
				{
					"current_period_end": periodEnd,
					"price":              map[string]any{"id": "price_premium"},
				},
			},
		},
	}
	return obj
}

func sign(t *testing.T, secret string, body map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func TestWebhookSubscriptionDeletedMakesUserInactive(t *testing.T) {
	p := newFakeProvider()
	svc, db := newTestService(t, p)
	ctx := context.Background()

	_, err := svc.UpsertSnapshot(ctx, snapshot("sub_1", "cus_1", "active", 1_900_000_000), "user_1")
	require.NoError(t, err)

	payload, sig := sign(t, testWebhookSecret, eventBody("evt_del", "customer.subscription.deleted",
		subscriptionObject("sub_1", "cus_1", "canceled", 1_900_000_000, nil)))

	res, err := NewWebhookIngestor(svc).Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.False(t, res.Ignored)

	row := storedRow(t, db, "sub_1")
	assert.Equal(t, "canceled", row.Status)
	assert.Equal(t, "user_1", row.UserID)

	status := newTestResolver(svc, nil).Resolve(ctx, ResolveRequest{UserID: "user_1"})
	assert.False(t, status.Active)
}

func TestWebhookRejectsBadSignatures(t *testing.T) {
	tests := []struct {
		name   string
		header func(sig string) string
		secret string
	}{
		{"tampered header", func(sig string) string { return sig + "00" }, testWebhookSecret},
		{"missing header", func(string) string { return "" }, testWebhookSecret},
		{"malformed header", func(string) string { return "not-a-signature" }, testWebhookSecret},
		{"wrong secret", func(sig string) string { return sig }, "whsec_wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			svc, db := newTestService(t, p)

			payload, sig := sign(t, tt.secret, eventBody("evt_forged", "customer.subscription.created",
				subscriptionObject("sub_forged", "cus_1", "active", 1_900_000_000, map[string]string{MetadataUserIDKey: "user_1"})))

			_, err := NewWebhookIngestor(svc).Handle(context.Background(), payload, tt.header(sig))
			assert.True(t, errors.Is(err, ErrInvalidSignature), "got %v", err)
			assert.Equal(t, int64(0), countRows(t, db, &models.Subscription{}))
			assert.Equal(t, int64(0), countRows(t, db, &models.BillingWebhookEvent{}))
			assert.Zero(t, p.CallCount())
		})
	}
}

func TestWebhookTamperedBodyIsRejected(t *testing.T) {
	svc, db := newTestService(t, newFakeProvider())

	payload, sig := sign(t, testWebhookSecret, eventBody("evt_1", "customer.subscription.created",
		subscriptionObject("sub_1", "cus_1", "canceled", 1_900_000_000, nil)))
	forged := []byte(string(payload[:len(payload)-1]) + " }")

	_, err := NewWebhookIngestor(svc).Handle(context.Background(), forged, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, int64(0), countRows(t, db, &models.Subscription{}))
}

func TestWebhookDuplicateDeliveryIsIdempotent(t *testing.T) {
	svc, db := newTestService(t, newFakeProvider())
	ingestor := NewWebhookIngestor(svc)
	ctx := context.Background()

	payload, sig := sign(t, testWebhookSecret, eventBody("evt_created", "customer.subscription.created",
		subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, map[string]string{MetadataUserIDKey: "user_1"})))

	first, err := ingestor.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	before := storedRow(t, db, "sub_1")

	second, err := ingestor.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	after := storedRow(t, db, "sub_1")

	assert.Equal(t, int64(1), countRows(t, db, &models.Subscription{}))
	assert.Equal(t, int64(1), countRows(t, db, &models.BillingWebhookEvent{}))
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.UserID, after.UserID)
	assert.Equal(t, before.Status, after.Status)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestWebhookRedeliveryOfSameSnapshotUnderNewEventID(t *testing.T) {
	svc, db := newTestService(t, newFakeProvider())
	ingestor := NewWebhookIngestor(svc)
	ctx := context.Background()

	obj := subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, map[string]string{MetadataUserIDKey: "user_1"})
	for _, id := range []string{"evt_a", "evt_b"} {
		payload, sig := sign(t, testWebhookSecret, eventBody(id, "customer.subscription.updated", obj))
		_, err := ingestor.Handle(ctx, payload, sig)
		require.NoError(t, err)
	}

	row := storedRow(t, db, "sub_1")
	assert.Equal(t, int64(1), countRows(t, db, &models.Subscription{}))
	assert.Equal(t, "active", row.Status)
	assert.Equal(t, "price_premium", row.PriceID)
	assert.Equal(t, int64(1_900_000_000), row.CurrentPeriodEnd.Unix())
}

func TestWebhookReprocessesPreviouslyFailedEvent(t *testing.T) {
	svc, db := newTestService(t, newFakeProvider())
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, db.Create(&models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: "evt_retry",
		EventType:       "customer.subscription.updated",
		PayloadJSON:     "{}",
		ProcessedAt:     &now,
		ProcessingError: "database is locked",
	}).Error)

	payload, sig := sign(t, testWebhookSecret, eventBody("evt_retry", "customer.subscription.updated",
		subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, map[string]string{MetadataUserIDKey: "user_1"})))

	res, err := NewWebhookIngestor(svc).Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "user_1", storedRow(t, db, "sub_1").UserID)

	var ev models.BillingWebhookEvent
	require.NoError(t, db.Where("provider_event_id = ?", "evt_retry").Take(&ev).Error)
	assert.True(t, ev.Succeeded())
}

func TestWebhookOwnerResolutionOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("embedded customer metadata", func(t *testing.T) {
		p := newFakeProvider()
		svc, db := newTestService(t, p)
		customer := map[string]any{"id": "cus_1", "object": "customer", "metadata": map[string]string{MetadataUserIDKey: "user_cust"}}

		payload, sig := sign(t, testWebhookSecret, eventBody("evt_1", "customer.subscription.updated",
			subscriptionObject("sub_1", customer, "active", 1_900_000_000, map[string]string{MetadataUserIDKey: "user_sub"})))
		_, err := NewWebhookIngestor(svc).Handle(ctx, payload, sig)
		require.NoError(t, err)

		assert.Equal(t, "user_cust", storedRow(t, db, "sub_1").UserID)
		assert.False(t, p.called("GetCustomer"))
	})

	t.Run("customer lookup", func(t *testing.T) {
		p := newFakeProvider()
		p.addCustomer("cus_1", "ada@example.com", map[string]string{MetadataUserIDKey: "user_cust"})
		svc, db := newTestService(t, p)

		payload, sig := sign(t, testWebhookSecret, eventBody("evt_1", "customer.subscription.updated",
			subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, map[string]string{MetadataUserIDKey: "user_sub"})))
		_, err := NewWebhookIngestor(svc).Handle(ctx, payload, sig)
		require.NoError(t, err)

		assert.Equal(t, "user_cust", storedRow(t, db, "sub_1").UserID)
		assert.True(t, p.called("GetCustomer"))
	})

	t.Run("subscription metadata when lookup fails", func(t *testing.T) {
		p := newFakeProvider()
		p.errOn["GetCustomer"] = errors.New("no such customer")
		svc, db := newTestService(t, p)

		payload, sig := sign(t, testWebhookSecret, eventBody("evt_1", "customer.subscription.updated",
			subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, map[string]string{MetadataUserIDKey: "user_sub"})))
		_, err := NewWebhookIngestor(svc).Handle(ctx, payload, sig)
		require.NoError(t, err)

		assert.Equal(t, "user_sub", storedRow(t, db, "sub_1").UserID)
	})

	t.Run("transient lookup failure is redelivered", func(t *testing.T) {
		p := newFakeProvider()
		p.addCustomer("cus_1", "ada@example.com", map[string]string{MetadataUserIDKey: "user_cust"})
		p.failOn("GetCustomer", fmt.Errorf("%w: status 429", ErrProviderUnavailable))
		svc, db := newTestService(t, p)
		ingestor := NewWebhookIngestor(svc)

		payload, sig := sign(t, testWebhookSecret, eventBody("evt_1", "customer.subscription.created",
			subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, nil)))
		_, err := ingestor.Handle(ctx, payload, sig)
		require.ErrorIs(t, err, ErrProviderUnavailable)
		assert.Zero(t, countRows(t, db, &models.Subscription{}), "nothing parked under a placeholder")

		p.failOn("GetCustomer", nil)
		res, err := ingestor.Handle(ctx, payload, sig)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, "user_cust", storedRow(t, db, "sub_1").UserID)
	})

	t.Run("existing local owner", func(t *testing.T) {
		svc, db := newTestService(t, newFakeProvider())
		_, err := svc.UpsertSnapshot(ctx, snapshot("sub_old", "cus_1", "canceled", 1_700_000_000), "user_local")
		require.NoError(t, err)

		payload, sig := sign(t, testWebhookSecret, eventBody("evt_1", "customer.subscription.created",
			subscriptionObject("sub_new", "cus_1", "active", 1_900_000_000, nil)))
		_, err = NewWebhookIngestor(svc).Handle(ctx, payload, sig)
		require.NoError(t, err)

		assert.Equal(t, "user_local", storedRow(t, db, "sub_new").UserID)
	})

	t.Run("placeholder", func(t *testing.T) {
		svc, db := newTestService(t, nil)

		payload, sig := sign(t, testWebhookSecret, eventBody("evt_1", "customer.subscription.created",
			subscriptionObject("sub_1", "cus_77", "active", 1_900_000_000, nil)))
		_, err := NewWebhookIngestor(svc).Handle(ctx, payload, sig)
		require.NoError(t, err)

		assert.Equal(t, models.PlaceholderUserID("cus_77"), storedRow(t, db, "sub_1").UserID)
	})
}

func TestWebhookCheckoutCompletedRelinksPlaceholder(t *testing.T) {
	p := newFakeProvider()
	svc, db := newTestService(t, p)
	ingestor := NewWebhookIngestor(svc)
	ctx := context.Background()

	payload, sig := sign(t, testWebhookSecret, eventBody("evt_sub", "customer.subscription.created",
		subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, nil)))
	_, err := ingestor.Handle(ctx, payload, sig)
	require.NoError(t, err)
	require.Equal(t, models.PlaceholderUserID("cus_1"), storedRow(t, db, "sub_1").UserID)

	payload, sig = sign(t, testWebhookSecret, eventBody("evt_cs", "checkout.session.completed", map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"mode":                "subscription",
		"customer":            "cus_1",
		"subscription":        "sub_1",
		"client_reference_id": "user_1",
	}))
	_, err = ingestor.Handle(ctx, payload, sig)
	require.NoError(t, err)

	assert.Equal(t, "user_1", storedRow(t, db, "sub_1").UserID)
	assert.Equal(t, "user_1", p.tagged["cus_1"])

	status := newTestResolver(svc, nil).Resolve(ctx, ResolveRequest{UserID: "user_1"})
	assert.True(t, status.Active)
}

func TestWebhookIgnoresUnhandledTypes(t *testing.T) {
	svc, db := newTestService(t, newFakeProvider())

	payload, sig := sign(t, testWebhookSecret, eventBody("evt_inv", "invoice.paid", map[string]any{"id": "in_1", "object": "invoice"}))
	res, err := NewWebhookIngestor(svc).Handle(context.Background(), payload, sig)

	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, "invoice.paid", res.EventType)
	assert.Equal(t, int64(0), countRows(t, db, &models.Subscription{}))
}

func TestWebhookMalformedSubscriptionPayload(t *testing.T) {
	svc, db := newTestService(t, newFakeProvider())

	payload, sig := sign(t, testWebhookSecret, eventBody("evt_bad", "customer.subscription.updated", map[string]any{"object": "subscription", "status": "active"}))
	_, err := NewWebhookIngestor(svc).Handle(context.Background(), payload, sig)

	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, int64(0), countRows(t, db, &models.Subscription{}))
}

func TestWebhookNotConfigured(t *testing.T) {
	db := newTestDB(t)
	cfg := testBillingConfig()
	cfg.WebhookSecret = ""
	svc := NewService(NewRepository(db), newFakeProvider(), cfg)

	payload, sig := sign(t, testWebhookSecret, eventBody("evt_1", "customer.subscription.updated",
		subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, nil)))
	_, err := NewWebhookIngestor(svc).Handle(context.Background(), payload, sig)

	assert.ErrorIs(t, err, ErrNotConfigured)
}

// Webhook and sync writes of the same subscription converge on whichever
// snapshot was written last, never on a mix of fields.
func TestWebhookAndSyncConverge(t *testing.T) {
	p := newFakeProvider()
	p.addCustomer("cus_1", "ada@example.com", nil)
	p.addSubscription(SubscriptionSnapshot{ID: "sub_1", CustomerID: "cus_1", Status: "past_due", PriceID: "price_basic", CurrentPeriodEnd: ts(1_800_000_000)})
	svc, db := newTestService(t, p)
	ingestor := NewWebhookIngestor(svc)
	syncer := NewSyncer(svc)
	ctx := context.Background()

	webhookWrite := func(id string) {
		payload, sig := sign(t, testWebhookSecret, eventBody(id, "customer.subscription.updated",
			subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, map[string]string{MetadataUserIDKey: "user_1"})))
		_, err := ingestor.Handle(ctx, payload, sig)
		require.NoError(t, err)
	}

	require.True(t, syncer.SyncUser(ctx, "user_1", "ada@example.com"))
	webhookWrite("evt_1")
	row := storedRow(t, db, "sub_1")
	assert.Equal(t, "active", row.Status)
	assert.Equal(t, "price_premium", row.PriceID)
	assert.Equal(t, int64(1_900_000_000), row.CurrentPeriodEnd.Unix())

	require.True(t, syncer.SyncUser(ctx, "user_1", "ada@example.com"))
	row = storedRow(t, db, "sub_1")
	assert.Equal(t, "past_due", row.Status)
	assert.Equal(t, "price_basic", row.PriceID)
	assert.Equal(t, int64(1_800_000_000), row.CurrentPeriodEnd.Unix())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			syncer.SyncUser(ctx, "user_1", "ada@example.com")
		}()
		go func(n int) {
			defer wg.Done()
			payload, sig := sign(t, testWebhookSecret, eventBody("evt_race_"+string(rune('a'+n)), "customer.subscription.updated",
				subscriptionObject("sub_1", "cus_1", "active", 1_900_000_000, map[string]string{MetadataUserIDKey: "user_1"})))
			_, _ = ingestor.Handle(ctx, payload, sig)
		}(i)
	}
	wg.Wait()

	row = storedRow(t, db, "sub_1")
	assert.Equal(t, int64(1), countRows(t, db, &models.Subscription{}))
	assert.Equal(t, "user_1", row.UserID)
	switch row.Status {
	case "active":
		assert.Equal(t, "price_premium", row.PriceID)
		assert.Equal(t, int64(1_900_000_000), row.CurrentPeriodEnd.Unix())
	case "past_due":
		assert.Equal(t, "price_basic", row.PriceID)
		assert.Equal(t, int64(1_800_000_000), row.CurrentPeriodEnd.Unix())
	default:
		t.Fatalf("unexpected status %q", row.Status)
	}
}
