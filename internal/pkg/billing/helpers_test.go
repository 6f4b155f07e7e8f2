package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/FoxChat/app/models"
	"github.com/ManuelReschke/FoxChat/internal/pkg/config"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.BillingWebhookEvent{}))
	return db
}

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		SecretKey:      "sk_test_123",
		WebhookSecret:  "whsec_test_123",
		PriceID:        "price_premium",
		ResolveTimeout: 2 * time.Second,
		SyncThrottle:   0,
		ScanLimit:      100,
		EmailLimit:     10,
	}.WithDefaults()
}

// newTestService wires a service over sqlite. Pass a nil provider to
// simulate a missing STRIPE_SECRET_KEY.
func newTestService(t *testing.T, p Provider) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewService(NewRepository(db), p, testBillingConfig()), db
}

func ts(sec int64) *time.Time {
	return unixPtr(sec)
}

func snapshot(id, customerID, status string, periodEnd int64) SubscriptionSnapshot {
	return SubscriptionSnapshot{
		ID:               id,
		CustomerID:       customerID,
		Status:           status,
		PriceID:          "price_premium",
		CurrentPeriodEnd: ts(periodEnd),
	}
}

func storedRow(t *testing.T, db *gorm.DB, subID string) models.Subscription {
	t.Helper()
	var row models.Subscription
	require.NoError(t, db.Where("provider_subscription_id = ?", subID).Take(&row).Error)
	return row
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

// fakeProvider is an in-memory Provider that records every call.
type fakeProvider struct {
	mu sync.Mutex

	calls []string

	customers     []Customer
	subscriptions []SubscriptionSnapshot

	err       error
	errOn     map[string]error
	blockOn   map[string]bool
	tagged    map[string]string
	checkouts []CheckoutRequest
	portals   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		errOn:   map[string]error{},
		blockOn: map[string]bool{},
		tagged:  map[string]string{},
	}
}

func (f *fakeProvider) addCustomer(id, email string, metadata map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers = append(f.customers, Customer{ID: id, Email: email, Metadata: metadata})
}

func (f *fakeProvider) addSubscription(s SubscriptionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, s)
}

func (f *fakeProvider) record(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	block := f.blockOn[name]
	err := f.errOn[name]
	if err == nil {
		err = f.err
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeProvider) failOn(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errOn, name)
		return
	}
	f.errOn[name] = err
}

func (f *fakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeProvider) CallCount() int {
	return len(f.Calls())
}

func (f *fakeProvider) called(name string) bool {
	for _, c := range f.Calls() {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeProvider) FindCustomersByEmail(ctx context.Context, email string, limit int) ([]Customer, error) {
	if err := f.record(ctx, "FindCustomersByEmail"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Customer
	for _, c := range f.customers {
		if strings.EqualFold(c.Email, email) {
			out = append(out, c)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	if err := f.record(ctx, "GetCustomer"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.customers {
		if c.ID == customerID {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeProvider) TagCustomer(ctx context.Context, customerID, userID string) error {
	if err := f.record(ctx, "TagCustomer"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged[customerID] = userID
	return nil
}

func (f *fakeProvider) ListCustomerSubscriptions(ctx context.Context, customerID string, activeOnly bool) ([]SubscriptionSnapshot, error) {
	if err := f.record(ctx, "ListCustomerSubscriptions"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SubscriptionSnapshot
	for _, s := range f.subscriptions {
		if s.CustomerID != customerID {
			continue
		}
		if activeOnly && !isActiveStatus(s.Status) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeProvider) ScanSubscriptionsByMetadata(ctx context.Context, key, value string, limit int) ([]SubscriptionSnapshot, error) {
	if err := f.record(ctx, "ScanSubscriptionsByMetadata"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SubscriptionSnapshot
	for i, s := range f.subscriptions {
		if i >= limit {
			break
		}
		if s.Metadata[key] == value {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeProvider) ScanCustomersByMetadata(ctx context.Context, key, value string, limit int) ([]Customer, error) {
	if err := f.record(ctx, "ScanCustomersByMetadata"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Customer
	for i, c := range f.customers {
		if i >= limit {
			break
		}
		if c.Metadata[key] == value {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	if err := f.record(ctx, "CreateCheckoutSession"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	return "https://checkout.stripe.test/c/" + req.UserID, nil
}

func (f *fakeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if err := f.record(ctx, "CreatePortalSession"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portals = append(f.portals, customerID)
	return "https://billing.stripe.test/p/" + customerID, nil
}
