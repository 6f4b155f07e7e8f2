package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/FoxChat/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	LatestSubscriptionForUser(ctx context.Context, userID string) (*models.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error)
	FindLinkedUserIDByCustomer(ctx context.Context, customerID string) (string, error)
	FindCustomerIDForUser(ctx context.Context, userID string) (string, error)
	RelinkCustomer(ctx context.Context, customerID, userID string) (int64, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

const placeholderPattern = models.PlaceholderUserPrefix + "%"

// UpsertSubscription writes a full snapshot keyed by provider_subscription_id.
// A placeholder user id never replaces a concrete one; that check runs inside
// the statement so it also holds for concurrent writers.
func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if strings.TrimSpace(sub.ProviderSubscriptionID) == "" {
		return errors.New("provider_subscription_id is required")
	}
	if strings.TrimSpace(sub.UserID) == "" {
		return ErrMissingUserID
	}

	updates := clause.AssignmentColumns([]string{
		"provider_customer_id",
		"status",
		"price_id",
		"current_period_end",
		"updated_at",
	})
	updates = append(updates, r.userIDAssignment())

	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_subscription_id"}},
		DoUpdates: updates,
	}).Create(sub).Error; err != nil {
		return err
	}

	// Re-read so ID and the effective user_id reflect the stored row.
	var stored models.Subscription
	if err := db.Where("provider_subscription_id = ?", sub.ProviderSubscriptionID).Take(&stored).Error; err != nil {
		return err
	}
	*sub = stored
	return nil
}

func (r *gormRepository) userIDAssignment() clause.Assignment {
	incoming := "excluded.user_id"
	if r.db.Dialector.Name() == "mysql" {
		incoming = "VALUES(user_id)"
	}
	sql := fmt.Sprintf("CASE WHEN %s LIKE ? AND user_id NOT LIKE ? THEN user_id ELSE %s END", incoming, incoming)
	return clause.Assignment{
		Column: clause.Column{Name: "user_id"},
		Value:  gorm.Expr(sql, placeholderPattern, placeholderPattern),
	}
}

// LatestSubscriptionForUser returns the user's best row: active first, then
// the latest period end. Returns gorm.ErrRecordNotFound when the user has none.
func (r *gormRepository) LatestSubscriptionForUser(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(bestFirst()).
		Take(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptionsByUser returns all rows of the user in the same order as
// LatestSubscriptionForUser.
func (r *gormRepository) ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(bestFirst()).
		Find(&subs).Error
	return subs, err
}

// bestFirst orders active rows first, then by period end. It is one clause:
// gorm drops an OrderBy expression once plain columns are merged into it.
func bestFirst() clause.OrderBy {
	return clause.OrderBy{Expression: clause.Expr{
		SQL:                "CASE WHEN status = ? THEN 0 ELSE 1 END, current_period_end DESC, updated_at DESC, id DESC",
		Vars:               []interface{}{models.SubscriptionStatusActive},
		WithoutParentheses: true,
	}}
}

// FindLinkedUserIDByCustomer returns the concrete user already owning rows of
// this customer, or "" when there is none.
func (r *gormRepository) FindLinkedUserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", nil
	}
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("provider_customer_id = ? AND user_id NOT LIKE ?", customerID, placeholderPattern).
		Order("updated_at DESC").
		Order("id DESC").
		Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sub.UserID, nil
}

// FindCustomerIDForUser returns the provider customer of the user's most
// recent row, or "" when unknown.
func (r *gormRepository) FindCustomerIDForUser(ctx context.Context, userID string) (string, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider_customer_id <> ''", userID).
		Order("updated_at DESC").
		Order("id DESC").
		Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sub.ProviderCustomerID, nil
}

// RelinkCustomer moves placeholder rows of a customer to a concrete user.
// Rows already owned by a concrete user are left alone.
func (r *gormRepository) RelinkCustomer(ctx context.Context, customerID, userID string) (int64, error) {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(userID) == "" || models.IsPlaceholderUserID(userID) {
		return 0, errors.New("customer id and a concrete user id are required")
	}
	tx := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("provider_customer_id = ? AND user_id LIKE ?", customerID, placeholderPattern).
		Updates(map[string]interface{}{
			"user_id":    userID,
			"updated_at": time.Now(),
		})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		Take(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
