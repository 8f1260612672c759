package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists subscriptions across restarts.
type Store interface {
	Save(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]*Subscription, error)
}

// SubscriptionRecord is the stored form of a subscription. Body holds its
// JSON encoding.
type SubscriptionRecord struct {
	ID        string `gorm:"primaryKey;column:id"`
	Name      string `gorm:"not null"`
	Body      string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName sets the table for SubscriptionRecord.
func (SubscriptionRecord) TableName() string {
	return "omrs_subscriptions"
}

// GormStore keeps subscriptions in a SQL database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the subscription table.
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&SubscriptionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate omrs_subscriptions: %w", err)
	}
	return nil
}

// Save creates or replaces a subscription.
func (s *GormStore) Save(ctx context.Context, sub *Subscription) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription %s: %w", sub.ID, err)
	}
	rec := &SubscriptionRecord{
		ID:        sub.ID,
		Name:      sub.Name,
		Body:      string(body),
		CreatedAt: sub.Created,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "body", "updated_at"}),
	}).Create(rec).Error
}

// Delete removes a subscription by id.
func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&SubscriptionRecord{}).Error
}

// Load returns every stored subscription, oldest first.
func (s *GormStore) Load(ctx context.Context) ([]*Subscription, error) {
	var records []SubscriptionRecord
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	subs := make([]*Subscription, 0, len(records))
	for _, rec := range records {
		var sub Subscription
		if err := json.Unmarshal([]byte(rec.Body), &sub); err != nil {
			return nil, fmt.Errorf("decode subscription %s: %w", rec.ID, err)
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}
