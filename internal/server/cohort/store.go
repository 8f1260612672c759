package cohort

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/systemshift/omrs/pkg/omrs"
)

// RegistryStore persists cohort registrations so a restarted member keeps
// its registration time and knows its peers before they re-announce.
type RegistryStore interface {
	SaveRegistration(ctx context.Context, cohort string, local bool, reg *omrs.MemberRegistration) error
	DeleteRegistration(ctx context.Context, cohort, metadataCollectionID string) error
	DeleteCohort(ctx context.Context, cohort string) error
	LoadRegistrations(ctx context.Context, cohort string) (local *omrs.MemberRegistration, remotes []*omrs.MemberRegistration, err error)
}

// RegistrationRecord is the stored form of a registration.
type RegistrationRecord struct {
	Cohort               string `gorm:"primaryKey;column:cohort"`
	MetadataCollectionID string `gorm:"primaryKey;column:metadata_collection_id"`
	Local                bool   `gorm:"not null;default:false"`
	Body                 string `gorm:"type:text;not null"`
	UpdatedAt            time.Time
}

// TableName sets the table for RegistrationRecord.
func (RegistrationRecord) TableName() string {
	return "omrs_cohort_registrations"
}

// GormRegistryStore keeps registrations in a SQL database.
type GormRegistryStore struct {
	db *gorm.DB
}

func NewGormRegistryStore(db *gorm.DB) *GormRegistryStore {
	return &GormRegistryStore{db: db}
}

// AutoMigrate creates or updates the registration table.
func (s *GormRegistryStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&RegistrationRecord{}); err != nil {
		return fmt.Errorf("auto-migrate omrs_cohort_registrations: %w", err)
	}
	return nil
}

func (s *GormRegistryStore) SaveRegistration(ctx context.Context, cohort string, local bool, reg *omrs.MemberRegistration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode registration %s: %w", reg.MetadataCollectionID, err)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cohort"}, {Name: "metadata_collection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"local", "body", "updated_at"}),
	}).Create(&RegistrationRecord{
		Cohort:               cohort,
		MetadataCollectionID: reg.MetadataCollectionID,
		Local:                local,
		Body:                 string(body),
	}).Error
}

func (s *GormRegistryStore) DeleteRegistration(ctx context.Context, cohort, metadataCollectionID string) error {
	return s.db.WithContext(ctx).
		Where("cohort = ? AND metadata_collection_id = ?", cohort, metadataCollectionID).
		Delete(&RegistrationRecord{}).Error
}

func (s *GormRegistryStore) DeleteCohort(ctx context.Context, cohort string) error {
	return s.db.WithContext(ctx).Where("cohort = ?", cohort).Delete(&RegistrationRecord{}).Error
}

func (s *GormRegistryStore) LoadRegistrations(ctx context.Context, cohort string) (*omrs.MemberRegistration, []*omrs.MemberRegistration, error) {
	var records []RegistrationRecord
	err := s.db.WithContext(ctx).
		Where("cohort = ?", cohort).
		Order("metadata_collection_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, nil, fmt.Errorf("list registrations of %s: %w", cohort, err)
	}

	var local *omrs.MemberRegistration
	var remotes []*omrs.MemberRegistration
	for _, rec := range records {
		var reg omrs.MemberRegistration
		if err := json.Unmarshal([]byte(rec.Body), &reg); err != nil {
			return nil, nil, fmt.Errorf("decode registration %s/%s: %w", cohort, rec.MetadataCollectionID, err)
		}
		if rec.Local {
			local = &reg
			continue
		}
		remotes = append(remotes, &reg)
	}
	return local, remotes, nil
}
