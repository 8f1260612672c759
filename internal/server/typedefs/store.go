package typedefs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/systemshift/omrs/pkg/omrs"
)

// Store persists the definitions of a Registry.
type Store interface {
	Load(ctx context.Context) ([]*omrs.TypeDef, []*omrs.AttributeTypeDef, error)
	SaveTypeDef(ctx context.Context, td *omrs.TypeDef) error
	SaveAttributeTypeDef(ctx context.Context, atd *omrs.AttributeTypeDef) error
	Delete(ctx context.Context, guid string) error
	// Replace removes oldGUID and saves the given definitions in one
	// transaction. attr may be nil.
	Replace(ctx context.Context, oldGUID string, typeDefs []*omrs.TypeDef, attr *omrs.AttributeTypeDef) error
}

const (
	kindTypeDef          = "typedef"
	kindAttributeTypeDef = "attribute"
)

// TypeDefRecord is the stored form of one definition. Body holds the JSON
// encoding of the TypeDef or AttributeTypeDef.
type TypeDefRecord struct {
	GUID      string `gorm:"primaryKey;column:guid"`
	Name      string `gorm:"uniqueIndex;not null"`
	Kind      string `gorm:"index;not null"`
	Category  string `gorm:"not null"`
	Version   int64  `gorm:"not null"`
	Body      string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

// TableName sets the table for TypeDefRecord.
func (TypeDefRecord) TableName() string {
	return "omrs_typedefs"
}

// GormStore keeps definitions in a SQL database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the typedef table.
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&TypeDefRecord{}); err != nil {
		return fmt.Errorf("auto-migrate omrs_typedefs: %w", err)
	}
	return nil
}

// Load returns every stored definition.
func (s *GormStore) Load(ctx context.Context) ([]*omrs.TypeDef, []*omrs.AttributeTypeDef, error) {
	var records []TypeDefRecord
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&records).Error; err != nil {
		return nil, nil, fmt.Errorf("list typedefs: %w", err)
	}

	var typeDefs []*omrs.TypeDef
	var attrDefs []*omrs.AttributeTypeDef
	for _, rec := range records {
		switch rec.Kind {
		case kindTypeDef:
			var td omrs.TypeDef
			if err := json.Unmarshal([]byte(rec.Body), &td); err != nil {
				return nil, nil, fmt.Errorf("decode typedef %s: %w", rec.Name, err)
			}
			typeDefs = append(typeDefs, &td)
		case kindAttributeTypeDef:
			var atd omrs.AttributeTypeDef
			if err := json.Unmarshal([]byte(rec.Body), &atd); err != nil {
				return nil, nil, fmt.Errorf("decode attribute typedef %s: %w", rec.Name, err)
			}
			attrDefs = append(attrDefs, &atd)
		default:
			return nil, nil, fmt.Errorf("typedef %s has unknown kind %q", rec.Name, rec.Kind)
		}
	}
	return typeDefs, attrDefs, nil
}

// SaveTypeDef creates or replaces a TypeDef.
func (s *GormStore) SaveTypeDef(ctx context.Context, td *omrs.TypeDef) error {
	rec, err := typeDefRecord(td)
	if err != nil {
		return err
	}
	return upsert(s.db.WithContext(ctx), rec)
}

// SaveAttributeTypeDef creates or replaces an AttributeTypeDef.
func (s *GormStore) SaveAttributeTypeDef(ctx context.Context, atd *omrs.AttributeTypeDef) error {
	rec, err := attributeRecord(atd)
	if err != nil {
		return err
	}
	return upsert(s.db.WithContext(ctx), rec)
}

// Delete removes a definition by guid.
func (s *GormStore) Delete(ctx context.Context, guid string) error {
	return s.db.WithContext(ctx).Where("guid = ?", guid).Delete(&TypeDefRecord{}).Error
}

// Replace removes oldGUID and saves the given definitions atomically.
func (s *GormStore) Replace(ctx context.Context, oldGUID string, typeDefs []*omrs.TypeDef, attr *omrs.AttributeTypeDef) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guid = ?", oldGUID).Delete(&TypeDefRecord{}).Error; err != nil {
			return fmt.Errorf("delete typedef %s: %w", oldGUID, err)
		}
		if attr != nil {
			rec, err := attributeRecord(attr)
			if err != nil {
				return err
			}
			if err := upsert(tx, rec); err != nil {
				return err
			}
		}
		for _, td := range typeDefs {
			rec, err := typeDefRecord(td)
			if err != nil {
				return err
			}
			if err := upsert(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsert(db *gorm.DB, rec *TypeDefRecord) error {
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guid"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "kind", "category", "version", "body", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("save typedef %s: %w", rec.Name, err)
	}
	return nil
}

func typeDefRecord(td *omrs.TypeDef) (*TypeDefRecord, error) {
	body, err := json.Marshal(td)
	if err != nil {
		return nil, fmt.Errorf("encode typedef %s: %w", td.Name, err)
	}
	return &TypeDefRecord{
		GUID:     td.GUID,
		Name:     td.Name,
		Kind:     kindTypeDef,
		Category: string(td.Category),
		Version:  td.Version,
		Body:     string(body),
	}, nil
}

func attributeRecord(atd *omrs.AttributeTypeDef) (*TypeDefRecord, error) {
	body, err := json.Marshal(atd)
	if err != nil {
		return nil, fmt.Errorf("encode attribute typedef %s: %w", atd.Name, err)
	}
	return &TypeDefRecord{
		GUID:     atd.GUID,
		Name:     atd.Name,
		Kind:     kindAttributeTypeDef,
		Category: string(atd.Category),
		Version:  atd.Version,
		Body:     string(body),
	}, nil
}
