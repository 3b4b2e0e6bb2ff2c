package identifier

import (
	"context"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

// AliasRecord is one row of the reference-data alias table.
type AliasRecord struct {
	Scheme          string `gorm:"column:scheme;primaryKey;size:64"`
	Value           string `gorm:"column:value;primaryKey;size:256"`
	CanonicalScheme string `gorm:"column:canonical_scheme;size:64;not null"`
	CanonicalValue  string `gorm:"column:canonical_value;size:256;not null"`
}

func (AliasRecord) TableName() string {
	return "identifier_aliases"
}

// DBSource reads aliases from the reference-data master.
type DBSource struct {
	db *gorm.DB
}

// NewDBSource wraps a gorm handle.
func NewDBSource(db *gorm.DB) (*DBSource, error) {
	if db == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "identifier db source")
	}
	return &DBSource{db: db}, nil
}

// Migrate creates the alias table when missing.
func (s *DBSource) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&AliasRecord{}); err != nil {
		return errors.Wrap(err, "migrate identifier_aliases")
	}
	return nil
}

// Put inserts or replaces one alias row.
func (s *DBSource) Put(ctx context.Context, alias model.ExternalID, canonical model.CanonicalID) error {
	rec := AliasRecord{
		Scheme:          alias.Scheme,
		Value:           alias.Value,
		CanonicalScheme: canonical.Scheme,
		CanonicalValue:  canonical.Value,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return errors.Wrap(err, "save identifier alias").With("alias", alias.String())
	}
	return nil
}

func (s *DBSource) Lookup(ctx context.Context, id model.ExternalID) (model.CanonicalID, bool, error) {
	var records []AliasRecord
	err := s.db.WithContext(ctx).
		Where("scheme = ? AND value = ?", id.Scheme, id.Value).
		Limit(1).
		Find(&records).Error
	if err != nil {
		return model.CanonicalID{}, false, errors.Wrap(err, "query identifier alias").With("id", id.String())
	}
	if len(records) == 0 || records[0].CanonicalValue == "" {
		return model.CanonicalID{}, false, nil
	}
	return model.NewCanonicalID(records[0].CanonicalScheme, records[0].CanonicalValue), true, nil
}
