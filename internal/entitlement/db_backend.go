package entitlement

import (
	"context"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

// Wildcard in the value column grants every value of the scheme.
const Wildcard = "*"

// Record is one row of the entitlement table.
type Record struct {
	ID       uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	UserName string `gorm:"column:user_name;size:128;not null;index:idx_entitlement_lookup"`
	Scheme   string `gorm:"column:scheme;size:64;not null;index:idx_entitlement_lookup"`
	Value    string `gorm:"column:value;size:256;not null;index:idx_entitlement_lookup"`
}

func (Record) TableName() string {
	return "entitlements"
}

// DBBackend answers entitlement questions from a database table.
type DBBackend struct {
	db *gorm.DB
}

func NewDBBackend(db *gorm.DB) (*DBBackend, error) {
	if db == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "entitlement db backend")
	}
	return &DBBackend{db: db}, nil
}

func (b *DBBackend) Migrate(ctx context.Context) error {
	if err := b.db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return errors.Wrap(err, "migrate entitlements")
	}
	return nil
}

// Grant inserts a row allowing user to receive canonical ids of scheme and
// value. Use Wildcard as value for the whole scheme.
func (b *DBBackend) Grant(ctx context.Context, user, scheme, value string) error {
	rec := Record{UserName: user, Scheme: scheme, Value: value}
	if err := b.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return errors.Wrap(err, "insert entitlement").With("user", user)
	}
	return nil
}

func (b *DBBackend) CheckEntitlement(ctx context.Context, principal model.UserPrincipal, canonical model.CanonicalID) (bool, error) {
	var count int64
	err := b.db.WithContext(ctx).
		Model(&Record{}).
		Where("user_name = ? AND scheme = ? AND (value = ? OR value = ?)",
			principal.UserName, canonical.Scheme, canonical.Value, Wildcard).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "query entitlements").With("user", principal.UserName)
	}
	return count > 0, nil
}
