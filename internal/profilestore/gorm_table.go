package profilestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/tauthclient/internal/identity"
	"github.com/tyemirov/tauthclient/internal/kvstore"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormTable stores profiles through GORM (sqlite or postgres).
type GormTable struct {
	db          *gorm.DB
	driverLabel string
}

type profileRecord struct {
	ID        string `gorm:"column:id;primaryKey"`
	FullName  string `gorm:"column:full_name;not null"`
	Role      string `gorm:"column:role;not null;default:client"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (profileRecord) TableName() string {
	return "profiles"
}

func (record profileRecord) toProfile() identity.Profile {
	return identity.Profile{ID: record.ID, FullName: record.FullName, Role: identity.Role(record.Role)}
}

// NewGormTable opens databaseURL (sqlite:// or postgres://) and migrates the profiles table.
func NewGormTable(ctx context.Context, databaseURL string) (*GormTable, error) {
	dialector, driverLabel, err := kvstore.ResolveDialector(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("profilestore.gorm.open: %w", err)
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("profilestore.gorm.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&profileRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("profilestore.gorm.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &GormTable{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (table *GormTable) Driver() string {
	return table.driverLabel
}

// GetProfile selects the row for userID.
func (table *GormTable) GetProfile(ctx context.Context, userID string) (identity.Profile, error) {
	var record profileRecord
	err := table.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	if err != nil {
		return identity.Profile{}, fmt.Errorf("profilestore.gorm.get.%s: %w", table.driverLabel, err)
	}
	return record.toProfile(), nil
}

// InsertProfile inserts a new row and reports identity.ErrProfileExists when one is already present.
func (table *GormTable) InsertProfile(ctx context.Context, profile identity.Profile) (identity.Profile, error) {
	record := profileRecord{ID: profile.ID, FullName: profile.FullName, Role: string(profile.Role)}
	err := table.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if countErr := tx.Model(&profileRecord{}).Where("id = ?", profile.ID).Count(&existing).Error; countErr != nil {
			return countErr
		}
		if existing > 0 {
			return identity.ErrProfileExists
		}
		return tx.Create(&record).Error
	})
	if errors.Is(err, identity.ErrProfileExists) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return identity.Profile{}, identity.ErrProfileExists
	}
	if err != nil {
		return identity.Profile{}, fmt.Errorf("profilestore.gorm.insert.%s: %w", table.driverLabel, err)
	}
	return record.toProfile(), nil
}

// UpdateProfile sets the supplied columns and returns the stored row.
func (table *GormTable) UpdateProfile(ctx context.Context, userID string, update identity.ProfileUpdate) (identity.Profile, error) {
	if update.Empty() {
		return table.GetProfile(ctx, userID)
	}
	changes := make(map[string]any, 2)
	if update.FullName != nil {
		changes["full_name"] = *update.FullName
	}
	if update.Role != nil {
		changes["role"] = string(*update.Role)
	}
	result := table.db.WithContext(ctx).Model(&profileRecord{}).Where("id = ?", userID).Updates(changes)
	if result.Error != nil {
		return identity.Profile{}, fmt.Errorf("profilestore.gorm.update.%s: %w", table.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	return table.GetProfile(ctx, userID)
}
