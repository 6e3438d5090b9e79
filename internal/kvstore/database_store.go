package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errSQLiteEmptyPath     = errors.New("kvstore.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("kvstore.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("kvstore.unsupported_no_scheme")
)

// DatabaseStore persists keys in a SQL table through GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type keyValueRecord struct {
	Key         string `gorm:"column:storage_key;primaryKey"`
	Value       string `gorm:"column:value;not null"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (keyValueRecord) TableName() string {
	return "client_storage"
}

// NewDatabaseStore opens the database named by databaseURL and migrates the storage table.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("kvstore.database.open: %w", errEmptyStorageURL)
	}
	dialector, driverLabel, err := ResolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("kvstore.database.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&keyValueRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("kvstore.database.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Get returns the value stored under key.
func (store *DatabaseStore) Get(ctx context.Context, key string) (string, error) {
	var record keyValueRecord
	err := store.db.WithContext(ctx).Where("storage_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kvstore.database.get.%s: %w", store.driverLabel, err)
	}
	return record.Value, nil
}

// Set upserts value under key.
func (store *DatabaseStore) Set(ctx context.Context, key string, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	record := keyValueRecord{Key: key, Value: value, UpdatedUnix: time.Now().UTC().Unix()}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "storage_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("kvstore.database.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Remove deletes key.
func (store *DatabaseStore) Remove(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("storage_key = ?", key).Delete(&keyValueRecord{}).Error; err != nil {
		return fmt.Errorf("kvstore.database.remove.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Keys lists stored keys in lexical order.
func (store *DatabaseStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := store.db.WithContext(ctx).Model(&keyValueRecord{}).Order("storage_key").Pluck("storage_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("kvstore.database.keys.%s: %w", store.driverLabel, err)
	}
	return keys, nil
}

// ResolveDialector maps a postgres:// or sqlite:// URL onto a GORM dialector.
func ResolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("kvstore.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("kvstore.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("kvstore.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("kvstore.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
