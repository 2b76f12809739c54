package storage

import (
	"context"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
)

// sqliteStore persists history through gorm on an embedded SQLite file. The
// driver is pure Go, so the binary needs no cgo toolchain.
type sqliteStore struct {
	database *gorm.DB
	policy   retention
	clock    clock.Clock
}

func newSQLiteStore(dsn string, policy retention, clk clock.Clock) (*sqliteStore, error) {
	database, openError := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if openError != nil {
		return nil, errors.Wrapf(openError, "open sqlite %s", dsn)
	}

	// WAL keeps concurrent block writes from hitting "database is locked"
	if pragmaError := database.Exec("PRAGMA journal_mode=WAL;").Error; pragmaError != nil {
		logger.StorageLog.Warnf("failed to enable WAL mode: %v", pragmaError)
	}

	if migrateError := database.AutoMigrate(&model.HistoryEntry{}); migrateError != nil {
		return nil, errors.Wrap(migrateError, "migrate history table")
	}

	return &sqliteStore{database: database, policy: policy, clock: clk}, nil
}

// SaveHistoryEntry implements Store.
func (store *sqliteStore) SaveHistoryEntry(ctx context.Context, entry model.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = store.clock.Now()
	}
	entry.ID = 0
	if err := store.database.WithContext(ctx).Create(&entry).Error; err != nil {
		return errors.Wrap(err, "insert history entry")
	}
	return nil
}

// QueryHistory implements Store.
func (store *sqliteStore) QueryHistory(ctx context.Context, query HistoryQuery) ([]model.HistoryEntry, error) {
	statement := store.database.WithContext(ctx).Model(&model.HistoryEntry{})
	if query.IP != "" {
		statement = statement.Where("src_ip = ?", query.IP)
	}
	if query.Since != nil {
		statement = statement.Where("timestamp >= ?", *query.Since)
	}
	if store.policy.ttl > 0 {
		statement = statement.Where("timestamp >= ?", store.clock.Now().Add(-store.policy.ttl))
	}

	var entries []model.HistoryEntry
	err := statement.Order("timestamp DESC").Order("id DESC").Limit(query.effectiveLimit()).Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	return entries, nil
}

// Vacuum implements Store.
func (store *sqliteStore) Vacuum(ctx context.Context) error {
	database := store.database.WithContext(ctx)

	if store.policy.ttl > 0 {
		cutoff := store.clock.Now().Add(-store.policy.ttl)
		result := database.Where("timestamp < ?", cutoff).Delete(&model.HistoryEntry{})
		if result.Error != nil {
			return errors.Wrap(result.Error, "delete expired history")
		}
		if result.RowsAffected > 0 {
			logger.StorageLog.Debugf("vacuum removed %d expired history row(s)", result.RowsAffected)
		}
	}

	if store.policy.maxItems > 0 {
		keep := database.Model(&model.HistoryEntry{}).Select("id").Order("id DESC").Limit(store.policy.maxItems)
		result := database.Where("id NOT IN (?)", keep).Delete(&model.HistoryEntry{})
		if result.Error != nil {
			return errors.Wrap(result.Error, "trim history")
		}
	}
	return nil
}

// Close implements Store.
func (store *sqliteStore) Close() error {
	sqlDB, err := store.database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
