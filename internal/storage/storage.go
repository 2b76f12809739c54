// Package storage persists the audit history of block decisions (one row per
// created block) so the dashboard can show "malicious packet" history and
// operators can audit what the engine did.
//
// Three backends share one interface:
//   - memory:   bounded in-process slice with TTL (tests, demos)
//   - sqlite:   embedded file database via gorm + pure-Go SQLite driver
//   - postgres: shared database via a pgx connection pool
//
// Block state itself is never read back from storage; the mitigation
// coordinator is authoritative for it.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
	"github.com/sentinelai/dmcf/pkg/factory"
)

// Store is the high-level storage interface used by the mitigation
// coordinator and northbound handlers. All operations are safe to be called
// from concurrent goroutines.
type Store interface {
	// SaveHistoryEntry appends one audit row.
	SaveHistoryEntry(ctx context.Context, entry model.HistoryEntry) error

	// QueryHistory returns rows matching the query, newest first.
	QueryHistory(ctx context.Context, query HistoryQuery) ([]model.HistoryEntry, error)

	// Vacuum removes rows beyond the retention policy (TTL and MaxItems).
	// For some backends this may be a no-op.
	Vacuum(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// HistoryQuery defines constraints used when selecting history rows.
type HistoryQuery struct {
	// IP filters on the source IP when non-empty.
	IP string

	// Since is an optional lower bound on Timestamp.
	Since *time.Time

	// Limit is an optional maximum number of results.
	// If Limit <= 0, DefaultHistoryLimit applies.
	Limit int
}

// DefaultHistoryLimit caps queries that do not set a limit.
const DefaultHistoryLimit = 100

func (query HistoryQuery) effectiveLimit() int {
	if query.Limit <= 0 {
		return DefaultHistoryLimit
	}
	return query.Limit
}

// retention is the policy shared by all backends.
type retention struct {
	maxItems int           // 0 means "no explicit limit"
	ttl      time.Duration // 0 means "no TTL"
}

func retentionFromConfig(storageConfig factory.StorageSection) retention {
	var ttlDuration time.Duration
	if storageConfig.TTLSec > 0 {
		ttlDuration = time.Duration(storageConfig.TTLSec) * time.Second
	}
	return retention{maxItems: storageConfig.MaxItems, ttl: ttlDuration}
}

// NewStoreFromConfig creates a Store based on the storage configuration.
func NewStoreFromConfig(ctx context.Context, storageConfig factory.StorageSection, clk clock.Clock) (Store, error) {
	if clk == nil {
		clk = clock.Real()
	}
	policy := retentionFromConfig(storageConfig)

	switch storageConfig.Driver {
	case "memory", "":
		logger.StorageLog.Infof("Using in-memory storage backend (maxItems=%d, ttlSec=%d)",
			storageConfig.MaxItems, storageConfig.TTLSec)
		return newMemoryStore(policy, clk), nil
	case "sqlite":
		logger.StorageLog.Infof("Using sqlite storage backend dsn=%s", storageConfig.DSN)
		return newSQLiteStore(storageConfig.DSN, policy, clk)
	case "postgres":
		logger.StorageLog.Infof("Using postgres storage backend")
		return newPostgresStore(ctx, storageConfig.DSN, policy, clk)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", storageConfig.Driver)
	}
}

// -----------------------------------------------------------------------------
// In-memory implementation
// -----------------------------------------------------------------------------

// memoryStore keeps all rows in memory. It is suitable for functional
// testing and small-scale demos.
type memoryStore struct {
	mutexForEntries sync.RWMutex
	entries         []model.HistoryEntry
	nextID          int64

	policy retention
	clock  clock.Clock
}

func newMemoryStore(policy retention, clk clock.Clock) *memoryStore {
	return &memoryStore{
		entries: make([]model.HistoryEntry, 0),
		policy:  policy,
		clock:   clk,
	}
}

// SaveHistoryEntry appends one row and performs best-effort cleanup based on
// TTL and MaxItems.
func (store *memoryStore) SaveHistoryEntry(ctx context.Context, entry model.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := store.clock.Now()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	// TTL-based cleanup before append
	store.removeExpiredLocked(now)

	store.nextID++
	entry.ID = store.nextID
	store.entries = append(store.entries, entry)

	// Enforce maxItems if configured.
	if store.policy.maxItems > 0 && len(store.entries) > store.policy.maxItems {
		overflow := len(store.entries) - store.policy.maxItems
		logger.StorageLog.Debugf(
			"memory storage reached maxItems=%d, dropping oldest %d entries",
			store.policy.maxItems, overflow,
		)
		store.entries = append(store.entries[:0:0], store.entries[overflow:]...)
	}

	return nil
}

// QueryHistory scans the in-memory slice from the newest row backwards and
// returns a filtered copy.
func (store *memoryStore) QueryHistory(ctx context.Context, query HistoryQuery) ([]model.HistoryEntry, error) {
	now := store.clock.Now()
	limit := query.effectiveLimit()

	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	results := make([]model.HistoryEntry, 0)
	for index := len(store.entries) - 1; index >= 0; index-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry := store.entries[index]

		// expired rows are skipped here and left for Vacuum() or the next Save()
		if store.policy.ttl > 0 && now.Sub(entry.Timestamp) > store.policy.ttl {
			continue
		}
		if query.IP != "" && entry.SrcIP != query.IP {
			continue
		}
		if query.Since != nil && entry.Timestamp.Before(*query.Since) {
			continue
		}

		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}

	return results, nil
}

// Vacuum removes expired entries according to TTL. It is safe to call this
// periodically; if TTL is not configured, it becomes a no-op.
func (store *memoryStore) Vacuum(ctx context.Context) error {
	if store.policy.ttl <= 0 {
		return nil
	}

	now := store.clock.Now()

	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	beforeCount := len(store.entries)
	store.removeExpiredLocked(now)
	afterCount := len(store.entries)

	if beforeCount != afterCount {
		logger.StorageLog.Debugf(
			"vacuum removed %d expired history entr(ies) from memory store",
			beforeCount-afterCount,
		)
	}

	return nil
}

// Close implements Store; the memory backend holds no resources.
func (store *memoryStore) Close() error {
	return nil
}

// removeExpiredLocked is a helper that assumes mutexForEntries is already held.
func (store *memoryStore) removeExpiredLocked(referenceTime time.Time) {
	if store.policy.ttl <= 0 || len(store.entries) == 0 {
		return
	}

	filtered := store.entries[:0]
	for _, entry := range store.entries {
		if referenceTime.Sub(entry.Timestamp) <= store.policy.ttl {
			filtered = append(filtered, entry)
		}
	}
	store.entries = filtered
}
