package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS history_entries (
	id             BIGSERIAL PRIMARY KEY,
	timestamp      TIMESTAMPTZ NOT NULL,
	src_ip         TEXT NOT NULL,
	dst_ip         TEXT NOT NULL DEFAULT '',
	protocol       TEXT NOT NULL DEFAULT '',
	packet_size    INTEGER NOT NULL DEFAULT 0,
	action         TEXT NOT NULL DEFAULT '',
	prediction     TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	threat_level   TEXT NOT NULL DEFAULT '',
	is_simulated   BOOLEAN NOT NULL DEFAULT FALSE,
	network_slice  TEXT NOT NULL DEFAULT '',
	slice_priority INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_history_entries_src_ip ON history_entries (src_ip);
CREATE INDEX IF NOT EXISTS idx_history_entries_timestamp ON history_entries (timestamp);
`

const historyColumns = `id, timestamp, src_ip, dst_ip, protocol, packet_size, action,
	prediction, reason, threat_level, is_simulated, network_slice, slice_priority`

// postgresStore persists history in PostgreSQL through a pgx pool.
type postgresStore struct {
	pool   *pgxpool.Pool
	policy retention
	clock  clock.Clock
}

func newPostgresStore(ctx context.Context, dsn string, policy retention, clk clock.Clock) (*postgresStore, error) {
	config, parseError := pgxpool.ParseConfig(dsn)
	if parseError != nil {
		return nil, errors.Wrap(parseError, "parse dsn")
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, connectError := pgxpool.NewWithConfig(ctx, config)
	if connectError != nil {
		return nil, errors.Wrap(connectError, "connect")
	}
	if pingError := pool.Ping(ctx); pingError != nil {
		pool.Close()
		return nil, errors.Wrap(pingError, "ping")
	}
	if _, migrateError := pool.Exec(ctx, postgresSchema); migrateError != nil {
		pool.Close()
		return nil, errors.Wrap(migrateError, "migrate history table")
	}
	logger.StorageLog.Info("postgres history table ready")

	return &postgresStore{pool: pool, policy: policy, clock: clk}, nil
}

// SaveHistoryEntry implements Store.
func (store *postgresStore) SaveHistoryEntry(ctx context.Context, entry model.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = store.clock.Now()
	}
	_, err := store.pool.Exec(ctx,
		`INSERT INTO history_entries (timestamp, src_ip, dst_ip, protocol, packet_size, action,
			prediction, reason, threat_level, is_simulated, network_slice, slice_priority)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.Timestamp, entry.SrcIP, entry.DstIP, entry.Protocol, entry.PacketSize, entry.Action,
		entry.Prediction, entry.Reason, entry.ThreatLevel, entry.IsSimulated, entry.NetworkSlice, entry.SlicePriority,
	)
	return errors.Wrap(err, "insert history entry")
}

// QueryHistory implements Store.
func (store *postgresStore) QueryHistory(ctx context.Context, query HistoryQuery) ([]model.HistoryEntry, error) {
	var since time.Time
	if query.Since != nil {
		since = *query.Since
	}
	if store.policy.ttl > 0 {
		ttlCutoff := store.clock.Now().Add(-store.policy.ttl)
		if ttlCutoff.After(since) {
			since = ttlCutoff
		}
	}

	rows, queryError := store.pool.Query(ctx,
		`SELECT `+historyColumns+`
		 FROM history_entries
		 WHERE ($1::text = '' OR src_ip = $1::text) AND timestamp >= $2
		 ORDER BY timestamp DESC, id DESC LIMIT $3`,
		query.IP, since, query.effectiveLimit(),
	)
	if queryError != nil {
		return nil, errors.Wrap(queryError, "query history")
	}
	return scanHistoryRows(rows)
}

func scanHistoryRows(rows pgx.Rows) ([]model.HistoryEntry, error) {
	defer rows.Close()

	entries := make([]model.HistoryEntry, 0)
	for rows.Next() {
		var entry model.HistoryEntry
		if scanError := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.SrcIP, &entry.DstIP, &entry.Protocol, &entry.PacketSize,
			&entry.Action, &entry.Prediction, &entry.Reason, &entry.ThreatLevel, &entry.IsSimulated,
			&entry.NetworkSlice, &entry.SlicePriority,
		); scanError != nil {
			return nil, errors.Wrap(scanError, "scan history row")
		}
		entries = append(entries, entry)
	}
	if rowsError := rows.Err(); rowsError != nil {
		return nil, errors.Wrap(rowsError, "iterate history rows")
	}
	return entries, nil
}

// Vacuum implements Store.
func (store *postgresStore) Vacuum(ctx context.Context) error {
	if store.policy.ttl > 0 {
		tag, err := store.pool.Exec(ctx, `DELETE FROM history_entries WHERE timestamp < $1`,
			store.clock.Now().Add(-store.policy.ttl))
		if err != nil {
			return errors.Wrap(err, "delete expired history")
		}
		if tag.RowsAffected() > 0 {
			logger.StorageLog.Debugf("vacuum removed %d expired history row(s)", tag.RowsAffected())
		}
	}
	if store.policy.maxItems > 0 {
		_, err := store.pool.Exec(ctx,
			`DELETE FROM history_entries WHERE id NOT IN (
				SELECT id FROM history_entries ORDER BY id DESC LIMIT $1)`,
			store.policy.maxItems,
		)
		if err != nil {
			return errors.Wrap(err, "trim history")
		}
	}
	return nil
}

// Close implements Store.
func (store *postgresStore) Close() error {
	store.pool.Close()
	return nil
}
