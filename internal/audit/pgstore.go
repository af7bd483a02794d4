package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/relay/internal/config"
)

// Schema creates the table PgStore writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS action_completions (
	id              BIGSERIAL PRIMARY KEY,
	connection_id   TEXT NOT NULL,
	connection_type TEXT NOT NULL,
	remote_ip       TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	api_version     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	message_id      TEXT NOT NULL DEFAULT '',
	params          JSONB,
	started_at      TIMESTAMPTZ NOT NULL,
	duration_ms     BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS action_completions_action_idx
	ON action_completions (action, started_at DESC);`

// PgStore is a PostgreSQL-backed Store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore over an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// OpenPgStore connects to cfg.DSN, verifies connectivity and applies Schema.
func OpenPgStore(ctx context.Context, cfg config.AuditConfig) (*PgStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("audit: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	s := NewPgStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies Schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

// Append implements Store.
func (s *PgStore) Append(ctx context.Context, r Record) (Record, error) {
	var paramsJSON []byte
	if r.Params != nil {
		var err error
		paramsJSON, err = json.Marshal(r.Params)
		if err != nil {
			return r, fmt.Errorf("marshal completion params: %w", err)
		}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO action_completions (
			connection_id, connection_type, remote_ip, action, api_version,
			status, error, message_id, params, started_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		r.ConnectionID, r.ConnectionType, r.RemoteIP, r.Action, r.APIVersion,
		r.Status, r.Error, r.MessageID, paramsJSON, r.StartedAt, r.Duration.Milliseconds(),
	).Scan(&r.ID)
	if err != nil {
		return r, fmt.Errorf("insert completion: %w", err)
	}
	return r, nil
}

// Recent implements Store.
func (s *PgStore) Recent(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT id, connection_id, connection_type, remote_ip, action, api_version,
	                 status, error, message_id, params, started_at, duration_ms
	          FROM action_completions
	          WHERE TRUE`
	var args []any
	argIdx := 1

	if f.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, f.Action)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}
	if f.ConnectionID != "" {
		query += fmt.Sprintf(" AND connection_id = $%d", argIdx)
		args = append(args, f.ConnectionID)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", argIdx)
	args = append(args, f.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var paramsJSON []byte
		var durationMs int64
		if err := rows.Scan(
			&r.ID, &r.ConnectionID, &r.ConnectionType, &r.RemoteIP, &r.Action, &r.APIVersion,
			&r.Status, &r.Error, &r.MessageID, &paramsJSON, &r.StartedAt, &durationMs,
		); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		if paramsJSON != nil {
			_ = json.Unmarshal(paramsJSON, &r.Params)
		}
		r.Duration = msToDuration(durationMs)
		records = append(records, r)
	}
	return records, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
