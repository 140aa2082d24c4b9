package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LanternOps/breeze-sub017/internal/models"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() { r.pool.Close() }

// Ping backs the readiness probe.
func (r *PostgresRepository) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *PostgresRepository) GetDeviceByAgentID(ctx context.Context, agentID string) (*models.Device, error) {
	q := `SELECT id, org_id, hostname, agent_token, enrolled_at
          FROM devices
          WHERE id = $1`
	var d models.Device
	err := r.pool.QueryRow(ctx, q, agentID).Scan(
		&d.ID, &d.OrgID, &d.Hostname, &d.AgentToken, &d.EnrolledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// InsertEvents batches one INSERT per row with ON CONFLICT DO NOTHING on
// the natural key. Each row is independent, so a replayed batch simply
// inserts zero new rows.
func (r *PostgresRepository) InsertEvents(ctx context.Context, rows []models.EventRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	q := `INSERT INTO event_logs (
            device_id, org_id, timestamp, level, category, source,
            event_id, message, details, raw_data
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (device_id, event_id, timestamp) DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		var details []byte
		if row.Details != nil {
			var err error
			details, err = json.Marshal(row.Details)
			if err != nil {
				return 0, fmt.Errorf("marshal details: %w", err)
			}
		}
		batch.Queue(q,
			row.DeviceID, row.OrgID, row.Timestamp, string(row.Level),
			row.Category, row.Source, row.EventID, row.Message,
			details, nullIfEmpty(row.RawData),
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert events: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *PostgresRepository) GetOrgEventLogSettings(ctx context.Context, orgID string) (*models.EventLogSettings, error) {
	q := `SELECT minimum_level, rate_limit_per_hour
          FROM org_eventlog_settings
          WHERE org_id = $1`
	return r.scanSettings(r.pool.QueryRow(ctx, q, orgID))
}

func (r *PostgresRepository) GetDeviceEventLogSettings(ctx context.Context, deviceID string) (*models.EventLogSettings, error) {
	q := `SELECT minimum_level, rate_limit_per_hour
          FROM device_eventlog_settings
          WHERE device_id = $1`
	return r.scanSettings(r.pool.QueryRow(ctx, q, deviceID))
}

func (r *PostgresRepository) scanSettings(row pgx.Row) (*models.EventLogSettings, error) {
	var level *string
	var limit *int64
	if err := row.Scan(&level, &limit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}
	s := &models.EventLogSettings{RateLimitPerHour: limit}
	if level != nil {
		l := models.Level(*level)
		s.MinimumLevel = &l
	}
	return s, nil
}

func (r *PostgresRepository) GetOrgForwardingConfig(ctx context.Context, orgID string) (*models.OrgForwardingConfig, error) {
	q := `SELECT org_id, enabled, endpoint, username, password, api_key,
                 index_prefix, tls_skip_verify
          FROM org_forwarding_configs
          WHERE org_id = $1`
	var c models.OrgForwardingConfig
	var username, password, apiKey *string
	err := r.pool.QueryRow(ctx, q, orgID).Scan(
		&c.OrgID, &c.Enabled, &c.Endpoint, &username, &password, &apiKey,
		&c.IndexPrefix, &c.TLSSkipVerify,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForwardingNotSet
		}
		return nil, fmt.Errorf("get forwarding config: %w", err)
	}
	if username != nil {
		c.Username = *username
	}
	if password != nil {
		c.Password = *password
	}
	if apiKey != nil {
		c.APIKey = *apiKey
	}
	return &c, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
