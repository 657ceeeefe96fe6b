package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"hermes/internal/models"
)

// LogRepository handles request and sync log persistence. Inserts are batch
// oriented; the log sink is the only writer on the hot path.
type LogRepository struct {
	db *DB
}

// NewLogRepository creates a new log repository.
func NewLogRepository(db *DB) *LogRepository {
	return &LogRepository{db: db}
}

// InsertBatch writes request logs, sync logs and counter deltas in a single
// transaction. Durability is relaxed relative to provider mutations: a torn
// batch is acceptable, a torn row is not.
func (r *LogRepository) InsertBatch(ctx context.Context, requests []*models.RequestLog, syncs []*models.SyncLog, counters []models.CounterDelta, modelCounts map[string]int64, providerCounts map[string]*models.ProviderCount) error {
	if len(requests) == 0 && len(syncs) == 0 && len(counters) == 0 && len(modelCounts) == 0 && len(providerCounts) == 0 {
		return nil
	}

	return r.db.WriteTx(ctx, func(tx *sqlx.Tx) error {
		for _, rec := range requests {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO request_logs (id, method, path, model, status, duration, ip, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.ID, rec.Method, rec.Path, rec.Model, rec.Status, rec.Duration, rec.IP, rec.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert request log: %w", err)
			}
		}
		for _, rec := range syncs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sync_logs (id, provider_id, provider_name, model, result, message, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				rec.ID, rec.ProviderID, rec.ProviderName, rec.Model, rec.Result, rec.Message, rec.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert sync log: %w", err)
			}
		}
		for _, delta := range counters {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO metrics_counters (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = value + excluded.value`,
				delta.Key, delta.Delta,
			); err != nil {
				return fmt.Errorf("failed to upsert counter: %w", err)
			}
		}
		for model, count := range modelCounts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO metrics_models (model, count) VALUES (?, ?)
				ON CONFLICT(model) DO UPDATE SET count = count + excluded.count`,
				model, count,
			); err != nil {
				return fmt.Errorf("failed to upsert model count: %w", err)
			}
		}
		for id, pc := range providerCounts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO metrics_providers (id, name, count, errors) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					count = count + excluded.count,
					errors = errors + excluded.errors`,
				id, pc.Name, pc.Count, pc.Errors,
			); err != nil {
				return fmt.Errorf("failed to upsert provider count: %w", err)
			}
		}
		return nil
	})
}

// RequestLogFilters narrows request log queries.
type RequestLogFilters struct {
	Model  string
	Status int
	Since  int64 // ms epoch, 0 = no bound
	Limit  int
	Offset int
}

// ListRequestLogs returns request logs newest first.
func (r *LogRepository) ListRequestLogs(ctx context.Context, filters RequestLogFilters) ([]*models.RequestLog, error) {
	query := `SELECT id, method, path, model, status, duration, ip, created_at FROM request_logs WHERE 1=1`
	var args []interface{}

	if filters.Model != "" {
		query += " AND model = ?"
		args = append(args, filters.Model)
	}
	if filters.Status != 0 {
		query += " AND status = ?"
		args = append(args, filters.Status)
	}
	if filters.Since != 0 {
		query += " AND created_at >= ?"
		args = append(args, filters.Since)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	args = append(args, filters.Limit, filters.Offset)

	var logs []*models.RequestLog
	if err := r.db.conn.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	return logs, nil
}

// CountRequestLogs returns the total number of persisted request logs.
func (r *LogRepository) CountRequestLogs(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.conn.GetContext(ctx, &total, `SELECT COUNT(*) FROM request_logs`); err != nil {
		return 0, fmt.Errorf("failed to count request logs: %w", err)
	}
	return total, nil
}

// SyncLogFilters narrows sync log queries.
type SyncLogFilters struct {
	ProviderID string
	Result     string
	Limit      int
	Offset     int
}

// ListSyncLogs returns sync logs newest first.
func (r *LogRepository) ListSyncLogs(ctx context.Context, filters SyncLogFilters) ([]*models.SyncLog, error) {
	query := `SELECT id, provider_id, provider_name, model, result, message, created_at FROM sync_logs WHERE 1=1`
	var args []interface{}

	if filters.ProviderID != "" {
		query += " AND provider_id = ?"
		args = append(args, filters.ProviderID)
	}
	if filters.Result != "" {
		query += " AND result = ?"
		args = append(args, filters.Result)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	args = append(args, filters.Limit, filters.Offset)

	var logs []*models.SyncLog
	if err := r.db.conn.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	return logs, nil
}
