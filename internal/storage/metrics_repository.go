package storage

import (
	"context"
	"fmt"

	"hermes/internal/models"
)

// MetricsRepository reads the persisted counter tables. Writes happen in
// LogRepository.InsertBatch so a flush is one transaction.
type MetricsRepository struct {
	db *DB
}

// NewMetricsRepository creates a new metrics repository.
func NewMetricsRepository(db *DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// Counters returns the global counter KV table.
func (r *MetricsRepository) Counters(ctx context.Context) (map[string]int64, error) {
	rows := []struct {
		Key   string `db:"key"`
		Value int64  `db:"value"`
	}{}
	if err := r.db.conn.SelectContext(ctx, &rows, `SELECT key, value FROM metrics_counters`); err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// ModelCounts returns per-model request counts.
func (r *MetricsRepository) ModelCounts(ctx context.Context) ([]*models.ModelCount, error) {
	var counts []*models.ModelCount
	if err := r.db.conn.SelectContext(ctx, &counts, `SELECT model, count FROM metrics_models ORDER BY count DESC`); err != nil {
		return nil, fmt.Errorf("failed to read model counts: %w", err)
	}
	return counts, nil
}

// ProviderCounts returns per-provider request/error counts.
func (r *MetricsRepository) ProviderCounts(ctx context.Context) ([]*models.ProviderCount, error) {
	var counts []*models.ProviderCount
	if err := r.db.conn.SelectContext(ctx, &counts, `SELECT id, name, count, errors FROM metrics_providers ORDER BY count DESC`); err != nil {
		return nil, fmt.Errorf("failed to read provider counts: %w", err)
	}
	return counts, nil
}
