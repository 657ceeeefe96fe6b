package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"hermes/internal/models"
)

// ProviderRepository handles provider database operations. Credentials are
// sealed through enc on the way in and opened on the way out.
type ProviderRepository struct {
	db  *DB
	enc *Encryption
}

// NewProviderRepository creates a new provider repository.
func NewProviderRepository(db *DB, enc *Encryption) *ProviderRepository {
	return &ProviderRepository{db: db, enc: enc}
}

const providerColumns = `id, name, base_url, api_key, models, model_blacklist, status, last_synced_at, last_used_at, created_at`

// GetByID retrieves a provider by ID.
func (r *ProviderRepository) GetByID(ctx context.Context, id string) (*models.Provider, error) {
	var provider models.Provider
	query := `SELECT ` + providerColumns + ` FROM providers WHERE id = ?`

	err := r.db.conn.GetContext(ctx, &provider, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	if err := r.openCredential(&provider); err != nil {
		return nil, err
	}
	return &provider, nil
}

// List returns all providers, newest first.
func (r *ProviderRepository) List(ctx context.Context) ([]*models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers ORDER BY created_at DESC`

	var providers []*models.Provider
	if err := r.db.conn.SelectContext(ctx, &providers, query); err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	for _, p := range providers {
		if err := r.openCredential(p); err != nil {
			return nil, err
		}
	}
	return providers, nil
}

// Create inserts a provider in pending state and appends an initial sync log
// row in the same transaction.
func (r *ProviderRepository) Create(ctx context.Context, provider *models.Provider) error {
	if provider.ID == "" {
		provider.ID = uuid.New().String()
	}
	if provider.CreatedAt == 0 {
		provider.CreatedAt = time.Now().UnixMilli()
	}
	if provider.Status == "" {
		provider.Status = models.ProviderStatusPending
	}

	sealed, err := r.enc.Encrypt(provider.APIKey)
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}

	return r.db.WriteTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO providers (id, name, base_url, api_key, models, model_blacklist, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			provider.ID, provider.Name, provider.BaseURL, sealed,
			provider.Models, provider.ModelBlacklist, provider.Status, provider.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create provider: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_logs (id, provider_id, provider_name, model, result, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), provider.ID, provider.Name, "*",
			models.SyncResultOK, "provider registered, sync pending", provider.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record initial sync log: %w", err)
		}
		return nil
	})
}

// Update replaces mutable provider fields. A changed base URL or credential
// resets the provider to pending with an empty model list.
func (r *ProviderRepository) Update(ctx context.Context, provider *models.Provider) error {
	sealed, err := r.enc.Encrypt(provider.APIKey)
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}

	return r.db.Write(func(conn *sqlx.DB) error {
		result, err := conn.ExecContext(ctx, `
			UPDATE providers
			SET name = ?, base_url = ?, api_key = ?, models = ?, model_blacklist = ?,
			    status = ?, last_synced_at = ?, last_used_at = ?
			WHERE id = ?`,
			provider.Name, provider.BaseURL, sealed, provider.Models, provider.ModelBlacklist,
			provider.Status, provider.LastSyncedAt, provider.LastUsedAt, provider.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update provider: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrProviderNotFound
		}
		return nil
	})
}

// UpdateModels persists a freshly synced model list and lifecycle status.
func (r *ProviderRepository) UpdateModels(ctx context.Context, id string, modelList []string, status models.ProviderStatus, syncedAt int64) error {
	return r.db.Write(func(conn *sqlx.DB) error {
		_, err := conn.ExecContext(ctx, `
			UPDATE providers SET models = ?, status = ?, last_synced_at = ? WHERE id = ?`,
			models.StringList(modelList), status, syncedAt, id,
		)
		if err != nil {
			return fmt.Errorf("failed to update provider models: %w", err)
		}
		return nil
	})
}

// UpdateStatus changes only the lifecycle status.
func (r *ProviderRepository) UpdateStatus(ctx context.Context, id string, status models.ProviderStatus) error {
	return r.db.Write(func(conn *sqlx.DB) error {
		_, err := conn.ExecContext(ctx, `UPDATE providers SET status = ? WHERE id = ?`, status, id)
		if err != nil {
			return fmt.Errorf("failed to update provider status: %w", err)
		}
		return nil
	})
}

// UpdateBlacklist persists a provider's model blacklist.
func (r *ProviderRepository) UpdateBlacklist(ctx context.Context, id string, blacklist []string) error {
	return r.db.Write(func(conn *sqlx.DB) error {
		_, err := conn.ExecContext(ctx, `UPDATE providers SET model_blacklist = ? WHERE id = ?`,
			models.StringList(blacklist), id)
		if err != nil {
			return fmt.Errorf("failed to update provider blacklist: %w", err)
		}
		return nil
	})
}

// TouchLastUsed stamps the provider's last_used_at.
func (r *ProviderRepository) TouchLastUsed(ctx context.Context, id string, at int64) error {
	return r.db.Write(func(conn *sqlx.DB) error {
		_, err := conn.ExecContext(ctx, `UPDATE providers SET last_used_at = ? WHERE id = ?`, at, id)
		return err
	})
}

// Delete removes a provider.
func (r *ProviderRepository) Delete(ctx context.Context, id string) error {
	return r.db.Write(func(conn *sqlx.DB) error {
		result, err := conn.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete provider: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrProviderNotFound
		}
		return nil
	})
}

func (r *ProviderRepository) openCredential(p *models.Provider) error {
	plain, err := r.enc.Decrypt(p.APIKey)
	if err != nil {
		return fmt.Errorf("failed to open credential for provider %s: %w", p.ID, err)
	}
	p.APIKey = plain
	return nil
}
