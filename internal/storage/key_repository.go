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

// KeyRepository handles gateway key database operations.
type KeyRepository struct {
	db *DB
}

// NewKeyRepository creates a new key repository.
func NewKeyRepository(db *DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// GetByHash retrieves a key by its SHA-256 digest.
func (r *KeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.GatewayKey, error) {
	var key models.GatewayKey
	query := `SELECT id, key_hash, description, admin_scope, created_at, last_used_at
	          FROM hermes_keys WHERE key_hash = ?`

	err := r.db.conn.GetContext(ctx, &key, query, keyHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get gateway key: %w", err)
	}
	return &key, nil
}

// List returns all keys, newest first.
func (r *KeyRepository) List(ctx context.Context) ([]*models.GatewayKey, error) {
	query := `SELECT id, key_hash, description, admin_scope, created_at, last_used_at
	          FROM hermes_keys ORDER BY created_at DESC`

	var keys []*models.GatewayKey
	if err := r.db.conn.SelectContext(ctx, &keys, query); err != nil {
		return nil, fmt.Errorf("failed to list gateway keys: %w", err)
	}
	return keys, nil
}

// Create inserts a new key record.
func (r *KeyRepository) Create(ctx context.Context, key *models.GatewayKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt == 0 {
		key.CreatedAt = time.Now().UnixMilli()
	}

	return r.db.Write(func(conn *sqlx.DB) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO hermes_keys (id, key_hash, description, admin_scope, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			key.ID, key.KeyHash, key.Description, key.AdminScope, key.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create gateway key: %w", err)
		}
		return nil
	})
}

// TouchLastUsed stamps the key's last_used_at.
func (r *KeyRepository) TouchLastUsed(ctx context.Context, id string, at int64) error {
	return r.db.Write(func(conn *sqlx.DB) error {
		_, err := conn.ExecContext(ctx, `UPDATE hermes_keys SET last_used_at = ? WHERE id = ?`, at, id)
		return err
	})
}

// Delete removes a key.
func (r *KeyRepository) Delete(ctx context.Context, id string) error {
	return r.db.Write(func(conn *sqlx.DB) error {
		result, err := conn.ExecContext(ctx, `DELETE FROM hermes_keys WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete gateway key: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrKeyNotFound
		}
		return nil
	})
}
