// Package auth resolves presented bearer tokens into gateway key records and
// mints short-lived admin session tokens.
package auth

import (
	"context"
	"errors"
	"time"

	"hermes/internal/models"
	"hermes/internal/storage"
	"hermes/internal/utils"
)

// ErrKeyNotFound is returned when no stored key matches the presented token.
var ErrKeyNotFound = errors.New("gateway key not found")

// KeyStore validates plaintext gateway keys against stored SHA-256 digests.
type KeyStore interface {
	Lookup(ctx context.Context, plaintextKey string) (*models.GatewayKey, error)
}

// DatabaseKeyStore resolves keys through the key repository.
type DatabaseKeyStore struct {
	repo *storage.KeyRepository
}

// NewDatabaseKeyStore creates the store.
func NewDatabaseKeyStore(repo *storage.KeyRepository) *DatabaseKeyStore {
	return &DatabaseKeyStore{repo: repo}
}

// Lookup hashes the presented token and fetches the matching record. The
// last-used stamp is updated best-effort.
func (s *DatabaseKeyStore) Lookup(ctx context.Context, plaintextKey string) (*models.GatewayKey, error) {
	hash := utils.HashKey(plaintextKey)
	key, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	_ = s.repo.TouchLastUsed(ctx, key.ID, time.Now().UnixMilli())
	return key, nil
}
