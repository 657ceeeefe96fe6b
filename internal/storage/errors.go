package storage

import "errors"

var (
	// ErrProviderNotFound is returned when a provider lookup misses.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrKeyNotFound is returned when a gateway key lookup misses.
	ErrKeyNotFound = errors.New("gateway key not found")

	// ErrSettingNotFound is returned when a setting lookup misses.
	ErrSettingNotFound = errors.New("setting not found")
)
