package repository

import "context"

// SettingsRepository is a key/value store for user-level configuration.
type SettingsRepository interface {
	// Get returns the value for key, or errs.ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// GetAll returns the present subset of the requested keys.
	GetAll(ctx context.Context, keys []string) (map[string]string, error)

	// Set inserts or overwrites a key.
	Set(ctx context.Context, key, value string) error
}
