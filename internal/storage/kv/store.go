// Package kv implements the string-only key-value folio storage backend.
// Files are serialized to JSON with Base64 payloads. A running usage counter is
// maintained eagerly because enumerating the store is a linear scan.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/config"
)

// Store errors.
var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("kv: key not found")

	// ErrStoreFull is returned by Set when the store has no room for the value.
	ErrStoreFull = errors.New("kv: store is full")
)

// Store is a synchronous string-only key-value store.
type Store interface {
	// Get returns the value under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	// Returns ErrStoreFull if the store cannot hold the value.
	Set(ctx context.Context, key, value string) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Keys returns every key starting with prefix. It is a linear scan.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Opener returns the store a backend operates on.
// It is the single setup primitive of the backend, so tests can count calls.
type Opener func(ctx context.Context) (Store, error)

// StaticOpener always returns store.
func StaticOpener(store Store) Opener {
	return func(ctx context.Context) (Store, error) {
		return store, nil
	}
}

// OpenerFor returns the opener selected by cfg.Driver.
// The memory driver hands out one shared store so contents survive a backend
// being closed and initialized again within the process.
func OpenerFor(cfg config.KVConfig, logger zerolog.Logger) (Opener, error) {
	switch cfg.Driver {
	case "redis":
		logger.Info().
			Str("addr", cfg.Redis.Addr()).
			Int("db", cfg.Redis.DB).
			Msg("using Redis key-value store")
		return func(ctx context.Context) (Store, error) {
			return NewRedisStore(cfg.Redis), nil
		}, nil
	case "memory", "":
		logger.Info().
			Int64("capacity", cfg.Capacity).
			Msg("using in-memory key-value store")
		return StaticOpener(NewMemoryStore(cfg.Capacity)), nil
	default:
		return nil, fmt.Errorf("unsupported kv driver: %s", cfg.Driver)
	}
}
