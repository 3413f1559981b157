// Package store provides the key-value persistence used for medication and
// history blobs. Several backends implement the same KV contract.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gmsas95/dosewatch/internal/config"
)

// KV is a blob store keyed by string.
type KV interface {
	// Get returns the stored blob and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// MedicationsKey is the key under which a user's medication set is stored.
func MedicationsKey(userID string) string { return "medications_" + userID }

// HistoryKey is the key under which a user's dose history is stored.
func HistoryKey(userID string) string { return "history_" + userID }

// Open creates the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (KV, error) {
	switch cfg.Driver {
	case "", "badger":
		return OpenBadger(cfg.BadgerPath, cfg.InMemory)
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return OpenPostgres(ctx, cfg.PostgresDSN)
	case "redis":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
