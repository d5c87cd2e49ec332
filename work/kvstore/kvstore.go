// Package kvstore provides the durable key-value contract used by the
// performance store and the switch history ledger, with memory, file and
// sqlite backends.
package kvstore

import (
	"context"
	"fmt"
)

// Well-known keys.
const (
	KeySourcePerformance = "source_performance"
	KeySwitchHistory     = "switch_history"
)

// KV is the minimal persistence contract: opaque bytes by key. Any
// JSON-capable store satisfies it.
type KV interface {
	// Get returns the stored value and whether it existed.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open builds a backend by name: "memory", "file" (path is a directory) or
// "sqlite" (path is the database file).
func Open(backend, path string) (KV, error) {
	switch backend {
	case "memory", "":
		return NewMemory(), nil
	case "file":
		return NewFile(path)
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
