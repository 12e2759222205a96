// Package store provides the scoped key-value preference store used to persist
// registry state. Values are opaque strings; callers own their encoding.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/KaramelBytes/chatstream/internal/utils"
)

// KV is a minimal string key-value store.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Backend identifiers accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open constructs a KV for the named backend. path is ignored for memory and
// may start with "~".
func Open(backend, path string) (KV, error) {
	path, err := utils.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemory(), nil
	case "", BackendFile:
		return NewFile(path)
	case BackendSQLite:
		return NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s (use memory, file or sqlite)", backend)
	}
}
