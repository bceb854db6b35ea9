// Package storage provides the key-value capability the stream registry
// persists into, plus a change feed so other contexts sharing the same
// backend notice writes they did not make.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Op is the kind of mutation carried by a Change.
type Op string

const (
	OpSet    Op = "set"
	OpRemove Op = "remove"
)

// Change describes a single key mutation.
type Change struct {
	Key string `json:"key"`
	Op  Op     `json:"op"`
}

// Store is the key-value capability used by the registry.
// Values are opaque bytes; callers own the encoding.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

// Watcher is implemented by stores that can report mutations, including
// those made by other processes sharing the same backend.
// The returned channel is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

func encodeChange(c Change) string {
	data, _ := json.Marshal(c)
	return string(data)
}

func decodeChange(payload string) (Change, bool) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil || c.Key == "" {
		return Change{}, false
	}
	return c, true
}
