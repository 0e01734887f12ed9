// internal/store/store.go

// Package store is the shared document tree both clients of a room read and write.
// Values are JSON-shaped and addressed by slash-separated paths such as "room/4821/memoryGame".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrInvalidPath is returned for empty segments or paths a backend cannot address.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrAbort is returned by a transaction function to cancel the write.
	ErrAbort = errors.New("store: transaction aborted")
	// ErrConflict is returned when a transaction kept losing races and gave up.
	ErrConflict = errors.New("store: transaction conflict")
	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// ServerTimestamp is replaced with the store's clock (unix millis) wherever it appears in a written value.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// TransactFunc receives the current value at a path and returns its replacement.
// Returning nil deletes the node. Returning ErrAbort leaves the node untouched.
// It may be invoked more than once and must not call back into the store.
type TransactFunc func(current Snapshot) (any, error)

// Store is the contract every component of a room depends on.
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	// Update applies every child write atomically. Keys may be nested paths; nil values delete.
	Update(ctx context.Context, path string, values map[string]any) error
	// Push stores value under a fresh, time-ordered child key and returns that key.
	Push(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
	Transact(ctx context.Context, path string, fn TransactFunc) (Snapshot, error)
	// Subscribe calls fn with the current value, then again every time the value at path changes.
	// Calls for one subscription are serialized on their own goroutine.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)
}

// Subscription is a live listener on a path.
type Subscription interface {
	Close()
	// Done is closed once the subscription stops delivering.
	Done() <-chan struct{}
}

// Snapshot is an immutable view of the tree at a path.
type Snapshot struct {
	path  string
	value any
}

// NewSnapshot builds a snapshot from an already normalized value.
func NewSnapshot(path string, value any) Snapshot {
	return Snapshot{path: cleanPath(path), value: value}
}

func (s Snapshot) Path() string { return s.path }

// Key is the last path segment.
func (s Snapshot) Key() string {
	if i := strings.LastIndex(s.path, "/"); i >= 0 {
		return s.path[i+1:]
	}
	return s.path
}

func (s Snapshot) Exists() bool { return s.value != nil }

// Value returns the raw normalized value. Callers must not mutate it; use Map or Decode instead.
func (s Snapshot) Value() any { return s.value }

// Child returns the snapshot of a descendant.
func (s Snapshot) Child(rel string) Snapshot {
	segs, err := splitPath(rel)
	if err != nil {
		return Snapshot{path: joinPath(s.path, rel)}
	}
	return Snapshot{path: joinPath(s.path, rel), value: getAt(s.value, segs)}
}

// Map returns a deep copy of an object value, or an empty map.
func (s Snapshot) Map() map[string]any {
	if m, ok := clone(s.value).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Decode unmarshals the value into out. Decoding a missing node leaves out untouched.
func (s Snapshot) Decode(out any) error {
	if s.value == nil {
		return nil
	}
	data, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Int returns a numeric value, or def when the node is missing or not a number.
func (s Snapshot) Int(def int) int {
	if f, ok := s.value.(float64); ok {
		return int(f)
	}
	return def
}

// Bool returns a boolean value or false.
func (s Snapshot) Bool() bool {
	b, _ := s.value.(bool)
	return b
}

// String returns a string value or "".
func (s Snapshot) String() string {
	str, _ := s.value.(string)
	return str
}
