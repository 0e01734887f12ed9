// internal/blob/blob.go

// Package blob stores the images a room produces: selfies, scavenger photos and face swap outputs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound    = errors.New("blob: not found")
	ErrInvalidPath = errors.New("blob: invalid path")
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// Store keeps blobs addressed by slash paths and hands out public URLs for them.
type Store interface {
	Put(ctx context.Context, path string, obj Object) (string, error)
	Get(ctx context.Context, path string) (Object, error)
	URL(path string) string
}

// FaceSwapPath is faceswaps/{ts}_swap{i}_{side}.jpg, side being 1 or 2.
func FaceSwapPath(ts time.Time, i, side int) string {
	return fmt.Sprintf("faceswaps/%d_swap%d_%d.jpg", ts.UnixMilli(), i, side)
}

// PhotoPath is photos/{ts}.png.
func PhotoPath(ts time.Time) string {
	return fmt.Sprintf("photos/%d.png", ts.UnixMilli())
}

// SelfiePath is selfies/{name}_{ts}.jpg.
func SelfiePath(name string, ts time.Time) string {
	return fmt.Sprintf("selfies/%s_%d.jpg", name, ts.UnixMilli())
}

func validPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

func publicURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/blobs/" + path
}

// RedisStore keeps each blob in a hash with data and type fields.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	baseURL string
	ttl     time.Duration
}

// NewRedisStore builds a store. A zero ttl keeps blobs until deleted with the keyspace.
func NewRedisStore(client *redis.Client, baseURL string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "pairplay:blob:", baseURL: baseURL, ttl: ttl}
}

func (s *RedisStore) URL(path string) string { return publicURL(s.baseURL, path) }

func (s *RedisStore) Put(ctx context.Context, path string, obj Object) (string, error) {
	if err := validPath(path); err != nil {
		return "", err
	}
	key := s.prefix + path
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", obj.Data, "type", obj.ContentType)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("blob: put %s: %w", path, err)
	}
	return s.URL(path), nil
}

func (s *RedisStore) Get(ctx context.Context, path string) (Object, error) {
	if err := validPath(path); err != nil {
		return Object{}, err
	}
	vals, err := s.client.HGetAll(ctx, s.prefix+path).Result()
	if err != nil {
		return Object{}, fmt.Errorf("blob: get %s: %w", path, err)
	}
	data, ok := vals["data"]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{Data: []byte(data), ContentType: vals["type"]}, nil
}

// MemoryStore is an in-process blob store for tests and the simulator.
type MemoryStore struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{baseURL: baseURL, objects: make(map[string]Object)}
}

func (s *MemoryStore) URL(path string) string { return publicURL(s.baseURL, path) }

func (s *MemoryStore) Put(_ context.Context, path string, obj Object) (string, error) {
	if err := validPath(path); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}
	return s.URL(path), nil
}

func (s *MemoryStore) Get(_ context.Context, path string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}
