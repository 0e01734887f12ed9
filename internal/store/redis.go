// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DocumentDepth is how many leading segments name one Redis document ("room/4821").
const DocumentDepth = 2

// RedisOptions tunes a RedisStore.
type RedisOptions struct {
	Prefix     string        // key prefix, default "pairplay:"
	TTL        time.Duration // expiry applied on every write (0 => none)
	MaxRetries int           // optimistic transaction attempts, default 16
}

// RedisStore keeps each document (a room) as one JSON value and announces changes over pub/sub.
// Writes inside a document are optimistic WATCH/MULTI transactions; there are no cross-document writes.
type RedisStore struct {
	client *redis.Client
	opts   RedisOptions
	log    *logrus.Logger
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(client *redis.Client, logger *logrus.Logger, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "pairplay:"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 16
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisStore{client: client, opts: opts, log: logger}
}

func (r *RedisStore) docKey(doc string) string  { return r.opts.Prefix + "doc:" + doc }
func (r *RedisStore) channel(doc string) string { return r.opts.Prefix + "changes:" + doc }

// locate splits a path into its document name and the segments inside that document.
func locate(path string) (doc string, inner []string, segs []string, err error) {
	segs, err = splitPath(path)
	if err != nil {
		return "", nil, nil, err
	}
	if len(segs) < DocumentDepth {
		return "", nil, nil, fmt.Errorf("%w: %q is above document level", ErrInvalidPath, path)
	}
	return strings.Join(segs[:DocumentDepth], "/"), segs[DocumentDepth:], segs, nil
}

func readDoc(ctx context.Context, cmd redis.Cmdable, key string) (any, error) {
	data, err := cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: corrupt document %s: %w", key, err)
	}
	return doc, nil
}

func (r *RedisStore) nowMillis(ctx context.Context) int64 {
	t, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

// mutate runs fn against the current document inside WATCH/MULTI and retries on conflict.
func (r *RedisStore) mutate(ctx context.Context, doc string, fn func(cur any) (any, error)) error {
	key := r.docKey(doc)
	for attempt := 0; attempt < r.opts.MaxRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := readDoc(ctx, tx, key)
			if err != nil {
				return err
			}
			next, err := fn(cur)
			if err != nil {
				return err
			}
			var data []byte
			if next != nil {
				if data, err = json.Marshal(next); err != nil {
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
				} else {
					pipe.Set(ctx, key, data, r.opts.TTL)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		if err := r.client.Publish(ctx, r.channel(doc), "changed").Err(); err != nil {
			r.log.Warnf("store: publish change for %s: %v", doc, err)
		}
		return nil
	}
	return ErrConflict
}

func (r *RedisStore) Get(ctx context.Context, path string) (Snapshot, error) {
	doc, inner, _, err := locate(path)
	if err != nil {
		return Snapshot{}, err
	}
	root, err := readDoc(ctx, r.client, r.docKey(doc))
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{path: cleanPath(path), value: getAt(root, inner)}, nil
}

func (r *RedisStore) Set(ctx context.Context, path string, value any) error {
	doc, inner, _, err := locate(path)
	if err != nil {
		return err
	}
	v, err := normalize(value, r.nowMillis(ctx))
	if err != nil {
		return err
	}
	return r.mutate(ctx, doc, func(cur any) (any, error) {
		return setAt(cur, inner, v), nil
	})
}

func (r *RedisStore) Update(ctx context.Context, path string, values map[string]any) error {
	base, err := splitPath(path)
	if err != nil {
		return err
	}
	var doc string
	for rel := range values {
		d, _, _, err := locate(joinPath(path, rel))
		if err != nil {
			return err
		}
		if doc != "" && d != doc {
			return fmt.Errorf("%w: update spans documents %s and %s", ErrInvalidPath, doc, d)
		}
		doc = d
	}
	if doc == "" {
		return nil
	}
	now := r.nowMillis(ctx)
	return r.mutate(ctx, doc, func(cur any) (any, error) {
		// Re-root the document so applyUpdate can address absolute segments.
		docSegs := strings.Split(doc, "/")
		wrapped := setAt(nil, docSegs, cur)
		next, _, err := applyUpdate(wrapped, base, values, now)
		if err != nil {
			return nil, err
		}
		return getAt(next, docSegs), nil
	})
}

func (r *RedisStore) Push(ctx context.Context, path string, value any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	key := id.String()
	return key, r.Set(ctx, joinPath(path, key), value)
}

func (r *RedisStore) Remove(ctx context.Context, path string) error {
	return r.Set(ctx, path, nil)
}

func (r *RedisStore) Transact(ctx context.Context, path string, fn TransactFunc) (Snapshot, error) {
	doc, inner, _, err := locate(path)
	if err != nil {
		return Snapshot{}, err
	}
	now := r.nowMillis(ctx)
	var result Snapshot
	err = r.mutate(ctx, doc, func(cur any) (any, error) {
		snap := Snapshot{path: cleanPath(path), value: getAt(cur, inner)}
		result = snap
		next, err := fn(snap)
		if err != nil {
			return nil, err
		}
		v, err := normalize(next, now)
		if err != nil {
			return nil, err
		}
		result = Snapshot{path: snap.path, value: v}
		return setAt(cur, inner, v), nil
	})
	return result, err
}

func (r *RedisStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error) {
	doc, _, segs, err := locate(path)
	if err != nil {
		return nil, err
	}
	ps := r.client.Subscribe(ctx, r.channel(doc))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("store: subscribe %s: %w", doc, err)
	}
	sub := newSubscription(path, segs, fn, func() { _ = ps.Close() })

	snap, err := r.Get(ctx, path)
	if err != nil {
		sub.Close()
		return nil, err
	}
	sub.offer(snap.value)

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-sub.Done():
				return
			case <-ctx.Done():
				sub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					sub.Close()
					return
				}
				snap, err := r.Get(ctx, path)
				if err != nil {
					r.log.Warnf("store: refresh %s after change: %v", path, err)
					continue
				}
				sub.offer(snap.value)
			}
		}
	}()
	return sub, nil
}
