// internal/store/memory.go
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process tree. It backs tests and the headless simulator.
type MemoryStore struct {
	mu     sync.Mutex
	root   any
	subs   map[*subscription]struct{}
	now    func() time.Time
	closed bool
}

// NewMemoryStore returns an empty tree.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[*subscription]struct{}),
		now:  time.Now,
	}
}

// WithClock swaps the clock used for ServerTimestamp.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryStore) Get(ctx context.Context, path string) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{path: cleanPath(path), value: getAt(m.root, segs)}, nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, value any) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	v, err := normalize(value, m.now().UnixMilli())
	if err != nil {
		return err
	}
	m.commit(setAt(m.root, segs, v), [][]string{segs})
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, path string, values map[string]any) error {
	base, err := splitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	root, touched, err := applyUpdate(m.root, base, values, m.now().UnixMilli())
	if err != nil {
		return err
	}
	m.commit(root, touched)
	return nil
}

func (m *MemoryStore) Push(ctx context.Context, path string, value any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	key := id.String()
	return key, m.Set(ctx, joinPath(path, key), value)
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	return m.Set(ctx, path, nil)
}

func (m *MemoryStore) Transact(ctx context.Context, path string, fn TransactFunc) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	cur := Snapshot{path: cleanPath(path), value: getAt(m.root, segs)}
	next, err := fn(cur)
	if err != nil {
		return cur, err
	}
	v, err := normalize(next, m.now().UnixMilli())
	if err != nil {
		return cur, err
	}
	m.commit(setAt(m.root, segs, v), [][]string{segs})
	return Snapshot{path: cur.path, value: v}, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var sub *subscription
	sub = newSubscription(path, segs, fn, func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	})
	m.subs[sub] = struct{}{}
	sub.offer(getAt(m.root, segs))

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

// Close stops every subscription and rejects further writes.
func (m *MemoryStore) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// commit swaps the root and notifies affected listeners. Caller holds m.mu.
func (m *MemoryStore) commit(root any, touched [][]string) {
	m.root = root
	for sub := range m.subs {
		for _, w := range touched {
			if related(w, sub.segs) {
				sub.offer(getAt(m.root, sub.segs))
				break
			}
		}
	}
}
