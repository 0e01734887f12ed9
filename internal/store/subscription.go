// internal/store/subscription.go
package store

import (
	"reflect"
	"sync"
)

// subscription queues snapshots and delivers them in order on a dedicated goroutine.
// The queue is unbounded so a listener that writes back into the store never blocks the writer.
type subscription struct {
	path string
	segs []string
	fn   func(Snapshot)

	mu      sync.Mutex
	queue   []Snapshot
	last    any
	primed  bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newSubscription(path string, segs []string, fn func(Snapshot), onClose func()) *subscription {
	s := &subscription{
		path:    cleanPath(path),
		segs:    segs,
		fn:      fn,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.loop()
	return s
}

// offer enqueues v unless it equals the last value offered.
func (s *subscription) offer(v any) {
	s.mu.Lock()
	if s.primed && reflect.DeepEqual(s.last, v) {
		s.mu.Unlock()
		return
	}
	s.primed = true
	s.last = v
	s.queue = append(s.queue, Snapshot{path: s.path, value: v})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(snap)
		}
	}
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *subscription) Done() <-chan struct{} { return s.done }
