// internal/barrier/barrier.go

// Package barrier implements the two-party "both ready" handshake on a shared ledger.
package barrier

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
)

// State is the barrier lifecycle.
type State int

const (
	Idle State = iota
	Waiting
	Fired
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Fired:
		return "fired"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

var ErrAlreadyRunning = errors.New("barrier: already running")

// Action runs once when every expected participant is ready.
type Action func(ctx context.Context) error

// Barrier watches a ledger of name -> bool and fires its action the first time
// the count of true entries reaches Expected. It never fires twice.
type Barrier struct {
	store    store.Store
	ledger   string
	expected int
	action   Action
	log      *logrus.Entry

	mu    sync.Mutex
	state State
	err   error
	sub   store.Subscription
	fired chan struct{}
}

// New builds a barrier over the ledger path.
func New(st store.Store, ledger string, expected int, action Action, logger *logrus.Logger) *Barrier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Barrier{
		store:    st,
		ledger:   ledger,
		expected: expected,
		action:   action,
		log:      logger.WithField("ledger", ledger),
		fired:    make(chan struct{}),
	}
}

// CountReady counts true entries in a ledger.
func CountReady(ledger map[string]bool) int {
	n := 0
	for _, ready := range ledger {
		if ready {
			n++
		}
	}
	return n
}

// MarkReady records name as ready.
func (b *Barrier) MarkReady(ctx context.Context, name string) error {
	return b.store.Set(ctx, b.ledger+"/"+strings.TrimSpace(name), true)
}

// Run starts listening on the ledger. It returns immediately.
func (b *Barrier) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.state != Idle {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.state = Waiting
	b.mu.Unlock()

	sub, err := b.store.Subscribe(ctx, b.ledger, func(snap store.Snapshot) {
		b.observe(ctx, snap)
	})
	if err != nil {
		b.mu.Lock()
		b.state = Idle
		b.mu.Unlock()
		return err
	}
	b.mu.Lock()
	b.sub = sub
	done := b.state != Waiting
	b.mu.Unlock()
	if done {
		sub.Close()
	}
	return nil
}

func (b *Barrier) observe(ctx context.Context, snap store.Snapshot) {
	ledger := map[string]bool{}
	if err := snap.Decode(&ledger); err != nil {
		b.log.Warnf("barrier: undecodable ledger: %v", err)
		return
	}

	b.mu.Lock()
	if b.state != Waiting || CountReady(ledger) < b.expected {
		b.mu.Unlock()
		return
	}
	b.state = Fired
	b.mu.Unlock()

	b.log.Info("barrier released")
	var err error
	if b.action != nil {
		err = b.action(ctx)
		if err != nil {
			b.log.Warnf("barrier action failed: %v", err)
		}
	}

	b.mu.Lock()
	b.err = err
	sub := b.sub
	b.mu.Unlock()
	close(b.fired)
	if sub != nil {
		sub.Close()
	}
}

// Fired is closed after the action has run.
func (b *Barrier) Fired() <-chan struct{} { return b.fired }

// Wait blocks until the barrier fires or ctx ends, returning the action's error.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.fired:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Barrier) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stop detaches the listener without firing.
func (b *Barrier) Stop() {
	b.mu.Lock()
	sub := b.sub
	if b.state == Waiting {
		b.state = Stopped
	}
	b.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Subscription exposes the live listener so an exit can detach it first.
func (b *Barrier) Subscription() store.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub
}
