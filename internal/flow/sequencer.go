// internal/flow/sequencer.go
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
)

// Navigator is the client surface the sequencer drives.
type Navigator interface {
	Navigate(ctx context.Context, step Step)
	Completed(ctx context.Context, pin string)
	// Fatal reports a configuration or setup error. The sequencer stops after calling it.
	Fatal(ctx context.Context, err error)
}

// Sequencer follows one room on behalf of one player.
type Sequencer struct {
	store    store.Store
	registry *Registry
	pin      string
	player   string
	nav      Navigator
	log      *logrus.Entry

	mu        sync.Mutex
	entered   int
	advanced  int
	completed bool
	stopped   bool
	sub       store.Subscription
}

func NewSequencer(st store.Store, reg *Registry, pin, player string, nav Navigator, logger *logrus.Logger) *Sequencer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sequencer{
		store:    st,
		registry: reg,
		pin:      pin,
		player:   player,
		nav:      nav,
		log:      logger.WithFields(logrus.Fields{"pin": pin, "player": player}),
		entered:  -1,
		advanced: -1,
	}
}

// Run subscribes to the room and reacts to every change. It returns once subscribed.
func (s *Sequencer) Run(ctx context.Context) error {
	sub, err := s.store.Subscribe(ctx, models.RoomPath(s.pin), func(snap store.Snapshot) {
		s.observe(ctx, snap)
	})
	if err != nil {
		return fmt.Errorf("subscribe room %s: %w", s.pin, err)
	}
	s.mu.Lock()
	s.sub = sub
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		sub.Close()
	}
	return nil
}

func (s *Sequencer) Subscription() store.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// Stop detaches the room listener.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	s.stopped = true
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (s *Sequencer) observe(ctx context.Context, snap store.Snapshot) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || !snap.Exists() {
		return
	}

	var room models.Room
	if err := snap.Decode(&room); err != nil {
		s.log.Warnf("flow: undecodable room: %v", err)
		return
	}

	d := Evaluate(&room, s.registry.order)
	switch d.Kind {
	case Waiting:
	case Initialize:
		if err := InitializeIndex(ctx, s.store, s.pin); err != nil {
			s.log.Warnf("flow: %v", err)
		}
	case Play:
		s.play(ctx, &room, d)
	case Completed:
		s.mu.Lock()
		first := !s.completed
		s.completed = true
		s.mu.Unlock()
		if first {
			s.log.Info("game flow completed")
			s.nav.Completed(ctx, s.pin)
		}
	}
}

func (s *Sequencer) play(ctx context.Context, room *models.Room, d Decision) {
	game, err := s.registry.Lookup(d.Game)
	if err != nil {
		s.fail(ctx, err)
		return
	}

	s.mu.Lock()
	enter := d.Index > s.entered
	if enter {
		s.entered = d.Index
	}
	s.mu.Unlock()

	if enter {
		step := Step{
			Pin:    s.pin,
			Player: s.player,
			Selfie: room.Selfies[s.player],
			Index:  d.Index,
			Game:   d.Game,
		}
		s.log.WithField("game", d.Game).Info("entering mini-game")
		s.nav.Navigate(ctx, step)
		if err := game.Setup(ctx, step); err != nil {
			s.fail(ctx, fmt.Errorf("setup %s: %w", d.Game, err))
			return
		}
		return
	}

	if !game.IsComplete(room) {
		return
	}
	s.mu.Lock()
	already := s.advanced >= d.Index
	s.advanced = d.Index
	s.mu.Unlock()
	if already {
		return
	}
	if _, err := Advance(ctx, s.store, s.pin, d.Index); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warnf("flow: %v", err)
	}
}

func (s *Sequencer) fail(ctx context.Context, err error) {
	s.log.Errorf("flow: %v", err)
	s.Stop()
	s.nav.Fatal(ctx, err)
}
