// internal/teardown/teardown.go

// Package teardown reclaims a room once both players have left it.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
)

// Quorum is how many exits delete a room.
const Quorum = 2

var (
	ErrNotHost       = errors.New("teardown: only the host can end the game early")
	ErrRoomGone      = errors.New("teardown: room no longer exists")
	ErrNoParticipant = errors.New("teardown: exit needs a participant id")
)

// ExitResult reports what an exit did to the room.
type ExitResult struct {
	Exited  int
	Deleted bool
	// Gone is set when the room had already been removed.
	Gone bool
	// Repeat is set when this participant had already exited; nothing was counted.
	Repeat bool
}

// Coordinator owns one client's listeners so they can be detached before the room is touched.
type Coordinator struct {
	store store.Store
	log   *logrus.Logger

	mu   sync.Mutex
	subs []store.Subscription
}

func NewCoordinator(st store.Store, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{store: st, log: logger}
}

// Track registers listeners to close on exit. Nil subscriptions are ignored.
func (c *Coordinator) Track(subs ...store.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			c.subs = append(c.subs, s)
		}
	}
}

// Detach closes every tracked listener.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Exit detaches listeners, then counts participantID out. Each participant is counted once,
// so a retried exit cannot delete the room under the partner. The exit that reaches Quorum
// deletes the room in the same write. The caller returns to the entry screen whatever the result.
func (c *Coordinator) Exit(ctx context.Context, pin, participantID string) (ExitResult, error) {
	if participantID == "" {
		return ExitResult{}, ErrNoParticipant
	}
	c.Detach()

	var res ExitResult
	_, err := c.store.Transact(ctx, models.RoomPath(pin), func(cur store.Snapshot) (any, error) {
		res = ExitResult{}
		if !cur.Exists() {
			res.Gone = true
			return nil, store.ErrAbort
		}
		exitedBy := cur.Child("exitedBy").Map()
		if _, ok := exitedBy[participantID]; ok {
			res.Exited = len(exitedBy)
			res.Repeat = true
			return nil, store.ErrAbort
		}
		exitedBy[participantID] = true
		res.Exited = len(exitedBy)
		if res.Exited >= Quorum {
			res.Deleted = true
			return nil, nil
		}
		room := cur.Map()
		room["exitedBy"] = exitedBy
		room["exitedPlayers"] = res.Exited
		return room, nil
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		return res, fmt.Errorf("exit room %s: %w", pin, err)
	}

	entry := c.log.WithFields(logrus.Fields{"pin": pin, "exited": res.Exited})
	switch {
	case res.Gone:
		entry.Info("exit: room already gone")
	case res.Repeat:
		entry.WithField("participant", participantID).Info("exit: already counted")
	case res.Deleted:
		entry.Info("exit: room deleted")
	default:
		entry.Info("exit: waiting for partner to leave")
	}
	return res, nil
}

// EndEarly deletes the room immediately. Only the host may do it.
func (c *Coordinator) EndEarly(ctx context.Context, pin, requesterID string) error {
	c.Detach()
	snap, err := c.store.Get(ctx, models.RoomPath(pin)+"/hostId")
	if err != nil {
		return err
	}
	if !snap.Exists() {
		return ErrRoomGone
	}
	if snap.String() != requesterID {
		return ErrNotHost
	}
	if err := c.store.Remove(ctx, models.RoomPath(pin)); err != nil {
		return fmt.Errorf("end room %s: %w", pin, err)
	}
	c.log.WithField("pin", pin).Info("room ended early by host")
	return nil
}

// WatchGone calls fn once when the room node is missing, which is how the partner's client
// learns the room was deleted.
func WatchGone(ctx context.Context, st store.Store, pin string, fn func()) (store.Subscription, error) {
	var once sync.Once
	return st.Subscribe(ctx, models.RoomPath(pin), func(snap store.Snapshot) {
		if !snap.Exists() {
			once.Do(fn)
		}
	})
}
