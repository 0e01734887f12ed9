// internal/minigames/minigames.go

// Package minigames implements the games a room plays, registered with the flow sequencer.
package minigames

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jason-s-yu/pairplay/internal/blob"
	"github.com/jason-s-yu/pairplay/internal/flow"
	"github.com/jason-s-yu/pairplay/internal/generation"
	"github.com/jason-s-yu/pairplay/internal/matching"
	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
)

var ErrNotParticipant = errors.New("minigames: player has no role in this round")

// Deps are shared by every game.
type Deps struct {
	Store   store.Store
	Gen     generation.Client
	Blobs   blob.Store
	Actions matching.ActionSink
	Logger  *logrus.Logger
	Now     func() time.Time
	Rand    *rand.Rand
}

type base struct {
	Deps
	mu sync.Mutex
}

func newBase(d Deps) *base {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &base{Deps: d}
}

func (b *base) intn(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Rand.Intn(n)
}

func (b *base) log(pin string, game flow.GameID) *logrus.Entry {
	return b.Logger.WithFields(logrus.Fields{"pin": pin, "game": game})
}

// NewRegistry registers every game in the default order.
func NewRegistry(d Deps) *flow.Registry {
	b := newBase(d)
	return flow.NewRegistry(flow.DefaultOrder...).Register(
		&PhotoEscape{base: b},
		&LoveQuestions{base: b},
		&FaceSwap{base: b},
		&PersonalQuestion{base: b},
	)
}

// claim takes a named trigger for the room. Only the first caller gets true, so an external
// call guarded by a claim runs at most once per room.
func claim(ctx context.Context, st store.Store, pin, trigger, who string) (bool, error) {
	_, err := st.Transact(ctx, models.TriggersPath(pin)+"/"+trigger, func(cur store.Snapshot) (any, error) {
		if cur.Exists() {
			return nil, store.ErrAbort
		}
		return who, nil
	})
	if errors.Is(err, store.ErrAbort) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", trigger, err)
	}
	return true, nil
}

// release gives a trigger back after the guarded call failed, so it can be retried.
func release(ctx context.Context, st store.Store, pin, trigger string) {
	_ = st.Remove(ctx, models.TriggersPath(pin)+"/"+trigger)
}

// WaitFor blocks until pred holds for the value at path.
func WaitFor(ctx context.Context, st store.Store, path string, pred func(store.Snapshot) bool) (store.Snapshot, error) {
	found := make(chan store.Snapshot, 1)
	sub, err := st.Subscribe(ctx, path, func(snap store.Snapshot) {
		if pred(snap) {
			select {
			case found <- snap:
			default:
			}
		}
	})
	if err != nil {
		return store.Snapshot{}, err
	}
	defer sub.Close()
	select {
	case snap := <-found:
		return snap, nil
	case <-ctx.Done():
		return store.Snapshot{}, ctx.Err()
	}
}

func roster(ctx context.Context, st store.Store, pin string) (models.Roster, error) {
	snap, err := st.Get(ctx, models.ParticipantsPath(pin))
	if err != nil {
		return nil, err
	}
	participants := map[string]models.Participant{}
	if err := snap.Decode(&participants); err != nil {
		return nil, err
	}
	return models.RosterOf(participants), nil
}

// UploadSelfie stores a selfie and records its URL under the player's name.
func UploadSelfie(ctx context.Context, d Deps, pin, name string, jpeg []byte) (string, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	url, err := d.Blobs.Put(ctx, blob.SelfiePath(name, now()), blob.Object{Data: jpeg, ContentType: "image/jpeg"})
	if err != nil {
		return "", err
	}
	if err := d.Store.Set(ctx, models.SelfiePath(pin, name), url); err != nil {
		return "", fmt.Errorf("record selfie: %w", err)
	}
	return url, nil
}
