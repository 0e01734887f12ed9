// internal/room/manager.go
package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
)

// MaxParticipants is the size of a sealed room.
const MaxParticipants = 2

var (
	ErrInvalidPin      = errors.New("room: invalid pin")
	ErrRoomFull        = errors.New("room: room is full")
	ErrMissingIdentity = errors.New("room: participant id and display name are required")
	ErrNoFreePin       = errors.New("room: could not allocate a free pin")
	ErrNameTaken       = errors.New("room: display name already used in this room")
)

// Manager creates and joins rooms on the shared tree.
type Manager struct {
	store       store.Store
	log         *logrus.Logger
	maxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewManager builds a Manager. A nil rng seeds one from the clock.
func NewManager(st store.Store, logger *logrus.Logger, rng *rand.Rand) *Manager {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{store: st, log: logger, rng: rng, maxAttempts: 20}
}

func (m *Manager) newPin() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("%04d", m.rng.Intn(10000))
}

func validIdentity(id, name string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(name) == "" {
		return ErrMissingIdentity
	}
	if strings.ContainsAny(id+name, "/.#$[]") {
		return fmt.Errorf("%w: id and name may not contain / . # $ [ ]", ErrMissingIdentity)
	}
	return nil
}

// Create claims a fresh PIN and writes the room with the creator as its only participant.
// A PIN already in use is never overwritten; another one is drawn instead.
func (m *Manager) Create(ctx context.Context, creatorID, displayName string) (string, error) {
	if err := validIdentity(creatorID, displayName); err != nil {
		return "", err
	}
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		pin := m.newPin()
		_, err := m.store.Transact(ctx, models.RoomPath(pin), func(cur store.Snapshot) (any, error) {
			if cur.Exists() {
				return nil, store.ErrAbort
			}
			return map[string]any{
				"createdAt":   store.ServerTimestamp,
				"hostId":      creatorID,
				"gameStarted": false,
				"participants": map[string]any{
					creatorID: map[string]any{
						"name":     displayName,
						"ready":    false,
						"joinedAt": store.ServerTimestamp,
					},
				},
			}, nil
		})
		if errors.Is(err, store.ErrAbort) {
			m.log.WithField("pin", pin).Debug("room: pin collision, drawing another")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create room: %w", err)
		}
		m.log.WithFields(logrus.Fields{"pin": pin, "host": creatorID}).Info("room created")
		return pin, nil
	}
	return "", ErrNoFreePin
}

// Join adds a participant to an existing room. Rejoining with the same id is a no-op.
// Turns are keyed by display name, so a name held by another participant is refused.
func (m *Manager) Join(ctx context.Context, pin, participantID, displayName string) error {
	if err := validIdentity(participantID, displayName); err != nil {
		return err
	}
	var joinErr error
	_, err := m.store.Transact(ctx, models.RoomPath(pin), func(cur store.Snapshot) (any, error) {
		joinErr = nil
		if !cur.Exists() {
			joinErr = ErrInvalidPin
			return nil, store.ErrAbort
		}
		room := cur.Map()
		participants, _ := room["participants"].(map[string]any)
		if participants == nil {
			participants = map[string]any{}
		}
		if _, already := participants[participantID]; already {
			return nil, store.ErrAbort
		}
		if len(participants) >= MaxParticipants {
			joinErr = ErrRoomFull
			return nil, store.ErrAbort
		}
		for _, p := range participants {
			if entry, ok := p.(map[string]any); ok && entry["name"] == displayName {
				joinErr = ErrNameTaken
				return nil, store.ErrAbort
			}
		}
		participants[participantID] = map[string]any{
			"name":     displayName,
			"ready":    false,
			"joinedAt": store.ServerTimestamp,
		}
		room["participants"] = participants
		return room, nil
	})
	if joinErr != nil {
		return joinErr
	}
	if err != nil && !errors.Is(err, store.ErrAbort) {
		return fmt.Errorf("join room %s: %w", pin, err)
	}
	m.log.WithFields(logrus.Fields{"pin": pin, "participant": participantID}).Info("room joined")
	return nil
}

// Roster reads the current participant list.
func (m *Manager) Roster(ctx context.Context, pin string) (models.Roster, error) {
	snap, err := m.store.Get(ctx, models.ParticipantsPath(pin))
	if err != nil {
		return nil, err
	}
	return decodeRoster(snap)
}

func decodeRoster(snap store.Snapshot) (models.Roster, error) {
	participants := map[string]models.Participant{}
	if err := snap.Decode(&participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return models.RosterOf(participants), nil
}

// WatchRoster calls fn with the roster now and after every change.
func (m *Manager) WatchRoster(ctx context.Context, pin string, fn func(models.Roster)) (store.Subscription, error) {
	return m.store.Subscribe(ctx, models.ParticipantsPath(pin), func(snap store.Snapshot) {
		roster, err := decodeRoster(snap)
		if err != nil {
			m.log.WithField("pin", pin).Warnf("room: %v", err)
			return
		}
		fn(roster)
	})
}

// AwaitPartner blocks until the room holds two participants.
func (m *Manager) AwaitPartner(ctx context.Context, pin string) (models.Roster, error) {
	found := make(chan models.Roster, 1)
	sub, err := m.WatchRoster(ctx, pin, func(r models.Roster) {
		if len(r) >= MaxParticipants {
			select {
			case found <- r:
			default:
			}
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	select {
	case r := <-found:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetReady toggles a participant's ready flag.
func (m *Manager) SetReady(ctx context.Context, pin, participantID string, ready bool) error {
	snap, err := m.store.Get(ctx, models.ParticipantPath(pin, participantID))
	if err != nil {
		return err
	}
	if !snap.Exists() {
		return ErrInvalidPin
	}
	return m.store.Set(ctx, models.ParticipantPath(pin, participantID)+"/ready", ready)
}

// StartGame flips gameStarted, which the sequencer waits on.
func (m *Manager) StartGame(ctx context.Context, pin string) error {
	snap, err := m.store.Get(ctx, models.RoomPath(pin))
	if err != nil {
		return err
	}
	if !snap.Exists() {
		return ErrInvalidPin
	}
	return m.store.Set(ctx, models.GameStartedPath(pin), true)
}

// Load decodes the whole room document.
func (m *Manager) Load(ctx context.Context, pin string) (*models.Room, error) {
	snap, err := m.store.Get(ctx, models.RoomPath(pin))
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, ErrInvalidPin
	}
	var r models.Room
	if err := snap.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", pin, err)
	}
	return &r, nil
}
