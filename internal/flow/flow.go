// internal/flow/flow.go

// Package flow walks a room through its ordered list of mini-games.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
)

// GameID names a mini-game in the sequence.
type GameID string

const (
	PhotoEscape      GameID = "PhotoEscape"
	LoveQuestions    GameID = "LoveQuestions"
	FaceSwap         GameID = "FaceSwap"
	PersonalQuestion GameID = "PersonalQuestion"
)

// DefaultOrder is the sequence every room plays.
var DefaultOrder = []GameID{PhotoEscape, LoveQuestions, FaceSwap, PersonalQuestion}

var ErrUnknownGame = errors.New("flow: unknown game identifier")

// Step is what a client needs to enter a mini-game.
type Step struct {
	Pin    string
	Player string
	Selfie string
	Index  int
	Game   GameID
}

// MiniGame is one registered game.
type MiniGame interface {
	ID() GameID
	// Setup prepares shared state for the step. Both clients call it; implementations
	// must make any external trigger happen at most once per room.
	Setup(ctx context.Context, step Step) error
	// IsComplete reports whether the room has reached this game's terminal condition.
	IsComplete(room *models.Room) bool
}

// Registry maps the ordered sequence onto implementations.
type Registry struct {
	order []GameID
	games map[GameID]MiniGame
}

// NewRegistry builds a registry with the given order, DefaultOrder when empty.
func NewRegistry(order ...GameID) *Registry {
	if len(order) == 0 {
		order = DefaultOrder
	}
	return &Registry{
		order: append([]GameID(nil), order...),
		games: make(map[GameID]MiniGame),
	}
}

// Register adds or replaces a game implementation.
func (r *Registry) Register(games ...MiniGame) *Registry {
	for _, g := range games {
		r.games[g.ID()] = g
	}
	return r
}

func (r *Registry) Sequence() []GameID { return append([]GameID(nil), r.order...) }

func (r *Registry) Lookup(id GameID) (MiniGame, error) {
	g, ok := r.games[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, id)
	}
	return g, nil
}

// Kind classifies what a client should do for the current room state.
type Kind int

const (
	Waiting Kind = iota
	Initialize
	Play
	Completed
)

func (k Kind) String() string {
	switch k {
	case Waiting:
		return "waiting"
	case Initialize:
		return "initialize"
	case Play:
		return "play"
	case Completed:
		return "completed"
	}
	return "unknown"
}

type Decision struct {
	Kind  Kind
	Index int
	Game  GameID
}

// Evaluate is the pure sequencing decision for a room. It never fails; an index past
// the end of the sequence means the session is complete.
func Evaluate(room *models.Room, sequence []GameID) Decision {
	switch {
	case room == nil || !room.GameStarted:
		return Decision{Kind: Waiting}
	case room.CurrentGameIndex == nil || *room.CurrentGameIndex < 0:
		return Decision{Kind: Initialize}
	}
	idx := *room.CurrentGameIndex
	if idx >= len(sequence) {
		return Decision{Kind: Completed, Index: idx}
	}
	return Decision{Kind: Play, Index: idx, Game: sequence[idx]}
}

// InitializeIndex sets currentGameIndex to 0 unless some client already did.
func InitializeIndex(ctx context.Context, st store.Store, pin string) error {
	_, err := st.Transact(ctx, models.GameIndexPath(pin), func(cur store.Snapshot) (any, error) {
		if cur.Exists() {
			return nil, store.ErrAbort
		}
		return 0, nil
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		return fmt.Errorf("initialize game index: %w", err)
	}
	return nil
}

// Advance moves currentGameIndex from `from` to from+1. When the index has already moved
// the write is skipped, so two clients finishing the same game advance it once.
// It returns the index now stored.
func Advance(ctx context.Context, st store.Store, pin string, from int) (int, error) {
	snap, err := st.Transact(ctx, models.GameIndexPath(pin), func(cur store.Snapshot) (any, error) {
		if cur.Int(-1) != from {
			return nil, store.ErrAbort
		}
		return from + 1, nil
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		return 0, fmt.Errorf("advance game index: %w", err)
	}
	return snap.Int(-1), nil
}
