// internal/minigames/lovequestions.go
package minigames

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/pairplay/internal/barrier"
	"github.com/jason-s-yu/pairplay/internal/flow"
	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
)

// LoveQuestions reveals a generated question once both players are ready for it.
type LoveQuestions struct {
	*base
}

func (g *LoveQuestions) ID() flow.GameID { return flow.LoveQuestions }

// Setup has nothing to prepare; the question is generated when both players are ready.
func (g *LoveQuestions) Setup(context.Context, flow.Step) error { return nil }

func (g *LoveQuestions) IsComplete(room *models.Room) bool { return room.LoveQuestionsDone }

// Reveal marks player ready and returns the question once both players are. The barrier's
// action generates the question; the trigger claim keeps it to one call per room.
func (g *LoveQuestions) Reveal(ctx context.Context, pin, player string) (string, error) {
	b := barrier.New(g.Store, models.ReadyStatusPath(pin), 2, func(ctx context.Context) error {
		return g.generate(ctx, pin, player)
	}, g.Logger)
	if err := b.Run(ctx); err != nil {
		return "", err
	}
	defer b.Stop()
	if err := b.MarkReady(ctx, player); err != nil {
		return "", err
	}
	if err := b.Wait(ctx); err != nil {
		return "", err
	}
	snap, err := WaitFor(ctx, g.Store, models.LoveQuestionPath(pin), func(s store.Snapshot) bool {
		return s.String() != ""
	})
	if err != nil {
		return "", err
	}
	return snap.String(), nil
}

func (g *LoveQuestions) generate(ctx context.Context, pin, player string) error {
	won, err := claim(ctx, g.Store, pin, "loveQuestion", player)
	if err != nil || !won {
		return err
	}
	item, err := g.Store.Get(ctx, models.PhotoEscapePath(pin)+"/item")
	if err != nil {
		return err
	}
	topic := item.String()
	if topic == "" {
		if topic, err = g.Gen.RandomItem(ctx); err != nil {
			release(ctx, g.Store, pin, "loveQuestion")
			return fmt.Errorf("draw topic: %w", err)
		}
	}
	question, err := g.Gen.Hamshir(ctx, topic)
	if err != nil {
		release(ctx, g.Store, pin, "loveQuestion")
		return fmt.Errorf("generate question: %w", err)
	}
	return g.Store.Set(ctx, models.LoveQuestionPath(pin), question)
}

// Finish ends the game for both players.
func (g *LoveQuestions) Finish(ctx context.Context, pin string) error {
	return g.Store.Set(ctx, models.RoomPath(pin)+"/loveQuestionsDone", true)
}
