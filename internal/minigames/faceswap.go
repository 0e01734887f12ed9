// internal/minigames/faceswap.go
package minigames

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/pairplay/internal/flow"
	"github.com/jason-s-yu/pairplay/internal/matching"
	"github.com/jason-s-yu/pairplay/internal/models"
)

// FaceSwap generates swapped portraits, then plays the memory game on them.
type FaceSwap struct {
	*base
}

func (g *FaceSwap) ID() flow.GameID { return flow.FaceSwap }

// Setup runs the face swap once per room and deals the deck. The player who triggered it moves first.
func (g *FaceSwap) Setup(ctx context.Context, step flow.Step) error {
	won, err := claim(ctx, g.Store, step.Pin, "faceSwap", step.Player)
	if err != nil || !won {
		return err
	}
	log := g.log(step.Pin, g.ID())

	results, err := g.Gen.SwapFaces(ctx)
	if err != nil {
		release(ctx, g.Store, step.Pin, "faceSwap")
		return fmt.Errorf("swap faces: %w", err)
	}
	swaps := make(map[string]any, len(results))
	for i, r := range results {
		swaps[fmt.Sprintf("swap%d", i)] = map[string]any{
			"url1": []string{r.URL1},
			"url2": []string{r.URL2},
		}
	}
	if err := g.Store.Set(ctx, models.FaceSwapsPath(step.Pin), swaps); err != nil {
		return err
	}
	log.WithField("pairs", len(results)).Info("face swaps stored")

	r, err := roster(ctx, g.Store, step.Pin)
	if err != nil {
		return err
	}
	variant := matching.Full
	if len(results) < matching.Full.Pairs() {
		variant = matching.Short
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err = matching.Setup(ctx, g.Store, step.Pin, step.Player, r.Names(), variant, g.Rand, g.Logger)
	return err
}

func (g *FaceSwap) IsComplete(room *models.Room) bool {
	return room.MemoryGame != nil && room.MemoryGame.GameOver
}

// Engine builds the memory game engine for player.
func (g *FaceSwap) Engine(pin, player string, opts matching.Options) *matching.Engine {
	if opts.Logger == nil {
		opts.Logger = g.Logger
	}
	if opts.Actions == nil {
		opts.Actions = g.Actions
	}
	return matching.NewEngine(g.Store, pin, player, opts)
}
