// internal/minigames/photoescape.go
package minigames

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/jason-s-yu/pairplay/internal/barrier"
	"github.com/jason-s-yu/pairplay/internal/blob"
	"github.com/jason-s-yu/pairplay/internal/flow"
	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
)

// PhotoEscape is the scavenger hunt: both players photograph the same random item.
type PhotoEscape struct {
	*base
}

func (g *PhotoEscape) ID() flow.GameID { return flow.PhotoEscape }

// Setup draws the item once per room.
func (g *PhotoEscape) Setup(ctx context.Context, step flow.Step) error {
	won, err := claim(ctx, g.Store, step.Pin, "photoEscapeItem", step.Player)
	if err != nil || !won {
		return err
	}
	item, err := g.Gen.RandomItem(ctx)
	if err != nil {
		release(ctx, g.Store, step.Pin, "photoEscapeItem")
		return fmt.Errorf("draw item: %w", err)
	}
	g.log(step.Pin, g.ID()).WithField("item", item).Info("photo escape item drawn")
	return g.Store.Set(ctx, models.PhotoEscapePath(step.Pin)+"/item", item)
}

func (g *PhotoEscape) IsComplete(room *models.Room) bool {
	return room.PhotoEscape != nil && barrier.CountReady(room.PhotoEscape.Found) >= 2
}

// Ready marks player ready on the start screen and blocks until both players are,
// returning the item to find.
func (g *PhotoEscape) Ready(ctx context.Context, pin, player string) (string, error) {
	b := barrier.New(g.Store, models.PhotoEscapePath(pin)+"/readyStatus", 2, nil, g.Logger)
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
	snap, err := WaitFor(ctx, g.Store, models.PhotoEscapePath(pin)+"/item", func(s store.Snapshot) bool {
		return s.String() != ""
	})
	if err != nil {
		return "", err
	}
	return snap.String(), nil
}

// SubmitPhoto uploads a photo, asks whether the item is in it and records the outcome.
func (g *PhotoEscape) SubmitPhoto(ctx context.Context, pin, player string, png []byte) (bool, error) {
	snap, err := g.Store.Get(ctx, models.PhotoEscapePath(pin)+"/item")
	if err != nil {
		return false, err
	}
	item := snap.String()
	if item == "" {
		return false, fmt.Errorf("photo escape in room %s has no item yet", pin)
	}

	url, err := g.Blobs.Put(ctx, blob.PhotoPath(g.Now()), blob.Object{Data: png, ContentType: "image/png"})
	if err != nil {
		return false, err
	}
	found, err := g.Gen.IsItemInImage(ctx, item, base64.StdEncoding.EncodeToString(png))
	if err != nil {
		return false, fmt.Errorf("check photo: %w", err)
	}

	update := map[string]any{"photos/" + player: url}
	if found {
		update["found/"+player] = true
	}
	if err := g.Store.Update(ctx, models.PhotoEscapePath(pin), update); err != nil {
		return false, err
	}
	g.log(pin, g.ID()).WithFields(logrus.Fields{"player": player, "found": found}).Info("photo submitted")
	return found, nil
}
