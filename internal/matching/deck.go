// internal/matching/deck.go
package matching

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
)

// ErrInsufficientPairs means the pair source could not fill a deck.
var ErrInsufficientPairs = errors.New("matching: not enough valid image pairs")

// Variant selects the deck size.
type Variant int

const (
	Full  Variant = iota // 8 pairs, 16 cards
	Short                // 3 pairs, 6 cards
)

// Pairs is how many pairs the variant deals.
func (v Variant) Pairs() int {
	if v == Short {
		return 3
	}
	return 8
}

func (v Variant) String() string {
	if v == Short {
		return "short"
	}
	return "full"
}

// Pair is two image URLs that belong together.
type Pair struct {
	Key  string
	URL1 string
	URL2 string
}

// CollectPairs reads the faceSwaps subtree. Entries missing either URL are dropped with a warning.
func CollectPairs(snap store.Snapshot, logger *logrus.Logger) []Pair {
	raw, _ := snap.Value().(map[string]any)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]Pair, 0, len(keys))
	for _, k := range keys {
		var entry models.FaceSwapEntry
		if err := snap.Child(k).Decode(&entry); err != nil {
			logger.WithField("key", k).Warnf("matching: skipping undecodable pair: %v", err)
			continue
		}
		u1, u2 := entry.URL1.First(), entry.URL2.First()
		if u1 == "" || u2 == "" {
			logger.WithField("key", k).Warn("matching: skipping pair with a missing url")
			continue
		}
		pairs = append(pairs, Pair{Key: k, URL1: u1, URL2: u2})
	}
	return pairs
}

// BuildDeck deals the first v.Pairs() pairs, Fisher-Yates shuffles them, then numbers the cards.
func BuildDeck(pairs []Pair, v Variant, rng *rand.Rand) ([]models.Card, error) {
	need := v.Pairs()
	if len(pairs) < need {
		return nil, fmt.Errorf("%w: have %d, %s deck needs %d", ErrInsufficientPairs, len(pairs), v, need)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	cards := make([]models.Card, 0, need*2)
	for _, p := range pairs[:need] {
		cards = append(cards,
			models.Card{ImageURL: p.URL1, PairID: p.Key},
			models.Card{ImageURL: p.URL2, PairID: p.Key},
		)
	}
	for i := len(cards) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		cards[i], cards[j] = cards[j], cards[i]
	}
	for i := range cards {
		cards[i].ID = i
	}
	return cards, nil
}

// NewGame is the initial round state: starter moves first and every score is zero.
func NewGame(cards []models.Card, starter string, names []string) models.MemoryGame {
	scores := make(map[string]int, len(names))
	for _, n := range names {
		scores[n] = 0
	}
	return models.MemoryGame{
		Cards:         cards,
		CurrentPlayer: starter,
		PlayerScores:  scores,
		GameOver:      false,
	}
}

// Setup builds a deck from room/{pin}/faceSwaps and writes the round in a single write.
func Setup(ctx context.Context, st store.Store, pin, starter string, names []string, v Variant, rng *rand.Rand, logger *logrus.Logger) (models.MemoryGame, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	snap, err := st.Get(ctx, models.FaceSwapsPath(pin))
	if err != nil {
		return models.MemoryGame{}, fmt.Errorf("read pairs: %w", err)
	}
	deck, err := BuildDeck(CollectPairs(snap, logger), v, rng)
	if err != nil {
		return models.MemoryGame{}, err
	}
	game := NewGame(deck, starter, names)
	if err := st.Set(ctx, models.MemoryGamePath(pin), game); err != nil {
		return models.MemoryGame{}, fmt.Errorf("write memory game: %w", err)
	}
	logger.WithFields(logrus.Fields{"pin": pin, "cards": len(deck), "starter": starter}).Info("memory game set up")
	return game, nil
}
