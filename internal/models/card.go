// internal/models/card.go
package models

// Card is one tile of the memory deck.
type Card struct {
	ID        int    `json:"id"`
	ImageURL  string `json:"imageUrl"`
	PairID    string `json:"pairId"`
	IsFlipped bool   `json:"isFlipped"`
	IsMatched bool   `json:"isMatched"`
	PressedAt int64  `json:"pressedAt"`
}

// MemoryGame is stored at room/{pin}/memoryGame.
// Version increments on every accepted write and is the compare-and-swap token for turn resolution.
type MemoryGame struct {
	Cards         []Card         `json:"cards"`
	CurrentPlayer string         `json:"currentPlayer"`
	PlayerScores  map[string]int `json:"playerScores"`
	GameOver      bool           `json:"gameOver"`
	Version       int64          `json:"version"`
}

// Pending returns the indexes of cards that are face up and not yet matched.
func (g *MemoryGame) Pending() []int {
	var idx []int
	for i, c := range g.Cards {
		if c.IsFlipped && !c.IsMatched {
			idx = append(idx, i)
		}
	}
	return idx
}

// IndexOf returns the slice position of the card with the given id, or -1.
func (g *MemoryGame) IndexOf(cardID int) int {
	for i, c := range g.Cards {
		if c.ID == cardID {
			return i
		}
	}
	return -1
}

// AllMatched reports whether the deck is solved. An empty deck is never solved.
func (g *MemoryGame) AllMatched() bool {
	if len(g.Cards) == 0 {
		return false
	}
	for _, c := range g.Cards {
		if !c.IsMatched {
			return false
		}
	}
	return true
}
