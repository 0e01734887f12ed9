package simulation

import (
	"math/rand"
	"sync"

	"github.com/jason-s-yu/pairplay/internal/models"
)

// memoryBot plays the memory game with perfect recall of every card it has seen face up.
type memoryBot struct {
	rng *rand.Rand

	mu   sync.Mutex
	seen map[int]string // card id -> pair id
}

func newMemoryBot(rng *rand.Rand) *memoryBot {
	return &memoryBot{rng: rng, seen: make(map[int]string)}
}

// remember records a single face-up card, typically one the partner flipped.
func (b *memoryBot) remember(c models.Card) {
	b.mu.Lock()
	b.seen[c.ID] = c.PairID
	b.mu.Unlock()
}

func (b *memoryBot) learn(cards []models.Card) {
	for _, c := range cards {
		if c.IsFlipped || c.IsMatched {
			b.seen[c.ID] = c.PairID
		}
	}
}

// choose picks the next card to flip, or -1 when nothing is face down.
func (b *memoryBot) choose(g *models.MemoryGame) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.learn(g.Cards)

	var down []int
	for _, c := range g.Cards {
		if !c.IsFlipped && !c.IsMatched {
			down = append(down, c.ID)
		}
	}
	if len(down) == 0 {
		return -1
	}

	if pending := g.Pending(); len(pending) == 1 {
		first := g.Cards[pending[0]]
		for _, id := range down {
			if p, ok := b.seen[id]; ok && p == first.PairID {
				return id
			}
		}
		return b.unknown(down)
	}

	known := make(map[string]int)
	for _, id := range down {
		if p, ok := b.seen[id]; ok {
			known[p]++
		}
	}
	for _, id := range down {
		if p, ok := b.seen[id]; ok && known[p] == 2 {
			return id
		}
	}
	return b.unknown(down)
}

func (b *memoryBot) unknown(down []int) int {
	var fresh []int
	for _, id := range down {
		if _, ok := b.seen[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		fresh = down
	}
	return fresh[b.rng.Intn(len(fresh))]
}
