// internal/matching/winner.go
package matching

import (
	"sort"

	"github.com/jason-s-yu/pairplay/internal/models"
)

const (
	NoOne = "No one"
	Tie   = "No one, it's a tie!"
)

// DetermineWinner returns the highest scorer, Tie for a shared top score, or NoOne for no players.
func DetermineWinner(scores map[string]int) string {
	if len(scores) == 0 {
		return NoOne
	}
	names := make([]string, 0, len(scores))
	for n := range scores {
		names = append(names, n)
	}
	sort.Strings(names)

	best, bestScore, tied := names[0], scores[names[0]], false
	for _, n := range names[1:] {
		switch s := scores[n]; {
		case s > bestScore:
			best, bestScore, tied = n, s, false
		case s == bestScore:
			tied = true
		}
	}
	if tied {
		return Tie
	}
	return best
}

// PressWatcher spots cards pressed since the last observation. A card counts only when its
// pressedAt is strictly newer than what was last seen, so replays of unchanged values are ignored.
type PressWatcher struct {
	last map[int]int64
}

func NewPressWatcher() *PressWatcher {
	return &PressWatcher{last: make(map[int]int64)}
}

// Observe returns cards pressed since the previous call.
func (w *PressWatcher) Observe(cards []models.Card) []models.Card {
	var fresh []models.Card
	for _, c := range cards {
		if c.PressedAt > w.last[c.ID] {
			w.last[c.ID] = c.PressedAt
			if c.IsFlipped {
				fresh = append(fresh, c)
			}
		}
	}
	return fresh
}
