// internal/handlers/memory.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/pairplay/internal/matching"
	"github.com/jason-s-yu/pairplay/internal/models"
)

type flipRequest struct {
	Card *int `json:"card"`
}

type flipResponse struct {
	Outcome       string         `json:"outcome"`
	Reason        string         `json:"reason,omitempty"`
	Card          *models.Card   `json:"card,omitempty"`
	GameOver      bool           `json:"gameOver"`
	CurrentPlayer string         `json:"currentPlayer,omitempty"`
	Scores        map[string]int `json:"scores,omitempty"`
	Winner        string         `json:"winner,omitempty"`
}

// engineFor returns the caller's engine for a room, building it on first use.
func (s *Server) engineFor(pin, player string) *matching.Engine {
	key := pin + "/" + player
	if e, ok := s.engines.Load(key); ok {
		return e.(*matching.Engine)
	}
	e, _ := s.engines.LoadOrStore(key, matching.NewEngine(s.Store, pin, player, matching.Options{
		Actions:       s.Actions,
		MismatchDelay: s.MismatchDelay,
		Logger:        s.Log,
	}))
	return e.(*matching.Engine)
}

func (s *Server) forgetEngines(pin string) {
	s.engines.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), pin+"/") {
			s.engines.Delete(k)
		}
		return true
	})
}

// handleFlip flips one memory card for the caller. A mismatch holds the response until the
// cards are turned back and the turn has passed.
func (s *Server) handleFlip(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	id, err := s.requireMember(r.Context(), pin)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	var req flipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Card == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad flip payload"})
		return
	}

	res, err := s.engineFor(pin, id.Name).Flip(r.Context(), *req.Card)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	out := flipResponse{
		Outcome:       res.Outcome.String(),
		Reason:        string(res.Reason),
		GameOver:      res.GameOver,
		CurrentPlayer: res.CurrentPlayer,
		Scores:        res.Scores,
	}
	if res.Outcome != matching.Rejected {
		card := res.Card
		out.Card = &card
	}
	if res.GameOver {
		out.Winner = matching.DetermineWinner(res.Scores)
	}
	writeJSON(w, http.StatusOK, out)
}
