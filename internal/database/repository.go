// internal/database/repository.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/pairplay/internal/models"
)

// RoundOverAction is the action type that carries final scores.
const RoundOverAction = "round_over"

// Repository persists guests, session history and match results.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateGuest stores a guest identity issued by the auth endpoint.
func (r *Repository) CreateGuest(ctx context.Context, id uuid.UUID, name string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO guests (id, display_name) VALUES ($1, $2)`, id, name)
	if err != nil {
		return fmt.Errorf("insert guest: %w", err)
	}
	return nil
}

// SaveActions writes a batch in one transaction. A round_over action also records the final scores.
func (r *Repository) SaveActions(ctx context.Context, actions []models.Action) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, a := range actions {
			if err := insertActionTx(ctx, tx, a); err != nil {
				return fmt.Errorf("insert action %s/%d: %w", a.Room, a.ActionIndex, err)
			}
		}
		return nil
	})
}

func insertActionTx(ctx context.Context, tx pgx.Tx, a models.Action) error {
	upsertSession := `
		INSERT INTO sessions (room, status, start_time)
		VALUES ($1, 'in_progress', NOW())
		ON CONFLICT (room)
		DO UPDATE SET status = 'in_progress', end_time = NULL
	`
	if _, err := tx.Exec(ctx, upsertSession, a.Room); err != nil {
		return err
	}

	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return err
	}
	insertAction := `
		INSERT INTO room_actions (room, game, action_index, actor, action_type, action_payload, action_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.Exec(ctx, insertAction,
		a.Room, a.Game, a.ActionIndex, a.Actor, a.ActionType, payload, time.UnixMilli(a.Timestamp),
	); err != nil {
		return err
	}

	if a.ActionType != RoundOverAction {
		return nil
	}
	for _, res := range ResultsOf(a) {
		q := `
			INSERT INTO match_results (room, game, player, score, did_win)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (room, game, player)
			DO UPDATE SET score = $4, did_win = $5
		`
		if _, err := tx.Exec(ctx, q, a.Room, a.Game, res.Player, res.Score, res.Won); err != nil {
			return err
		}
	}
	return nil
}

// MarkInactive flags a session nobody has touched for a while.
func (r *Repository) MarkInactive(ctx context.Context, room string) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE sessions
			SET status = 'inactive', end_time = NOW()
			WHERE room = $1 AND status = 'in_progress'
		`
		_, err := tx.Exec(ctx, q, room)
		return err
	})
}

// PlayerResult is one row of match_results.
type PlayerResult struct {
	Player string
	Score  int
	Won    bool
}

// ResultsOf reads the scores and winner out of a round_over payload, ordered by player name.
func ResultsOf(a models.Action) []PlayerResult {
	scores, _ := a.Payload["scores"].(map[string]any)
	winner, _ := a.Payload["winner"].(string)
	if scores == nil {
		if typed, ok := a.Payload["scores"].(map[string]int); ok {
			scores = make(map[string]any, len(typed))
			for k, v := range typed {
				scores[k] = v
			}
		}
	}
	out := make([]PlayerResult, 0, len(scores))
	for name, v := range scores {
		out = append(out, PlayerResult{Player: name, Score: toInt(v), Won: name == winner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
