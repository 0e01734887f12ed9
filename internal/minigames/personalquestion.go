// internal/minigames/personalquestion.go
package minigames

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/pairplay/internal/flow"
	"github.com/jason-s-yu/pairplay/internal/generation"
	"github.com/jason-s-yu/pairplay/internal/models"
)

// Questions are asked about the subject; the guesser tries to predict the answer.
var Questions = []string{
	"What is your favorite way to spend a Sunday morning?",
	"Which city would you move to tomorrow if you could?",
	"What song do you always sing along to?",
	"What food could you eat every day?",
	"What was your first concert?",
	"What smell reminds you of home?",
}

// PersonalQuestion has one player answer about themself while the other guesses.
type PersonalQuestion struct {
	*base
}

func (g *PersonalQuestion) ID() flow.GameID { return flow.PersonalQuestion }

// Setup assigns roles and picks the question once per room.
func (g *PersonalQuestion) Setup(ctx context.Context, step flow.Step) error {
	won, err := claim(ctx, g.Store, step.Pin, "personalQuestion", step.Player)
	if err != nil || !won {
		return err
	}
	r, err := roster(ctx, g.Store, step.Pin)
	if err != nil {
		return err
	}
	names := r.Names()
	if len(names) < 2 {
		release(ctx, g.Store, step.Pin, "personalQuestion")
		return fmt.Errorf("personal question needs two players, room %s has %d", step.Pin, len(names))
	}
	subject := names[g.intn(2)]
	guesser, _ := r.Other(subject)
	pq := models.PersonalQuestion{
		Roles:    models.PersonalQuestionRoles{Subject: subject, Guesser: guesser},
		Question: Questions[g.intn(len(Questions))],
	}
	g.log(step.Pin, g.ID()).WithField("subject", subject).Info("personal question assigned")
	return g.Store.Set(ctx, models.PersonalQuestionPath(step.Pin), pq)
}

func (g *PersonalQuestion) IsComplete(room *models.Room) bool {
	return room.PersonalQuestion != nil && room.PersonalQuestion.Feedback != ""
}

// Answer records the player's answer or guess. Once both are in, feedback is generated once.
func (g *PersonalQuestion) Answer(ctx context.Context, pin, player, text string) error {
	path := models.PersonalQuestionPath(pin)
	snap, err := g.Store.Get(ctx, path)
	if err != nil {
		return err
	}
	var pq models.PersonalQuestion
	if err := snap.Decode(&pq); err != nil {
		return err
	}

	switch player {
	case pq.Roles.Subject:
		err = g.Store.Set(ctx, path+"/subjectAnswer", text)
	case pq.Roles.Guesser:
		err = g.Store.Set(ctx, path+"/guesserGuess", text)
	default:
		return ErrNotParticipant
	}
	if err != nil {
		return err
	}

	if snap, err = g.Store.Get(ctx, path); err != nil {
		return err
	}
	pq = models.PersonalQuestion{}
	if err := snap.Decode(&pq); err != nil {
		return err
	}
	if pq.SubjectAnswer == "" || pq.GuesserGuess == "" {
		return nil
	}

	won, err := claim(ctx, g.Store, pin, "personalFeedback", player)
	if err != nil || !won {
		return err
	}
	feedback, err := g.Gen.PersonalFeedback(ctx, generation.FeedbackRequest{
		Question:      pq.Question,
		Subject:       pq.Roles.Subject,
		Guesser:       pq.Roles.Guesser,
		SubjectAnswer: pq.SubjectAnswer,
		GuesserGuess:  pq.GuesserGuess,
	})
	if err != nil {
		release(ctx, g.Store, pin, "personalFeedback")
		return fmt.Errorf("feedback: %w", err)
	}
	return g.Store.Set(ctx, path+"/feedback", feedback)
}
