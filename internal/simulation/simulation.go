// Package simulation drives two headless players through a whole room, from creation to teardown.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/pairplay/internal/flow"
	"github.com/jason-s-yu/pairplay/internal/matching"
	"github.com/jason-s-yu/pairplay/internal/minigames"
	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/room"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/jason-s-yu/pairplay/internal/teardown"
	"github.com/sirupsen/logrus"
)

// Stand-ins for camera output; the canned generator only checks they are non-empty.
var (
	selfieJPEG = []byte{0xff, 0xd8, 0xff, 0xe0, 's', 'e', 'l', 'f', 'i', 'e', 0xff, 0xd9}
	photoPNG   = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 'p', 'h', 'o', 't', 'o'}
)

var answers = []string{"pancakes", "Lisbon", "Dancing Queen", "tacos"}

const maxPhotoAttempts = 3

type Options struct {
	Host          string
	Guest         string
	MismatchDelay time.Duration
	Seed          int64
	Logger        *logrus.Logger
}

// Result summarizes what happened in the room.
type Result struct {
	Pin          string
	Games        []flow.GameID
	Item         string
	LoveQuestion string
	Feedback     string
	Winner       string
	Scores       map[string]int
	Flips        int
	Deleted      bool
}

type session struct {
	pin  string
	errs chan error

	mu  sync.Mutex
	res Result
}

func (s *session) record(fn func(r *Result)) {
	s.mu.Lock()
	fn(&s.res)
	s.mu.Unlock()
}

func (s *session) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Run creates a room, plays every mini-game with two players and exits both.
func Run(ctx context.Context, d minigames.Deps, opts Options) (*Result, error) {
	if opts.Host == "" {
		opts.Host = "Alex"
	}
	if opts.Guest == "" {
		opts.Guest = "Sam"
	}
	if opts.Host == opts.Guest {
		return nil, fmt.Errorf("players need distinct names, both are %q", opts.Host)
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if d.Logger == nil {
		d.Logger = opts.Logger
	}
	log := opts.Logger

	mgr := room.NewManager(d.Store, log, rand.New(rand.NewSource(opts.Seed)))
	hostID, guestID := uuid.NewString(), uuid.NewString()
	pin, err := mgr.Create(ctx, hostID, opts.Host)
	if err != nil {
		return nil, err
	}
	if err := mgr.Join(ctx, pin, guestID, opts.Guest); err != nil {
		return nil, err
	}
	if _, err := mgr.AwaitPartner(ctx, pin); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{pin: pin, errs: make(chan error, 4), res: Result{Pin: pin}}
	players := []*player{
		newPlayer(s, d, opts, hostID, opts.Host, true, opts.Seed+1),
		newPlayer(s, d, opts, guestID, opts.Guest, false, opts.Seed+2),
	}
	defer func() {
		for _, p := range players {
			p.coord.Detach()
		}
	}()

	for _, p := range players {
		if _, err := minigames.UploadSelfie(ctx, d, pin, p.name, selfieJPEG); err != nil {
			return nil, fmt.Errorf("selfie for %s: %w", p.name, err)
		}
		if err := mgr.SetReady(ctx, pin, p.id, true); err != nil {
			return nil, err
		}
		p.seq = flow.NewSequencer(d.Store, p.registry, pin, p.name, p, log)
		if err := p.seq.Run(ctx); err != nil {
			return nil, err
		}
		p.coord.Track(p.seq.Subscription())
	}
	if err := mgr.StartGame(ctx, pin); err != nil {
		return nil, err
	}
	log.WithField("pin", pin).Info("simulation started")

	for _, p := range players {
		select {
		case <-p.done:
		case err := <-s.errs:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, p := range players {
		p.wg.Wait()
	}
	select {
	case err := <-s.errs:
		return nil, err
	default:
	}

	rm, err := mgr.Load(ctx, pin)
	if err != nil {
		return nil, err
	}
	s.record(func(r *Result) {
		if rm.PersonalQuestion != nil {
			r.Feedback = rm.PersonalQuestion.Feedback
		}
		if rm.MemoryGame != nil {
			r.Scores = rm.MemoryGame.PlayerScores
			r.Winner = matching.DetermineWinner(r.Scores)
		}
	})

	for _, p := range players {
		exit, err := p.coord.Exit(ctx, pin, p.id)
		if err != nil {
			return nil, err
		}
		s.record(func(r *Result) { r.Deleted = exit.Deleted })
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.res
	log.WithFields(logrus.Fields{"pin": pin, "winner": res.Winner, "flips": res.Flips}).Info("simulation finished")
	return &res, nil
}

// player is one headless client. It is the Navigator for its own sequencer.
type player struct {
	sess     *session
	deps     minigames.Deps
	opts     Options
	id       string
	name     string
	host     bool
	registry *flow.Registry
	coord    *teardown.Coordinator
	seq      *flow.Sequencer
	log      *logrus.Entry

	rngMu sync.Mutex
	rng   *rand.Rand

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

func newPlayer(s *session, d minigames.Deps, opts Options, id, name string, host bool, seed int64) *player {
	// Each client draws from its own source.
	d.Rand = rand.New(rand.NewSource(seed * 31))
	return &player{
		sess:     s,
		deps:     d,
		opts:     opts,
		id:       id,
		name:     name,
		host:     host,
		registry: minigames.NewRegistry(d),
		coord:    teardown.NewCoordinator(d.Store, opts.Logger),
		log:      opts.Logger.WithFields(logrus.Fields{"pin": s.pin, "player": name}),
		rng:      rand.New(rand.NewSource(seed)),
		done:     make(chan struct{}),
	}
}

func (p *player) intn(n int) int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Intn(n)
}

// Navigate runs the mini-game in the background; the sequencer must not block on it.
func (p *player) Navigate(ctx context.Context, step flow.Step) {
	if p.host {
		p.sess.record(func(r *Result) { r.Games = append(r.Games, step.Game) })
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.play(ctx, step); err != nil && !errors.Is(err, context.Canceled) {
			p.sess.fail(fmt.Errorf("%s playing %s: %w", p.name, step.Game, err))
		}
	}()
}

func (p *player) Completed(ctx context.Context, pin string) {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *player) Fatal(ctx context.Context, err error) {
	p.sess.fail(err)
}

func (p *player) play(ctx context.Context, step flow.Step) error {
	game, err := p.registry.Lookup(step.Game)
	if err != nil {
		return err
	}
	p.log.WithField("game", step.Game).Debug("playing")

	switch g := game.(type) {
	case *minigames.PhotoEscape:
		return p.playPhotoEscape(ctx, g)
	case *minigames.LoveQuestions:
		q, err := g.Reveal(ctx, p.sess.pin, p.name)
		if err != nil {
			return err
		}
		p.sess.record(func(r *Result) { r.LoveQuestion = q })
		if p.host {
			return g.Finish(ctx, p.sess.pin)
		}
		return nil
	case *minigames.FaceSwap:
		return p.playMemory(ctx, g)
	case *minigames.PersonalQuestion:
		return p.playPersonalQuestion(ctx, g)
	default:
		return fmt.Errorf("no strategy for %s", step.Game)
	}
}

func (p *player) playPhotoEscape(ctx context.Context, g *minigames.PhotoEscape) error {
	item, err := g.Ready(ctx, p.sess.pin, p.name)
	if err != nil {
		return err
	}
	p.sess.record(func(r *Result) { r.Item = item })
	for attempt := 1; attempt <= maxPhotoAttempts; attempt++ {
		found, err := g.SubmitPhoto(ctx, p.sess.pin, p.name, photoPNG)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		p.log.WithField("attempt", attempt).Info("item not found in photo, retrying")
	}
	return fmt.Errorf("could not find %q in %d photos", item, maxPhotoAttempts)
}

func (p *player) playPersonalQuestion(ctx context.Context, g *minigames.PersonalQuestion) error {
	if _, err := minigames.WaitFor(ctx, p.deps.Store, models.PersonalQuestionPath(p.sess.pin), func(s store.Snapshot) bool {
		return s.Child("roles/subject").String() != ""
	}); err != nil {
		return err
	}
	return g.Answer(ctx, p.sess.pin, p.name, answers[p.intn(len(answers))])
}

// playMemory takes turns until the round is over.
func (p *player) playMemory(ctx context.Context, g *minigames.FaceSwap) error {
	bot := newMemoryBot(rand.New(rand.NewSource(int64(p.intn(1 << 30)))))
	changed := make(chan struct{}, 1)
	over := make(chan struct{})
	var overOnce sync.Once

	eng := g.Engine(p.sess.pin, p.name, matching.Options{
		MismatchDelay: p.opts.MismatchDelay,
		Logger:        p.opts.Logger,
		OnChange: func(models.MemoryGame) {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
		OnPeerFlip: bot.remember,
		OnGameOver: func(string, map[string]int) {
			overOnce.Do(func() { close(over) })
		},
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}
	p.coord.Track(eng.Subscription())

	for {
		select {
		case <-over:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
		if err := p.takeTurn(ctx, eng, bot); err != nil {
			return err
		}
	}
}

// takeTurn flips cards while it is this player's move.
func (p *player) takeTurn(ctx context.Context, eng *matching.Engine, bot *memoryBot) error {
	for {
		game, ok := eng.Snapshot()
		if !ok || game.GameOver || game.CurrentPlayer != p.name || len(game.Pending()) >= 2 {
			return nil
		}
		card := bot.choose(&game)
		if card < 0 {
			return nil
		}
		res, err := eng.Flip(ctx, card)
		if err != nil {
			return err
		}
		if res.Outcome == matching.Rejected {
			p.log.WithField("card", card).Debugf("flip rejected: %s", res.Reason)
			return nil
		}
		bot.remember(res.Card)
		p.sess.record(func(r *Result) { r.Flips++ })
	}
}
