// internal/matching/engine.go
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
)

// MismatchDelay is how long a mismatched pair stays face up before it is turned back.
const MismatchDelay = 2 * time.Second

// GameName tags memory game actions in the action log.
const GameName = "memory"

// State is the engine lifecycle as seen by one client.
type State int

const (
	Idle State = iota
	AwaitingSecondFlip
	Resolving
	RoundOver
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSecondFlip:
		return "awaiting_second_flip"
	case Resolving:
		return "resolving"
	case RoundOver:
		return "round_over"
	}
	return "unknown"
}

// Outcome is what an individual flip request turned into.
type Outcome int

const (
	Rejected Outcome = iota
	Pending
	Matched
	Mismatched
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Pending:
		return "pending"
	case Matched:
		return "matched"
	case Mismatched:
		return "mismatched"
	}
	return "unknown"
}

// RejectReason explains a rejected flip. Rejections are silent to the player.
type RejectReason string

const (
	ReasonNone            RejectReason = ""
	ReasonNoGame          RejectReason = "no game in progress"
	ReasonRoundOver       RejectReason = "round is over"
	ReasonNotYourTurn     RejectReason = "not your turn"
	ReasonResolving       RejectReason = "resolution in progress"
	ReasonTwoPending      RejectReason = "two cards already face up"
	ReasonUnknownCard     RejectReason = "no such card"
	ReasonCardUnavailable RejectReason = "card already face up or matched"
)

// FlipResult reports what a Flip did.
type FlipResult struct {
	Outcome       Outcome
	Reason        RejectReason
	Card          models.Card
	Pair          [2]int
	GameOver      bool
	CurrentPlayer string
	Scores        map[string]int
}

// CheckFlip decides whether player may flip cardID on g.
func CheckFlip(g *models.MemoryGame, player string, cardID int) RejectReason {
	switch {
	case g == nil || len(g.Cards) == 0:
		return ReasonNoGame
	case g.GameOver:
		return ReasonRoundOver
	case g.CurrentPlayer != player:
		return ReasonNotYourTurn
	case len(g.Pending()) >= 2:
		return ReasonTwoPending
	}
	i := g.IndexOf(cardID)
	if i < 0 {
		return ReasonUnknownCard
	}
	if c := g.Cards[i]; c.IsFlipped || c.IsMatched {
		return ReasonCardUnavailable
	}
	return ReasonNone
}

// Clock is injected so tests can drive the mismatch delay.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ActionSink receives every accepted move. cache.ActionLog implements it.
type ActionSink interface {
	Publish(ctx context.Context, action models.Action) error
}

// Options tune an Engine. Zero values get defaults.
type Options struct {
	MismatchDelay time.Duration
	Clock         Clock
	Actions       ActionSink
	Logger        *logrus.Logger

	// OnChange runs after every remote snapshot.
	OnChange func(models.MemoryGame)
	// OnPeerFlip runs once per card the other player turned over.
	OnPeerFlip func(models.Card)
	// OnGameOver runs once, the first time the round is seen to be over.
	OnGameOver func(winner string, scores map[string]int)
}

// Engine runs the memory game for one player of a room.
// Both clients run their own Engine against the same memoryGame node.
type Engine struct {
	store  store.Store
	pin    string
	player string
	opts   Options
	log    *logrus.Entry

	mu        sync.Mutex
	game      *models.MemoryGame
	resolving bool
	overFired bool
	presses   *PressWatcher
	actionIdx int
	sub       store.Subscription
}

// NewEngine builds an engine for player in room pin.
func NewEngine(st store.Store, pin, player string, opts Options) *Engine {
	if opts.MismatchDelay <= 0 {
		opts.MismatchDelay = MismatchDelay
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Engine{
		store:   st,
		pin:     pin,
		player:  player,
		opts:    opts,
		log:     opts.Logger.WithFields(logrus.Fields{"pin": pin, "player": player}),
		presses: NewPressWatcher(),
	}
}

// Start subscribes to the shared round. A mismatch this player left face up before
// reconnecting is turned back right away; its faces have already been shown.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.store.Subscribe(ctx, models.MemoryGamePath(e.pin), e.apply)
	if err != nil {
		return fmt.Errorf("subscribe memory game: %w", err)
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	snap, err := e.store.Get(ctx, models.MemoryGamePath(e.pin))
	if err != nil {
		return err
	}
	var g models.MemoryGame
	if err := snap.Decode(&g); err != nil {
		return err
	}
	if pair, ok := staleMismatch(&g, e.player); ok && e.claimResolution() {
		go func() {
			defer e.releaseResolution()
			if err := e.settle(ctx, e.player, pair); err != nil {
				e.log.Warnf("matching: resume resolution: %v", err)
			}
		}()
	}
	return nil
}

// Stop detaches the listener.
func (e *Engine) Stop() {
	if sub := e.Subscription(); sub != nil {
		sub.Close()
	}
}

// Subscription exposes the live listener for teardown.
func (e *Engine) Subscription() store.Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sub
}

// Snapshot returns the last known round, if any.
func (e *Engine) Snapshot() (models.MemoryGame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.game == nil {
		return models.MemoryGame{}, false
	}
	return *e.game, true
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return deriveState(e.game, e.resolving)
}

func deriveState(g *models.MemoryGame, resolving bool) State {
	switch {
	case g == nil:
		return Idle
	case g.GameOver:
		return RoundOver
	case resolving:
		return Resolving
	}
	switch len(g.Pending()) {
	case 0:
		return Idle
	case 1:
		return AwaitingSecondFlip
	}
	return Resolving
}

func (e *Engine) claimResolution() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolving {
		return false
	}
	e.resolving = true
	return true
}

func (e *Engine) releaseResolution() {
	e.mu.Lock()
	e.resolving = false
	e.mu.Unlock()
}

// Flip turns a card face up for this engine's player. Requests that break the rules come back
// as Rejected with a nil error. A mismatch blocks for the mismatch delay, then passes the turn.
// If ctx ends during the delay the pair is still turned back once the delay is over.
func (e *Engine) Flip(ctx context.Context, cardID int) (FlipResult, error) {
	if !e.claimResolution() {
		return FlipResult{Outcome: Rejected, Reason: ReasonResolving}, nil
	}
	handedOff := false
	defer func() {
		if !handedOff {
			e.releaseResolution()
		}
	}()

	res, snap, seen, err := e.tryFlip(ctx, cardID)
	if err != nil {
		return FlipResult{}, err
	}
	if res.Outcome == Rejected {
		owner, pair, ok := e.expiredMismatch(seen)
		if !ok {
			e.log.WithField("card", cardID).Debugf("flip ignored: %s", res.Reason)
			return res, nil
		}
		e.log.WithField("owner", owner).Info("turning back an abandoned mismatch")
		if err := e.settle(ctx, owner, pair); err != nil {
			return FlipResult{}, err
		}
		if res, snap, _, err = e.tryFlip(ctx, cardID); err != nil || res.Outcome == Rejected {
			return res, err
		}
	}
	e.remember(snap)

	e.publish(ctx, "flip", map[string]any{"card": res.Card.ID, "pairId": res.Card.PairID})
	switch res.Outcome {
	case Matched:
		e.publish(ctx, "match", map[string]any{"pairId": res.Card.PairID, "scores": res.Scores})
		if res.GameOver {
			e.publish(ctx, "round_over", map[string]any{
				"scores": res.Scores,
				"winner": DetermineWinner(res.Scores),
			})
		}
	case Mismatched:
		// The pair must be turned back even when the caller goes away.
		detached := context.WithoutCancel(ctx)
		delay := e.opts.Clock.After(e.opts.MismatchDelay)
		select {
		case <-delay:
		case <-ctx.Done():
			handedOff = true
			go func() {
				defer e.releaseResolution()
				<-delay
				if err := e.settle(detached, e.player, res.Pair); err != nil {
					e.log.Warnf("matching: resolve abandoned mismatch: %v", err)
				}
			}()
			return res, ctx.Err()
		}
		if err := e.settle(detached, e.player, res.Pair); err != nil {
			return res, err
		}
		if g, ok := e.Snapshot(); ok {
			res.CurrentPlayer = g.CurrentPlayer
		}
	}
	return res, nil
}

// tryFlip runs the flip transaction. A rejection is returned as a result with the round
// that caused it.
func (e *Engine) tryFlip(ctx context.Context, cardID int) (FlipResult, store.Snapshot, *models.MemoryGame, error) {
	var (
		res  FlipResult
		seen *models.MemoryGame
	)
	snap, err := e.store.Transact(ctx, models.MemoryGamePath(e.pin), func(cur store.Snapshot) (any, error) {
		res = FlipResult{Outcome: Rejected}
		seen = nil
		if !cur.Exists() {
			res.Reason = ReasonNoGame
			return nil, store.ErrAbort
		}
		var g models.MemoryGame
		if err := cur.Decode(&g); err != nil {
			return nil, err
		}
		if reason := CheckFlip(&g, e.player, cardID); reason != ReasonNone {
			res.Reason = reason
			seen = &g
			return nil, store.ErrAbort
		}

		i := g.IndexOf(cardID)
		stamp := e.opts.Clock.Now().UnixMilli()
		if stamp <= g.Cards[i].PressedAt {
			stamp = g.Cards[i].PressedAt + 1
		}
		g.Cards[i].IsFlipped = true
		g.Cards[i].PressedAt = stamp
		e.markOwnPress(cardID, stamp)
		res.Card = g.Cards[i]

		res.Outcome = Pending
		if pending := g.Pending(); len(pending) == 2 {
			a, b := g.Cards[pending[0]], g.Cards[pending[1]]
			res.Pair = [2]int{a.ID, b.ID}
			if a.PairID == b.PairID {
				for k := range g.Cards {
					if g.Cards[k].PairID == a.PairID {
						g.Cards[k].IsMatched = true
					}
				}
				if g.PlayerScores == nil {
					g.PlayerScores = map[string]int{}
				}
				g.PlayerScores[e.player]++
				g.GameOver = g.AllMatched()
				res.Outcome = Matched
			} else {
				res.Outcome = Mismatched
			}
		}
		g.Version++
		res.GameOver = g.GameOver
		res.CurrentPlayer = g.CurrentPlayer
		res.Scores = g.PlayerScores
		return g, nil
	})
	if errors.Is(err, store.ErrAbort) {
		return res, store.Snapshot{}, seen, nil
	}
	if err != nil {
		return FlipResult{}, store.Snapshot{}, nil, fmt.Errorf("flip card %d: %w", cardID, err)
	}
	return res, snap, nil, nil
}

// expiredMismatch finds a mismatched pair on g that stayed face up longer than the mismatch
// delay, which happens when the flipping client went away before turning it back.
func (e *Engine) expiredMismatch(g *models.MemoryGame) (string, [2]int, bool) {
	if g == nil {
		return "", [2]int{}, false
	}
	pair, ok := staleMismatch(g, g.CurrentPlayer)
	if !ok {
		return "", [2]int{}, false
	}
	last := g.Cards[g.IndexOf(pair[0])].PressedAt
	if p := g.Cards[g.IndexOf(pair[1])].PressedAt; p > last {
		last = p
	}
	if e.opts.Clock.Now().UnixMilli()-last < e.opts.MismatchDelay.Milliseconds() {
		return "", [2]int{}, false
	}
	return g.CurrentPlayer, pair, true
}

// settle turns a mismatched pair of owner's face down and hands the turn to the other
// participant. The write only lands if both cards are still pending and the turn has not
// moved, so when both clients try, exactly one resolution applies.
func (e *Engine) settle(ctx context.Context, owner string, pair [2]int) error {
	rosterSnap, err := e.store.Get(ctx, models.ParticipantsPath(e.pin))
	if err != nil {
		return fmt.Errorf("read roster: %w", err)
	}
	participants := map[string]models.Participant{}
	if err := rosterSnap.Decode(&participants); err != nil {
		return fmt.Errorf("decode roster: %w", err)
	}
	next, ok := models.RosterOf(participants).Other(owner)
	if !ok {
		next = owner
	}

	snap, err := e.store.Transact(ctx, models.MemoryGamePath(e.pin), func(cur store.Snapshot) (any, error) {
		var g models.MemoryGame
		if err := cur.Decode(&g); err != nil {
			return nil, err
		}
		if g.CurrentPlayer != owner {
			return nil, store.ErrAbort
		}
		ia, ib := g.IndexOf(pair[0]), g.IndexOf(pair[1])
		if ia < 0 || ib < 0 || !pending(g.Cards[ia]) || !pending(g.Cards[ib]) {
			return nil, store.ErrAbort
		}
		g.Cards[ia].IsFlipped = false
		g.Cards[ib].IsFlipped = false
		g.CurrentPlayer = next
		g.Version++
		return g, nil
	})
	if errors.Is(err, store.ErrAbort) {
		e.log.Debug("mismatch already resolved elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve mismatch: %w", err)
	}
	e.remember(snap)
	e.publish(ctx, "mismatch", map[string]any{"cards": []int{pair[0], pair[1]}, "next": next})
	return nil
}

func pending(c models.Card) bool { return c.IsFlipped && !c.IsMatched }

// staleMismatch finds an unresolved mismatched pair left on player's turn.
func staleMismatch(g *models.MemoryGame, player string) ([2]int, bool) {
	if g.GameOver || g.CurrentPlayer != player {
		return [2]int{}, false
	}
	p := g.Pending()
	if len(p) != 2 || g.Cards[p[0]].PairID == g.Cards[p[1]].PairID {
		return [2]int{}, false
	}
	return [2]int{g.Cards[p[0]].ID, g.Cards[p[1]].ID}, true
}

func (e *Engine) markOwnPress(cardID int, stamp int64) {
	e.mu.Lock()
	if stamp > e.presses.last[cardID] {
		e.presses.last[cardID] = stamp
	}
	e.mu.Unlock()
}

// remember stores the result of a local write unless a newer snapshot already arrived.
func (e *Engine) remember(snap store.Snapshot) {
	var g models.MemoryGame
	if err := snap.Decode(&g); err != nil {
		return
	}
	e.mu.Lock()
	if e.game == nil || g.Version >= e.game.Version {
		e.game = &g
	}
	e.mu.Unlock()
}

// apply handles every snapshot of the shared round. A snapshot older than the
// round already held is dropped.
func (e *Engine) apply(snap store.Snapshot) {
	if !snap.Exists() {
		e.mu.Lock()
		e.game = nil
		e.mu.Unlock()
		return
	}
	var g models.MemoryGame
	if err := snap.Decode(&g); err != nil {
		e.log.Warnf("matching: undecodable round: %v", err)
		return
	}

	e.mu.Lock()
	if e.game != nil && g.Version < e.game.Version {
		held := e.game.Version
		e.mu.Unlock()
		e.log.WithFields(logrus.Fields{"version": g.Version, "held": held}).Debug("matching: dropping older snapshot")
		return
	}
	e.game = &g
	peer := e.presses.Observe(g.Cards)
	over := g.GameOver && !e.overFired
	if over {
		e.overFired = true
	}
	e.mu.Unlock()

	if e.opts.OnChange != nil {
		e.opts.OnChange(g)
	}
	if e.opts.OnPeerFlip != nil {
		for _, c := range peer {
			e.opts.OnPeerFlip(c)
		}
	}
	if over {
		winner := DetermineWinner(g.PlayerScores)
		e.log.WithField("winner", winner).Info("memory game over")
		if e.opts.OnGameOver != nil {
			e.opts.OnGameOver(winner, g.PlayerScores)
		}
	}
}

func (e *Engine) publish(ctx context.Context, kind string, payload map[string]any) {
	if e.opts.Actions == nil {
		return
	}
	e.mu.Lock()
	idx := e.actionIdx
	e.actionIdx++
	e.mu.Unlock()

	action := models.Action{
		Room:        e.pin,
		Game:        GameName,
		ActionIndex: idx,
		Actor:       e.player,
		ActionType:  kind,
		Payload:     payload,
		Timestamp:   e.opts.Clock.Now().UnixMilli(),
	}
	if err := e.opts.Actions.Publish(ctx, action); err != nil {
		e.log.Warnf("matching: publish %s: %v", kind, err)
	}
}
