package matching

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances one millisecond per Now call and releases After only when told to.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits chan time.Duration
	fire  chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.UnixMilli(1_700_000_000_000),
		waits: make(chan time.Duration, 8),
		fire:  make(chan time.Time, 8),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.waits <- d
	return c.fire
}

type recordingSink struct {
	mu      sync.Mutex
	actions []models.Action
}

func (s *recordingSink) Publish(_ context.Context, a models.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a.ActionType)
	}
	return out
}

func makePairs(n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{
			Key:  fmt.Sprintf("swap%d", i),
			URL1: fmt.Sprintf("https://img/%d_1.jpg", i),
			URL2: fmt.Sprintf("https://img/%d_2.jpg", i),
		}
	}
	return pairs
}

// handDeck lays out 16 cards where 0 and 5 share a pair and 1 and 2 do not.
func handDeck() []models.Card {
	order := []string{"p0", "p1", "p2", "p3", "p4", "p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7", "p5", "p6", "p7"}
	cards := make([]models.Card, len(order))
	for i, pid := range order {
		cards[i] = models.Card{ID: i, PairID: pid, ImageURL: "https://img/" + pid}
	}
	return cards
}

// seedRoom writes a two-player room with Alex to move.
func seedRoom(t *testing.T, st store.Store, pin string, cards []models.Card) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, models.ParticipantsPath(pin), map[string]any{
		"u-alex": map[string]any{"name": "Alex", "joinedAt": 1},
		"u-sam":  map[string]any{"name": "Sam", "joinedAt": 2},
	}))
	require.NoError(t, st.Set(ctx, models.MemoryGamePath(pin), NewGame(cards, "Alex", []string{"Alex", "Sam"})))
}

func readGame(t *testing.T, st store.Store, pin string) models.MemoryGame {
	t.Helper()
	snap, err := st.Get(context.Background(), models.MemoryGamePath(pin))
	require.NoError(t, err)
	var g models.MemoryGame
	require.NoError(t, snap.Decode(&g))
	return g
}

func TestBuildDeckEveryPairTwice(t *testing.T) {
	for _, v := range []Variant{Full, Short} {
		deck, err := BuildDeck(makePairs(10), v, rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		assert.Len(t, deck, v.Pairs()*2)
		assert.Zero(t, len(deck)%2)

		count := map[string]int{}
		for i, c := range deck {
			assert.Equal(t, i, c.ID, "ids are sequential after the shuffle")
			assert.False(t, c.IsFlipped)
			assert.False(t, c.IsMatched)
			count[c.PairID]++
		}
		assert.Len(t, count, v.Pairs())
		for pid, n := range count {
			assert.Equal(t, 2, n, "pair %s", pid)
		}
	}
}

func TestBuildDeckShuffles(t *testing.T) {
	pairs := makePairs(8)
	orderings := map[string]bool{}
	for seed := int64(0); seed < 50; seed++ {
		deck, err := BuildDeck(pairs, Full, rand.New(rand.NewSource(seed)))
		require.NoError(t, err)

		urls := make([]string, len(deck))
		seen := map[string]int{}
		for i, c := range deck {
			urls[i] = c.ImageURL
			seen[c.ImageURL]++
		}
		for _, p := range pairs {
			assert.Equal(t, 1, seen[p.URL1])
			assert.Equal(t, 1, seen[p.URL2])
		}
		orderings[strings.Join(urls, ",")] = true
	}
	assert.Greater(t, len(orderings), 1)
}

func TestBuildDeckInsufficientPairs(t *testing.T) {
	_, err := BuildDeck(makePairs(7), Full, nil)
	assert.ErrorIs(t, err, ErrInsufficientPairs)

	deck, err := BuildDeck(makePairs(3), Short, nil)
	require.NoError(t, err)
	assert.Len(t, deck, 6)
}

func TestCollectPairsSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Set(ctx, models.FaceSwapsPath("1"), map[string]any{
		"a": map[string]any{"url1": []string{"https://x/a1"}, "url2": []string{"https://x/a2"}},
		"b": map[string]any{"url1": []string{"https://x/b1"}},
		"c": map[string]any{"url1": "https://x/c1", "url2": "https://x/c2"},
		"d": "garbage",
	}))
	snap, err := st.Get(ctx, models.FaceSwapsPath("1"))
	require.NoError(t, err)

	pairs := CollectPairs(snap, logrus.New())
	require.Len(t, pairs, 2)
	assert.Equal(t, Pair{Key: "a", URL1: "https://x/a1", URL2: "https://x/a2"}, pairs[0])
	assert.Equal(t, "c", pairs[1].Key)
}

func TestSetupWritesRound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	swaps := map[string]any{}
	for _, p := range makePairs(8) {
		swaps[p.Key] = map[string]any{"url1": []string{p.URL1}, "url2": []string{p.URL2}}
	}
	require.NoError(t, st.Set(ctx, models.FaceSwapsPath("4821"), swaps))

	_, err := Setup(ctx, st, "4821", "Alex", []string{"Alex", "Sam"}, Full, rand.New(rand.NewSource(3)), nil)
	require.NoError(t, err)

	g := readGame(t, st, "4821")
	assert.Len(t, g.Cards, 16)
	assert.Equal(t, "Alex", g.CurrentPlayer)
	assert.Equal(t, map[string]int{"Alex": 0, "Sam": 0}, g.PlayerScores)
	assert.False(t, g.GameOver)

	_, err = Setup(ctx, st, "9999", "Alex", nil, Short, nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientPairs)
}

func TestFlipOutOfTurnLeavesDeckUntouched(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedRoom(t, st, "1", handDeck())
	before := readGame(t, st, "1")

	sam := NewEngine(st, "1", "Sam", Options{})
	res, err := sam.Flip(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, ReasonNotYourTurn, res.Reason)
	assert.Equal(t, before, readGame(t, st, "1"))
}

func TestThirdFlipRejectedWhileTwoPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cards := handDeck()
	cards[1].IsFlipped = true
	cards[2].IsFlipped = true
	cards[1].PressedAt = time.Now().UnixMilli()
	cards[2].PressedAt = cards[1].PressedAt
	seedRoom(t, st, "1", cards)
	before := readGame(t, st, "1")

	alex := NewEngine(st, "1", "Alex", Options{})
	res, err := alex.Flip(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, ReasonTwoPending, res.Reason)
	assert.Equal(t, before, readGame(t, st, "1"))
}

func TestCheckFlipReasons(t *testing.T) {
	g := NewGame(handDeck(), "Alex", []string{"Alex", "Sam"})
	assert.Equal(t, ReasonNoGame, CheckFlip(nil, "Alex", 0))
	assert.Equal(t, ReasonUnknownCard, CheckFlip(&g, "Alex", 99))
	g.Cards[4].IsMatched = true
	assert.Equal(t, ReasonCardUnavailable, CheckFlip(&g, "Alex", 4))
	assert.Equal(t, ReasonNone, CheckFlip(&g, "Alex", 3))
	g.GameOver = true
	assert.Equal(t, ReasonRoundOver, CheckFlip(&g, "Alex", 3))
}

func TestMatchKeepsTurnAndScores(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedRoom(t, st, "1", handDeck())
	sink := &recordingSink{}
	alex := NewEngine(st, "1", "Alex", Options{Actions: sink, Clock: newFakeClock()})

	res, err := alex.Flip(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Pending, res.Outcome)
	assert.Equal(t, AwaitingSecondFlip, alex.State())

	res, err = alex.Flip(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.False(t, res.GameOver)

	g := readGame(t, st, "1")
	assert.True(t, g.Cards[0].IsMatched)
	assert.True(t, g.Cards[5].IsMatched)
	assert.Equal(t, 1, g.PlayerScores["Alex"])
	assert.Equal(t, 0, g.PlayerScores["Sam"])
	assert.Equal(t, "Alex", g.CurrentPlayer)
	assert.Equal(t, int64(2), g.Version)
	assert.Equal(t, []string{"flip", "flip", "match"}, sink.types())
}

func TestMismatchPassesTurnAfterDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st := store.NewMemoryStore()
	seedRoom(t, st, "1", handDeck())
	clock := newFakeClock()
	alex := NewEngine(st, "1", "Alex", Options{Clock: clock})

	_, err := alex.Flip(ctx, 1)
	require.NoError(t, err)

	done := make(chan FlipResult, 1)
	go func() {
		res, err := alex.Flip(ctx, 2)
		assert.NoError(t, err)
		done <- res
	}()

	assert.Equal(t, MismatchDelay, <-clock.waits)
	assert.Equal(t, Resolving, alex.State())
	g := readGame(t, st, "1")
	assert.True(t, g.Cards[1].IsFlipped, "both faces stay visible during the delay")
	assert.True(t, g.Cards[2].IsFlipped)

	busy, err := alex.Flip(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, ReasonResolving, busy.Reason)

	clock.fire <- time.Now()
	res := <-done
	assert.Equal(t, Mismatched, res.Outcome)
	assert.Equal(t, "Sam", res.CurrentPlayer)

	g = readGame(t, st, "1")
	assert.False(t, g.Cards[1].IsFlipped)
	assert.False(t, g.Cards[2].IsFlipped)
	assert.Equal(t, "Sam", g.CurrentPlayer)
	assert.Equal(t, Idle, alex.State())
}

func TestMismatchSettlesAfterCallerGivesUp(t *testing.T) {
	st := store.NewMemoryStore()
	seedRoom(t, st, "1", handDeck())
	clock := newFakeClock()
	alex := NewEngine(st, "1", "Alex", Options{Clock: clock})

	_, err := alex.Flip(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		res, err := alex.Flip(ctx, 2)
		assert.Equal(t, Mismatched, res.Outcome)
		done <- err
	}()
	<-clock.waits
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	g := readGame(t, st, "1")
	assert.Equal(t, []int{1, 2}, g.Pending(), "faces stay up until the delay is over")
	busy, err := alex.Flip(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, ReasonResolving, busy.Reason)

	clock.fire <- time.Now()
	require.Eventually(t, func() bool {
		g := readGame(t, st, "1")
		return g.CurrentPlayer == "Sam" && len(g.Pending()) == 0
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return alex.State() == Idle }, time.Second, 5*time.Millisecond)
}

// abandonedMismatch leaves Alex's cards 1 and 2 face up from well before the delay.
func abandonedMismatch(t *testing.T, st store.Store) *fakeClock {
	t.Helper()
	clock := newFakeClock()
	cards := handDeck()
	for _, i := range []int{1, 2} {
		cards[i].IsFlipped = true
		cards[i].PressedAt = clock.now.Add(-10 * time.Second).UnixMilli()
	}
	seedRoom(t, st, "1", cards)
	return clock
}

func TestPeerTurnsBackAbandonedMismatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clock := abandonedMismatch(t, st)
	sam := NewEngine(st, "1", "Sam", Options{Clock: clock})

	res, err := sam.Flip(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, Pending, res.Outcome)

	g := readGame(t, st, "1")
	assert.False(t, g.Cards[1].IsFlipped)
	assert.False(t, g.Cards[2].IsFlipped)
	assert.True(t, g.Cards[3].IsFlipped)
	assert.Equal(t, "Sam", g.CurrentPlayer)
}

func TestFlipperTurnsBackOwnAbandonedMismatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clock := abandonedMismatch(t, st)
	alex := NewEngine(st, "1", "Alex", Options{Clock: clock})

	res, err := alex.Flip(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, ReasonNotYourTurn, res.Reason)

	g := readGame(t, st, "1")
	assert.Empty(t, g.Pending())
	assert.Equal(t, "Sam", g.CurrentPlayer)
}

func TestSettleFallsBackToSelfWithoutPartner(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cards := handDeck()
	cards[1].IsFlipped = true
	cards[2].IsFlipped = true
	require.NoError(t, st.Set(ctx, models.ParticipantsPath("1"), map[string]any{"u-alex": map[string]any{"name": "Alex"}}))
	require.NoError(t, st.Set(ctx, models.MemoryGamePath("1"), NewGame(cards, "Alex", []string{"Alex"})))

	alex := NewEngine(st, "1", "Alex", Options{})
	require.NoError(t, alex.settle(ctx, "Alex", [2]int{1, 2}))
	g := readGame(t, st, "1")
	assert.Equal(t, "Alex", g.CurrentPlayer)
	assert.Empty(t, g.Pending())

	// A second resolution of the same pair is a no-op.
	require.NoError(t, alex.settle(ctx, "Alex", [2]int{1, 2}))
	assert.Equal(t, g.Version, readGame(t, st, "1").Version)
}

func TestStartResumesStaleMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st := store.NewMemoryStore()
	cards := handDeck()
	cards[1].IsFlipped = true
	cards[2].IsFlipped = true
	seedRoom(t, st, "1", cards)

	clock := newFakeClock()
	alex := NewEngine(st, "1", "Alex", Options{Clock: clock})
	require.NoError(t, alex.Start(ctx))
	defer alex.Stop()

	// Start resolves straight away through settle, without the visible delay.
	require.Eventually(t, func() bool {
		return readGame(t, st, "1").CurrentPlayer == "Sam"
	}, time.Second, 5*time.Millisecond)
}

func TestApplyDropsOlderSnapshot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	path := models.MemoryGamePath("1")

	snapshotAt := func(version int64) store.Snapshot {
		g := NewGame(handDeck(), "Alex", []string{"Alex", "Sam"})
		g.Version = version
		require.NoError(t, st.Set(ctx, path, g))
		snap, err := st.Get(ctx, path)
		require.NoError(t, err)
		return snap
	}
	older, newer := snapshotAt(3), snapshotAt(5)

	var seen []int64
	alex := NewEngine(st, "1", "Alex", Options{OnChange: func(g models.MemoryGame) {
		seen = append(seen, g.Version)
	}})
	alex.apply(newer)
	alex.apply(older)

	assert.Equal(t, []int64{5}, seen)
	game, ok := alex.Snapshot()
	require.True(t, ok)
	assert.Equal(t, int64(5), game.Version)
}

func TestDetermineWinner(t *testing.T) {
	cases := []struct {
		scores map[string]int
		want   string
	}{
		{map[string]int{}, "No one"},
		{nil, "No one"},
		{map[string]int{"A": 5}, "A"},
		{map[string]int{"A": 3, "B": 3}, "No one, it's a tie!"},
		{map[string]int{"A": 5, "B": 2}, "A"},
		{map[string]int{"A": 1, "B": 4}, "B"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetermineWinner(tc.scores), "%v", tc.scores)
	}
}

func TestPressWatcherStrictlyNewer(t *testing.T) {
	w := NewPressWatcher()
	cards := []models.Card{{ID: 0, IsFlipped: true, PressedAt: 10}, {ID: 1}}
	assert.Len(t, w.Observe(cards), 1)
	assert.Empty(t, w.Observe(cards), "a replay of the same value is not a new press")

	cards[0].PressedAt = 10
	cards[0].IsFlipped = false
	assert.Empty(t, w.Observe(cards))
	cards[0].IsFlipped = true
	cards[0].PressedAt = 11
	fresh := w.Observe(cards)
	require.Len(t, fresh, 1)
	assert.Equal(t, int64(11), fresh[0].PressedAt)
}

func TestEndToEndRoom4821(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st := store.NewMemoryStore()
	seedRoom(t, st, "4821", handDeck())

	var mu sync.Mutex
	var peerFlips []int
	clock := newFakeClock()
	alex := NewEngine(st, "4821", "Alex", Options{Clock: clock})
	sam := NewEngine(st, "4821", "Sam", Options{
		Clock: clock,
		OnPeerFlip: func(c models.Card) {
			mu.Lock()
			peerFlips = append(peerFlips, c.ID)
			mu.Unlock()
		},
	})
	require.NoError(t, alex.Start(ctx))
	require.NoError(t, sam.Start(ctx))
	defer alex.Stop()
	defer sam.Stop()

	_, err := alex.Flip(ctx, 0)
	require.NoError(t, err)
	res, err := alex.Flip(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)

	g := readGame(t, st, "4821")
	assert.Equal(t, map[string]int{"Alex": 1, "Sam": 0}, g.PlayerScores)
	assert.False(t, g.GameOver)
	assert.Equal(t, "Alex", g.CurrentPlayer)

	_, err = alex.Flip(ctx, 1)
	require.NoError(t, err)
	go func() {
		<-clock.waits
		clock.fire <- time.Now()
	}()
	res, err = alex.Flip(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, Mismatched, res.Outcome)

	g = readGame(t, st, "4821")
	assert.False(t, g.Cards[1].IsFlipped)
	assert.False(t, g.Cards[2].IsFlipped)
	assert.Equal(t, "Sam", g.CurrentPlayer)

	require.Eventually(t, func() bool {
		snap, ok := sam.Snapshot()
		return ok && snap.CurrentPlayer == "Sam"
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []int{0, 5, 1, 2}, peerFlips)
	mu.Unlock()

	res, err = sam.Flip(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, Pending, res.Outcome)
}

func TestGameOverObservedOnceByBothClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st := store.NewMemoryStore()
	deck, err := BuildDeck(makePairs(3), Short, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	seedRoom(t, st, "1", deck)

	var mu sync.Mutex
	winners := map[string][]string{}
	onOver := func(who string) func(string, map[string]int) {
		return func(winner string, _ map[string]int) {
			mu.Lock()
			winners[who] = append(winners[who], winner)
			mu.Unlock()
		}
	}
	sink := &recordingSink{}
	alex := NewEngine(st, "1", "Alex", Options{OnGameOver: onOver("Alex"), Actions: sink})
	sam := NewEngine(st, "1", "Sam", Options{OnGameOver: onOver("Sam")})
	require.NoError(t, alex.Start(ctx))
	require.NoError(t, sam.Start(ctx))
	defer alex.Stop()
	defer sam.Stop()

	byPair := map[string][]int{}
	for _, c := range deck {
		byPair[c.PairID] = append(byPair[c.PairID], c.ID)
	}
	var last FlipResult
	for _, ids := range byPair {
		for _, id := range ids {
			last, err = alex.Flip(ctx, id)
			require.NoError(t, err)
		}
	}
	assert.True(t, last.GameOver)
	assert.Equal(t, RoundOver, alex.State())

	require.NoError(t, st.Set(ctx, models.MemoryGamePath("1")+"/seen", true))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(winners["Alex"]) == 1 && len(winners["Sam"]) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"Alex"}, winners["Alex"])
	assert.Equal(t, []string{"Alex"}, winners["Sam"])
	mu.Unlock()

	types := sink.types()
	assert.Equal(t, "round_over", types[len(types)-1])
	res, err := alex.Flip(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonRoundOver, res.Reason)
}
