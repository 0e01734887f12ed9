package room

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(seed int64) (*Manager, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return NewManager(st, logrus.New(), rand.New(rand.NewSource(seed))), st
}

func TestCreateWritesHostAsOnlyParticipant(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(1)

	pin, err := m.Create(ctx, "u-alex", "Alex")
	require.NoError(t, err)
	assert.Len(t, pin, 4)

	room, err := m.Load(ctx, pin)
	require.NoError(t, err)
	assert.Equal(t, "u-alex", room.HostID)
	assert.False(t, room.GameStarted)
	assert.Nil(t, room.CurrentGameIndex)
	assert.NotZero(t, room.CreatedAt)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, "Alex", room.Participants["u-alex"].Name)
}

func TestCreateNeverOverwritesExistingPin(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(7)

	// Predict the first pin the seeded generator will draw and occupy it.
	draw := rand.New(rand.NewSource(7))
	taken := models.RoomPath(fmt.Sprintf("%04d", draw.Intn(10000)))
	require.NoError(t, st.Set(ctx, taken+"/hostId", "someone-else"))

	pin, err := m.Create(ctx, "u-alex", "Alex")
	require.NoError(t, err)
	assert.NotEqual(t, taken, models.RoomPath(pin))

	snap, err := st.Get(ctx, taken+"/hostId")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", snap.String())
}

func TestCreateRejectsMissingName(t *testing.T) {
	m, _ := newTestManager(1)
	_, err := m.Create(context.Background(), "u1", "  ")
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

func TestJoinUnknownPin(t *testing.T) {
	m, _ := newTestManager(1)
	err := m.Join(context.Background(), "4821", "u-sam", "Sam")
	assert.ErrorIs(t, err, ErrInvalidPin)
}

func TestJoinRefusesNameHeldByAnotherParticipant(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(5)
	pin, err := m.Create(ctx, "u-alex", "Alex")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Join(ctx, pin, "u-alex-2", "Alex"), ErrNameTaken)
	require.NoError(t, m.Join(ctx, pin, "u-alex", "Alex"), "the holder may rejoin")

	roster, err := m.Roster(ctx, pin)
	require.NoError(t, err)
	assert.Len(t, roster, 1)
}

func TestJoinSealsAtTwo(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(3)
	pin, err := m.Create(ctx, "u-alex", "Alex")
	require.NoError(t, err)

	require.NoError(t, m.Join(ctx, pin, "u-sam", "Sam"))
	require.NoError(t, m.Join(ctx, pin, "u-sam", "Sam"), "rejoin is idempotent")
	assert.ErrorIs(t, m.Join(ctx, pin, "u-kim", "Kim"), ErrRoomFull)

	roster, err := m.Roster(ctx, pin)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alex", "Sam"}, roster.Names())
	other, ok := roster.Other("Alex")
	assert.True(t, ok)
	assert.Equal(t, "Sam", other)
}

func TestAwaitPartnerUnblocksOnSecondJoin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, _ := newTestManager(5)
	pin, err := m.Create(ctx, "u-alex", "Alex")
	require.NoError(t, err)

	result := make(chan models.Roster, 1)
	go func() {
		r, err := m.AwaitPartner(ctx, pin)
		if err == nil {
			result <- r
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Join(ctx, pin, "u-sam", "Sam"))

	select {
	case r := <-result:
		assert.Len(t, r, 2)
	case <-ctx.Done():
		t.Fatal("AwaitPartner never observed the second participant")
	}
}

func TestStartGameAndReady(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(9)
	pin, err := m.Create(ctx, "u-alex", "Alex")
	require.NoError(t, err)

	require.NoError(t, m.SetReady(ctx, pin, "u-alex", true))
	assert.ErrorIs(t, m.SetReady(ctx, pin, "nobody", true), ErrInvalidPin)
	require.NoError(t, m.StartGame(ctx, pin))
	assert.ErrorIs(t, m.StartGame(ctx, "0000x"), ErrInvalidPin)

	room, err := m.Load(ctx, pin)
	require.NoError(t, err)
	assert.True(t, room.GameStarted)
	assert.True(t, room.Participants["u-alex"].Ready)
}
