package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/pairplay/internal/auth"
	"github.com/jason-s-yu/pairplay/internal/blob"
	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	ts    *httptest.Server
	srv   *Server
	store *store.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	issuer, err := auth.NewIssuer(time.Hour)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.NewMemoryStore()
	blobs := blob.NewMemoryStore("http://blobs.test")
	srv := NewServer(st, blobs, issuer, nil, logger)
	srv.PublicURL = "https://pairplay.test"
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		st.Close()
	})
	return &harness{ts: ts, srv: srv, store: st}
}

func (h *harness) do(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) guest(t *testing.T, name string) guestResponse {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/auth/guest", "", strings.NewReader(`{"name":"`+name+`"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var g guestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&g))
	return g
}

func (h *harness) createRoom(t *testing.T, token string) string {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/rooms", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out["pin"], 4)
	return out["pin"]
}

// TestGuestRoomLifecycle runs create, join, a rejected third join and both exits.
func TestGuestRoomLifecycle(t *testing.T) {
	h := newHarness(t)
	alex, sam, kim := h.guest(t, "Alex"), h.guest(t, "Sam"), h.guest(t, "Kim")
	assert.NotEqual(t, alex.ID, sam.ID)

	pin := h.createRoom(t, alex.Token)

	resp := h.do(t, http.MethodPost, "/rooms/"+pin+"/join", sam.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var joined struct {
		Participants []string `json:"participants"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&joined))
	assert.ElementsMatch(t, []string{"Alex", "Sam"}, joined.Participants)

	resp = h.do(t, http.MethodPost, "/rooms/"+pin+"/join", kim.Token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/rooms/"+pin+"/", kim.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/rooms/"+pin+"/start", sam.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/rooms/"+pin+"/", alex.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rm models.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rm))
	assert.True(t, rm.GameStarted)
	assert.Equal(t, alex.ID, rm.HostID)

	resp = h.do(t, http.MethodPost, "/rooms/"+pin+"/exit", alex.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exit map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exit))
	assert.Equal(t, false, exit["deleted"])

	// A retried exit from the same client counts once.
	resp = h.do(t, http.MethodPost, "/rooms/"+pin+"/exit", alex.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exit = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exit))
	assert.Equal(t, false, exit["deleted"])
	assert.EqualValues(t, 1, exit["exited"])

	resp = h.do(t, http.MethodPost, "/rooms/"+pin+"/exit", sam.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exit = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exit))
	assert.Equal(t, true, exit["deleted"])

	snap, err := h.store.Get(context.Background(), models.RoomPath(pin))
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestJoinUnknownRoom(t *testing.T) {
	h := newHarness(t)
	sam := h.guest(t, "Sam")
	resp := h.do(t, http.MethodPost, "/rooms/0000/join", sam.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJoinWithTakenNameConflicts(t *testing.T) {
	h := newHarness(t)
	alex := h.guest(t, "Alex")
	pin := h.createRoom(t, alex.Token)

	other := h.guest(t, "Alex")
	resp := h.do(t, http.MethodPost, "/rooms/"+pin+"/join", other.Token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/rooms", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGuestNeedsName(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/auth/guest", "", strings.NewReader(`{"name":"  "}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndEarlyIsHostOnly(t *testing.T) {
	h := newHarness(t)
	alex, sam := h.guest(t, "Alex"), h.guest(t, "Sam")
	pin := h.createRoom(t, alex.Token)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/rooms/"+pin+"/join", sam.Token, nil).StatusCode)

	resp := h.do(t, http.MethodPost, "/rooms/"+pin+"/end", sam.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/rooms/"+pin+"/end", alex.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/rooms/"+pin+"/end", alex.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomQRCode(t *testing.T) {
	h := newHarness(t)
	alex := h.guest(t, "Alex")
	pin := h.createRoom(t, alex.Token)

	resp := h.do(t, http.MethodGet, "/rooms/"+pin+"/qr", alex.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	png, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
	assert.Equal(t, "https://pairplay.test/join/"+pin, h.srv.joinURL(pin))
}

func TestSelfieUpload(t *testing.T) {
	h := newHarness(t)
	alex := h.guest(t, "Alex")
	pin := h.createRoom(t, alex.Token)

	resp := h.do(t, http.MethodPut, "/rooms/"+pin+"/selfie", alex.Token, bytes.NewReader([]byte("jpeg-bytes")))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, strings.HasPrefix(out["url"], "http://blobs.test/blobs/selfies/Alex_"))

	snap, err := h.store.Get(context.Background(), models.SelfiePath(pin, "Alex"))
	require.NoError(t, err)
	assert.Equal(t, out["url"], snap.String())
}

func TestBlobRoundTrip(t *testing.T) {
	h := newHarness(t)
	alex := h.guest(t, "Alex")

	resp := h.do(t, http.MethodPut, "/blobs/photos/1.png", alex.Token, bytes.NewReader([]byte("png-bytes")))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/blobs/photos/1.png", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	resp = h.do(t, http.MethodPut, "/blobs/secrets/1.png", alex.Token, bytes.NewReader([]byte("x")))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/blobs/photos/missing.png", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPinOf(t *testing.T) {
	pin, err := pinOf("room/4821/memoryGame/cards")
	require.NoError(t, err)
	assert.Equal(t, "4821", pin)

	for _, bad := range []string{"", "room", "users/1", "room//x"} {
		_, err := pinOf(bad)
		assert.ErrorIs(t, err, store.ErrInvalidPath, bad)
	}
}

func dialTree(t *testing.T, h *harness, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.ts.URL, "http")+"/tree/ws?token="+token, &websocket.DialOptions{
		Subprotocols: []string{TreeSubprotocol},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func sendTree(t *testing.T, c *websocket.Conn, req map[string]any) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, data))
}

// readUntil reads messages until match accepts one.
func readUntil(t *testing.T, c *websocket.Conn, match func(treeMessage) bool) treeMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		var msg treeMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func TestTreeSocketStreamsRoomChanges(t *testing.T) {
	h := newHarness(t)
	alex, sam := h.guest(t, "Alex"), h.guest(t, "Sam")
	pin := h.createRoom(t, alex.Token)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/rooms/"+pin+"/join", sam.Token, nil).StatusCode)

	watcher := dialTree(t, h, sam.Token)
	sendTree(t, watcher, map[string]any{"id": 1, "op": "subscribe", "path": models.GameIndexPath(pin)})
	readUntil(t, watcher, func(m treeMessage) bool { return m.ID == 1 && m.Op == "ok" })

	writer := dialTree(t, h, alex.Token)
	sendTree(t, writer, map[string]any{"id": 7, "op": "set", "path": models.GameIndexPath(pin), "value": 2})
	readUntil(t, writer, func(m treeMessage) bool { return m.ID == 7 && m.Op == "ok" })

	got := readUntil(t, watcher, func(m treeMessage) bool { return m.ID == 1 && m.Op == "value" && m.Value != nil })
	assert.Equal(t, float64(2), got.Value)

	sendTree(t, writer, map[string]any{"id": 8, "op": "get", "path": models.GameIndexPath(pin)})
	got = readUntil(t, writer, func(m treeMessage) bool { return m.ID == 8 })
	assert.Equal(t, "ok", got.Op)
	assert.Equal(t, float64(2), got.Value)

	// Deleting the room tells subscribers once.
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/rooms/"+pin+"/end", alex.Token, nil).StatusCode)
	gone := readUntil(t, watcher, func(m treeMessage) bool { return m.Op == "gone" })
	assert.Equal(t, models.RoomPath(pin), gone.Path)
}

func TestTreeSocketDropsClientThatStopsReading(t *testing.T) {
	h := newHarness(t)
	h.srv.TreeWriteTimeout = 100 * time.Millisecond
	alex := h.guest(t, "Alex")
	pin := h.createRoom(t, alex.Token)
	path := models.RoomPath(pin) + "/scratch"

	c := dialTree(t, h, alex.Token)
	sendTree(t, c, map[string]any{"id": 1, "op": "subscribe", "path": path})
	readUntil(t, c, func(m treeMessage) bool { return m.ID == 1 && m.Op == "ok" })
	require.Equal(t, int64(1), h.srv.trees.Load())

	// From here on the client never reads. Large updates back up the socket and the queue,
	// then more requests leave the reader waiting on replies it cannot deliver.
	ctx := context.Background()
	for i := 0; i < 64; i++ {
		require.NoError(t, h.store.Set(ctx, path, strings.Repeat(string(rune('a'+i%26)), 512<<10)))
	}
	for i := 0; i < 64; i++ {
		data, _ := json.Marshal(map[string]any{"id": 100 + i, "op": "get", "path": path})
		wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		err := c.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			break
		}
	}

	require.Eventually(t, func() bool { return h.srv.trees.Load() == 0 }, 10*time.Second, 20*time.Millisecond)
}

func TestTreeSocketRejectsOutsiders(t *testing.T) {
	h := newHarness(t)
	alex, kim := h.guest(t, "Alex"), h.guest(t, "Kim")
	pin := h.createRoom(t, alex.Token)

	c := dialTree(t, h, kim.Token)
	sendTree(t, c, map[string]any{"id": 1, "op": "get", "path": models.RoomPath(pin)})
	msg := readUntil(t, c, func(m treeMessage) bool { return m.ID == 1 })
	assert.Equal(t, "error", msg.Op)

	sendTree(t, c, map[string]any{"id": 2, "op": "get", "path": "users/" + kim.ID})
	msg = readUntil(t, c, func(m treeMessage) bool { return m.ID == 2 })
	assert.Equal(t, "error", msg.Op)
}

func TestTreeSocketClosesOnBadToken(t *testing.T) {
	h := newHarness(t)
	c := dialTree(t, h, "bogus")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, InvalidAuthTokenError, websocket.CloseStatus(err))
}

type sink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *sink) Publish(_ context.Context, a models.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, a.ActionType)
	return nil
}

func (h *harness) flip(t *testing.T, pin, token string, card int) flipResponse {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/rooms/"+pin+"/flip", token, strings.NewReader(`{"card":`+strconv.Itoa(card)+`}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out flipResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestFlipThroughServer(t *testing.T) {
	h := newHarness(t)
	actions := &sink{}
	h.srv.Actions = actions
	alex, sam := h.guest(t, "Alex"), h.guest(t, "Sam")
	pin := h.createRoom(t, alex.Token)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/rooms/"+pin+"/join", sam.Token, nil).StatusCode)

	game := models.MemoryGame{
		Cards: []models.Card{
			{ID: 0, PairID: "p0"}, {ID: 1, PairID: "p0"},
			{ID: 2, PairID: "p1"}, {ID: 3, PairID: "p1"},
		},
		CurrentPlayer: "Alex",
		PlayerScores:  map[string]int{"Alex": 0, "Sam": 0},
	}
	require.NoError(t, h.store.Set(context.Background(), models.MemoryGamePath(pin), game))

	out := h.flip(t, pin, sam.Token, 2)
	assert.Equal(t, "rejected", out.Outcome)
	assert.Equal(t, "not your turn", out.Reason)

	out = h.flip(t, pin, alex.Token, 0)
	assert.Equal(t, "pending", out.Outcome)
	out = h.flip(t, pin, alex.Token, 1)
	assert.Equal(t, "matched", out.Outcome)
	assert.Equal(t, 1, out.Scores["Alex"])
	assert.Equal(t, "Alex", out.CurrentPlayer)

	h.flip(t, pin, alex.Token, 2)
	out = h.flip(t, pin, alex.Token, 3)
	assert.True(t, out.GameOver)
	assert.Equal(t, "Alex", out.Winner)

	actions.mu.Lock()
	defer actions.mu.Unlock()
	assert.Equal(t, []string{"flip", "flip", "match", "flip", "flip", "match", "round_over"}, actions.kinds)

	resp := h.do(t, http.MethodPost, "/rooms/"+pin+"/flip", alex.Token, strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMismatchTurnsBackWhenFlipperDisconnects(t *testing.T) {
	h := newHarness(t)
	h.srv.MismatchDelay = 300 * time.Millisecond
	alex, sam := h.guest(t, "Alex"), h.guest(t, "Sam")
	pin := h.createRoom(t, alex.Token)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/rooms/"+pin+"/join", sam.Token, nil).StatusCode)

	game := models.MemoryGame{
		Cards: []models.Card{
			{ID: 0, PairID: "p0"}, {ID: 1, PairID: "p0"},
			{ID: 2, PairID: "p1"}, {ID: 3, PairID: "p1"},
		},
		CurrentPlayer: "Alex",
		PlayerScores:  map[string]int{"Alex": 0, "Sam": 0},
	}
	require.NoError(t, h.store.Set(context.Background(), models.MemoryGamePath(pin), game))
	assert.Equal(t, "pending", h.flip(t, pin, alex.Token, 0).Outcome)

	// The client gives up while the mismatched pair is still showing.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.ts.URL+"/rooms/"+pin+"/flip", strings.NewReader(`{"card":2}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alex.Token)
	_, err = h.ts.Client().Do(req)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		snap, err := h.store.Get(context.Background(), models.MemoryGamePath(pin))
		require.NoError(t, err)
		var g models.MemoryGame
		require.NoError(t, snap.Decode(&g))
		return g.CurrentPlayer == "Sam" && len(g.Pending()) == 0
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, "rejected", h.flip(t, pin, alex.Token, 3).Outcome)
	out := h.flip(t, pin, sam.Token, 2)
	assert.Equal(t, "pending", out.Outcome)
	assert.Equal(t, "Sam", out.CurrentPlayer)
}
