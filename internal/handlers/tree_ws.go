// internal/handlers/tree_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/pairplay/internal/auth"
	"github.com/jason-s-yu/pairplay/internal/middleware"
	"github.com/jason-s-yu/pairplay/internal/models"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/jason-s-yu/pairplay/internal/teardown"
	"github.com/sirupsen/logrus"
)

const defaultWriteTimeout = 5 * time.Second

// treeRequest is one client operation on the shared tree.
type treeRequest struct {
	ID    int             `json:"id"`
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// treeMessage is a reply ("ok", "error") or a push ("value", "gone").
type treeMessage struct {
	ID    int    `json:"id,omitempty"`
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// treeConn is one websocket client and the subscriptions it holds.
type treeConn struct {
	srv  *Server
	ws   *websocket.Conn
	user auth.Identity
	log  *logrus.Entry
	out  chan treeMessage

	writeTimeout time.Duration

	mu   sync.Mutex
	subs map[int]store.Subscription
	gone map[string]store.Subscription
}

// handleTreeWS serves /tree/ws: get, set, update, push, remove, subscribe and unsubscribe
// on paths inside rooms the caller belongs to.
func (s *Server) handleTreeWS(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{TreeSubprotocol},
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.Log.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != TreeSubprotocol {
		c.Close(BadSubprotocolError, "client must speak the "+TreeSubprotocol+" subprotocol")
		return
	}
	user, err := s.Issuer.Authenticate(middleware.TokenFrom(r))
	if err != nil {
		c.Close(InvalidAuthTokenError, "invalid auth token")
		return
	}

	middleware.LogWebSocketConnect(s.Log, remoteAddr, r.URL.Path, user.ID)
	ctx, cancel := context.WithCancel(r.Context())
	tc := &treeConn{
		srv:          s,
		ws:           c,
		user:         user,
		log:          s.Log.WithFields(logrus.Fields{"user": user.ID, "remote": remoteAddr}),
		out:          make(chan treeMessage, 32),
		subs:         make(map[int]store.Subscription),
		gone:         make(map[string]store.Subscription),
		writeTimeout: s.TreeWriteTimeout,
	}
	if tc.writeTimeout <= 0 {
		tc.writeTimeout = defaultWriteTimeout
	}
	tc.log.WithField("clients", s.trees.Add(1)).Debug("tree client attached")
	defer s.trees.Add(-1)

	go tc.writePump(ctx, cancel)
	err = tc.readPump(ctx)
	cancel()
	tc.closeAll()
	middleware.LogWebSocketDisconnect(s.Log, remoteAddr, r.URL.Path, err)

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *Server) originPatterns() []string {
	if len(s.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(s.AllowedOrigins))
	for _, o := range s.AllowedOrigins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		patterns = append(patterns, o)
	}
	return patterns
}

func (tc *treeConn) readPump(ctx context.Context) error {
	for {
		typ, msg, err := tc.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			tc.log.Warnf("tree ws: ignoring non-text message type %d", typ)
			continue
		}
		var req treeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			tc.send(ctx, treeMessage{Op: "error", Error: "invalid JSON format"})
			continue
		}
		if err := tc.handle(ctx, req); err != nil {
			tc.send(ctx, treeMessage{ID: req.ID, Op: "error", Path: req.Path, Error: err.Error()})
		}
	}
}

// writePump drains tc.out. It cancels the connection when it stops so nothing blocks on a
// client that is no longer read.
func (tc *treeConn) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-tc.out:
			data, err := json.Marshal(msg)
			if err != nil {
				tc.log.Errorf("tree ws: marshal: %v", err)
				continue
			}
			wctx, done := context.WithTimeout(ctx, tc.writeTimeout)
			err = tc.ws.Write(wctx, websocket.MessageText, data)
			done()
			if err != nil {
				tc.log.Warnf("tree ws: write: %v", err)
				return
			}
		}
	}
}

func (tc *treeConn) send(ctx context.Context, msg treeMessage) {
	select {
	case tc.out <- msg:
	case <-ctx.Done():
	}
}

// pinOf returns the room a path belongs to. Only room/{pin}[/...] is reachable.
func pinOf(path string) (string, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 || segs[0] != "room" || segs[1] == "" {
		return "", fmt.Errorf("%w: %q", store.ErrInvalidPath, path)
	}
	return segs[1], nil
}

func (tc *treeConn) handle(ctx context.Context, req treeRequest) error {
	if req.Op == "unsubscribe" {
		tc.mu.Lock()
		sub, ok := tc.subs[req.ID]
		delete(tc.subs, req.ID)
		tc.mu.Unlock()
		if ok {
			sub.Close()
		}
		tc.send(ctx, treeMessage{ID: req.ID, Op: "ok"})
		return nil
	}

	pin, err := pinOf(req.Path)
	if err != nil {
		return err
	}
	if err := tc.srv.checkMember(ctx, pin, tc.user.ID); err != nil {
		return err
	}
	st := tc.srv.Store

	var value any
	if len(req.Value) > 0 {
		if err := json.Unmarshal(req.Value, &value); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
	}

	reply := treeMessage{ID: req.ID, Op: "ok", Path: req.Path}
	switch req.Op {
	case "get":
		snap, err := st.Get(ctx, req.Path)
		if err != nil {
			return err
		}
		reply.Value = snap.Value()
	case "set":
		err = st.Set(ctx, req.Path, value)
	case "update":
		values, ok := value.(map[string]any)
		if !ok {
			return errors.New("update needs an object value")
		}
		err = st.Update(ctx, req.Path, values)
	case "push":
		reply.Key, err = st.Push(ctx, req.Path, value)
	case "remove":
		err = st.Remove(ctx, req.Path)
	case "subscribe":
		err = tc.subscribe(ctx, req, pin)
	default:
		return fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		return err
	}
	tc.send(ctx, reply)
	return nil
}

// subscribe streams the path under the request id, and tells the client once when the room is deleted.
func (tc *treeConn) subscribe(ctx context.Context, req treeRequest, pin string) error {
	sub, err := tc.srv.Store.Subscribe(ctx, req.Path, func(snap store.Snapshot) {
		tc.send(ctx, treeMessage{ID: req.ID, Op: "value", Path: snap.Path(), Value: snap.Value()})
	})
	if err != nil {
		return err
	}

	tc.mu.Lock()
	if old, ok := tc.subs[req.ID]; ok {
		old.Close()
	}
	tc.subs[req.ID] = sub
	_, watching := tc.gone[pin]
	tc.mu.Unlock()
	if watching {
		return nil
	}

	goneSub, err := teardown.WatchGone(ctx, tc.srv.Store, pin, func() {
		tc.send(ctx, treeMessage{Op: "gone", Path: models.RoomPath(pin)})
	})
	if err != nil {
		return err
	}
	tc.mu.Lock()
	tc.gone[pin] = goneSub
	tc.mu.Unlock()
	return nil
}

func (tc *treeConn) closeAll() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for id, sub := range tc.subs {
		sub.Close()
		delete(tc.subs, id)
	}
	for pin, sub := range tc.gone {
		sub.Close()
		delete(tc.gone, pin)
	}
}
