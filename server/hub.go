package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"p2pexchange/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is the identity a connection carries into a room.
type subscriber struct {
	userID   string
	username string
}

// wsConn wraps a websocket connection with a write lock; broadcasts and
// the session goroutine may write concurrently.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) sendClose(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
}

// Hub maintains room-scoped subscriber sets and fans events out to
// them. A connection belongs to at most one room; a second SUBSCRIBE
// moves it. Subscribing announces USER_JOINED for the connection's
// identity; the connection dropping announces USER_LEFT.
type Hub struct {
	mu    sync.RWMutex
	conns map[*wsConn]struct{}
	rooms map[string]map[*wsConn]subscriber
	wg    sync.WaitGroup
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*wsConn]struct{}),
		rooms: make(map[string]map[*wsConn]subscriber),
	}
}

// HandleWS upgrades the request and services control messages until the
// connection drops. Identity comes from the userId/username query
// parameters; connections without identity may still subscribe and
// receive events but produce no presence announcements.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := subscriber{
		userID:   r.URL.Query().Get("userId"),
		username: r.URL.Query().Get("username"),
	}
	if sub.username == "" {
		sub.username = "anon"
	}

	c := &wsConn{conn: conn}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.wg.Add(1)
	go h.session(c, sub)
}

func (h *Hub) session(c *wsConn, sub subscriber) {
	defer h.wg.Done()
	var roomID string
	defer func() {
		h.leave(c, roomID, sub)
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = c.conn.Close()
	}()

	for {
		var ctl wire.Control
		if err := c.conn.ReadJSON(&ctl); err != nil {
			return
		}
		if ctl.Action != wire.ActionSubscribe || ctl.RoomID == "" {
			log.Debug().Str("action", ctl.Action).Msg("ignoring unknown control message")
			continue
		}
		if ctl.RoomID == roomID {
			continue
		}
		h.leave(c, roomID, sub)
		roomID = ctl.RoomID
		h.join(c, roomID, sub)
	}
}

func (h *Hub) join(c *wsConn, roomID string, sub subscriber) {
	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*wsConn]subscriber)
	}
	h.rooms[roomID][c] = sub
	h.mu.Unlock()

	log.Debug().Str("room", roomID).Str("user", sub.username).Msg("subscribed")
	if sub.userID != "" {
		h.Broadcast(roomID, wire.UserJoined{UserID: sub.userID, Username: sub.username})
	}
}

func (h *Hub) leave(c *wsConn, roomID string, sub subscriber) {
	if roomID == "" {
		return
	}
	h.mu.Lock()
	set, ok := h.rooms[roomID]
	if ok {
		if _, present := set[c]; !present {
			ok = false
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	if ok && sub.userID != "" {
		h.Broadcast(roomID, wire.UserLeft{UserID: sub.userID, Username: sub.username})
	}
}

// Broadcast fans one event out to every subscriber of the room.
func (h *Hub) Broadcast(roomID string, ev wire.Event) {
	frame, err := wire.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("encode broadcast frame")
		return
	}
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.send(frame)
	}
}

// Online returns the identities currently subscribed to a room.
func (h *Hub) Online(roomID string) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.rooms[roomID]))
	for _, sub := range h.rooms[roomID] {
		if sub.userID != "" {
			out[sub.userID] = sub.username
		}
	}
	return out
}

// CloseAll force-closes every active connection (shutdown path).
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.sendClose("server shutdown")
		_ = c.conn.Close()
	}
}

// Wait blocks until all session goroutines have finished.
func (h *Hub) Wait() { h.wg.Wait() }
