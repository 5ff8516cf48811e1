package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"p2pexchange/wire"
)

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		hub.CloseAll()
		hub.Wait()
	})
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server, path, userID, username string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	if userID != "" {
		q.Set("userId", userID)
		q.Set("username", username)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, roomID string) {
	t.Helper()
	if err := conn.WriteJSON(wire.Control{Action: wire.ActionSubscribe, RoomID: roomID}); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) wire.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	ev, err := wire.Decode(frame)
	if err != nil {
		t.Fatalf("decode frame %s: %v", frame, err)
	}
	return ev
}

func TestHubPresenceAnnouncements(t *testing.T) {
	_, srv := newHubServer(t)

	alice := dialHub(t, srv, "", "u1", "alice")
	subscribe(t, alice, "r1")
	if ev := readEvent(t, alice); ev != (wire.UserJoined{UserID: "u1", Username: "alice"}) {
		t.Fatalf("own join event = %#v", ev)
	}

	bob := dialHub(t, srv, "", "u2", "bob")
	subscribe(t, bob, "r1")
	if ev := readEvent(t, alice); ev != (wire.UserJoined{UserID: "u2", Username: "bob"}) {
		t.Fatalf("join event = %#v, want bob USER_JOINED", ev)
	}

	_ = bob.Close()
	if ev := readEvent(t, alice); ev != (wire.UserLeft{UserID: "u2", Username: "bob"}) {
		t.Fatalf("leave event = %#v, want bob USER_LEFT", ev)
	}
}

func TestHubBroadcastRoomIsolation(t *testing.T) {
	hub, srv := newHubServer(t)

	alice := dialHub(t, srv, "", "u1", "alice")
	subscribe(t, alice, "r1")
	readEvent(t, alice) // own join

	carol := dialHub(t, srv, "", "u3", "carol")
	subscribe(t, carol, "r2")
	readEvent(t, carol) // own join

	hub.Broadcast("r1", wire.FileShared{FileID: "f1", Filename: "doc.txt", SharedBy: "alice"})

	ev := readEvent(t, alice)
	shared, ok := ev.(wire.FileShared)
	if !ok || shared.FileID != "f1" {
		t.Fatalf("event = %#v, want FILE_SHARED f1", ev)
	}

	// Nothing must arrive for a subscriber of another room.
	_ = carol.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, frame, err := carol.ReadMessage(); err == nil {
		t.Fatalf("carol received %s, want nothing", frame)
	}
}

func TestHubResubscribeMovesRooms(t *testing.T) {
	hub, srv := newHubServer(t)

	alice := dialHub(t, srv, "", "u1", "alice")
	subscribe(t, alice, "r1")
	readEvent(t, alice) // own join r1

	subscribe(t, alice, "r2")
	// Leaving r1 empties it, so the USER_LEFT has no audience; the next
	// frame is the r2 join.
	if ev := readEvent(t, alice); ev != (wire.UserJoined{UserID: "u1", Username: "alice"}) {
		t.Fatalf("event = %#v, want own USER_JOINED in r2", ev)
	}

	if online := hub.Online("r1"); len(online) != 0 {
		t.Errorf("Online(r1) = %v, want empty", online)
	}
	online := hub.Online("r2")
	if online["u1"] != "alice" {
		t.Errorf("Online(r2) = %v, want u1=alice", online)
	}
}

func TestHubCloseAllDuringBroadcast(t *testing.T) {
	hub, srv := newHubServer(t)

	alice := dialHub(t, srv, "", "u1", "alice")
	subscribe(t, alice, "r1")
	readEvent(t, alice) // own join

	// Hammer broadcasts while shutting down; both paths write to the
	// same connection and must share the write lock.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.Broadcast("r1", wire.ChatMessage{Sender: "sys", Message: "tick"})
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	hub.CloseAll()
	close(stop)
	wg.Wait()
	hub.Wait()
}

func TestHubAnonymousSubscriberReceivesWithoutAnnouncing(t *testing.T) {
	hub, srv := newHubServer(t)

	anon := dialHub(t, srv, "", "", "")
	subscribe(t, anon, "r1")

	// No USER_JOINED for an identity-less connection; a broadcast still
	// reaches it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		n := len(hub.rooms["r1"])
		hub.mu.RUnlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast("r1", wire.ChatMessage{Sender: "alice", Message: "hi"})
	ev := readEvent(t, anon)
	if ev != (wire.ChatMessage{Sender: "alice", Message: "hi"}) {
		t.Fatalf("event = %#v, want MESSAGE", ev)
	}

	if online := hub.Online("r1"); len(online) != 0 {
		t.Errorf("Online(r1) = %v, want empty for anonymous subscriber", online)
	}
}
