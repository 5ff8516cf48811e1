// Package presence maintains a client's live view of one room: it owns a
// single websocket connection to the exchange server, announces the room
// subscription, folds inbound events into a RoomView, and recovers from
// transport loss on its own. Connection failures are never fatal; the
// channel degrades silently and keeps retrying until its context ends.
package presence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"p2pexchange/wire"
)

// Reconnect pacing. The base delay matches the original fixed 5 second
// retry; growth is capped so a long server outage settles at one dial
// per minute instead of hammering at a constant rate.
const (
	defaultBaseDelay = 5 * time.Second
	defaultMaxDelay  = 60 * time.Second
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Notifier receives transient user-facing notification strings, one per
// event that produced a message. Displays are expected to auto-dismiss.
type Notifier func(message string)

// Handler receives each recognized event after the view has been updated.
type Handler func(ev wire.Event)

// Snapshot is authoritative room state fetched from the REST backend.
type Snapshot struct {
	Members map[string]Status
	Files   []SharedFile
}

// SnapshotFunc fetches the full room state. When configured, the channel
// calls it after every successful subscribe so the view is repaired
// rather than left diverged after a disconnect window.
type SnapshotFunc func(ctx context.Context, roomID string) (Snapshot, error)

// Channel owns one live connection per client session.
type Channel struct {
	endpoint string
	roomID   string
	view     *RoomView

	notify   Notifier
	handler  Handler
	snapshot SnapshotFunc
	dialer   *websocket.Dialer

	baseDelay time.Duration
	maxDelay  time.Duration

	mu    sync.Mutex
	state State
}

// Option configures a Channel.
type Option func(*Channel)

// WithNotifier sets the notification-display hook.
func WithNotifier(n Notifier) Option { return func(c *Channel) { c.notify = n } }

// WithHandler sets the per-event subscription callback.
func WithHandler(h Handler) Option { return func(c *Channel) { c.handler = h } }

// WithSnapshot enables full-state resync after each successful subscribe.
func WithSnapshot(fn SnapshotFunc) Option { return func(c *Channel) { c.snapshot = fn } }

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(c *Channel) { c.dialer = d } }

// WithBackoff overrides the reconnect pacing.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Channel) {
		if base > 0 {
			c.baseDelay = base
		}
		if max >= base {
			c.maxDelay = max
		}
	}
}

// NewChannel builds a channel for the given ws endpoint. roomID may be
// empty when the session is not viewing a room; the connection is still
// held open but nothing is subscribed or projected.
func NewChannel(endpoint, roomID string, opts ...Option) *Channel {
	c := &Channel{
		endpoint:  endpoint,
		roomID:    roomID,
		view:      NewRoomView(roomID),
		dialer:    websocket.DefaultDialer,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// View returns the room projection this channel maintains.
func (c *Channel) View() *RoomView { return c.view }

// State reports the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run dials the endpoint and services the connection until ctx ends.
// Every transport close schedules exactly one reconnect; the channel
// retries forever, backing off between attempts and resetting the delay
// after each successful dial.
func (c *Channel) Run(ctx context.Context) error {
	delay := c.baseDelay
	for {
		if err := c.runSession(ctx); err != nil {
			log.Warn().Err(err).Str("endpoint", c.endpoint).Msg("presence session ended")
		} else {
			delay = c.baseDelay
		}
		c.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

// runSession performs one dial/subscribe/read cycle. A nil return means
// the dial succeeded and the connection was serviced until it closed;
// the caller resets its backoff in that case even though the session
// ultimately ended.
func (c *Channel) runSession(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.endpoint, err)
	}
	c.setState(StateConnected)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		_ = conn.Close()
	}()

	if c.roomID != "" {
		sub := wire.Control{Action: wire.ActionSubscribe, RoomID: c.roomID}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe room %s: %w", c.roomID, err)
		}
		c.setState(StateSubscribed)
		c.resync(ctx)
	}

	c.readLoop(conn)
	return nil
}

// resync replaces the replayed view with authoritative server state.
// Best effort: a failed fetch leaves the replayed view in place.
func (c *Channel) resync(ctx context.Context) {
	if c.snapshot == nil {
		return
	}
	snap, err := c.snapshot(ctx, c.roomID)
	if err != nil {
		log.Warn().Err(err).Str("room", c.roomID).Msg("room resync failed")
		return
	}
	c.view.Replace(snap.Members, snap.Files)
}

// readLoop decodes and applies frames until the transport closes.
// Malformed frames are dropped with a log line; unrecognized event
// types are skipped silently.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("presence transport closed")
			}
			return
		}
		ev, err := wire.Decode(raw)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed event")
			continue
		}
		if ev == nil {
			continue
		}
		note, ok := c.view.Apply(ev)
		if !ok {
			continue
		}
		if note != "" && c.notify != nil {
			c.notify(note)
		}
		if c.handler != nil {
			c.handler(ev)
		}
	}
}

// EndpointFromOrigin derives the ws endpoint from an HTTP origin:
// the scheme is upgraded (http to ws, https to wss) and the path is
// fixed at /ws.
func EndpointFromOrigin(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
