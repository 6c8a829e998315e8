// Package signaling maintains the room's WebSocket signaling channel: it
// connects with a fresh credential, reconnects after unexpected closures,
// filters duplicates and dispatches frames by type.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/util"
)

var ErrNotConnected = errors.New("signaling channel not open")

// CredentialSource yields the access credential for the connection URL. It
// is asked again on every (re)connect since the credential may rotate.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// State is the connection state reported through OnStateChange.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options configures a Client.
type Options struct {
	URL            string
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	Credentials    CredentialSource

	// Filter runs before dispatch; returning false drops the message.
	Filter func(*protocol.Message) bool
	Dialer *websocket.Dialer
}

// Client is the signaling channel of one room session.
type Client struct {
	opts       Options
	dispatcher *Dispatcher

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	onState func(State)
	closed  bool

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Client{
		opts:       opts,
		dispatcher: NewDispatcher(),
		done:       make(chan struct{}),
	}
}

// Subscribe registers a handler for one message type. Handlers run on the
// read goroutine.
func (c *Client) Subscribe(t protocol.Type, fn Handler) func() {
	return c.dispatcher.Subscribe(t, fn)
}

// OnStateChange registers a callback for connection state changes.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()

	util.LogDebug("signaling %s", s)
	if fn != nil {
		fn(s)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect opens the channel to roomID and keeps it open until ctx is done or
// Close is called. Without a credential nothing is dialed: staying
// disconnected is a valid state. A failed first dial falls through to the
// reconnect loop.
func (c *Client) Connect(ctx context.Context, roomID string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	cred, err := c.opts.Credentials.Credential(ctx)
	if err != nil || cred == "" {
		util.LogWarning("signaling: no credential, staying disconnected: %v", err)
		c.setState(StateDisconnected)
		return nil
	}

	c.setState(StateConnecting)
	conn, err := c.dial(ctx, roomID, cred)
	if err != nil {
		util.LogWarning("signaling: %v", err)
	}

	c.wg.Add(1)
	go c.run(ctx, roomID, conn)
	return nil
}

// run reads from conn until it fails, then redials after ReconnectDelay with
// a fresh credential. It never gives up on its own.
func (c *Client) run(ctx context.Context, roomID string, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		if conn != nil {
			err := c.serve(conn)
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				util.LogInfo("signaling closed")
				c.setState(StateClosed)
				return
			}
			util.LogWarning("signaling connection lost: %v", err)
		}

		c.setState(StateReconnecting)
		select {
		case <-time.After(c.opts.ReconnectDelay):
		case <-ctx.Done():
			c.setState(StateClosed)
			return
		case <-c.done:
			c.setState(StateClosed)
			return
		}

		conn = nil
		cred, err := c.opts.Credentials.Credential(ctx)
		if err != nil || cred == "" {
			util.LogWarning("signaling: credential refresh failed: %v", err)
			continue
		}
		if conn, err = c.dial(ctx, roomID, cred); err != nil {
			util.LogWarning("signaling: %v", err)
		}
	}
}

func (c *Client) dial(ctx context.Context, roomID, cred string) (*websocket.Conn, error) {
	u := fmt.Sprintf("%s/%s?token=%s", c.opts.URL, url.PathEscape(roomID), url.QueryEscape(cred))
	conn, _, err := c.opts.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateOpen)
	util.LogSuccess("signaling connected to room %s", roomID)
	return conn, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends a normal-closure frame, which also suppresses reconnection,
// and waits for the read loop to exit. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		close(c.done)

		if conn != nil {
			c.writeMu.Lock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving")
			err = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if cerr := conn.Close(); err == nil {
				err = cerr
			}
		}
		c.wg.Wait()
		c.setState(StateClosed)
	})
	return err
}
