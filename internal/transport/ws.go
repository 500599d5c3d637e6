package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pairup/chatlink/internal/wire"
	"go.uber.org/zap"
)

// WSDialer dials the messaging server over websocket.
type WSDialer struct {
	serverURL string
	logger    *zap.Logger
}

// NewWSDialer creates a dialer for the given websocket endpoint.
func NewWSDialer(serverURL string, logger *zap.Logger) *WSDialer {
	return &WSDialer{serverURL: serverURL, logger: logger}
}

// Dial opens the websocket with {token, userId} handshake credentials.
// A 401 response maps to ErrAuthRejected.
func (d *WSDialer) Dial(ctx context.Context, userID, token string) (Conn, error) {
	u, err := url.Parse(d.serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthRejected
		}
		return nil, fmt.Errorf("dial %s: %w", d.serverURL, err)
	}

	c := &wsConn{
		ws:     ws,
		events: make(chan wire.Envelope, 64),
		logger: d.logger,
	}
	go c.readLoop()
	return c, nil
}

// wsConn wraps a gorilla websocket. Writes are serialized by writeMu;
// the read loop is the only reader.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	events  chan wire.Envelope
	logger  *zap.Logger

	closeOnce sync.Once
	closed    bool

	errMu   sync.Mutex
	readErr error
}

func (c *wsConn) Emit(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Event, err)
	}
	return nil
}

func (c *wsConn) Events() <-chan wire.Envelope {
	return c.events
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		// Best-effort close frame so the server drops us cleanly.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		var env wire.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.writeMu.Lock()
			wasClosed := c.closed
			c.writeMu.Unlock()
			if !wasClosed {
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
				c.logger.Warn("transport read failed", zap.Error(err))
			}
			return
		}
		c.events <- env
	}
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}
