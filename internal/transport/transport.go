// Package transport provides the bidirectional event connection to the
// messaging server. The connection manager only sees the Dialer/Conn
// interfaces; the production implementation speaks JSON envelopes over a
// websocket.
package transport

import (
	"context"
	"errors"

	"github.com/pairup/chatlink/internal/wire"
)

// ErrAuthRejected is returned by Dial when the server refuses the
// credentials during the handshake. It must not be retried blindly; the
// application refreshes the token and connects again.
var ErrAuthRejected = errors.New("transport: authentication rejected")

// ErrClosed is returned by Emit on a connection that is no longer usable.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one live connection. Events delivers every inbound envelope and
// is closed when the read side dies, which is the manager's disconnect
// signal.
type Conn interface {
	Emit(env wire.Envelope) error
	Events() <-chan wire.Envelope
	Close() error
	// Err reports why the read side exited, nil on a local Close.
	Err() error
}

// Dialer opens connections with handshake credentials.
type Dialer interface {
	Dial(ctx context.Context, userID, token string) (Conn, error)
}
