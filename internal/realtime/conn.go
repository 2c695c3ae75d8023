package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/tbourn/go-gate-sync/internal/syncerr"
	"github.com/tbourn/go-gate-sync/internal/transport"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 1 << 20

// Conn is an established realtime connection. Read must be called from one
// goroutine; the other methods are safe for concurrent use.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials a websocket endpoint with a bearer token.
type WSDialer struct {
	URL        string
	Auth       transport.AuthProvider
	HTTPClient *http.Client
}

// Dial implements Dialer. A rejected token or a missing one is Systemic;
// everything else is Transient.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	const op = "realtime.Dial"
	hdr := http.Header{}
	if d.Auth != nil {
		tok, err := d.Auth.Token(ctx)
		if err != nil {
			return nil, syncerr.NewSystemic(op, err)
		}
		hdr.Set("Authorization", "Bearer "+tok)
	}

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: hdr,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, syncerr.New(syncerr.Systemic, op, fmt.Errorf("handshake rejected: %d: %w", resp.StatusCode, err))
		}
		if errors.Is(err, context.Canceled) {
			return nil, syncerr.NewSystemic(op, err)
		}
		return nil, syncerr.NewTransient(op, err)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error { return w.c.Ping(ctx) }

func (w *wsConn) Close() error { return w.c.Close(websocket.StatusNormalClosure, "") }
