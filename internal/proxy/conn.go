package proxy

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// Conn is the slice of a websocket connection the proxy needs. Tests
// substitute a scripted fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens the authenticated socket to the provider.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

type wsDialer struct{}

// NewDialer returns the production websocket dialer.
func NewDialer() Dialer {
	return wsDialer{}
}

func (wsDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
