package recognizer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scribeware/scribe-core/internal/protocol"
)

// Conn abstracts the bidirectional stream so sessions can be tested against
// a scripted fake.
type Conn interface {
	WriteJSON(v any, deadline time.Time) error
	WriteAudio(pcm []byte, deadline time.Time) error
	Read() (protocol.ServerMessage, error)
	Close() error
}

// Dialer establishes recognizer connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint, apiKey string) (Conn, error)
}

// WSDialer dials the backend over websocket with bearer auth.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, endpoint, apiKey string) (Conn, error) {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) WriteAudio(pcm []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *wsConn) Read() (protocol.ServerMessage, error) {
	var msg protocol.ServerMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return protocol.ServerMessage{}, err
	}
	return msg, nil
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
