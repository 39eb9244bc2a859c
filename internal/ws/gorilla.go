package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer dials with gorilla/websocket. It is the fallback for
// environments where proxies from the environment must be honoured.
type GorillaDialer struct {
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d GorillaDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return &gorillaConn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type gorillaConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (g *gorillaConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := g.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (g *gorillaConn) WriteFrame(data []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if g.writeTimeout > 0 {
		_ = g.conn.SetWriteDeadline(time.Now().Add(g.writeTimeout))
	}
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.writeMu.TryLock() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = g.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout))
			g.writeMu.Unlock()
		}
		err = g.conn.Close()
	})
	return err
}
