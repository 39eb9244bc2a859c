package ws

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport is one open websocket connection as seen by the Client. ReadFrame
// is only ever called from a single goroutine; WriteFrame and Close may be
// called concurrently with it.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// GobwasDialer dials with gobwas/ws.
type GobwasDialer struct {
	WriteTimeout time.Duration
}

// Dial implements Dialer.
func (d GobwasDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return newConnection(conn, br, d.WriteTimeout), nil
}

// Connection is a client-side gobwas websocket with a write mutex for
// serializing outbound frames, including control replies issued while
// reading.
type Connection struct {
	conn         net.Conn
	rw           io.ReadWriter
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// lockedWriter lets wsutil answer pings and close frames from the read side
// without interleaving with application writes.
type lockedWriter struct {
	c *Connection
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

func newConnection(conn net.Conn, br *bufio.Reader, writeTimeout time.Duration) *Connection {
	c := &Connection{conn: conn, writeTimeout: writeTimeout}

	// Frames the server sent right after the handshake may already sit in br.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{c}}
	return c
}

// ReadFrame blocks until the next text frame arrives. Control frames are
// handled internally; a close frame surfaces as an error.
func (c *Connection) ReadFrame() ([]byte, error) {
	return wsutil.ReadServerText(c.rw)
}

// WriteFrame sends a masked websocket text frame.
func (c *Connection) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// closeFrameTimeout bounds the courtesy close frame written by Close.
const closeFrameTimeout = 100 * time.Millisecond

// Close sends a best-effort normal-closure frame and closes the underlying
// network connection. It is safe to call multiple times. When a write is in
// flight the close frame is skipped; closing the socket fails that write.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.writeMu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
			c.writeMu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}
