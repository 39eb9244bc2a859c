// Package wstest provides a scripted websocket chat server for tests. It
// upgrades connections with gobwas/ws on an httptest server, records every
// frame the client sends and lets tests push frames or drop connections.
package wstest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/rtclient/internal/protocol"
)

// ErrTimeout is returned when an expected connection or frame does not
// arrive in time.
var ErrTimeout = errors.New("wstest: timeout")

// Server is an in-process websocket server listening on EndpointPath.
type Server struct {
	srv      *httptest.Server
	accepted chan *Conn

	mu     sync.Mutex
	conns  []*Conn
	reject bool
}

// NewServer starts a Server on a loopback port.
func NewServer() *Server {
	s := &Server{accepted: make(chan *Conn, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.EndpointPath, s.handleUpgrade)
	s.srv = httptest.NewServer(mux)
	return s
}

// Origin returns the http origin of the server, suitable for
// protocol.EndpointFromOrigin.
func (s *Server) Origin() string {
	return s.srv.URL
}

// URL returns the websocket URL of the chat endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + protocol.EndpointPath
}

// Reject makes subsequent upgrade requests fail with 503 while on is true.
func (s *Server) Reject(on bool) {
	s.mu.Lock()
	s.reject = on
	s.mu.Unlock()
}

// Accept waits for the next client connection.
func (s *Server) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.accepted:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: no connection after %s", ErrTimeout, timeout)
	}
}

// Count returns how many connections have been accepted so far.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()

	for _, c := range conns {
		c.Drop()
	}
	s.srv.CloseClientConnections()
	s.srv.Close()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()
	if reject {
		http.Error(w, "server unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("wstest: upgrade failed: %v", err)
		return
	}

	var rd io.Reader = conn
	if rw != nil {
		rd = rw.Reader
	}
	c := &Conn{
		conn:   conn,
		frames: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{rd, lockedWriter{c}}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	go c.readLoop()
	s.accepted <- c
}

// Conn is the server side of one client connection.
type Conn struct {
	conn    net.Conn
	rw      io.ReadWriter
	writeMu sync.Mutex
	frames  chan []byte
	closed  chan struct{}
	once    sync.Once
}

type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

func (c *Conn) readLoop() {
	defer close(c.closed)
	for {
		data, err := wsutil.ReadClientText(c.rw)
		if err != nil {
			return
		}
		c.frames <- data
	}
}

// Next returns the next frame the client sent.
func (c *Conn) Next(timeout time.Duration) ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: no frame after %s", ErrTimeout, timeout)
	}
}

// NextOf skips frames until one of msgType arrives and returns its decoded
// fields.
func (c *Conn) NextOf(msgType string, timeout time.Duration) (map[string]interface{}, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: no %s frame after %s", ErrTimeout, msgType, timeout)
		}
		data, err := c.Next(remaining)
		if err != nil {
			return nil, fmt.Errorf("%w: no %s frame after %s", ErrTimeout, msgType, timeout)
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("wstest: client sent invalid JSON: %w", err)
		}
		if fields["type"] == msgType {
			return fields, nil
		}
	}
}

// Quiet reports whether the client sends nothing for d.
func (c *Conn) Quiet(d time.Duration) bool {
	select {
	case <-c.frames:
		return false
	case <-time.After(d):
		return true
	}
}

// Send writes a typed server frame.
func (c *Conn) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a single text frame.
func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Drop closes the TCP connection without a close handshake, the way a
// crashed server or a broken network would.
func (c *Conn) Drop() {
	c.once.Do(func() { _ = c.conn.Close() })
}

// Done is closed once the client side has gone away.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}
