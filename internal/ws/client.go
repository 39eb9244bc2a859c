// Package ws implements the realtime session client: one websocket
// connection to the chat server with automatic reconnect, a dispatch table
// for inbound frames, and the outbound actions a UI performs.
//
// All state is owned by a single event-loop goroutine per Client. Inbound
// frames, dial results, reconnect timers and caller actions are all turned
// into events on that loop and run to completion one at a time.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/rtclient/internal/identity"
	"github.com/whisper/rtclient/internal/metrics"
	"github.com/whisper/rtclient/internal/protocol"
	"github.com/whisper/rtclient/internal/session"
)

var (
	// ErrNotConnected is returned by outbound actions while no transport is open.
	ErrNotConnected = errors.New("ws: not connected")

	// ErrClosed is returned by actions on a Client after Close.
	ErrClosed = errors.New("ws: client closed")

	// ErrSendQueueFull is returned when the outbound queue cannot take a frame.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// Config holds tunable parameters for the Client.
type Config struct {
	Endpoint       string        // websocket URL, e.g. "wss://chat.example.com/ws"
	ReconnectDelay time.Duration // delay before the single reconnect attempt after a close
	DialTimeout    time.Duration // upper bound for opening the transport
	WriteTimeout   time.Duration // timeout for each outbound frame
	SendQueueSize  int           // outbound frames buffered per transport
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 3 * time.Second,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  256,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithDialer replaces the default gobwas dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client is the realtime session client.
type Client struct {
	id     string
	cfg    Config
	dialer Dialer
	log    *slog.Logger

	events    chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// Owned by the event loop.
	state       session.State
	identity    *identity.Identity
	link        *link
	dialing     bool
	gen         uint64
	timer       *time.Timer
	timerGen    uint64
	closed      bool
	dispatcher  *MessageDispatcher
	observers   map[int]func(session.State)
	observerSeq int
	connLabel   string
	matchLabel  string
	final       session.State
}

// link is one transport plus its outbound queue.
type link struct {
	gen       uint64
	t         Transport
	out       chan []byte
	stop      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.stop)
		_ = l.t.Close()
	})
}

// New creates a Client and starts its event loop. The client stays
// Disconnected until an identity is supplied via SetIdentity.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:        uuid.NewString(),
		cfg:       cfg,
		log:       slog.Default(),
		events:    make(chan func(), 64),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[int]func(session.State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = GobwasDialer{WriteTimeout: cfg.WriteTimeout}
	}
	c.log = c.log.With("client", c.id)
	c.dispatcher = NewMessageDispatcher(c.log)

	c.trackMetrics()
	go c.loop()
	return c
}

// ID returns the client instance id.
func (c *Client) ID() string {
	return c.id
}

// Endpoint returns the websocket URL the client dials.
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}

// Close tears the client down: the active transport is closed, a pending
// reconnect is cancelled and the event loop stops. No observer or handler
// runs after Close returns. It is safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.do(c.teardown)
		close(c.done)
		c.cancel()
		<-c.loopDone
	})
	return nil
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (c *Client) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

// post queues fn on the event loop. It reports false once the client is
// closed.
func (c *Client) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// do runs fn on the event loop and waits for it to finish. It must not be
// called from the loop itself (observers and frame handlers).
func (c *Client) do(fn func()) bool {
	ran := make(chan struct{})
	if !c.post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-c.loopDone:
		return false
	}
}

func (c *Client) teardown() {
	c.closed = true
	c.stopTimer()
	if c.link != nil {
		c.link.close()
		c.link = nil
	}
	c.dialing = false
	c.state.Connection = session.Disconnected
	c.final = c.state.Clone()

	metrics.Transition(metrics.Connections, c.connLabel, "")
	metrics.Transition(metrics.Matches, c.matchLabel, "")
	c.log.Info("ws: client closed")
}

// notify publishes the current state to observers and metrics.
func (c *Client) notify() {
	if c.closed {
		return
	}
	c.trackMetrics()
	snapshot := c.state.Clone()
	for i := 0; i <= c.observerSeq; i++ {
		if fn, ok := c.observers[i]; ok {
			fn(snapshot.Clone())
		}
	}
}

func (c *Client) trackMetrics() {
	conn, match := c.state.Connection.String(), c.state.Match.String()
	metrics.Transition(metrics.Connections, c.connLabel, conn)
	metrics.Transition(metrics.Matches, c.matchLabel, match)
	c.connLabel, c.matchLabel = conn, match
}

// ---------------------------------------------------------------------------
// Connection manager
// ---------------------------------------------------------------------------

// SetIdentity records the authentication provider's current answer. An
// authenticated identity triggers a connect; losing the identity leaves an
// open transport alone but stops further reconnects.
func (c *Client) SetIdentity(id *identity.Identity, status identity.Status) error {
	if !c.do(func() {
		if status == identity.Authenticated && id != nil && id.ID != "" {
			cp := *id
			c.identity = &cp
			c.connect()
			return
		}
		if c.identity != nil {
			c.log.Info("ws: identity cleared", "status", status.String())
		}
		c.identity = nil
	}) {
		return ErrClosed
	}
	return nil
}

// Connect opens the transport if an identity is present and no transport is
// open or being opened.
func (c *Client) Connect() error {
	if !c.do(c.connect) {
		return ErrClosed
	}
	return nil
}

func (c *Client) connect() {
	if c.closed || c.identity == nil || c.link != nil || c.dialing {
		return
	}
	c.startDial(session.Connecting)
}

func (c *Client) startDial(st session.ConnectionState) {
	c.stopTimer()
	c.gen++
	gen := c.gen
	c.dialing = true
	c.state.Connection = st
	who := *c.identity
	c.notify()

	c.log.Info("ws: dialing", "endpoint", c.cfg.Endpoint, "state", st.String())

	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		t, err := c.dialer.Dial(ctx, c.cfg.Endpoint)
		cancel()
		if err == nil {
			metrics.DialLatency.Observe(time.Since(start).Seconds())
		}
		if !c.post(func() { c.onDialed(gen, who, t, err) }) && t != nil {
			_ = t.Close()
		}
	}()
}

// onDialed completes a dial. The register frame carries the identity the
// dial was started for, which stays fixed for the life of the transport.
func (c *Client) onDialed(gen uint64, who identity.Identity, t Transport, err error) {
	if c.closed || gen != c.gen {
		if t != nil {
			_ = t.Close()
		}
		return
	}
	c.dialing = false

	if err != nil {
		c.log.Warn("ws: dial failed", "err", err)
		c.lost()
		return
	}

	l := &link{
		gen:  gen,
		t:    t,
		out:  make(chan []byte, c.cfg.SendQueueSize),
		stop: make(chan struct{}),
	}
	c.link = l
	go c.readLoop(l)
	go c.writeLoop(l)

	c.state.Connection = session.Open
	c.log.Info("ws: connected", "endpoint", c.cfg.Endpoint)

	_ = c.send(protocol.TypeRegister, protocol.RegisterMsg{
		UserID: who.ID,
		User:   who.User(),
	})
	_ = c.send(protocol.TypeGetFriends, protocol.GetFriendsMsg{})
	_ = c.send(protocol.TypeGetFriendRequests, protocol.GetFriendRequestsMsg{})
	c.notify()
}

// readLoop delivers frames to the event loop in arrival order.
func (c *Client) readLoop(l *link) {
	for {
		data, err := l.t.ReadFrame()
		if err != nil {
			c.post(func() { c.onClosed(l, err) })
			return
		}
		if !c.post(func() { c.onFrame(l, data) }) {
			return
		}
	}
}

// writeLoop drains the outbound queue. A write failure closes the
// transport; the resulting read error drives reconnection.
func (c *Client) writeLoop(l *link) {
	for {
		select {
		case <-l.stop:
			return
		case data := <-l.out:
			if err := l.t.WriteFrame(data); err != nil {
				c.log.Warn("ws: write failed", "err", err)
				_ = l.t.Close()
				return
			}
		}
	}
}

func (c *Client) onFrame(l *link, data []byte) {
	if c.closed || c.link != l {
		return
	}

	frame, ok := c.dispatcher.Decode(data)
	if !ok {
		return
	}

	eff := c.state.Apply(frame.Type, frame.Msg)
	if eff.ServerError != "" {
		c.log.Error("ws: server reported error", "message", eff.ServerError)
	}
	if eff.RequestFriends {
		_ = c.send(protocol.TypeGetFriends, protocol.GetFriendsMsg{})
	}
	c.notify()
	c.dispatcher.Notify(frame)
}

func (c *Client) onClosed(l *link, err error) {
	if c.closed || c.link != l {
		return
	}
	c.log.Warn("ws: connection closed", "err", err)
	l.close()
	c.link = nil
	c.lost()
}

// lost records a dropped or failed transport and arms the reconnect timer.
func (c *Client) lost() {
	c.state.ConnectionLost()
	c.notify()
	c.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer, replacing any prior one.
func (c *Client) scheduleReconnect() {
	c.stopTimer()
	c.timerGen++
	tg := c.timerGen
	c.timer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.post(func() { c.onReconnectTimer(tg) })
	})
	c.log.Debug("ws: reconnect scheduled", "delay", c.cfg.ReconnectDelay)
}

func (c *Client) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) onReconnectTimer(tg uint64) {
	if c.closed || tg != c.timerGen || c.timer == nil {
		return
	}
	c.timer = nil

	if c.identity == nil {
		c.log.Info("ws: skipping reconnect, no identity")
		return
	}
	if c.link != nil || c.dialing {
		return
	}
	metrics.ReconnectsTotal.Inc()
	c.startDial(session.Reconnecting)
}

// send encodes and queues a frame. It never blocks on the network.
func (c *Client) send(msgType string, payload interface{}) error {
	if c.link == nil || c.state.Connection != session.Open {
		c.log.Error("ws: cannot send while disconnected", "type", msgType, "state", c.state.Connection.String())
		metrics.DroppedFramesTotal.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	}

	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		c.log.Error("ws: failed to build frame", "type", msgType, "err", err)
		return err
	}

	select {
	case c.link.out <- data:
		metrics.FramesTotal.WithLabelValues("out", msgType).Inc()
		return nil
	default:
		c.log.Error("ws: send queue full", "type", msgType)
		metrics.DroppedFramesTotal.WithLabelValues("queue_full").Inc()
		return ErrSendQueueFull
	}
}
