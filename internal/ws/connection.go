package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/shared-note/internal/types"
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errClosed         = errors.New("connection closed")
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	maxMessageBytes    int64
}

// Connection is one upgraded WebSocket bound to a document. It satisfies
// document.Peer.
type Connection struct {
	id        string
	conn      *websocket.Conn
	document  types.DocumentName
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	opts connectionOptions

	lastPong atomic.Int64
	onClose  func()
}

func newConnection(id string, wsConn *websocket.Conn, documentName types.DocumentName, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       id,
		conn:     wsConn,
		document: documentName,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		opts:     opts,
		onClose:  onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// ID returns the session identifier assigned at upgrade.
func (c *Connection) ID() string { return c.id }

// Document returns the document the connection relays for.
func (c *Connection) Document() types.DocumentName { return c.document }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Send enqueues a binary frame for the writer goroutine. It never blocks; a
// full buffer closes the connection with 1013 so the client resynchronises
// on reconnect.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return errClosed
	default:
	}
	select {
	case c.send <- payload:
		gatewaySendQueueDepth.WithLabelValues(string(c.document)).Set(float64(len(c.send)))
		return nil
	default:
		gatewaySendDropped.WithLabelValues(string(c.document)).Inc()
		c.logger.Warn().Int("buffer", cap(c.send)).Msg("send buffer full; closing connection")
		c.cancel()
		go func() {
			c.closeWithFrame(websocket.CloseTryAgainLater, "backpressure")
			c.Close()
		}()
		return errSendBufferFull
	}
}

// Run drives the connection until it closes. OnDisconnect runs exactly once
// after both pumps stopped.
func (c *Connection) Run(hooks Hooks) {
	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Warn().Err(err).Msg("connect hook rejected connection")
			c.closeWithFrame(websocket.CloseInternalServerErr, "unavailable")
			c.Close()
			if hooks.OnDisconnect != nil {
				hooks.OnDisconnect(c)
			}
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	if c.opts.maxMessageBytes > 0 {
		c.conn.SetReadLimit(c.opts.maxMessageBytes)
	}
	deadline := c.readDeadline()
	if deadline > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		if deadline > 0 {
			return c.conn.SetReadDeadline(time.Now().Add(deadline))
		}
		return nil
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch messageType {
		case websocket.BinaryMessage:
			if hooks.OnMessage == nil {
				continue
			}
			if err := hooks.OnMessage(c.ctx, c, payload); err != nil {
				c.closeWithFrame(websocket.CloseInternalServerErr, "unavailable")
				return err
			}
		case websocket.TextMessage:
			c.closeWithFrame(websocket.CloseUnsupportedData, "text frames not supported")
			return errors.New("text frames unsupported")
		}
	}
}

func (c *Connection) readDeadline() time.Duration {
	if c.opts.heartbeatInterval <= 0 || c.opts.heartbeatTolerance <= 0 {
		return 0
	}
	return c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance+1)
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			gatewaySendQueueDepth.WithLabelValues(string(c.document)).Set(float64(len(c.send)))
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.closeWithFrame(websocket.CloseGoingAway, "missed heartbeats")
					c.Close()
					return
				}
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) closeWithFrame(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeTimeout))
}

// Hooks connect the transport to the protocol layer.
type Hooks struct {
	OnConnect    ConnectHook
	OnMessage    MessageHook
	OnDisconnect DisconnectHook
}

type ConnectHook func(ctx context.Context, conn *Connection) error
type MessageHook func(ctx context.Context, conn *Connection, payload []byte) error
type DisconnectHook func(conn *Connection)
