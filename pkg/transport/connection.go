package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// OnCloseHandler is called once when the connection terminates. remote is
// true when the peer or the network ended it, false for a local Close or a
// cancelled parent context.
type OnCloseHandler func(connID uuid.UUID, err error, remote bool)

type ConnectionConfig struct {
	ReadTimeout time.Duration
	SendBuffer  int
}

// Connection represents a single, thread-safe WebSocket connection, either
// dialed to a backend or accepted from a browser.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler
	handlerMu sync.RWMutex

	done      chan struct{}
	wg        *sync.WaitGroup
	lifeMu    sync.Mutex
	started   bool
	closing   bool
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc
	closeErr  error
	remote    bool

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.lifeMu.Lock()
	if c.closing || c.started {
		c.lifeMu.Unlock()
		return
	}
	c.started = true
	if c.wg != nil {
		c.wg.Add(1)
	}
	c.lifeMu.Unlock()

	go c.readPump()
	go c.writePump()

	c.logger.Debug("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	for {
		readCtx := c.ctx
		cancelRead := func() {}
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			c.closeFrom(err, c.ctx.Err() == nil)
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			c.logger.Warn("Failed to read message", slog.Any("error", err))
			c.closeFrom(err, c.ctx.Err() == nil)
			return
		}

		c.handlerMu.RLock()
		onMessage := c.onMessage
		c.handlerMu.RUnlock()
		if onMessage != nil {
			onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				c.closeFrom(err, c.ctx.Err() == nil)
				return
			}
		case <-c.ctx.Done():
			c.closeFrom(c.ctx.Err(), false)
			return
		}
	}
}

// Send queues a message. It is safe for concurrent use and never blocks
// past the connection's lifetime.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
		return false
	}
}

// Close gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeFrom(err, false)
}

func (c *Connection) closeFrom(err error, remote bool) {
	c.closeOnce.Do(func() {
		// started and closing are settled together so a Run racing this
		// close either owns a wg slot that is released below or never starts.
		c.lifeMu.Lock()
		c.closing = true
		started := c.started
		c.lifeMu.Unlock()

		c.closeErr = err
		c.remote = remote
		status := websocket.CloseStatus(err)
		c.logger.Debug("Transport connection closing",
			slog.Any("reason", err),
			slog.String("status", status.String()),
			slog.Bool("remote", remote),
		)

		c.cancel()
		if c.conn != nil {
			reason := ""
			if err != nil && !remote {
				reason = truncate(err.Error(), 120)
			}
			c.conn.Close(websocket.StatusNormalClosure, reason)
		}

		c.handlerMu.RLock()
		onClose := c.onClose
		c.handlerMu.RUnlock()
		if onClose != nil {
			onClose(c.id, err, remote)
		}
		if started && c.wg != nil {
			c.wg.Done()
		}
		close(c.done)
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed; nil while it is open.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// ClosedByPeer reports whether the closure was not initiated locally.
func (c *Connection) ClosedByPeer() bool {
	select {
	case <-c.done:
		return c.remote
	default:
		return false
	}
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onClose = handler
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
