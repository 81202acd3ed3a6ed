package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionConfig holds configuration for WebSocket peer links
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    20 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// WebSocketChannel is a Channel over a single WebSocket connection. Every
// message is sent as one binary frame.
type WebSocketChannel struct {
	ID     string
	conn   *websocket.Conn
	config ConnectionConfig

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWebSocketChannel(conn *websocket.Conn, config ConnectionConfig) *WebSocketChannel {
	c := &WebSocketChannel{
		ID:     uuid.New().String(),
		conn:   conn,
		config: config,
		closed: make(chan struct{}),
	}

	conn.SetReadLimit(config.MaxMessageSize)
	conn.SetReadDeadline(deadlineAfter(config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadlineAfter(config.ReadTimeout))
	})

	// Without a ping interval the link relies on ReadTimeout alone
	if config.PingInterval > 0 {
		go c.pingLoop()
	}

	return c
}

// Dial opens a WebSocket peer link to url
func Dial(ctx context.Context, url string, config ConnectionConfig) (*WebSocketChannel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: config.WriteTimeout,
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := newWebSocketChannel(conn, config)
	log.Info().Str("connection_id", c.ID).Str("url", url).Msg("WebSocket peer link established")
	return c, nil
}

// Send writes data as a single binary message
func (c *WebSocketChannel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	deadline := deadlineAfter(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Recv blocks until the next binary message arrives. Cancelling ctx tears the
// connection down, since a pending read cannot be interrupted otherwise.
func (c *WebSocketChannel) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.Close()
	})
	defer stop()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		c.conn.SetReadDeadline(deadlineAfter(c.config.ReadTimeout))

		if kind != websocket.BinaryMessage {
			log.Debug().Str("connection_id", c.ID).Int("type", kind).Msg("ignoring non-binary message")
			continue
		}
		return data, nil
	}
}

// Close sends a close frame and releases the connection
func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, deadlineAfter(c.config.WriteTimeout)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			log.Debug().Err(werr).Str("connection_id", c.ID).Msg("failed to send close frame")
		}
		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketChannel) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadlineAfter(c.config.WriteTimeout)); err != nil {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				c.conn.Close()
				return
			}
		}
	}
}

// deadlineAfter returns the deadline for a timeout, or the zero time (no
// deadline) when d is not positive.
func deadlineAfter(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// Listener upgrades incoming HTTP requests into peer links and hands them
// out through Accept.
type Listener struct {
	upgrader websocket.Upgrader
	config   ConnectionConfig
	conns    chan *WebSocketChannel
}

// NewListener creates a new WebSocket listener
func NewListener(config ConnectionConfig) *Listener {
	return &Listener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		conns:  make(chan *WebSocketChannel, 4),
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	c := newWebSocketChannel(conn, l.config)
	select {
	case l.conns <- c:
		log.Info().
			Str("connection_id", c.ID).
			Str("remote_addr", r.RemoteAddr).
			Msg("WebSocket peer link accepted")
	default:
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("accept queue full, rejecting peer link")
		c.Close()
	}
}

// Accept waits for the next upgraded connection
func (l *Listener) Accept(ctx context.Context) (*WebSocketChannel, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
