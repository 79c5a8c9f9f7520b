package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	DefaultSendBuffer = 256
)

var (
	ErrSlowListener   = errors.New("listener send buffer full")
	ErrListenerClosed = errors.New("listener closed")
)

// Frame is a client-originated message: {"type": ..., "payload": ...}.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Session is the authenticated side a connection is bound to.
type Session interface {
	UserID() int64
	SubscribeToEvents(ctx context.Context, l Listener) error
	UnsubscribeFromEvents(ctx context.Context, l Listener) error
	HandleFrame(ctx context.Context, f Frame) error
}

type Options struct {
	SendBuffer  int
	NewID       func() string
	CheckOrigin func(r *http.Request) bool
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id     string
	userID int64
	conn   *websocket.Conn
	logger *zap.Logger

	// Buffered channel of outbound messages.
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(id string, userID int64, conn *websocket.Conn, buffer int, logger *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		logger: logger.With(zap.Int64("user_id", userID), zap.String("listener_id", id)),
		send:   make(chan []byte, buffer),
	}
}

func (c *Client) ID() string { return c.id }

// Notify queues e for the write pump without blocking. A full buffer fails
// the notification rather than waiting for the peer.
func (c *Client) Notify(ctx context.Context, e models.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrListenerClosed
	}
	select {
	case c.send <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrSlowListener
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the websocket connection to the session.
func (c *Client) readPump(ctx context.Context, sess Session) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if err := sess.HandleFrame(ctx, f); err != nil {
			c.rejectFrame(ctx, f, err)
		}
	}
}

// rejectFrame tells the peer why f was refused.
func (c *Client) rejectFrame(ctx context.Context, f Frame, err error) {
	c.logger.Debug("frame rejected", zap.String("type", f.Type), zap.Error(err))
	e := models.Event{Type: models.EventError, Payload: map[string]string{"frame": f.Type, "error": err.Error()}}
	if nerr := c.Notify(ctx, e); nerr != nil {
		c.logger.Debug("error frame dropped", zap.String("type", f.Type), zap.Error(nerr))
	}
}

// writePump pumps messages from the send buffer to the websocket
// connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The client was closed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and binds the connection to sess as an
// event listener until the peer goes away.
func ServeWs(w http.ResponseWriter, r *http.Request, sess Session, opts Options, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     opts.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := ""
	if opts.NewID != nil {
		id = opts.NewID()
	}
	if id == "" {
		id = conn.RemoteAddr().String()
	}
	client := newClient(id, sess.UserID(), conn, opts.SendBuffer, logger)
	go client.writePump()

	ctx := context.WithoutCancel(r.Context())
	if err := sess.SubscribeToEvents(ctx, client); err != nil {
		client.logger.Warn("subscribe failed", zap.Error(err))
		client.close()
		return
	}

	client.readPump(ctx, sess)

	if err := sess.UnsubscribeFromEvents(ctx, client); err != nil {
		client.logger.Warn("unsubscribe failed", zap.Error(err))
	}
	client.close()
}
