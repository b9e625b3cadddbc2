package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/roomrelay/room"
)

const (
	pongWait   = 2 * time.Minute
	pingPeriod = time.Minute
	writeWait  = 10 * time.Second
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
)

// Client is a middleman between the websocket connection and the room router. It implements room.Conn.
type Client struct {
	id     string
	host   string
	conn   *websocket.Conn
	router *room.Router
	logger hclog.Logger

	limiter        *tokenBucket
	maxMessageSize int64

	// Buffered channel of outbound frames, closed once the read loop is done.
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, host string, router *room.Router, limiter *tokenBucket, maxMessageSize int64, sendBuffer int, logger hclog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:             id,
		host:           host,
		conn:           conn,
		router:         router,
		logger:         logger.With("conn", id, "host", host),
		limiter:        limiter,
		maxMessageSize: maxMessageSize,
		send:           make(chan []byte, sendBuffer),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues frame for the write loop. It never blocks: a full buffer drops the frame.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadLoop pumps frames from the websocket connection to the router. There is at most one reader per connection.
// When it returns the client has left its room and the write loop is told to stop.
func (c *Client) ReadLoop() {
	defer func() {
		c.router.Disconnect(c)
		c.closeSend()
	}()
	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.limiter.allow() {
			c.logger.Warn("rate limit exceeded, discarding frame")
			continue
		}
		c.router.Handle(c, raw)
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("client disconnected", "error", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn("unexpected websocket close", "error", err)
	default:
		c.logger.Debug("connection closed", "error", err)
	}
}

// WriteLoop pumps queued frames to the websocket connection. There is at most one writer per connection.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("could not write to websocket, exiting write loop", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("could not send ping, exiting write loop", "error", err)
				return
			}
		}
	}
}

// goAway tells the peer the server is shutting down. The read loop then ends on its own.
func (c *Client) goAway() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
