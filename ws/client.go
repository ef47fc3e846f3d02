package ws

import (
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tcriess/lightspeed-session/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// binding is the room a connection is bound to.
type binding struct {
	SessionId string
	UserId    string
	Role      types.Role
}

// Client is a middleman between the websocket connection and the gateway.
type Client struct {
	Id string

	gateway *Gateway

	// The websocket connection, nil in tests.
	conn *websocket.Conn

	// Buffered channel of outbound messages. It is never closed, the write loop exits on doneChan.
	Send chan []byte

	// verified user id of the connection, empty if authentication is disabled
	authUserId string

	doneChan  chan struct{}
	closeOnce sync.Once

	bound *binding
	mu    sync.Mutex

	// WaitGroup which keeps track of running read/write loops.
	sync.WaitGroup
}

func NewClient(gateway *Gateway, conn *websocket.Conn, authUserId string) *Client {
	return &Client{
		Id:         uuid.NewString(),
		gateway:    gateway,
		conn:       conn,
		Send:       make(chan []byte, sendChannelSize),
		authUserId: authUserId,
		doneChan:   make(chan struct{}),
	}
}

func (c *Client) binding() (binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound == nil {
		return binding{}, false
	}
	return *c.bound, true
}

// boundTo reports whether the connection is bound to the session as userId.
func (c *Client) boundTo(sessionId, userId string) bool {
	b, ok := c.binding()
	return ok && b.SessionId == sessionId && b.UserId == userId
}

func (c *Client) bind(b binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound = &b
}

// unbind clears the binding and returns what it was.
func (c *Client) unbind() (binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound == nil {
		return binding{}, false
	}
	b := *c.bound
	c.bound = nil
	return b, true
}

// enqueue queues msg without blocking. Messages for closed or congested connections are dropped.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.doneChan:
		return false
	default:
	}
	select {
	case c.Send <- msg:
		return true
	case <-c.doneChan:
		return false
	default:
		c.gateway.logger.Warn("send queue full, dropping message", "connection", c.Id)
		return false
	}
}

func (c *Client) sendError(message string) {
	c.gateway.unicast(c, types.EventError, message)
}

// close signals the write loop to exit, it is safe to call it more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.doneChan)
	})
}

// HandleMessage handles one raw inbound websocket message. A failure is reported to the connection only, a panic
// in a handler is recovered and reported as internal error.
func (c *Client) HandleMessage(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.gateway.logger.Error("panic in event handler", "connection", c.Id, "panic", r, "stack", string(debug.Stack()))
			c.fail(newFailure(KindInternal, MsgInternal, nil))
		}
	}()
	message := types.WebsocketMessage{}
	err := json.Unmarshal(raw, &message)
	if err != nil {
		c.fail(invalidRequest(err))
		return
	}
	err = c.gateway.HandleEvent(c, message.Event, message.Data)
	if err != nil {
		c.fail(err)
	}
}

func (c *Client) fail(err error) {
	f := asFailure(err)
	switch f.Kind {
	case KindPersistence, KindInternal:
		c.gateway.logger.Error("event failed", "connection", c.Id, "kind", f.Kind, "error", f)
	default:
		c.gateway.logger.Debug("event rejected", "connection", c.Id, "kind", f.Kind, "error", f)
	}
	c.gateway.metrics.HandlerFailure.Add(c.gateway.ctx, 1, metric.WithAttributes(attribute.String("kind", string(f.Kind))))
	c.sendError(f.Message)
}

// ReadLoop pumps messages from the websocket connection to the gateway.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.gateway.Disconnect(c)
		c.close()
		c.conn.Close()
		c.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gateway.logger.Info("ws closed unexpected", "connection", c.Id, "error", err)
			}
			return
		}
		c.HandleMessage(raw)
	}
}

// WriteLoop pumps messages from the gateway to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Done()
	}()
	for {
		select {
		case message := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.gateway.logger.Debug("could not write to ws connection, exiting write loop", "connection", c.Id)
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.gateway.logger.Debug("could not send ping message, exiting write loop", "connection", c.Id)
				return
			}

		case <-c.doneChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
