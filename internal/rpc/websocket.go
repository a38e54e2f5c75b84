package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ftupas/kakarot-rpc/internal/filters"
	"github.com/ftupas/kakarot-rpc/internal/logging"
)

const (
	wsReadLimit    = 5 << 20
	wsSendBuffer   = 256
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsConn serves JSON-RPC over one WebSocket. Requests are handled in
// arrival order; responses and notifications share one writer goroutine.
type wsConn struct {
	ws   *websocket.Conn
	d    *Dispatcher
	hub  *Hub
	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]struct{}
}

func newWSConn(ws *websocket.Conn, d *Dispatcher, hub *Hub) *wsConn {
	return &wsConn{
		ws:   ws,
		d:    d,
		hub:  hub,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]struct{}),
	}
}

func (c *wsConn) serve(ctx context.Context) {
	go c.writeLoop()
	defer c.close()

	c.ws.SetReadLimit(wsReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	ctx = withSubscriber(ctx, c)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Logger().Debug("ws_read_failed", "component", "rpc", "err", err)
			}
			return
		}
		resp, err := c.d.Handle(ctx, msg)
		if err != nil {
			logging.Logger().Error("ws_encode_failed", "component", "rpc", "err", err)
			continue
		}
		if resp != nil && !c.respond(resp) {
			return
		}
	}
}

// respond queues a response. A response that does not fit the buffer ends
// the connection; notifications are dropped by the hub instead.
func (c *wsConn) respond(resp []byte) bool {
	if c.enqueue(resp) {
		return true
	}
	select {
	case <-c.done:
	default:
		logging.Logger().Warn("ws_response_dropped", "component", "rpc", "buffered", len(c.send))
	}
	return false
}

// enqueue hands msg to the writer without blocking. A full buffer drops
// the message.
func (c *wsConn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id := range c.subs {
			c.hub.remove(id)
		}
		c.subs = nil
		c.mu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *wsConn) subscribe(kind string, crit filters.Criteria) (string, error) {
	id, err := c.hub.add(kind, crit, c.enqueue)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.hub.remove(id)
		return "", context.Canceled
	}
	c.subs[id] = struct{}{}
	return id, nil
}

// unsubscribe only removes subscriptions this connection created.
func (c *wsConn) unsubscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return c.hub.remove(id)
}
