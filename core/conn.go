package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/putto11262002/courierlink/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Subscriber is the delivery side of a connection as seen by rooms and feeds.
type Subscriber interface {
	ID() string
	Identity() Identity
	// Send enqueues e without blocking. It returns false if the event was not queued.
	Send(e *Event) bool
	Closed() bool
}

// Conn is one authenticated websocket connection. Events sent to it are written in
// FIFO order by its write loop; a full queue marks the connection as stalled and
// it is disconnected.
type Conn struct {
	id        string
	identity  Identity
	conn      *websocket.Conn
	send      chan *Event
	done      chan struct{}
	stalled   atomic.Bool
	limiter   *rate.Limiter
	gateway   *Gateway
	logger    *slog.Logger
	closeOnce sync.Once
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Identity() Identity {
	return c.identity
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return c.stalled.Load()
	}
}

func (c *Conn) Send(e *Event) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- e:
		return true
	default:
	}
	// disconnect asynchronously: Send may be called while a room lock is held
	if !c.stalled.Swap(true) {
		c.logger.Warn("send queue full, dropping slow connection")
		metrics.SlowConsumerDrops.Inc()
		go c.gateway.Disconnect(c.id)
	}
	return false
}

// Reply reports err to this connection only. Sensitive and internal errors are logged instead.
func (c *Conn) Reply(requestType string, err error) {
	e, ok := AsError(err)
	if !ok || e.Sensitive {
		c.logger.Error(fmt.Sprintf("%s handler: %v", requestType, err))
		return
	}
	c.logger.Debug(fmt.Sprintf("%s rejected: %v", requestType, err))
	c.Send(NewEvent(ErrorEvent, ErrorPayload{Code: e.Code, Message: err.Error(), RequestType: requestType}))
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) readLoop(ctx context.Context, dispatcher Dispatcher) {
	c.logger.Debug("read loop started")
	defer func() {
		c.gateway.Disconnect(c.id)
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			if !c.Closed() {
				c.logger.Warn(fmt.Sprintf("NextReader: %v", err))
			}
			return
		}

		if format != websocket.TextMessage {
			c.Reply("", fmt.Errorf("%w: expected a text frame", ErrInvalidPayload))
			continue
		}

		var cmd Command
		if err := DecodeCommand(r, &cmd); err != nil {
			c.Reply("", err)
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			metrics.Commands.WithLabelValues(cmd.Type, KindValidation.String()).Inc()
			c.Reply(cmd.Type, ErrRateLimited)
			continue
		}

		c.logger.Debug(cmd.String())

		// commands from one connection are handled in arrival order
		if err := dispatcher.Dispatch(ctx, c, &cmd); err != nil {
			metrics.Commands.WithLabelValues(cmd.Type, KindOf(err).String()).Inc()
			c.Reply(cmd.Type, err)
			continue
		}
		metrics.Commands.WithLabelValues(cmd.Type, "ok").Inc()
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e := <-c.send:
			if err := c.write(e); err != nil {
				c.logger.Warn(fmt.Sprintf("write: %v", err))
				c.gateway.Disconnect(c.id)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn(fmt.Sprintf("writing ping: %v", err))
				c.gateway.Disconnect(c.id)
				return
			}
		}
	}
}

func (c *Conn) write(e *Event) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("getting next writer: %w", err)
	}
	if err := EncodeEvent(w, e); err != nil {
		// an unencodable payload is a bug in the sender, not a transport failure
		c.logger.Error(err.Error(), slog.String("type", e.Type))
	}
	return w.Close()
}
