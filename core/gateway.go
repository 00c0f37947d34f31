package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/putto11262002/courierlink/internal/metrics"
)

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Delegate the check to CORS middleware
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway accepts websocket connections, authenticates them once at connect time
// and owns every live Conn.
type Gateway struct {
	conns      map[string]*Conn
	mu         sync.RWMutex
	wg         sync.WaitGroup
	context    context.Context
	logger     *slog.Logger
	auth       Authenticator
	dispatcher Dispatcher
	upgrader   websocket.Upgrader

	sendQueueSize int
	rateLimit     rate.Limit
	rateBurst     int

	onConnect    []func(context.Context, *Conn)
	onDisconnect []func(*Conn)
}

type GatewayOption func(*Gateway)

func WithCheckOrigin(f func(r *http.Request) bool) GatewayOption {
	return func(g *Gateway) {
		g.upgrader.CheckOrigin = f
	}
}

// WithSendQueueSize bounds the per-connection delivery queue.
func WithSendQueueSize(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.sendQueueSize = n
		}
	}
}

// WithRateLimit limits inbound commands per connection. A zero limit disables it.
func WithRateLimit(limit rate.Limit, burst int) GatewayOption {
	return func(g *Gateway) {
		g.rateLimit = limit
		g.rateBurst = burst
	}
}

func NewGateway(ctx context.Context, auth Authenticator, dispatcher Dispatcher, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		conns:         make(map[string]*Conn),
		context:       ctx,
		logger:        logger,
		auth:          auth,
		dispatcher:    dispatcher,
		upgrader:      defaultUpgrader,
		sendQueueSize: 256,
		rateLimit:     20,
		rateBurst:     40,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnConnect registers a hook that runs after a connection is registered and before
// its first command is read. Hooks run in registration order.
func (g *Gateway) OnConnect(f func(context.Context, *Conn)) {
	g.onConnect = append(g.onConnect, f)
}

// OnDisconnect registers a hook that runs exactly once per connection after it is
// unregistered. Hooks run in registration order.
func (g *Gateway) OnDisconnect(f func(*Conn)) {
	g.onDisconnect = append(g.onDisconnect, f)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.auth.Authenticate(r.Context(), TokenFromRequest(r))
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("unauthenticated").Inc()
		g.logger.Info("connection refused", slog.String("error", err.Error()))
		http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an error response
		metrics.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		g.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := g.register(identity, ws)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		c.writeLoop()
	}()

	for _, f := range g.onConnect {
		f(g.context, c)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		c.readLoop(g.context, g.dispatcher)
	}()
}

func (g *Gateway) register(identity Identity, ws *websocket.Conn) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:       id,
		identity: identity,
		conn:     ws,
		send:     make(chan *Event, g.sendQueueSize),
		done:     make(chan struct{}),
		gateway:  g,
		logger: g.logger.With(
			slog.String("conn", id),
			slog.String("user", identity.UserID),
			slog.String("role", string(identity.Role))),
	}
	if g.rateLimit > 0 {
		c.limiter = rate.NewLimiter(g.rateLimit, g.rateBurst)
	}

	g.mu.Lock()
	g.conns[id] = c
	g.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	c.logger.Info("connected")
	return c
}

// Disconnect unregisters the connection, stops its loops and runs the disconnect
// hooks. It is idempotent.
func (g *Gateway) Disconnect(id string) {
	g.mu.Lock()
	c, ok := g.conns[id]
	if ok {
		delete(g.conns, id)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	metrics.ConnectionsActive.Dec()
	c.logger.Info("disconnected")

	for _, f := range g.onDisconnect {
		f(c)
	}
}

func (g *Gateway) Conn(id string) (*Conn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[id]
	return c, ok
}

func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Close disconnects every connection and waits for their loops to exit or ctx to expire.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.RLock()
	ids := make([]string, 0, len(g.conns))
	for id := range g.conns {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	for _, id := range ids {
		g.Disconnect(id)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("gateway close timed out")
	}
}
