package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

// wireEvent is an event as a client decodes it.
type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsFixture struct {
	t       *testing.T
	ctx     context.Context
	cancel  context.CancelFunc
	server  *httptest.Server
	gateway *Gateway
	router  *EventRouter
	clients []*testWSClient
	mu      sync.Mutex
}

func setUpWSFixture(t *testing.T, opts ...GatewayOption) *wsFixture {
	ctx, cancel := context.WithCancel(context.Background())
	f := &wsFixture{t: t, ctx: ctx, cancel: cancel}
	f.router = NewEventRouter(discardLogger)
	f.gateway = NewGateway(ctx, NewTokenAuthenticator(testSecret), f.router, discardLogger, opts...)
	f.server = httptest.NewServer(f.gateway)
	t.Cleanup(f.tearDown)
	return f
}

func (f *wsFixture) url() string {
	return strings.Replace(f.server.URL, "http://", "ws://", 1)
}

func token(t *testing.T, identity Identity) string {
	t.Helper()
	signed, _, err := NewToken(identity, time.Hour, testSecret)
	require.NoError(t, err)
	return signed
}

// connect dials the gateway as identity and starts reading.
func (f *wsFixture) connect(identity Identity) *testWSClient {
	f.t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(f.t, identity))
	conn, res, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.NoErrorf(f.t, err, "%s: failed to connect to server", identity.UserID)
	require.Equal(f.t, http.StatusSwitchingProtocols, res.StatusCode)

	c := newTestWSClient(conn)
	go c.readLoop()
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c
}

func (f *wsFixture) tearDown() {
	f.mu.Lock()
	for _, c := range f.clients {
		c.Close()
	}
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	if err := f.gateway.Close(ctx); err != nil {
		f.t.Error(err)
	}
	f.server.Close()
	f.cancel()
}

type testWSClient struct {
	conn   *websocket.Conn
	events chan wireEvent
	// closed is closed when the read loop exits; closeCode is the code the server sent, or -1.
	closed    chan struct{}
	closeCode int
	writeMu   sync.Mutex
}

func newTestWSClient(conn *websocket.Conn) *testWSClient {
	return &testWSClient{
		conn:      conn,
		events:    make(chan wireEvent, 256),
		closed:    make(chan struct{}),
		closeCode: -1,
	}
}

func (c *testWSClient) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.closeCode = closeErr.Code
			}
			return
		}
		var e wireEvent
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		c.events <- e
	}
}

func (c *testWSClient) send(t *testing.T, cmdType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	c.sendRaw(t, fmt.Sprintf(`{"type":%q,"payload":%s}`, cmdType, raw))
}

func (c *testWSClient) sendRaw(t *testing.T, frame string) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// expect waits for the next event of eventType, skipping others.
func (c *testWSClient) expect(t *testing.T, eventType string) wireEvent {
	t.Helper()
	timeout := time.After(baseTimeout)
	for {
		select {
		case e := <-c.events:
			if e.Type == eventType {
				return e
			}
		case <-c.closed:
			require.FailNowf(t, "connection closed", "waiting for %s", eventType)
		case <-timeout:
			require.FailNowf(t, "timeout", "waiting for %s", eventType)
		}
	}
}

func expectPayload[T any](t *testing.T, c *testWSClient, eventType string) T {
	t.Helper()
	var p T
	require.NoError(t, json.Unmarshal(c.expect(t, eventType).Payload, &p))
	return p
}

// Close sends a close message to the server without waiting for the reply.
func (c *testWSClient) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("send close message: %w", err)
	}
	return nil
}

// waitOrTimeout waits for fn to finish or times out.
func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}
