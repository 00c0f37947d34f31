package courierlink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/courierlink/core"
)

const baseTimeout = 2 * time.Second

var (
	customer = core.Identity{UserID: "customer-1", Name: "Alice", Role: core.RoleCustomer}
	courier  = core.Identity{UserID: "courier-1", Name: "Bob", Role: core.RoleCourier}
	admin    = core.Identity{UserID: "admin-1", Name: "Ops", Role: core.RoleAdmin}
)

type appFixture struct {
	t      *testing.T
	app    *App
	server *httptest.Server
	secret []byte
}

func newAppFixture(t *testing.T) *appFixture {
	config, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	config.LogLevel = slog.LevelError
	config.SQLite.File = filepath.Join(t.TempDir(), "courierlink.db")
	config.Auth.Secret = []byte("app-test-secret")

	ctx, cancel := context.WithCancel(context.Background())
	app, err := New(ctx, config)
	require.NoError(t, err)

	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		app.persister.Serve(ctx)
	}()

	f := &appFixture{t: t, app: app, server: httptest.NewServer(app.Handler()), secret: config.Auth.Secret}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), baseTimeout)
		defer closeCancel()
		app.gateway.Close(closeCtx)
		f.server.Close()
		cancel()
		<-persisted
		app.db.Close()
	})
	return f
}

func (f *appFixture) token(identity core.Identity) string {
	f.t.Helper()
	signed, _, err := core.NewToken(identity, time.Hour, f.secret)
	require.NoError(f.t, err)
	return signed
}

func (f *appFixture) get(path string, identity *core.Identity) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(f.t, err)
	if identity != nil {
		req.Header.Set("Authorization", "Bearer "+f.token(*identity))
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { res.Body.Close() })
	return res
}

func (f *appFixture) post(path string, identity core.Identity, body string) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(body))
	require.NoError(f.t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(identity))
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsClient struct {
	conn   *websocket.Conn
	events chan wireEvent
	mu     sync.Mutex
}

func (f *appFixture) dial(identity core.Identity) *wsClient {
	f.t.Helper()
	url := strings.Replace(f.server.URL, "http://", "ws://", 1) + "/ws?token=" + f.token(identity)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)
	c := &wsClient{conn: conn, events: make(chan wireEvent, 256)}
	go func() {
		defer close(c.events)
		for {
			var e wireEvent
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			c.events <- e
		}
	}()
	f.t.Cleanup(func() { conn.Close() })
	return c
}

func (c *wsClient) send(t *testing.T, cmdType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage,
		[]byte(fmt.Sprintf(`{"type":%q,"payload":%s}`, cmdType, raw))))
}

func expect[T any](t *testing.T, c *wsClient, eventType string) T {
	t.Helper()
	timeout := time.After(baseTimeout)
	for {
		select {
		case e, ok := <-c.events:
			require.Truef(t, ok, "connection closed while waiting for %s", eventType)
			if e.Type != eventType {
				continue
			}
			var v T
			require.NoError(t, json.Unmarshal(e.Payload, &v))
			return v
		case <-timeout:
			require.FailNowf(t, "timeout", "waiting for %s", eventType)
		}
	}
}

func TestOrderConversationAndTracking(t *testing.T) {
	f := newAppFixture(t)
	ops := f.dial(admin)
	snapshot := expect[core.LocationSnapshotPayload](t, ops, core.LocationSnapshotEvent)
	assert.Empty(t, snapshot.Locations)

	alice := f.dial(customer)
	alice.send(t, core.JoinRoomCommand, core.JoinRoomPayload{OrderID: "ORD123"})
	history := expect[core.RoomHistoryPayload](t, alice, core.RoomHistoryEvent)
	assert.Empty(t, history.Messages)

	bob := f.dial(courier)
	bob.send(t, core.JoinRoomCommand, core.JoinRoomPayload{OrderID: "ORD123"})
	expect[core.RoomHistoryPayload](t, bob, core.RoomHistoryEvent)
	joined := expect[core.PresencePayload](t, alice, core.UserJoinedEvent)
	assert.Equal(t, "courier-1", joined.UserID)

	bob.send(t, core.SendMessageCommand, core.SendMessagePayload{RoomID: "ORD123", SenderID: "courier-1", Message: "hello"})
	toAlice := expect[core.ReceiveMessagePayload](t, alice, core.ReceiveMessageEvent).Message
	toBob := expect[core.ReceiveMessagePayload](t, bob, core.ReceiveMessageEvent).Message
	assert.Equal(t, "hello", toAlice.Body)
	assert.Equal(t, toAlice, toBob)

	t.Run("sender cannot be spoofed", func(t *testing.T) {
		alice.send(t, core.SendMessageCommand, core.SendMessagePayload{RoomID: "ORD123", SenderID: "courier-1", Message: "give me a discount"})
		p := expect[core.ErrorPayload](t, alice, core.ErrorEvent)
		assert.Equal(t, core.ErrIdentityMismatch.Code, p.Code)
	})

	t.Run("customers cannot track", func(t *testing.T) {
		alice.send(t, core.JoinTrackingCommand, core.JoinTrackingPayload{OrderID: "ORD123"})
		p := expect[core.ErrorPayload](t, alice, core.ErrorEvent)
		assert.Equal(t, core.ErrForbidden.Code, p.Code)
	})

	bob.send(t, core.JoinTrackingCommand, core.JoinTrackingPayload{OrderID: "ORD123", DeliveryBoyID: "courier-1"})
	started := expect[core.TrackingPayload](t, alice, core.TrackingStartedEvent)
	assert.Equal(t, core.SessionActive, started.Session.State)
	expect[core.TrackingPayload](t, ops, core.TrackingStartedEvent)

	bob.send(t, core.LocationUpdateCommand, map[string]any{"orderId": "ORD123", "latitude": 12.97, "longitude": 77.59})
	update := expect[core.LocationUpdatedPayload](t, alice, core.LocationUpdatedEvent)
	assert.Equal(t, 12.97, update.Latitude)
	assert.Equal(t, started.Session.ID, update.SessionID)
	assert.Equal(t, 77.59, expect[core.LocationUpdatedPayload](t, ops, core.LocationUpdatedEvent).Longitude)

	t.Run("rest history", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
		defer cancel()
		require.NoError(t, f.app.persister.Flush(ctx))

		res := f.get("/api/rooms/ORD123/messages", &customer)
		require.Equal(t, http.StatusOK, res.StatusCode)
		body := decodeBody[struct{ Messages []core.Message }](t, res)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, toAlice.ID, body.Messages[0].ID)
	})

	t.Run("rest latest locations", func(t *testing.T) {
		res := f.get("/api/locations/latest", &admin)
		require.Equal(t, http.StatusOK, res.StatusCode)
		body := decodeBody[core.LocationSnapshotPayload](t, res)
		require.Contains(t, body.Locations, "ORD123")
		assert.Equal(t, 12.97, body.Locations["ORD123"].Latitude)
		assert.True(t, body.Locations["ORD123"].Live)
	})

	bob.send(t, core.LeaveTrackingCommand, core.LeaveTrackingPayload{OrderID: "ORD123"})
	ended := expect[core.TrackingPayload](t, alice, core.TrackingEndedEvent)
	assert.Equal(t, core.EndStopped, ended.Session.EndReason)
}

func TestReconnectResumesRooms(t *testing.T) {
	f := newAppFixture(t)
	first := f.dial(customer)
	first.send(t, core.JoinRoomCommand, core.JoinRoomPayload{OrderID: "ORD1"})
	expect[core.RoomHistoryPayload](t, first, core.RoomHistoryEvent)
	first.send(t, core.JoinRoomCommand, core.JoinRoomPayload{OrderID: "ORD2"})
	expect[core.RoomHistoryPayload](t, first, core.RoomHistoryEvent)

	require.NoError(t, first.conn.Close())
	require.Eventually(t, func() bool { return f.app.gateway.Count() == 0 }, baseTimeout, 10*time.Millisecond)

	second := f.dial(customer)
	resumed := expect[core.ResumedPayload](t, second, core.ResumedEvent)
	assert.Equal(t, []string{"ORD1", "ORD2"}, resumed.OrderIDs)

	// the resumed connection is a member again
	second.send(t, core.SendMessageCommand, core.SendMessagePayload{RoomID: "ORD2", Message: "back"})
	assert.Equal(t, "back", expect[core.ReceiveMessagePayload](t, second, core.ReceiveMessageEvent).Message.Body)
}

func TestTypingClearsOnDisconnect(t *testing.T) {
	f := newAppFixture(t)
	watcher := f.dial(admin)
	watcher.send(t, core.JoinRoomCommand, core.JoinRoomPayload{OrderID: "ORD1"})
	expect[core.RoomHistoryPayload](t, watcher, core.RoomHistoryEvent)

	var typers []*wsClient
	for _, identity := range []core.Identity{customer, courier} {
		c := f.dial(identity)
		c.send(t, core.JoinRoomCommand, core.JoinRoomPayload{OrderID: "ORD1"})
		expect[core.RoomHistoryPayload](t, c, core.RoomHistoryEvent)
		c.send(t, core.TypingCommand, core.TypingPayload{RoomID: "ORD1", IsTyping: true})
		typers = append(typers, c)
	}
	require.Eventually(t, func() bool { return len(f.app.rooms.TypingUsers("ORD1")) == 2 }, baseTimeout, 10*time.Millisecond)

	for _, c := range typers {
		require.NoError(t, c.conn.Close())
	}
	require.Eventually(t, func() bool { return len(f.app.rooms.TypingUsers("ORD1")) == 0 }, baseTimeout, 10*time.Millisecond)
}

func TestRESTErrors(t *testing.T) {
	f := newAppFixture(t)

	tcs := []struct {
		name     string
		path     string
		identity *core.Identity
		status   int
		reason   string
	}{
		{name: "no token", path: "/api/locations/latest", status: http.StatusUnauthorized, reason: "unauthenticated"},
		{name: "not admin", path: "/api/locations/latest", identity: &customer, status: http.StatusForbidden, reason: "forbidden"},
		{name: "customer sessions", path: "/api/locations/sessions", identity: &customer, status: http.StatusForbidden, reason: "forbidden"},
		{name: "bad limit", path: "/api/rooms/ORD1/messages?limit=-1", identity: &customer, status: http.StatusBadRequest},
		{name: "bad cursor", path: "/api/rooms/ORD1/messages?before=yesterday", identity: &customer, status: http.StatusBadRequest},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			res := f.get(tc.path, tc.identity)
			assert.Equal(t, tc.status, res.StatusCode)
			assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
			body := decodeBody[map[string]any](t, res)
			if tc.reason != "" {
				assert.Equal(t, tc.reason, body["reason"])
			}
		})
	}

	res := f.get("/healthz", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestPostLocation(t *testing.T) {
	f := newAppFixture(t)

	res := f.post("/api/orders/ORD9/locations", courier, `{"latitude": 1.5, "longitude": 2.5}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.False(t, decodeBody[postLocationResponse](t, res).Live)

	res = f.post("/api/orders/ORD9/locations", courier, `{"latitude": 91, "longitude": 2.5}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = f.post("/api/orders/ORD9/locations", courier, `{"latitude": 1, "longitude": 2, "deliveryBoyId": "courier-2"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = f.post("/api/orders/ORD9/locations", customer, `{"latitude": 1, "longitude": 2}`)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	require.NoError(t, f.app.persister.Flush(ctx))

	res = f.get("/api/orders/ORD9/locations", &admin)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody[struct{ Samples []core.SampleRecord }](t, res)
	require.Len(t, body.Samples, 1)
	assert.Equal(t, 1.5, body.Samples[0].Latitude)
	assert.Equal(t, "courier-1", body.Samples[0].CourierID)
}
