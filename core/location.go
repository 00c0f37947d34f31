package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/putto11262002/courierlink/internal/metrics"
)

type SessionState int

const (
	SessionActive SessionState = iota + 1
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = SessionActive
	case "ended":
		*s = SessionEnded
	default:
		return fmt.Errorf("invalid session state %q", b)
	}
	return nil
}

type EndReason string

const (
	EndStopped    EndReason = "stopped"
	EndSuperseded EndReason = "superseded"
	EndTimeout    EndReason = "timeout"
)

// LocationSample is one position fix reported by a courier.
type LocationSample struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	// Timestamp is the client's fix time, or ReceivedAt when the client sent none.
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (s LocationSample) Validate() error {
	if !finite(s.Latitude) || s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinates, s.Latitude)
	}
	if !finite(s.Longitude) || s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinates, s.Longitude)
	}
	if s.Accuracy != nil && (!finite(*s.Accuracy) || *s.Accuracy < 0) {
		return fmt.Errorf("%w: negative accuracy", ErrInvalidCoordinates)
	}
	if s.Altitude != nil && !finite(*s.Altitude) {
		return fmt.Errorf("%w: invalid altitude", ErrInvalidCoordinates)
	}
	if s.Speed != nil && (!finite(*s.Speed) || *s.Speed < 0) {
		return fmt.Errorf("%w: negative speed", ErrInvalidCoordinates)
	}
	if s.Heading != nil && (!finite(*s.Heading) || *s.Heading < 0 || *s.Heading > 360) {
		return fmt.Errorf("%w: heading must be within [0, 360]", ErrInvalidCoordinates)
	}
	return nil
}

// LocationSession is a value snapshot of a courier's tracking session for one order.
type LocationSession struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	CourierID   string          `json:"deliveryBoyId"`
	CourierName string          `json:"deliveryBoyName"`
	State       SessionState    `json:"state"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
	EndReason   EndReason       `json:"endReason,omitempty"`
	Latest      *LocationSample `json:"latest,omitempty"`
	LastSeen    time.Time       `json:"lastSeen"`
}

func (s LocationSession) Active() bool {
	return s.State == SessionActive
}

// SampleRecord is a sample together with the session it was reported in.
type SampleRecord struct {
	SessionID   string `json:"sessionId"`
	OrderID     string `json:"orderId"`
	CourierID   string `json:"deliveryBoyId"`
	CourierName string `json:"deliveryBoyName"`
	LocationSample
}

// Updated flattens the record into a location-updated payload.
func (r SampleRecord) Updated(live bool) LocationUpdatedPayload {
	return LocationUpdatedPayload{
		OrderID:     r.OrderID,
		SessionID:   r.SessionID,
		CourierID:   r.CourierID,
		CourierName: r.CourierName,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Accuracy:    r.Accuracy,
		Altitude:    r.Altitude,
		Speed:       r.Speed,
		Heading:     r.Heading,
		Timestamp:   r.Timestamp,
		Live:        live,
	}
}

func (s LocationSession) record() (SampleRecord, bool) {
	if s.Latest == nil {
		return SampleRecord{}, false
	}
	return SampleRecord{
		SessionID:      s.ID,
		OrderID:        s.OrderID,
		CourierID:      s.CourierID,
		CourierName:    s.CourierName,
		LocationSample: *s.Latest,
	}, true
}

// SampleSink receives accepted samples for durable storage. Implementations must not block.
type SampleSink interface {
	EnqueueSample(SampleRecord)
}

// RoomBroadcaster delivers an event to every member of an order's room and
// reports the connections it reached.
type RoomBroadcaster interface {
	Broadcast(roomID string, e *Event) []string
}

// LocationHistory serves stored samples.
type LocationHistory interface {
	// LatestLocations returns the newest stored sample of every order.
	LatestLocations(ctx context.Context) ([]SampleRecord, error)
	// OrderLocationHistory returns up to limit of the order's newest samples, oldest first.
	OrderLocationHistory(ctx context.Context, orderID string, limit int) ([]SampleRecord, error)
}

type slotKey struct {
	orderID   string
	courierID string
}

// slot serializes every transition of one (order, courier) pair.
type slot struct {
	mu      sync.Mutex
	session *LocationSession
	removed bool
}

type LocationConfig struct {
	// Timeout ends a session that has not reported a sample for this long.
	Timeout time.Duration
}

var DefaultLocationConfig = LocationConfig{
	Timeout: 90 * time.Second,
}

// LocationManager owns every tracking session. Transitions for one (order, courier)
// pair are serialized by the pair's slot lock and broadcast while it is held, so
// observers never see two active sessions for the same pair.
type LocationManager struct {
	mu    sync.Mutex
	slots map[slotKey]*slot

	// live mirrors the active sessions for reads that must not take slot locks.
	live *SyncMap[slotKey, LocationSession]

	config  LocationConfig
	rooms   RoomBroadcaster
	feed    *Feed
	sink    SampleSink
	history LocationHistory
	logger  *slog.Logger
	now     func() time.Time
}

// NewLocationManager creates a manager. sink and history may be nil.
func NewLocationManager(config LocationConfig, rooms RoomBroadcaster, feed *Feed, sink SampleSink, history LocationHistory, logger *slog.Logger) *LocationManager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultLocationConfig.Timeout
	}
	return &LocationManager{
		slots:   make(map[slotKey]*slot),
		live:    NewSyncMap[slotKey, LocationSession](),
		config:  config,
		rooms:   rooms,
		feed:    feed,
		sink:    sink,
		history: history,
		logger:  logger,
		now:     time.Now,
	}
}

func (m *LocationManager) lockSlot(key slotKey, create bool) *slot {
	for {
		m.mu.Lock()
		s, ok := m.slots[key]
		if !ok && create {
			s = &slot{}
			m.slots[key] = s
		}
		m.mu.Unlock()
		if s == nil {
			return nil
		}
		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

func courierOnly(sub Subscriber, orderID string) (slotKey, error) {
	identity := sub.Identity()
	if identity.Role != RoleCourier {
		return slotKey{}, fmt.Errorf("%w: only couriers can report locations", ErrForbidden)
	}
	if strings.TrimSpace(orderID) == "" {
		return slotKey{}, fmt.Errorf("%w: empty order id", ErrInvalidPayload)
	}
	return slotKey{orderID: orderID, courierID: identity.UserID}, nil
}

// StartTracking begins a new session for the courier on the order. An active session
// for the same pair is ended as superseded in the same critical section.
func (m *LocationManager) StartTracking(sub Subscriber, orderID string) (LocationSession, error) {
	key, err := courierOnly(sub, orderID)
	if err != nil {
		return LocationSession{}, err
	}
	s := m.lockSlot(key, true)
	defer s.mu.Unlock()

	now := m.now().UTC()
	if s.session != nil && s.session.Active() {
		m.endLocked(s, EndSuperseded, now)
	}

	identity := sub.Identity()
	s.session = &LocationSession{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		CourierID:   identity.UserID,
		CourierName: identity.Name,
		State:       SessionActive,
		StartedAt:   now,
		LastSeen:    now,
	}
	session := *s.session
	m.live.Store(key, session)
	metrics.TrackingSessionsActive.Inc()

	m.publish(orderID, NewEvent(TrackingStartedEvent, TrackingPayload{Session: session, OrderID: orderID}))
	m.logger.Info("tracking started",
		slog.String("order", orderID),
		slog.String("courier", identity.UserID),
		slog.String("session", session.ID))
	return session, nil
}

// ReportPosition records a sample for the courier's active session on the order.
func (m *LocationManager) ReportPosition(sub Subscriber, orderID string, sample LocationSample) (LocationSession, error) {
	key, err := courierOnly(sub, orderID)
	if err != nil {
		return LocationSession{}, err
	}
	if err := sample.Validate(); err != nil {
		return LocationSession{}, err
	}
	s := m.lockSlot(key, false)
	if s == nil {
		return LocationSession{}, ErrNoActiveSession
	}
	defer s.mu.Unlock()
	if s.session == nil || !s.session.Active() {
		return LocationSession{}, ErrNoActiveSession
	}

	now := m.now().UTC()
	sample.ReceivedAt = now
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	s.session.Latest = &sample
	s.session.LastSeen = now
	session := *s.session
	m.live.Store(key, session)

	record, _ := session.record()
	m.publish(orderID, NewEvent(LocationUpdatedEvent, record.Updated(true)))
	if m.sink != nil {
		m.sink.EnqueueSample(record)
	}
	metrics.LocationSamplesAccepted.Inc()
	return session, nil
}

// StopTracking ends the courier's active session on the order.
func (m *LocationManager) StopTracking(sub Subscriber, orderID string) (LocationSession, error) {
	key, err := courierOnly(sub, orderID)
	if err != nil {
		return LocationSession{}, err
	}
	s := m.lockSlot(key, false)
	if s == nil {
		return LocationSession{}, ErrNoActiveSession
	}
	defer s.mu.Unlock()
	if s.session == nil || !s.session.Active() {
		return LocationSession{}, ErrNoActiveSession
	}
	return m.endLocked(s, EndStopped, m.now().UTC()), nil
}

// endLocked must be called with s.mu held and an active session.
func (m *LocationManager) endLocked(s *slot, reason EndReason, now time.Time) LocationSession {
	s.session.State = SessionEnded
	s.session.EndedAt = &now
	s.session.EndReason = reason
	session := *s.session

	m.live.Delete(slotKey{orderID: session.OrderID, courierID: session.CourierID})
	metrics.TrackingSessionsActive.Dec()
	metrics.TrackingSessionsEnded.WithLabelValues(string(reason)).Inc()

	m.publish(session.OrderID, NewEvent(TrackingEndedEvent, TrackingPayload{Session: session, OrderID: session.OrderID}))
	m.logger.Info("tracking ended",
		slog.String("order", session.OrderID),
		slog.String("courier", session.CourierID),
		slog.String("session", session.ID),
		slog.String("reason", string(reason)))
	return session
}

// publish sends e to the order's room and to the admin feed. Admins who are
// also in the room get it once.
func (m *LocationManager) publish(orderID string, e *Event) {
	var reached []string
	if m.rooms != nil {
		reached = m.rooms.Broadcast(orderID, e)
	}
	if m.feed != nil {
		m.feed.Broadcast(e, reached...)
	}
}

// Sweep ends sessions that have been silent for longer than the timeout and
// collects slots that no longer hold an active session.
func (m *LocationManager) Sweep(now time.Time) int {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	ended := 0
	for _, s := range slots {
		s.mu.Lock()
		// a report that took the lock first has already moved LastSeen forward
		if !s.removed && s.session != nil && s.session.Active() && now.Sub(s.session.LastSeen) > m.config.Timeout {
			m.endLocked(s, EndTimeout, now.UTC())
			ended++
		}
		s.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.slots {
		s.mu.Lock()
		if s.session == nil || !s.session.Active() {
			s.removed = true
			delete(m.slots, key)
		}
		s.mu.Unlock()
	}
	return ended
}

// Session returns the courier's current session on the order, active or the last ended one.
func (m *LocationManager) Session(orderID, courierID string) (LocationSession, bool) {
	s := m.lockSlot(slotKey{orderID: orderID, courierID: courierID}, false)
	if s == nil {
		return LocationSession{}, false
	}
	defer s.mu.Unlock()
	if s.session == nil {
		return LocationSession{}, false
	}
	return *s.session, true
}

// LatestLocations returns, for each order, the active session that was updated most recently.
func (m *LocationManager) LatestLocations() map[string]LocationSession {
	latest := make(map[string]LocationSession)
	m.live.RRange(func(_ slotKey, session LocationSession) bool {
		if current, ok := latest[session.OrderID]; !ok || session.LastSeen.After(current.LastSeen) {
			latest[session.OrderID] = session
		}
		return true
	})
	return latest
}

// ActiveSessions returns active sessions ordered by start time. An empty courierID
// returns every courier's sessions.
func (m *LocationManager) ActiveSessions(courierID string) []LocationSession {
	var sessions []LocationSession
	m.live.RRange(func(key slotKey, session LocationSession) bool {
		if courierID == "" || key.courierID == courierID {
			sessions = append(sessions, session)
		}
		return true
	})
	slices.SortFunc(sessions, func(a, b LocationSession) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return sessions
}

// LatestForOrder returns the last known positions on the order: one per live session
// with a sample, otherwise the newest stored sample.
func (m *LocationManager) LatestForOrder(ctx context.Context, orderID string) ([]LocationUpdatedPayload, error) {
	var updates []LocationUpdatedPayload
	for _, session := range m.ActiveSessions("") {
		if session.OrderID != orderID {
			continue
		}
		if record, ok := session.record(); ok {
			updates = append(updates, record.Updated(true))
		}
	}
	if len(updates) > 0 || m.history == nil {
		return updates, nil
	}
	stored, err := m.history.OrderLocationHistory(ctx, orderID, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for _, record := range stored {
		updates = append(updates, record.Updated(false))
	}
	return updates, nil
}

// ReplayTo sends sub the last known positions on the order. Store failures are logged.
func (m *LocationManager) ReplayTo(ctx context.Context, sub Subscriber, orderID string) {
	updates, err := m.LatestForOrder(ctx, orderID)
	if err != nil {
		m.logger.Warn("location replay degraded to live-only",
			slog.String("order", orderID), slog.String("error", err.Error()))
	}
	for _, u := range updates {
		sub.Send(NewEvent(LocationUpdatedEvent, u))
	}
}

// Snapshot merges the live positions over the stored latest sample of each order.
func (m *LocationManager) Snapshot(ctx context.Context) map[string]LocationUpdatedPayload {
	return m.merge(m.storedLatest(ctx))
}

func (m *LocationManager) storedLatest(ctx context.Context) []SampleRecord {
	if m.history == nil {
		return nil
	}
	stored, err := m.history.LatestLocations(ctx)
	if err != nil {
		m.logger.Warn("stored locations unavailable, snapshot is live-only", slog.String("error", err.Error()))
		return nil
	}
	return stored
}

func (m *LocationManager) merge(stored []SampleRecord) map[string]LocationUpdatedPayload {
	locations := make(map[string]LocationUpdatedPayload, len(stored))
	for _, record := range stored {
		locations[record.OrderID] = record.Updated(false)
	}
	for orderID, session := range m.LatestLocations() {
		if record, ok := session.record(); ok {
			locations[orderID] = record.Updated(true)
		}
	}
	return locations
}

// WatchAll subscribes sub to the admin feed. The subscriber first receives a
// location-snapshot and then every later tracking event, with nothing lost in between.
func (m *LocationManager) WatchAll(ctx context.Context, sub Subscriber) {
	// stored samples are read up front so the store is never queried under the feed lock
	stored := m.storedLatest(ctx)
	m.feed.Subscribe(sub, func() *Event {
		return NewEvent(LocationSnapshotEvent, LocationSnapshotPayload{Locations: m.merge(stored)})
	})
}

// Unwatch removes sub from the admin feed.
func (m *LocationManager) Unwatch(sub Subscriber) {
	m.feed.Unsubscribe(sub)
}
