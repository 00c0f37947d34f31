package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeSub records every event sent to it.
type fakeSub struct {
	id       string
	identity Identity

	mu     sync.Mutex
	events []*Event
	closed bool
	full   bool
}

func newFakeSub(id, userID string, role Role) *fakeSub {
	return &fakeSub{id: id, identity: Identity{UserID: userID, Name: "Name " + userID, Role: role}}
}

func (s *fakeSub) ID() string         { return s.id }
func (s *fakeSub) Identity() Identity { return s.identity }

func (s *fakeSub) Send(e *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.full {
		return false
	}
	s.events = append(s.events, e)
	return true
}

func (s *fakeSub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSub) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *fakeSub) EventsOf(t string) []*Event {
	var out []*Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSub) Types() []string {
	var out []string
	for _, e := range s.Events() {
		out = append(out, e.Type)
	}
	return out
}

func (s *fakeSub) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func payloadOf[T any](t *testing.T, e *Event) T {
	t.Helper()
	p, ok := e.Payload.(T)
	require.Truef(t, ok, "unexpected payload %T for %s", e.Payload, e.Type)
	return p
}

func lastOf[T any](t *testing.T, s *fakeSub, eventType string) T {
	t.Helper()
	events := s.EventsOf(eventType)
	require.NotEmptyf(t, events, "%s received no %s", s.id, eventType)
	return payloadOf[T](t, events[len(events)-1])
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errStoreDown = errors.New("store down")

// memStore is an in-memory HistoryStore that can be told to fail.
type memStore struct {
	mu       sync.Mutex
	messages []Message
	samples  []SampleRecord
	// failures is the number of upcoming calls that fail.
	failures int
	appends  int
}

func (s *memStore) fail() error {
	if s.failures > 0 {
		s.failures--
		return errStoreDown
	}
	return nil
}

func (s *memStore) setFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *memStore) AppendMessages(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if err := s.fail(); err != nil {
		return err
	}
	s.messages = append(s.messages, msgs...)
	return nil
}

func (s *memStore) AppendSamples(_ context.Context, samples []SampleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if err := s.fail(); err != nil {
		return err
	}
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *memStore) RoomMessages(_ context.Context, roomID string, before time.Time, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range s.messages {
		if m.RoomID == roomID && (before.IsZero() || m.SentAt.Before(before)) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) LatestLocations(context.Context) ([]SampleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	latest := map[string]SampleRecord{}
	var order []string
	for _, r := range s.samples {
		if _, ok := latest[r.OrderID]; !ok {
			order = append(order, r.OrderID)
		}
		latest[r.OrderID] = r
	}
	out := make([]SampleRecord, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

func (s *memStore) OrderLocationHistory(_ context.Context, orderID string, limit int) ([]SampleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var out []SampleRecord
	for _, r := range s.samples {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *memStore) Samples() []SampleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.samples)
}

// recordingSink collects everything handed to it.
type recordingSink struct {
	mu       sync.Mutex
	messages []Message
	samples  []SampleRecord
}

func (s *recordingSink) EnqueueMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

func (s *recordingSink) EnqueueSample(r SampleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, r)
}

func (s *recordingSink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *recordingSink) Samples() []SampleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.samples)
}

func float(f float64) *float64 {
	return &f
}
