package core

import (
	"context"
	"testing"

	"github.com/putto11262002/courierlink/migrations"
)

type BaseFixture struct {
	ctx      context.Context
	db       *SQLiteDB
	t        *testing.T
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	// a single connection keeps the in-memory database private to this test
	db, err := NewSQLiteDB(":memory:", migrations.FS, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

// CoreFixture wires a registry, a location manager and an admin feed over a
// recording sink, the way the application does.
type CoreFixture struct {
	clock     *clock
	store     *memStore
	sink      *recordingSink
	rooms     *Registry
	feed      *Feed
	locations *LocationManager
	resume    *ResumeHandler
}

func NewCoreFixture(t *testing.T) *CoreFixture {
	f := &CoreFixture{
		clock: newClock(),
		store: &memStore{},
		sink:  &recordingSink{},
		feed:  NewFeed(),
	}
	f.rooms = NewRegistry(DefaultRoomConfig, f.store, f.sink, discardLogger)
	f.rooms.now = f.clock.Now
	f.locations = NewLocationManager(DefaultLocationConfig, f.rooms, f.feed, f.sink, f.store, discardLogger)
	f.locations.now = f.clock.Now
	f.resume = NewResumeHandler(f.rooms, f.locations, 0, discardLogger)
	f.resume.now = f.clock.Now
	return f
}

func (f *CoreFixture) join(t *testing.T, sub Subscriber, roomID string) []Message {
	t.Helper()
	history, err := f.rooms.JoinRoom(context.Background(), sub, roomID)
	if err != nil {
		t.Fatal(err)
	}
	return history
}
