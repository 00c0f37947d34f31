package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type HistoryFixture struct {
	*BaseFixture
	store *SQLiteHistoryStore
	now   time.Time
}

func NewHistoryFixture(t *testing.T) *HistoryFixture {
	base := NewBaseFixture(t)
	t.Cleanup(base.tearDown)
	return &HistoryFixture{
		BaseFixture: base,
		store:       NewSQLiteHistoryStore(base.db.DB),
		now:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *HistoryFixture) messages(roomID string, n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			ID:         fmt.Sprintf("%s-%d", roomID, i+1),
			RoomID:     roomID,
			Seq:        int64(i + 1),
			SenderID:   "customer-1",
			SenderName: "Alice",
			SenderRole: RoleCustomer,
			Body:       fmt.Sprintf("message %d", i+1),
			SentAt:     f.now.Add(time.Duration(i) * time.Second),
		}
	}
	return msgs
}

func TestSQLiteHistoryStore_Messages(t *testing.T) {
	f := NewHistoryFixture(t)
	msgs := f.messages("ORD1", 5)
	msgs[2].ClientID = "c-3"
	require.NoError(t, f.store.AppendMessages(f.ctx, msgs))
	require.NoError(t, f.store.AppendMessages(f.ctx, f.messages("ORD2", 2)))

	t.Run("latest page oldest first", func(t *testing.T) {
		got, err := f.store.RoomMessages(f.ctx, "ORD1", time.Time{}, 3)
		require.NoError(t, err)
		assert.Equal(t, msgs[2:], got)
	})

	t.Run("before cursor", func(t *testing.T) {
		got, err := f.store.RoomMessages(f.ctx, "ORD1", msgs[3].SentAt, 10)
		require.NoError(t, err)
		assert.Equal(t, msgs[:3], got)
	})

	t.Run("unknown room", func(t *testing.T) {
		got, err := f.store.RoomMessages(f.ctx, "ORD404", time.Time{}, 10)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("retried batch is idempotent", func(t *testing.T) {
		require.NoError(t, f.store.AppendMessages(f.ctx, msgs))
		got, err := f.store.RoomMessages(f.ctx, "ORD1", time.Time{}, 50)
		require.NoError(t, err)
		assert.Len(t, got, 5)
	})
}

func TestSQLiteHistoryStore_Samples(t *testing.T) {
	f := NewHistoryFixture(t)
	record := func(orderID string, lat float64, at time.Time) SampleRecord {
		return SampleRecord{
			SessionID:   "session-" + orderID,
			OrderID:     orderID,
			CourierID:   "courier-1",
			CourierName: "Bob",
			LocationSample: LocationSample{
				Latitude: lat, Longitude: 77.59,
				Timestamp: at, ReceivedAt: at.Add(time.Millisecond),
			},
		}
	}
	withOptional := record("ORD1", 12.97, f.now)
	withOptional.Accuracy = float(4.5)
	withOptional.Heading = float(180)

	require.NoError(t, f.store.AppendSamples(f.ctx, []SampleRecord{
		withOptional,
		record("ORD2", 13.00, f.now.Add(time.Second)),
		record("ORD1", 12.98, f.now.Add(2*time.Second)),
	}))

	t.Run("order history", func(t *testing.T) {
		got, err := f.store.OrderLocationHistory(f.ctx, "ORD1", 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, withOptional, got[0])
		assert.Nil(t, got[1].Accuracy)
		assert.Nil(t, got[1].Speed)
		assert.Equal(t, 12.98, got[1].Latitude)

		got, err = f.store.OrderLocationHistory(f.ctx, "ORD1", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 12.98, got[0].Latitude)
	})

	t.Run("latest per order", func(t *testing.T) {
		got, err := f.store.LatestLocations(f.ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "ORD1", got[0].OrderID)
		assert.Equal(t, 12.98, got[0].Latitude)
		assert.Equal(t, "ORD2", got[1].OrderID)
		assert.Equal(t, f.now.Add(time.Second), got[1].Timestamp)
	})
}

func TestSQLiteHistoryStore_Persister(t *testing.T) {
	f := NewHistoryFixture(t)
	p := NewPersister(f.store, fastPersisterConfig(), discardLogger)
	startPersister(t, p)

	for _, m := range f.messages("ORD1", 3) {
		p.EnqueueMessage(m)
	}
	flush(t, p)

	got, err := f.store.RoomMessages(f.ctx, "ORD1", time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
