package core

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

type SQLiteHistoryStore struct {
	db *sql.DB
}

func NewSQLiteHistoryStore(db *sql.DB) *SQLiteHistoryStore {
	return &SQLiteHistoryStore{db: db}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

// AppendMessages inserts the messages in one transaction. Messages that are already
// stored are skipped, so a retried batch does not duplicate history.
func (s *SQLiteHistoryStore) AppendMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages (id, room_id, seq, sender_id, sender_name, sender_role, body, sent_at, client_id)
		VALUES (@id, @room_id, @seq, @sender_id, @sender_name, @sender_role, @body, @sent_at, @client_id)`)
	if err != nil {
		return fmt.Errorf("PrepareContext(insert message): %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		_, err := stmt.ExecContext(ctx,
			sql.Named("id", m.ID), sql.Named("room_id", m.RoomID), sql.Named("seq", m.Seq),
			sql.Named("sender_id", m.SenderID), sql.Named("sender_name", m.SenderName),
			sql.Named("sender_role", string(m.SenderRole)), sql.Named("body", m.Body),
			sql.Named("sent_at", unixNano(m.SentAt)), sql.Named("client_id", m.ClientID))
		if err != nil {
			return fmt.Errorf("ExecContext(insert message): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func (s *SQLiteHistoryStore) AppendSamples(ctx context.Context, samples []SampleRecord) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO location_samples (session_id, order_id, courier_id, courier_name, latitude, longitude,
			accuracy, altitude, speed, heading, recorded_at, received_at)
		VALUES (@session_id, @order_id, @courier_id, @courier_name, @latitude, @longitude,
			@accuracy, @altitude, @speed, @heading, @recorded_at, @received_at)`)
	if err != nil {
		return fmt.Errorf("PrepareContext(insert sample): %w", err)
	}
	defer stmt.Close()

	for _, r := range samples {
		_, err := stmt.ExecContext(ctx,
			sql.Named("session_id", r.SessionID), sql.Named("order_id", r.OrderID),
			sql.Named("courier_id", r.CourierID), sql.Named("courier_name", r.CourierName),
			sql.Named("latitude", r.Latitude), sql.Named("longitude", r.Longitude),
			sql.Named("accuracy", nullFloat(r.Accuracy)), sql.Named("altitude", nullFloat(r.Altitude)),
			sql.Named("speed", nullFloat(r.Speed)), sql.Named("heading", nullFloat(r.Heading)),
			sql.Named("recorded_at", unixNano(r.Timestamp)), sql.Named("received_at", unixNano(r.ReceivedAt)))
		if err != nil {
			return fmt.Errorf("ExecContext(insert sample): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func (s *SQLiteHistoryStore) RoomMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultRoomConfig.BufferSize
	}
	cutoff := int64(1<<63 - 1)
	if !before.IsZero() {
		cutoff = before.UnixNano()
	}

	query := `
	SELECT id, room_id, seq, sender_id, sender_name, sender_role, body, sent_at, client_id
	FROM messages
	WHERE room_id = @room_id AND sent_at < @before
	ORDER BY sent_at DESC, seq DESC
	LIMIT @limit
	`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("before", cutoff), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m      Message
			role   string
			sentAt int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.SenderName,
			&role, &m.Body, &sentAt, &m.ClientID); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		m.SenderRole = Role(role)
		m.SentAt = fromUnixNano(sentAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

const sampleColumns = `id, session_id, order_id, courier_id, courier_name, latitude, longitude,
	accuracy, altitude, speed, heading, recorded_at, received_at`

func scanSamples(rows *sql.Rows) ([]SampleRecord, error) {
	defer rows.Close()
	records := []SampleRecord{}
	for rows.Next() {
		var (
			id                                 int64
			r                                  SampleRecord
			accuracy, altitude, speed, heading sql.NullFloat64
			recordedAt, receivedAt             int64
		)
		if err := rows.Scan(&id, &r.SessionID, &r.OrderID, &r.CourierID, &r.CourierName,
			&r.Latitude, &r.Longitude, &accuracy, &altitude, &speed, &heading,
			&recordedAt, &receivedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		r.Accuracy = floatPtr(accuracy)
		r.Altitude = floatPtr(altitude)
		r.Speed = floatPtr(speed)
		r.Heading = floatPtr(heading)
		r.Timestamp = fromUnixNano(recordedAt)
		r.ReceivedAt = fromUnixNano(receivedAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return records, nil
}

// LatestLocations returns the most recently stored sample of every order, ordered by order id.
func (s *SQLiteHistoryStore) LatestLocations(ctx context.Context) ([]SampleRecord, error) {
	query := `
	SELECT ` + sampleColumns + `
	FROM location_samples
	WHERE id IN (SELECT MAX(id) FROM location_samples GROUP BY order_id)
	ORDER BY order_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	return scanSamples(rows)
}

func (s *SQLiteHistoryStore) OrderLocationHistory(ctx context.Context, orderID string, limit int) ([]SampleRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
	SELECT ` + sampleColumns + `
	FROM location_samples
	WHERE order_id = @order_id
	ORDER BY id DESC
	LIMIT @limit
	`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("order_id", orderID), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	records, err := scanSamples(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(records)
	return records, nil
}
