package core

import "context"

// HistoryStore is the durable store behind the live core. Writes come from the
// Persister only; reads serve backfill, resume and the admin REST surface.
type HistoryStore interface {
	MessageHistory
	LocationHistory
	AppendMessages(ctx context.Context, msgs []Message) error
	AppendSamples(ctx context.Context, samples []SampleRecord) error
}
