package core

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

type resumeSnapshot struct {
	orderIDs  []string
	expiresAt time.Time
}

// ResumeHandler restores a user's rooms after a reconnect. When a connection drops,
// the rooms it had joined are remembered per user for a grace period; the user's
// next connection re-joins them and receives the last known location of each order.
type ResumeHandler struct {
	rooms     *Registry
	locations *LocationManager
	snapshots *SyncMap[string, resumeSnapshot]
	grace     time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewResumeHandler(rooms *Registry, locations *LocationManager, grace time.Duration, logger *slog.Logger) *ResumeHandler {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &ResumeHandler{
		rooms:     rooms,
		locations: locations,
		snapshots: NewSyncMap[string, resumeSnapshot](),
		grace:     grace,
		logger:    logger,
		now:       time.Now,
	}
}

// Remember records the rooms sub has joined. It must run before the connection is
// removed from the registry.
func (h *ResumeHandler) Remember(sub Subscriber) {
	rooms := h.rooms.RoomsOf(sub.ID())
	if len(rooms) == 0 {
		return
	}
	expiresAt := h.now().Add(h.grace)
	h.snapshots.LoadAndStore(sub.Identity().UserID, func(prev resumeSnapshot, ok bool) resumeSnapshot {
		ids := rooms
		if ok && prev.expiresAt.After(h.now()) {
			ids = append(slices.Clone(prev.orderIDs), rooms...)
			slices.Sort(ids)
			ids = slices.Compact(ids)
		}
		return resumeSnapshot{orderIDs: ids, expiresAt: expiresAt}
	})
}

// Restore resumes the remembered rooms of sub's user, if any are still within the grace period.
func (h *ResumeHandler) Restore(ctx context.Context, sub Subscriber) []string {
	snapshot, ok := h.snapshots.LoadAndDelete(sub.Identity().UserID)
	if !ok || !snapshot.expiresAt.After(h.now()) {
		return nil
	}
	return h.Resume(ctx, sub, snapshot.orderIDs)
}

// Resume joins every listed room, replays the last known location of each order and
// finishes with a resumed event listing the rooms that were joined.
func (h *ResumeHandler) Resume(ctx context.Context, sub Subscriber, orderIDs []string) []string {
	joined := make([]string, 0, len(orderIDs))
	for _, orderID := range orderIDs {
		if _, err := h.rooms.JoinRoom(ctx, sub, orderID); err != nil {
			h.logger.Warn("resume join failed", slog.String("order", orderID), slog.String("error", err.Error()))
			continue
		}
		h.locations.ReplayTo(ctx, sub, orderID)
		joined = append(joined, orderID)
	}
	sub.Send(NewEvent(ResumedEvent, ResumedPayload{OrderIDs: joined}))
	h.logger.Debug("resumed", slog.String("user", sub.Identity().UserID), slog.Int("rooms", len(joined)))
	return joined
}

// Sweep drops snapshots whose grace period has passed.
func (h *ResumeHandler) Sweep(now time.Time) int {
	return h.snapshots.DeleteFunc(func(_ string, s resumeSnapshot) bool {
		return !s.expiresAt.After(now)
	})
}
