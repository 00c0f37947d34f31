package core

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/putto11262002/courierlink/internal/metrics"
)

// Message is a chat message accepted into a room. It is immutable once accepted.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	Seq        int64     `json:"seq"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SenderRole Role      `json:"senderType"`
	Body       string    `json:"message"`
	SentAt     time.Time `json:"timestamp"`
	ClientID   string    `json:"clientId,omitempty"`
}

// MessageSink receives accepted messages for durable storage. Implementations must not block.
type MessageSink interface {
	EnqueueMessage(Message)
}

// MessageHistory serves messages older than the in-memory buffer.
type MessageHistory interface {
	// RoomMessages returns up to limit messages sent strictly before before
	// (or the latest ones when before is zero), oldest first.
	RoomMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]Message, error)
}

type RoomConfig struct {
	// BufferSize is the number of recent messages kept per room.
	BufferSize int
	// TypingTTL is how long a typing flag survives without being refreshed.
	TypingTTL time.Duration
	// IdleGrace is how long an empty room is kept before it is collected.
	IdleGrace time.Duration
	// DedupeWindow is the number of recent client ids remembered per room.
	DedupeWindow int
}

var DefaultRoomConfig = RoomConfig{
	BufferSize:   50,
	TypingTTL:    5 * time.Second,
	IdleGrace:    10 * time.Minute,
	DedupeWindow: 500,
}

const maxHistoryPage = 200

// accepted is a message sent with a client id and the connections that received it.
type accepted struct {
	msg       Message
	delivered map[string]struct{}
}

type typingEntry struct {
	name      string
	expiresAt time.Time
}

// Room is the in-memory state of one order's chat. All fields are guarded by mu and
// every fan-out happens while mu is held, so members observe the same order.
type Room struct {
	id         string
	mu         sync.Mutex
	messages   []Message
	members    map[string]Subscriber
	typing     map[string]typingEntry
	byClientID map[string]*accepted
	clientIDs  []string
	seq        int64
	lastSentAt time.Time
	lastActive time.Time
	warm       bool
	removed    bool
}

func clientKey(senderID, clientID string) string {
	return senderID + "\x00" + clientID
}

// Registry is the directory of rooms keyed by order id.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	// idxMu guards memberships. It is never held while acquiring a room lock.
	idxMu       sync.Mutex
	memberships map[string]map[string]struct{}

	config  RoomConfig
	history MessageHistory
	sink    MessageSink
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates a registry. history and sink may be nil, in which case the
// registry runs live-only.
func NewRegistry(config RoomConfig, history MessageHistory, sink MessageSink, logger *slog.Logger) *Registry {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultRoomConfig.BufferSize
	}
	if config.TypingTTL <= 0 {
		config.TypingTTL = DefaultRoomConfig.TypingTTL
	}
	if config.IdleGrace <= 0 {
		config.IdleGrace = DefaultRoomConfig.IdleGrace
	}
	if config.DedupeWindow <= 0 {
		config.DedupeWindow = DefaultRoomConfig.DedupeWindow
	}
	return &Registry{
		rooms:       make(map[string]*Room),
		memberships: make(map[string]map[string]struct{}),
		config:      config,
		history:     history,
		sink:        sink,
		logger:      logger,
		now:         time.Now,
	}
}

func (r *Registry) room(id string, create bool) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok && create {
		room = &Room{
			id:         id,
			members:    make(map[string]Subscriber),
			typing:     make(map[string]typingEntry),
			byClientID: make(map[string]*accepted),
			lastActive: r.now(),
		}
		r.rooms[id] = room
		metrics.RoomsActive.Inc()
	}
	return room
}

// lockRoom returns the room locked. It retries when the room was collected between
// lookup and locking.
func (r *Registry) lockRoom(id string, create bool) *Room {
	for {
		room := r.room(id, create)
		if room == nil {
			return nil
		}
		room.mu.Lock()
		if !room.removed {
			return room
		}
		room.mu.Unlock()
	}
}

// warm loads recent history into a cold room. It runs outside the room lock; store
// failures leave the room cold and live delivery unaffected.
func (r *Registry) warm(ctx context.Context, id string) {
	room := r.room(id, true)
	room.mu.Lock()
	warm := room.warm
	room.mu.Unlock()
	if warm {
		return
	}
	if r.history == nil {
		room.mu.Lock()
		room.warm = true
		room.mu.Unlock()
		return
	}

	stored, err := r.history.RoomMessages(ctx, id, time.Time{}, r.config.BufferSize)
	if err != nil {
		r.logger.Warn("backfill failed, serving live-only history",
			slog.String("room", id), slog.String("error", err.Error()))
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.warm || room.removed {
		return
	}
	known := make(map[string]struct{}, len(room.messages))
	for _, m := range room.messages {
		known[m.ID] = struct{}{}
	}
	merged := make([]Message, 0, len(stored)+len(room.messages))
	for _, m := range stored {
		if _, ok := known[m.ID]; ok {
			continue
		}
		merged = append(merged, m)
		if m.Seq > room.seq {
			room.seq = m.Seq
		}
		if m.SentAt.After(room.lastSentAt) {
			room.lastSentAt = m.SentAt
		}
	}
	merged = append(merged, room.messages...)
	if over := len(merged) - r.config.BufferSize; over > 0 {
		merged = merged[over:]
	}
	room.messages = merged
	for _, m := range stored {
		room.remember(m, nil, r.config.DedupeWindow)
	}
	room.warm = true
}

// JoinRoom adds sub to the room, enqueues room-history to it and announces the
// join to the other members. Joining twice with the same connection only replays history.
func (r *Registry) JoinRoom(ctx context.Context, sub Subscriber, roomID string) ([]Message, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, fmt.Errorf("%w: empty order id", ErrInvalidPayload)
	}
	r.warm(ctx, roomID)

	room := r.lockRoom(roomID, true)
	identity := sub.Identity()
	_, rejoin := room.members[sub.ID()]
	present := room.hasUser(identity.UserID, "")
	room.members[sub.ID()] = sub
	room.lastActive = r.now()

	history := slices.Clone(room.messages)
	if history == nil {
		history = []Message{}
	}
	sub.Send(NewEvent(RoomHistoryEvent, RoomHistoryPayload{RoomID: roomID, Messages: history}))
	if !rejoin && !present {
		room.broadcast(NewEvent(UserJoinedEvent, presence(roomID, identity)), sub.ID())
	}
	room.mu.Unlock()

	r.index(sub.ID(), roomID, true)
	return history, nil
}

// LeaveRoom removes sub from the room. Leaving a room that was never joined is a no-op.
func (r *Registry) LeaveRoom(sub Subscriber, roomID string) {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return
	}
	r.removeMemberLocked(room, sub)
	room.mu.Unlock()
	r.index(sub.ID(), roomID, false)
}

// RemoveConnection leaves every room sub had joined.
func (r *Registry) RemoveConnection(sub Subscriber) {
	r.idxMu.Lock()
	rooms := r.memberships[sub.ID()]
	delete(r.memberships, sub.ID())
	r.idxMu.Unlock()

	for roomID := range rooms {
		room := r.lockRoom(roomID, false)
		if room == nil {
			continue
		}
		r.removeMemberLocked(room, sub)
		room.mu.Unlock()
	}
}

// removeMemberLocked must be called with room.mu held.
func (r *Registry) removeMemberLocked(room *Room, sub Subscriber) {
	if _, ok := room.members[sub.ID()]; !ok {
		return
	}
	delete(room.members, sub.ID())
	room.lastActive = r.now()

	identity := sub.Identity()
	if room.hasUser(identity.UserID, "") {
		return
	}
	// the user's last connection left: their typing flag expires with it
	if entry, ok := room.typing[identity.UserID]; ok {
		delete(room.typing, identity.UserID)
		room.broadcastTyping(identity.UserID, entry.name, false, "")
	}
	room.broadcast(NewEvent(UserLeftEvent, presence(room.id, identity)), "")
}

func (r *Registry) index(connID, roomID string, add bool) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	rooms, ok := r.memberships[connID]
	if add {
		if !ok {
			rooms = make(map[string]struct{})
			r.memberships[connID] = rooms
		}
		rooms[roomID] = struct{}{}
		return
	}
	if ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.memberships, connID)
		}
	}
}

// RoomsOf returns the rooms the connection has joined, sorted.
func (r *Registry) RoomsOf(connID string) []string {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	rooms := make([]string, 0, len(r.memberships[connID]))
	for id := range r.memberships[connID] {
		rooms = append(rooms, id)
	}
	slices.Sort(rooms)
	return rooms
}

// SendMessage accepts a message from a member and fans it out to every member,
// the sender included. A resend with a known clientID returns the original message;
// it is delivered again only to a sending connection that never received it.
// Client ids are remembered for the room's last DedupeWindow accepted messages.
func (r *Registry) SendMessage(sub Subscriber, roomID, body, clientID string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrEmptyMessage
	}
	room := r.lockRoom(roomID, false)
	if room == nil {
		return Message{}, ErrRoomNotFound
	}
	defer room.mu.Unlock()

	if _, ok := room.members[sub.ID()]; !ok {
		return Message{}, ErrNotMember
	}
	identity := sub.Identity()
	if clientID != "" {
		if a, ok := room.byClientID[clientKey(identity.UserID, clientID)]; ok {
			if _, seen := a.delivered[sub.ID()]; !seen {
				a.delivered[sub.ID()] = struct{}{}
				sub.Send(NewEvent(ReceiveMessageEvent, ReceiveMessagePayload{Message: a.msg}))
			}
			return a.msg, nil
		}
	}

	now := r.now().UTC()
	// timestamps never go backwards within a room
	if !now.After(room.lastSentAt) {
		now = room.lastSentAt.Add(time.Microsecond)
	}
	room.seq++
	msg := Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		Seq:        room.seq,
		SenderID:   identity.UserID,
		SenderName: identity.Name,
		SenderRole: identity.Role,
		Body:       body,
		SentAt:     now,
		ClientID:   clientID,
	}
	room.lastSentAt = now
	room.lastActive = now
	room.append(msg, r.config.BufferSize)

	recipients := room.broadcast(NewEvent(ReceiveMessageEvent, ReceiveMessagePayload{Message: msg}), "")
	room.remember(msg, recipients, r.config.DedupeWindow)
	if r.sink != nil {
		r.sink.EnqueueMessage(msg)
	}
	metrics.MessagesAccepted.Inc()
	return msg, nil
}

// SetTyping records the typing flag of sub's user and sends the room's typing list
// to every other member.
func (r *Registry) SetTyping(sub Subscriber, roomID string, isTyping bool) error {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return ErrRoomNotFound
	}
	defer room.mu.Unlock()

	if _, ok := room.members[sub.ID()]; !ok {
		return ErrNotMember
	}
	now := r.now()
	r.expireTypingLocked(room, now)

	identity := sub.Identity()
	if isTyping {
		room.typing[identity.UserID] = typingEntry{name: identity.Name, expiresAt: now.Add(r.config.TypingTTL)}
	} else {
		delete(room.typing, identity.UserID)
	}
	room.lastActive = now
	room.broadcastTyping(identity.UserID, identity.Name, isTyping, sub.ID())
	return nil
}

// TypingUsers returns the users currently typing in the room, sorted by user id.
func (r *Registry) TypingUsers(roomID string) []TypingUser {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return nil
	}
	defer room.mu.Unlock()
	r.expireTypingLocked(room, r.now())
	return room.typingUsers("")
}

// Broadcast sends e to every member of the room and returns the ids of the
// connections it was sent to. Unknown rooms are ignored.
func (r *Registry) Broadcast(roomID string, e *Event) []string {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return nil
	}
	defer room.mu.Unlock()
	return room.broadcast(e, "")
}

// History serves room messages older than before from the history store.
func (r *Registry) History(ctx context.Context, roomID string, before time.Time, limit int) ([]Message, error) {
	if r.history == nil {
		return nil, ErrStorageUnavailable
	}
	if limit <= 0 || limit > maxHistoryPage {
		limit = r.config.BufferSize
	}
	msgs, err := r.history.RoomMessages(ctx, roomID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return msgs, nil
}

// Members returns the identities of the room's members, one per user.
func (r *Registry) Members(roomID string) []Identity {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return nil
	}
	defer room.mu.Unlock()
	seen := make(map[string]struct{})
	var members []Identity
	for _, sub := range room.members {
		identity := sub.Identity()
		if _, ok := seen[identity.UserID]; ok {
			continue
		}
		seen[identity.UserID] = struct{}{}
		members = append(members, identity)
	}
	slices.SortFunc(members, func(a, b Identity) int { return strings.Compare(a.UserID, b.UserID) })
	return members
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Sweep expires typing flags, drops members whose connection has closed and
// collects rooms that have been empty for longer than the idle grace. The
// connection's membership index is left to RemoveConnection so a disconnect in
// progress can still snapshot it.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	var idle []string
	for _, room := range rooms {
		room.mu.Lock()
		for _, sub := range room.members {
			if sub.Closed() {
				r.removeMemberLocked(room, sub)
			}
		}
		r.expireTypingLocked(room, now)
		if r.collectable(room, now) {
			idle = append(idle, room.id)
		}
		room.mu.Unlock()
	}
	if len(idle) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range idle {
		room, ok := r.rooms[id]
		if !ok {
			continue
		}
		room.mu.Lock()
		if r.collectable(room, now) {
			room.removed = true
			delete(r.rooms, id)
			metrics.RoomsActive.Dec()
			r.logger.Debug("room collected", slog.String("room", id))
		}
		room.mu.Unlock()
	}
}

func (r *Registry) collectable(room *Room, now time.Time) bool {
	return len(room.members) == 0 && now.Sub(room.lastActive) > r.config.IdleGrace
}

// expireTypingLocked drops expired typing flags and announces each one as stopped.
func (r *Registry) expireTypingLocked(room *Room, now time.Time) {
	for userID, entry := range room.typing {
		if now.After(entry.expiresAt) {
			delete(room.typing, userID)
			room.broadcastTyping(userID, entry.name, false, "")
		}
	}
}

func (room *Room) append(m Message, capacity int) {
	room.messages = append(room.messages, m)
	if over := len(room.messages) - capacity; over > 0 {
		room.messages = slices.Clone(room.messages[over:])
	}
}

// remember indexes m by its client id, evicting the oldest ids past window.
// Known ids keep their original entry.
func (room *Room) remember(m Message, delivered []string, window int) {
	if m.ClientID == "" {
		return
	}
	key := clientKey(m.SenderID, m.ClientID)
	if _, ok := room.byClientID[key]; ok {
		return
	}
	a := &accepted{msg: m, delivered: make(map[string]struct{}, len(delivered))}
	for _, id := range delivered {
		a.delivered[id] = struct{}{}
	}
	room.byClientID[key] = a
	room.clientIDs = append(room.clientIDs, key)
	if over := len(room.clientIDs) - window; over > 0 {
		for _, evicted := range room.clientIDs[:over] {
			delete(room.byClientID, evicted)
		}
		room.clientIDs = slices.Clone(room.clientIDs[over:])
	}
}

func (room *Room) hasUser(userID, exceptConn string) bool {
	for id, sub := range room.members {
		if id != exceptConn && sub.Identity().UserID == userID {
			return true
		}
	}
	return false
}

func (room *Room) broadcast(e *Event, exceptConn string) []string {
	sent := make([]string, 0, len(room.members))
	for id, sub := range room.members {
		if id == exceptConn {
			continue
		}
		sub.Send(e)
		sent = append(sent, id)
	}
	return sent
}

// typingUsers lists typing users other than excludeUser, sorted by user id.
func (room *Room) typingUsers(excludeUser string) []TypingUser {
	users := make([]TypingUser, 0, len(room.typing))
	for userID, entry := range room.typing {
		if userID == excludeUser {
			continue
		}
		users = append(users, TypingUser{UserID: userID, UserName: entry.name})
	}
	slices.SortFunc(users, func(a, b TypingUser) int { return strings.Compare(a.UserID, b.UserID) })
	return users
}

// broadcastTyping sends each member other than exceptConn the typing list without
// the member's own entry.
func (room *Room) broadcastTyping(userID, userName string, isTyping bool, exceptConn string) {
	for id, sub := range room.members {
		if id == exceptConn {
			continue
		}
		sub.Send(NewEvent(UserTypingEvent, UserTypingPayload{
			RoomID:      room.id,
			UserID:      userID,
			UserName:    userName,
			IsTyping:    isTyping,
			TypingUsers: room.typingUsers(sub.Identity().UserID),
		}))
	}
}

func presence(roomID string, identity Identity) PresencePayload {
	return PresencePayload{RoomID: roomID, UserID: identity.UserID, UserName: identity.Name, Role: identity.Role}
}
