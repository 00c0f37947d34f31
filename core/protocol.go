package core

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Client to server command types.
const (
	JoinRoomCommand       = "join-room"
	LeaveRoomCommand      = "leave-room"
	SendMessageCommand    = "send-message"
	TypingCommand         = "typing"
	JoinTrackingCommand   = "join-location-tracking"
	LocationUpdateCommand = "location-update"
	LeaveTrackingCommand  = "leave-location-tracking"
	ResumeCommand         = "resume"
)

// Server to client event types.
const (
	RoomHistoryEvent      = "room-history"
	ReceiveMessageEvent   = "receive-message"
	UserJoinedEvent       = "user-joined"
	UserLeftEvent         = "user-left"
	UserTypingEvent       = "user-typing"
	TrackingStartedEvent  = "location-tracking-started"
	LocationUpdatedEvent  = "location-updated"
	TrackingEndedEvent    = "location-tracking-ended"
	LocationSnapshotEvent = "location-snapshot"
	ResumedEvent          = "resumed"
	ErrorEvent            = "error"
)

type JoinRoomPayload struct {
	OrderID string `json:"orderId" validate:"required,max=128"`
}

type LeaveRoomPayload struct {
	OrderID string `json:"orderId" validate:"required,max=128"`
}

// SendMessagePayload mirrors the client's message shape. Sender fields are
// optional; the sender is always the authenticated identity.
type SendMessagePayload struct {
	RoomID     string          `json:"roomId" validate:"required,max=128"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName"`
	SenderType string          `json:"senderType"`
	Message    string          `json:"message" validate:"max=4000"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
	ClientID   string          `json:"clientId" validate:"max=128"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

type JoinTrackingPayload struct {
	OrderID         string `json:"orderId" validate:"required,max=128"`
	DeliveryBoyID   string `json:"deliveryBoyId"`
	DeliveryBoyName string `json:"deliveryBoyName"`
}

type LocationUpdatePayload struct {
	OrderID       string          `json:"orderId" validate:"required,max=128"`
	DeliveryBoyID string          `json:"deliveryBoyId"`
	Latitude      *float64        `json:"latitude" validate:"required"`
	Longitude     *float64        `json:"longitude" validate:"required"`
	Accuracy      *float64        `json:"accuracy,omitempty"`
	Altitude      *float64        `json:"altitude,omitempty"`
	Speed         *float64        `json:"speed,omitempty"`
	Heading       *float64        `json:"heading,omitempty"`
	Timestamp     json.RawMessage `json:"timestamp,omitempty"`
}

// Sample converts the payload to a LocationSample. Coordinates are validated by the manager.
func (p LocationUpdatePayload) Sample() LocationSample {
	return LocationSample{
		Latitude:  *p.Latitude,
		Longitude: *p.Longitude,
		Accuracy:  p.Accuracy,
		Altitude:  p.Altitude,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Timestamp: ParseClientTime(p.Timestamp),
	}
}

type LeaveTrackingPayload struct {
	OrderID       string `json:"orderId" validate:"required,max=128"`
	DeliveryBoyID string `json:"deliveryBoyId"`
}

type ResumePayload struct {
	OrderIDs []string `json:"orderIds" validate:"max=50,dive,required,max=128"`
}

type RoomHistoryPayload struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

type ReceiveMessagePayload struct {
	Message Message `json:"message"`
}

type PresencePayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Role     Role   `json:"role"`
}

type TypingUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type UserTypingPayload struct {
	RoomID      string       `json:"roomId"`
	UserID      string       `json:"userId"`
	UserName    string       `json:"userName"`
	IsTyping    bool         `json:"isTyping"`
	TypingUsers []TypingUser `json:"typingUsers"`
}

type TrackingPayload struct {
	Session LocationSession `json:"session"`
	OrderID string          `json:"orderId"`
}

// LocationUpdatedPayload is the flattened last-known position of one courier on one order.
// Live is false when it was read from history rather than an active session.
type LocationUpdatedPayload struct {
	OrderID     string    `json:"orderId"`
	SessionID   string    `json:"sessionId"`
	CourierID   string    `json:"deliveryBoyId"`
	CourierName string    `json:"deliveryBoyName"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Accuracy    *float64  `json:"accuracy,omitempty"`
	Altitude    *float64  `json:"altitude,omitempty"`
	Speed       *float64  `json:"speed,omitempty"`
	Heading     *float64  `json:"heading,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Live        bool      `json:"live"`
}

type LocationSnapshotPayload struct {
	Locations map[string]LocationUpdatedPayload `json:"locations"`
}

type ResumedPayload struct {
	OrderIDs []string `json:"orderIds"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

// ParseClientTime accepts epoch milliseconds or an RFC 3339 string and returns the
// zero time for anything else. Client clocks are informational only.
func ParseClientTime(raw json.RawMessage) time.Time {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return time.UnixMilli(int64(ms)).UTC()
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
