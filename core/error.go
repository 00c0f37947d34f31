package core

import "errors"

// ErrorKind classifies an error by how it propagates.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	// KindAuthentication covers missing, invalid or insufficient credentials.
	KindAuthentication
	// KindValidation covers malformed requests. They are dropped without a broadcast.
	KindValidation
	// KindState covers requests that do not fit the current state, e.g. a sample
	// for a session that is no longer active.
	KindState
	KindNotFound
	// KindTransientStorage covers history store failures. They never block live delivery.
	KindTransientStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	case KindTransientStorage:
		return "transient_storage"
	default:
		return "internal"
	}
}

type Error struct {
	Kind ErrorKind
	// Code is a stable machine readable identifier sent to clients.
	Code string
	msg  string
	// Sensitive is a flag to indicate if the error is sensitive or not.
	// If it is not, it can be returned to the client.
	Sensitive bool
}

func NewError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func NewSensitiveError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg, Sensitive: true}
}

func (e *Error) Error() string {
	return e.msg
}

var (
	ErrUnauthenticated    = NewError(KindAuthentication, "unauthenticated", "unauthenticated")
	ErrForbidden          = NewError(KindAuthentication, "forbidden", "role is not allowed to perform this operation")
	ErrInvalidPayload     = NewError(KindValidation, "invalid_payload", "invalid payload")
	ErrEmptyMessage       = NewError(KindValidation, "empty_message", "message body is empty")
	ErrInvalidCoordinates = NewError(KindValidation, "invalid_coordinates", "invalid coordinates")
	ErrIdentityMismatch   = NewError(KindValidation, "identity_mismatch", "payload identity does not match the connection")
	ErrUnknownEvent       = NewError(KindValidation, "unknown_event", "unknown event type")
	ErrRateLimited        = NewError(KindValidation, "rate_limited", "too many events")
	ErrNotMember          = NewError(KindState, "not_member", "not a member of the room")
	ErrNoActiveSession    = NewError(KindState, "no_active_session", "no active tracking session for this order")
	ErrRoomNotFound       = NewError(KindNotFound, "room_not_found", "room not found")
	ErrStorageUnavailable = NewError(KindTransientStorage, "storage_unavailable", "history is temporarily unavailable")
)

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for errors outside the taxonomy.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}
