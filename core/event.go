package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Event is an outbound frame. Payload is encoded by the connection's write loop,
// so it must not be mutated after the event is handed to Send.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func NewEvent(t string, payload any) *Event {
	return &Event{Type: t, Payload: payload}
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s}", e.Type)
}

// Command is an inbound frame. The payload is decoded by the handler registered for Type.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c Command) String() string {
	return fmt.Sprintf("Command{Type: %s, Payload.Size: %d}", c.Type, len(c.Payload))
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeCommand(r io.Reader, c *Command) error {
	if err := json.NewDecoder(r).Decode(c); err != nil {
		return fmt.Errorf("%w: decode command: %v", ErrInvalidPayload, err)
	}
	if c.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json field names so error messages match the wire format
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// DecodePayload unmarshals the command payload into v and validates it.
func DecodePayload[T any](cmd *Command, v *T) error {
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(cmd.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// HandlerFunc handles one command for one connection. A returned error is reported
// to that connection only.
type HandlerFunc func(ctx context.Context, c *Conn, cmd *Command) error

// Dispatcher routes inbound commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Conn, cmd *Command) error
}

// EventRouter maps command types to handlers. Handlers are registered before the
// gateway starts accepting connections and the map is read-only afterwards.
type EventRouter struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

func (er *EventRouter) On(t string, handler HandlerFunc) {
	er.handlers[t] = handler
}

func (er *EventRouter) Dispatch(ctx context.Context, c *Conn, cmd *Command) error {
	h, ok := er.handlers[cmd.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, cmd.Type)
	}
	er.logger.Debug("dispatch", slog.String("type", cmd.Type), slog.String("conn", c.ID()))
	return h(ctx, c, cmd)
}
