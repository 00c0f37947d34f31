package courierlink

import (
	"context"
	"fmt"

	"github.com/putto11262002/courierlink/core"
)

// checkIdentity rejects payload identity fields that disagree with the connection.
// Empty fields are filled in from the connection by the callers.
func checkIdentity(identity core.Identity, userID string, role string) error {
	if userID != "" && userID != identity.UserID {
		return fmt.Errorf("%w: %q is not the connected user", core.ErrIdentityMismatch, userID)
	}
	if role != "" && core.Role(role) != identity.Role {
		return fmt.Errorf("%w: role %q", core.ErrIdentityMismatch, role)
	}
	return nil
}

func (app *App) registerEvents() {
	app.eventRouter.On(core.JoinRoomCommand, app.JoinRoomHandler)
	app.eventRouter.On(core.LeaveRoomCommand, app.LeaveRoomHandler)
	app.eventRouter.On(core.SendMessageCommand, app.SendMessageHandler)
	app.eventRouter.On(core.TypingCommand, app.TypingHandler)
	app.eventRouter.On(core.JoinTrackingCommand, app.StartTrackingHandler)
	app.eventRouter.On(core.LocationUpdateCommand, app.LocationUpdateHandler)
	app.eventRouter.On(core.LeaveTrackingCommand, app.StopTrackingHandler)
	app.eventRouter.On(core.ResumeCommand, app.ResumeHandler)
}

func (app *App) JoinRoomHandler(ctx context.Context, c *core.Conn, cmd *core.Command) error {
	var p core.JoinRoomPayload
	if err := core.DecodePayload(cmd, &p); err != nil {
		return err
	}
	if _, err := app.rooms.JoinRoom(ctx, c, p.OrderID); err != nil {
		return err
	}
	// watchers see where the courier is right away
	app.locations.ReplayTo(ctx, c, p.OrderID)
	return nil
}

func (app *App) LeaveRoomHandler(ctx context.Context, c *core.Conn, cmd *core.Command) error {
	var p core.LeaveRoomPayload
	if err := core.DecodePayload(cmd, &p); err != nil {
		return err
	}
	app.rooms.LeaveRoom(c, p.OrderID)
	return nil
}

func (app *App) SendMessageHandler(ctx context.Context, c *core.Conn, cmd *core.Command) error {
	var p core.SendMessagePayload
	if err := core.DecodePayload(cmd, &p); err != nil {
		return err
	}
	if err := checkIdentity(c.Identity(), p.SenderID, p.SenderType); err != nil {
		return err
	}
	_, err := app.rooms.SendMessage(c, p.RoomID, p.Message, p.ClientID)
	return err
}

func (app *App) TypingHandler(ctx context.Context, c *core.Conn, cmd *core.Command) error {
	var p core.TypingPayload
	if err := core.DecodePayload(cmd, &p); err != nil {
		return err
	}
	if err := checkIdentity(c.Identity(), p.UserID, ""); err != nil {
		return err
	}
	return app.rooms.SetTyping(c, p.RoomID, p.IsTyping)
}

func (app *App) StartTrackingHandler(ctx context.Context, c *core.Conn, cmd *core.Command) error {
	var p core.JoinTrackingPayload
	if err := core.DecodePayload(cmd, &p); err != nil {
		return err
	}
	if err := checkIdentity(c.Identity(), p.DeliveryBoyID, ""); err != nil {
		return err
	}
	_, err := app.locations.StartTracking(c, p.OrderID)
	return err
}

func (app *App) LocationUpdateHandler(ctx context.Context, c *core.Conn, cmd *core.Command) error {
	var p core.LocationUpdatePayload
	if err := core.DecodePayload(cmd, &p); err != nil {
		return err
	}
	if err := checkIdentity(c.Identity(), p.DeliveryBoyID, ""); err != nil {
		return err
	}
	_, err := app.locations.ReportPosition(c, p.OrderID, p.Sample())
	return err
}

func (app *App) StopTrackingHandler(ctx context.Context, c *core.Conn, cmd *core.Command) error {
	var p core.LeaveTrackingPayload
	if err := core.DecodePayload(cmd, &p); err != nil {
		return err
	}
	if err := checkIdentity(c.Identity(), p.DeliveryBoyID, ""); err != nil {
		return err
	}
	_, err := app.locations.StopTracking(c, p.OrderID)
	return err
}

func (app *App) ResumeHandler(ctx context.Context, c *core.Conn, cmd *core.Command) error {
	var p core.ResumePayload
	if err := core.DecodePayload(cmd, &p); err != nil {
		return err
	}
	app.resume.Resume(ctx, c, p.OrderIDs)
	return nil
}

// onConnect subscribes admins to the live feed and restores the rooms of a
// reconnecting user.
func (app *App) onConnect(ctx context.Context, c *core.Conn) {
	if c.Identity().Role == core.RoleAdmin {
		app.locations.WatchAll(ctx, c)
	}
	app.resume.Restore(ctx, c)
}

// onDisconnect leaves every room and the admin feed. Tracking sessions are kept
// alive so a courier can reconnect; they end on stop or timeout.
func (app *App) onDisconnect(c *core.Conn) {
	app.resume.Remember(c)
	app.rooms.RemoveConnection(c)
	app.locations.Unwatch(c)
}
