package courierlink

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/putto11262002/courierlink/core"
	"github.com/putto11262002/courierlink/pkg/router"
)

// caller is the REST counterpart of a connection. Events addressed to it are dropped.
type caller struct {
	identity core.Identity
}

func (c caller) ID() string              { return "rest:" + c.identity.UserID }
func (c caller) Identity() core.Identity { return c.identity }
func (c caller) Send(*core.Event) bool   { return false }
func (c caller) Closed() bool            { return true }

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, router.NewJsonError(http.StatusBadRequest, key+" must be a non-negative integer")
	}
	return n, nil
}

func (app *App) LatestLocationsHandler(w http.ResponseWriter, r *http.Request) error {
	return router.WriteJSON(w, http.StatusOK, core.LocationSnapshotPayload{
		Locations: app.locations.Snapshot(r.Context()),
	})
}

// ActiveSessionsHandler lists active tracking sessions. Couriers only see their own.
func (app *App) ActiveSessionsHandler(w http.ResponseWriter, r *http.Request) error {
	identity := core.IdentityFromRequest(r)
	courierID := r.URL.Query().Get("courierId")
	switch identity.Role {
	case core.RoleCourier:
		if courierID != "" && courierID != identity.UserID {
			return core.ErrForbidden
		}
		courierID = identity.UserID
	case core.RoleAdmin:
	default:
		return core.ErrForbidden
	}
	sessions := app.locations.ActiveSessions(courierID)
	if sessions == nil {
		sessions = []core.LocationSession{}
	}
	return router.WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (app *App) OrderLocationsHandler(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit", 500)
	if err != nil {
		return err
	}
	records, err := app.store.OrderLocationHistory(r.Context(), chi.URLParam(r, "orderID"), limit)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return router.WriteJSON(w, http.StatusOK, map[string]any{"samples": records})
}

type postLocationResponse struct {
	// Live reports whether the sample was broadcast to an active session.
	Live    bool                  `json:"live"`
	Session *core.LocationSession `json:"session,omitempty"`
}

// PostLocationHandler is the durable write path for a sample. It is applied to the
// courier's active session when there is one and stored without a broadcast otherwise.
func (app *App) PostLocationHandler(w http.ResponseWriter, r *http.Request) error {
	identity := core.IdentityFromRequest(r)
	orderID := chi.URLParam(r, "orderID")

	var p core.LocationUpdatePayload
	if err := router.DecodeJSON(r, &p); err != nil {
		return err
	}
	p.OrderID = orderID
	if err := validate.Struct(p); err != nil {
		return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err))
	}
	if err := checkIdentity(identity, p.DeliveryBoyID, ""); err != nil {
		return err
	}

	sample := p.Sample()
	session, err := app.locations.ReportPosition(caller{identity: identity}, orderID, sample)
	switch {
	case err == nil:
		return router.WriteJSON(w, http.StatusAccepted, postLocationResponse{Live: true, Session: &session})
	case !errors.Is(err, core.ErrNoActiveSession):
		return err
	}

	now := time.Now().UTC()
	sample.ReceivedAt = now
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	app.persister.EnqueueSample(core.SampleRecord{
		OrderID:        orderID,
		CourierID:      identity.UserID,
		CourierName:    identity.Name,
		LocationSample: sample,
	})
	return router.WriteJSON(w, http.StatusAccepted, postLocationResponse{Live: false})
}

func (app *App) RoomMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return err
	}
	var before time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		before, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return router.NewJsonError(http.StatusBadRequest, "before must be an RFC 3339 timestamp")
		}
	}
	msgs, err := app.rooms.History(r.Context(), chi.URLParam(r, "orderID"), before, limit)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (app *App) HealthHandler(w http.ResponseWriter, r *http.Request) error {
	if err := app.db.PingContext(r.Context()); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return router.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": app.gateway.Count(),
		"rooms":       app.rooms.Len(),
	})
}
